package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"e2e_groupchat/internal/cryptographic/cipher"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/conversation"
	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/service/relay"
	"e2e_groupchat/internal/service/store"
	"e2e_groupchat/internal/utils/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
}

func (r *recordingSender) Send(_ context.Context, envs ...*envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, envs...)
	return nil
}

func newKeyPair(t *testing.T) *model.KeyPair {
	t.Helper()
	kp, err := model.NewKeyPair()
	require.NoError(t, err)
	return kp
}

func newSession(t *testing.T, policy Policy) (*Session, *messaging.Processor) {
	t.Helper()
	p := messaging.NewProcessor()
	s, err := New(Config{
		Identity:             newKeyPair(t),
		Cipher:               cipher.Default{},
		Processor:            p,
		Sender:               &recordingSender{},
		Policy:               policy,
		UnknownSenderRetries: 2,
	})
	require.NoError(t, err)
	return s, p
}

func deliver(p *messaging.Processor, envs ...*envelope.Envelope) {
	p.Merge(envs)
	p.Process(context.Background())
}

func rejection(t *testing.T, s *Session) messaging.Rejection {
	t.Helper()
	select {
	case r := <-s.Rejections():
		return r
	default:
		t.Fatal("expected a rejection")
		return messaging.Rejection{}
	}
}

func noRejection(t *testing.T, s *Session) {
	t.Helper()
	select {
	case r := <-s.Rejections():
		t.Fatalf("unexpected rejection of %s: %v", r.Envelope.ID(), r.Err)
	default:
	}
}

func signedText(t *testing.T, kp *model.KeyPair) *envelope.Envelope {
	t.Helper()
	env, err := envelope.NewBuilder(model.PlainText).Content([]byte("x")).Sign(cipher.Default{}, kp)
	require.NoError(t, err)
	return env
}

func TestLearnsSelfSignedKey(t *testing.T) {
	prev := log.Logger()
	log.ReplaceLogger(zaptest.NewLogger(t))
	t.Cleanup(func() { log.ReplaceLogger(prev) })

	s, p := newSession(t, RejectUnverified)
	other := newKeyPair(t)

	announce, err := envelope.NewSelfSignedPublicKey(cipher.Default{}, other)
	require.NoError(t, err)
	deliver(p, announce)

	got, ok := s.PublicKeys().Get(other.ID())
	require.True(t, ok)
	assert.True(t, got.Equal(other.Public()))
	noRejection(t, s)
}

func TestForgedAnnouncementRejected(t *testing.T) {
	s, p := newSession(t, AcceptUnverified)
	victim, forger := newKeyPair(t), newKeyPair(t)

	// forger's signature over victim's key
	forged, err := envelope.NewBuilder(model.PublicKeyType).Content(victim.Public().Bytes()).Sign(cipher.Default{}, forger)
	require.NoError(t, err)
	deliver(p, forged)

	r := rejection(t, s)
	assert.ErrorIs(t, r.Err, ErrNotSelfSigned)
	_, ok := s.PublicKeys().Get(victim.ID())
	assert.False(t, ok)
}

func TestSignatureMismatchRejected(t *testing.T) {
	s, p := newSession(t, AcceptUnverified)
	sender, impostor := newKeyPair(t), newKeyPair(t)
	s.PublicKeys().Add(sender.Public())
	s.PublicKeys().Add(impostor.Public())

	good := signedText(t, sender)
	data, err := good.MarshalJSON()
	require.NoError(t, err)
	var tampered envelope.Envelope
	require.NoError(t, tampered.UnmarshalJSON([]byte(
		string(data[:len(data)-1])+`,"senderId":"`+impostor.ID()+`"}`)))
	require.Equal(t, impostor.ID(), tampered.SenderID())

	deliver(p, &tampered)
	r := rejection(t, s)
	assert.ErrorIs(t, r.Err, ErrVerification)
	assert.ErrorIs(t, r.Err, envelope.ErrBadSignature)
}

func TestUnsignedFollowsPolicy(t *testing.T) {
	unsigned := envelope.NewBuilder(model.PlainText).Unsigned()

	accepting, p := newSession(t, AcceptUnverified)
	deliver(p, unsigned)
	noRejection(t, accepting)

	rejecting, p := newSession(t, RejectUnverified)
	deliver(p, unsigned)
	r := rejection(t, rejecting)
	assert.ErrorIs(t, r.Err, ErrUnverified)
	assert.ErrorIs(t, r.Err, envelope.ErrUnsigned)
}

func TestUnknownSenderDeferredUntilKeyArrives(t *testing.T) {
	s, p := newSession(t, RejectUnverified)
	sender := newKeyPair(t)
	var seen int
	p.Register(func(env *envelope.Envelope) bool { return env.Type() == model.PlainText },
		func(context.Context, *envelope.Envelope) error {
			seen++
			return nil
		})

	deliver(p, signedText(t, sender))
	assert.Equal(t, 1, p.Pending())
	assert.Zero(t, seen)

	announce, err := envelope.NewSelfSignedPublicKey(cipher.Default{}, sender)
	require.NoError(t, err)
	deliver(p, announce)
	// the deferred text was retried ahead of the announcement
	p.Process(context.Background())

	assert.Zero(t, p.Pending())
	assert.Equal(t, 1, seen)
	noRejection(t, s)
}

func TestUnknownSenderEventuallyRejected(t *testing.T) {
	s, p := newSession(t, RejectUnverified)
	deliver(p, signedText(t, newKeyPair(t)))
	for i := 0; i < 3; i++ {
		p.Process(context.Background())
	}
	assert.Zero(t, p.Pending())
	r := rejection(t, s)
	assert.ErrorIs(t, r.Err, ErrUnknownPublicKey)
}

func TestOrphanHeldUntilFinalAttempt(t *testing.T) {
	p := messaging.NewProcessor(messaging.WithMaxAttempts(3))
	s, err := New(Config{
		Identity:  newKeyPair(t),
		Cipher:    cipher.Default{},
		Processor: p,
		Sender:    &recordingSender{},
	})
	require.NoError(t, err)
	sender := newKeyPair(t)
	s.PublicKeys().Add(sender.Public())

	env, err := envelope.NewBuilder(model.PlainText).Conversation("c1").Content([]byte("x")).Sign(cipher.Default{}, sender)
	require.NoError(t, err)
	deliver(p, env)
	p.Process(context.Background())
	assert.Equal(t, 1, p.Pending())

	p.Process(context.Background())
	assert.Zero(t, p.Pending())
	noRejection(t, s)
}

func TestLeave(t *testing.T) {
	s, p := newSession(t, AcceptUnverified)
	conv, err := s.StartConversation()
	require.NoError(t, err)
	events, _ := conv.Subscribe()

	require.NoError(t, s.Leave(conv.ID()))
	assert.Nil(t, s.Conversation(conv.ID()))
	assert.Empty(t, s.Conversations())
	assert.Error(t, s.Leave(conv.ID()))

	// traffic for a left conversation is neither dispatched nor held
	env, err := envelope.NewBuilder(model.PlainText).Conversation(conv.ID()).Content([]byte("x")).Sign(cipher.Default{}, s.Identity())
	require.NoError(t, err)
	deliver(p, env)
	assert.Zero(t, p.Pending())
	select {
	case ev := <-events:
		t.Fatalf("unexpected %s event", ev.Kind)
	default:
	}
}

type member struct {
	session   *Session
	processor *messaging.Processor
	transport messaging.Transport
	events    <-chan conversation.Event
}

func newMember(t *testing.T, transport messaging.Transport) *member {
	t.Helper()
	kp := newKeyPair(t)
	p := messaging.NewProcessor()
	m := &member{processor: p, transport: transport}
	s, err := New(Config{
		Identity:  kp,
		Cipher:    cipher.Default{},
		Processor: p,
		Sender:    messaging.NewService(transport, p, messaging.Config{RecipientID: kp.ID()}),
		Policy:    RejectUnverified,
		OnInitiate: func(conv *conversation.Conversation) error {
			m.events, _ = conv.Subscribe()
			return nil
		},
	})
	require.NoError(t, err)
	m.session = s
	return m
}

// fetch merges everything addressed to m in a single batch.
func (m *member) fetch(t *testing.T) {
	t.Helper()
	batch, err := m.transport.Fetch(context.Background(), messaging.Query{RecipientID: m.session.ID()})
	require.NoError(t, err)
	m.processor.Merge(batch)
}

func TestLateJoinerReceivesFirstMessage(t *testing.T) {
	for _, tt := range []struct {
		name      string
		knowsHost bool
	}{
		{"host key known", true},
		{"host key learned from introduction", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			messages, err := store.NewMessageStore(nil)
			require.NoError(t, err)
			transport := relay.NewLocal(messages)

			alice, bob := newMember(t, transport), newMember(t, transport)
			if tt.knowsHost {
				bob.session.PublicKeys().Add(alice.session.Identity().Public())
			}
			require.NoError(t, bob.session.Announce(ctx))
			alice.fetch(t)
			alice.processor.Process(ctx)
			_, ok := alice.session.PublicKeys().Get(bob.session.ID())
			require.True(t, ok)

			conv, err := alice.session.StartConversation()
			require.NoError(t, err)
			require.NoError(t, alice.session.Invite(ctx, conv.ID(), bob.session.ID()))
			hello, err := conv.Send(ctx, "hello")
			require.NoError(t, err)

			// introduction, key and text all arrive in bob's first batch
			bob.fetch(t)
			for i := 0; i < 4; i++ {
				bob.processor.Process(ctx)
			}
			require.NotNil(t, bob.events, "bob never joined")
			assert.Zero(t, bob.processor.Pending())
			noRejection(t, bob.session)

			var received []conversation.Event
			for done := false; !done; {
				select {
				case ev := <-bob.events:
					assert.NotEqual(t, conversation.EventUndecryptable, ev.Kind)
					if ev.Kind == conversation.EventReceived {
						received = append(received, ev)
					}
				default:
					done = true
				}
			}
			require.Len(t, received, 1)
			assert.Equal(t, "hello", received[0].Text)
			assert.Equal(t, hello.ID(), received[0].MessageID)
			assert.Equal(t, alice.session.ID(), received[0].SenderID)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, RejectUnverified, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, AcceptUnverified, p)
	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}

type client struct {
	session *Session
	service *messaging.Service
	joined  chan *conversation.Conversation
}

func startClient(t *testing.T, ctx context.Context, transport messaging.Transport, onInitiate func(*conversation.Conversation) error) *client {
	t.Helper()
	kp := newKeyPair(t)
	p := messaging.NewProcessor()
	service := messaging.NewService(transport, p, messaging.Config{RecipientID: kp.ID(), PollInterval: time.Millisecond})
	c := &client{service: service, joined: make(chan *conversation.Conversation, 4)}

	s, err := New(Config{
		Identity:  kp,
		Cipher:    cipher.Default{},
		Processor: p,
		Sender:    service,
		Policy:    RejectUnverified,
		OnInitiate: func(conv *conversation.Conversation) error {
			if onInitiate != nil {
				if err := onInitiate(conv); err != nil {
					return err
				}
			}
			c.joined <- conv
			return nil
		},
	})
	require.NoError(t, err)
	c.session = s

	go service.Run(ctx)
	require.NoError(t, s.Announce(ctx))
	return c
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := store.NewMessageStore(nil)
	require.NoError(t, err)
	transport := relay.NewLocal(messages)

	var bobEvents <-chan conversation.Event
	alice := startClient(t, ctx, transport, nil)
	bob := startClient(t, ctx, transport, func(conv *conversation.Conversation) error {
		bobEvents, _ = conv.Subscribe()
		return nil
	})

	require.Eventually(t, func() bool {
		_, ok := alice.session.PublicKeys().Get(bob.session.ID())
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	conv, err := alice.session.StartConversation()
	require.NoError(t, err)
	aliceEvents, _ := conv.Subscribe()
	require.NoError(t, alice.session.Invite(ctx, conv.ID(), bob.session.ID()))

	var bobConv *conversation.Conversation
	select {
	case bobConv = <-bob.joined:
	case <-time.After(2 * time.Second):
		t.Fatal("bob never joined")
	}
	assert.Equal(t, conv.ID(), bobConv.ID())
	assert.Same(t, bobConv, bob.session.Conversation(conv.ID()))
	assert.ElementsMatch(t, []string{alice.session.ID(), bob.session.ID()}, bobConv.Participants())

	hello, err := conv.Send(ctx, "hello")
	require.NoError(t, err)

	ev := waitFor(t, bobEvents, conversation.EventReceived)
	assert.Equal(t, "hello", ev.Text)
	assert.Equal(t, alice.session.ID(), ev.SenderID)

	receipt := waitFor(t, aliceEvents, conversation.EventReceipt)
	assert.Equal(t, hello.ID(), receipt.MessageID)
	assert.Equal(t, bob.session.ID(), receipt.SenderID)

	_, err = bobConv.Send(ctx, "hi alice")
	require.NoError(t, err)
	reply := waitFor(t, aliceEvents, conversation.EventReceived)
	assert.Equal(t, "hi alice", reply.Text)

	assert.Len(t, alice.session.Conversations(), 1)
	noRejection(t, alice.session)
	noRejection(t, bob.session)
}

func TestDeclinedInvitation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := store.NewMessageStore(nil)
	require.NoError(t, err)
	transport := relay.NewLocal(messages)

	declined := errors.New("not now")
	alice := startClient(t, ctx, transport, nil)
	bob := startClient(t, ctx, transport, func(*conversation.Conversation) error { return declined })

	require.Eventually(t, func() bool {
		_, ok := alice.session.PublicKeys().Get(bob.session.ID())
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	conv, err := alice.session.StartConversation()
	require.NoError(t, err)
	require.NoError(t, alice.session.Invite(ctx, conv.ID(), bob.session.ID()))

	select {
	case r := <-bob.session.Rejections():
		assert.ErrorIs(t, r.Err, declined)
	case <-time.After(2 * time.Second):
		t.Fatal("declined introduction not surfaced")
	}
	assert.Empty(t, bob.session.Conversations())

	assert.ErrorIs(t, alice.session.Invite(ctx, conv.ID(), "nobody"), ErrUnknownPublicKey)
}

func waitFor(t *testing.T, events <-chan conversation.Event, kind conversation.EventKind) conversation.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

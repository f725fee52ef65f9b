// Package conversation implements one participant's view of a group
// conversation: secret-key rotation and distribution, participant
// introduction, encrypted text and delivery receipts.
package conversation

import (
	"errors"
	"slices"
	"sync"
	"time"

	"e2e_groupchat/internal/cryptographic/cipher"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/protocol/keystore"
	"e2e_groupchat/internal/service/messaging"

	"github.com/benbjohnson/clock"
)

const DefaultReceiptDelay = 10 * time.Millisecond

var (
	// ErrUndecryptable means no key is known for an envelope's keyId, or the
	// key did not open it.
	ErrUndecryptable = errors.New("conversation: undecryptable envelope")
	ErrUnknownKey    = errors.New("conversation: public key unknown")
	errNoKey         = errors.New("no key")
	ErrMissingConfig = errors.New("conversation: identity, cipher and sender are required")
)

type Config struct {
	ID         string
	Identity   *model.KeyPair
	Cipher     cipher.Cipher
	PublicKeys *keystore.PublicKeys
	Sender     messaging.Sender
	Clock      clock.Clock

	ReceiptDelay time.Duration
	KeyLifespan  time.Duration
	Suite        model.Suite
	EventBuffer  int

	// Participants seeds the member set. The local identity is always added.
	Participants []string
}

type Conversation struct {
	id       string
	identity *model.KeyPair
	cipher   cipher.Cipher
	pubKeys  *keystore.PublicKeys
	sender   messaging.Sender
	clock    clock.Clock
	delay    time.Duration
	keys     *keystore.KeyStore

	mu           sync.Mutex
	participants []string
	keyHistory   []string
	// key id -> participants it was sealed to
	distributed  map[string]map[string]struct{}
	sentReceipts map[string]struct{}
	acks         map[string]map[string]struct{}
	unregister   []func()

	subMu       sync.Mutex
	subs        []subscriber
	nextSub     uint64
	eventBuffer int
}

func New(conf Config) (*Conversation, error) {
	if conf.Identity == nil || conf.Cipher == nil || conf.Sender == nil {
		return nil, ErrMissingConfig
	}
	if conf.ID == "" {
		return nil, errors.New("conversation: empty id")
	}
	if conf.PublicKeys == nil {
		conf.PublicKeys = keystore.NewPublicKeys()
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	if conf.ReceiptDelay <= 0 {
		conf.ReceiptDelay = DefaultReceiptDelay
	}
	if conf.EventBuffer <= 0 {
		conf.EventBuffer = DefaultEventBuffer
	}

	opts := []keystore.Option{keystore.WithClock(conf.Clock)}
	if conf.KeyLifespan > 0 {
		opts = append(opts, keystore.WithLifespan(conf.KeyLifespan))
	}
	if conf.Suite != 0 {
		opts = append(opts, keystore.WithSuite(conf.Suite))
	}

	c := &Conversation{
		id:           conf.ID,
		identity:     conf.Identity,
		cipher:       conf.Cipher,
		pubKeys:      conf.PublicKeys,
		sender:       conf.Sender,
		clock:        conf.Clock,
		delay:        conf.ReceiptDelay,
		keys:         keystore.New(conf.Identity, opts...),
		distributed:  make(map[string]map[string]struct{}),
		sentReceipts: make(map[string]struct{}),
		acks:         make(map[string]map[string]struct{}),
		eventBuffer:  conf.EventBuffer,
	}
	c.pubKeys.Add(conf.Identity.Public())
	c.addParticipants(append([]string{conf.Identity.ID()}, conf.Participants...)...)
	return c, nil
}

func (c *Conversation) ID() string {
	return c.id
}

// Keys exposes the conversation's key store.
func (c *Conversation) Keys() *keystore.KeyStore {
	return c.keys
}

func (c *Conversation) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.participants)
}

func (c *Conversation) IsParticipant(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.participants, id)
}

// addParticipants returns the ids that were not members yet.
func (c *Conversation) addParticipants(ids ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var added []string
	for _, id := range ids {
		if id == "" || slices.Contains(c.participants, id) {
			continue
		}
		c.participants = append(c.participants, id)
		added = append(added, id)
	}
	return added
}

// KeyIDHistory lists the key ids of every text this participant sent, in
// order.
func (c *Conversation) KeyIDHistory() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.keyHistory)
}

// Acknowledged returns who confirmed receipt of msgID.
func (c *Conversation) Acknowledged(msgID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.acks[msgID]))
	for id := range c.acks[msgID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Attach routes this conversation's envelopes from p to its handlers. Each
// route only matches envelopes of its type, for this conversation, from a
// current participant.
func (c *Conversation) Attach(p *messaging.Processor) {
	routes := []struct {
		typ     model.MessageType
		handler messaging.Handler
	}{
		{model.SecretKeyType, c.handleSecretKey},
		{model.PublicKeyType, c.handleIntroduction},
		{model.PlainText, c.handlePlainText},
		{model.Received, c.handleReceipt},
	}

	var unregister []func()
	for _, r := range routes {
		unregister = append(unregister, p.Register(c.gate(r.typ), r.handler))
	}

	c.mu.Lock()
	c.unregister = append(c.unregister, unregister...)
	c.mu.Unlock()
}

// Detach stops dispatching to this conversation.
func (c *Conversation) Detach() {
	c.mu.Lock()
	unregister := c.unregister
	c.unregister = nil
	c.mu.Unlock()

	for _, fn := range unregister {
		fn()
	}
}

func (c *Conversation) gate(typ model.MessageType) messaging.Predicate {
	return func(env *envelope.Envelope) bool {
		return env.Type() == typ &&
			env.ConversationID() == c.id &&
			c.IsParticipant(env.SenderID())
	}
}

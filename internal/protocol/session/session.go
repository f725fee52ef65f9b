// Package session owns a local identity and everything that happens before
// and around its conversations: learning public keys, verifying every inbound
// envelope and joining conversations other identities introduce it to.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"e2e_groupchat/internal/cryptographic/cipher"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/conversation"
	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/protocol/keystore"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/utils/log"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultUnknownSenderRetries is how many dispatch rounds an envelope
	// from a sender without a known key waits for that key.
	DefaultUnknownSenderRetries = 10
	rejectionBuffer             = 64
)

var (
	ErrVerification     = errors.New("session: signature verification failed")
	ErrUnverified       = errors.New("session: unverified envelope")
	ErrNotSelfSigned    = errors.New("session: public key announcement is not self-signed")
	ErrUnknownPublicKey = errors.New("session: public key unknown")
	ErrMissingConfig    = errors.New("session: identity, cipher, processor and sender are required")
)

// Policy decides what happens to envelopes that cannot be verified: unsigned
// ones, and ones whose sender key never became known.
type Policy int

const (
	AcceptUnverified Policy = iota
	RejectUnverified
)

func (p Policy) String() string {
	if p == RejectUnverified {
		return "reject"
	}
	return "accept"
}

// ParsePolicy accepts "accept" and "reject".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "accept":
		return AcceptUnverified, nil
	case "reject":
		return RejectUnverified, nil
	}
	return 0, fmt.Errorf("session: unknown verification policy %q", s)
}

type Config struct {
	Identity  *model.KeyPair
	Cipher    cipher.Cipher
	Processor *messaging.Processor
	Sender    messaging.Sender
	Clock     clock.Clock

	Policy               Policy
	UnknownSenderRetries int

	// OnInitiate sees every conversation another identity starts with us,
	// before it receives any traffic. An error aborts the join;
	// messaging.ErrDeferred asks for the introduction again next round.
	OnInitiate func(c *conversation.Conversation) error

	ReceiptDelay time.Duration
	KeyLifespan  time.Duration
	Suite        model.Suite
}

type Session struct {
	conf    Config
	pubKeys *keystore.PublicKeys

	mu      sync.Mutex
	convs   map[string]*conversation.Conversation
	order   []string
	left    map[string]bool
	unknown map[string]int

	rejections chan messaging.Rejection
}

func New(conf Config) (*Session, error) {
	if conf.Identity == nil || conf.Cipher == nil || conf.Processor == nil || conf.Sender == nil {
		return nil, ErrMissingConfig
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	if conf.UnknownSenderRetries <= 0 {
		conf.UnknownSenderRetries = DefaultUnknownSenderRetries
	}

	s := &Session{
		conf:       conf,
		pubKeys:    keystore.NewPublicKeys(),
		convs:      make(map[string]*conversation.Conversation),
		left:       make(map[string]bool),
		unknown:    make(map[string]int),
		rejections: make(chan messaging.Rejection, rejectionBuffer),
	}
	s.pubKeys.Add(conf.Identity.Public())

	p := conf.Processor
	p.AddFilter(s.verify)
	p.Register(isAnnouncement, s.handleAnnouncement)
	p.Register(s.isUnknownIntroduction, s.handleIntroduction)
	p.Register(s.isOrphan, s.holdOrphan)
	p.OnReject(s.surface)
	return s, nil
}

func (s *Session) ID() string {
	return s.conf.Identity.ID()
}

func (s *Session) Identity() *model.KeyPair {
	return s.conf.Identity
}

// PublicKeys is the table shared by every conversation of this session.
func (s *Session) PublicKeys() *keystore.PublicKeys {
	return s.pubKeys
}

// Rejections delivers envelopes the pipeline refused. Rejections are dropped
// when nobody drains the channel.
func (s *Session) Rejections() <-chan messaging.Rejection {
	return s.rejections
}

func (s *Session) surface(r messaging.Rejection) {
	select {
	case s.rejections <- r:
	default:
		log.Warn("rejection channel full", zap.String("id", r.Envelope.ID()), zap.Error(r.Err))
	}
}

// Announce broadcasts our self-signed public key.
func (s *Session) Announce(ctx context.Context) error {
	env, err := envelope.NewSelfSignedPublicKey(s.conf.Cipher, s.conf.Identity)
	if err != nil {
		return err
	}
	return s.conf.Sender.Send(ctx, env)
}

// StartConversation creates a conversation with a fresh id in which we are
// the only participant.
func (s *Session) StartConversation() (*conversation.Conversation, error) {
	c, err := s.newConversation(uuid.NewString(), nil)
	if err != nil {
		return nil, err
	}
	s.register(c)
	log.Info("started conversation", zap.String("conversation", c.ID()))
	return c, nil
}

// Invite introduces the identity with public key id keyID into conversation
// convID.
func (s *Session) Invite(ctx context.Context, convID, keyID string) error {
	c := s.Conversation(convID)
	if c == nil {
		return fmt.Errorf("session: no conversation %s", convID)
	}
	pub, ok := s.pubKeys.Get(keyID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPublicKey, keyID)
	}
	return c.Introduce(ctx, pub)
}

// Leave stops dispatching to conversation id and forgets it. Later traffic
// for it is dropped.
func (s *Session) Leave(id string) error {
	s.mu.Lock()
	c, ok := s.convs[id]
	if ok {
		delete(s.convs, id)
		s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
		s.left[id] = true
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("session: no conversation %s", id)
	}
	c.Detach()
	log.Info("left conversation", zap.String("conversation", id))
	return nil
}

func (s *Session) hasLeft(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left[id]
}

func (s *Session) Conversation(id string) *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

// Conversations lists conversations in the order they were joined.
func (s *Session) Conversations() []*conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conversation.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.convs[id])
	}
	return out
}

func (s *Session) newConversation(id string, participants []string) (*conversation.Conversation, error) {
	return conversation.New(conversation.Config{
		ID:           id,
		Identity:     s.conf.Identity,
		Cipher:       s.conf.Cipher,
		PublicKeys:   s.pubKeys,
		Sender:       s.conf.Sender,
		Clock:        s.conf.Clock,
		ReceiptDelay: s.conf.ReceiptDelay,
		KeyLifespan:  s.conf.KeyLifespan,
		Suite:        s.conf.Suite,
		Participants: participants,
	})
}

// register attaches c unless a conversation with its id exists already.
func (s *Session) register(c *conversation.Conversation) bool {
	s.mu.Lock()
	if _, ok := s.convs[c.ID()]; ok {
		s.mu.Unlock()
		return false
	}
	s.convs[c.ID()] = c
	s.order = append(s.order, c.ID())
	s.mu.Unlock()

	c.Attach(s.conf.Processor)
	return true
}

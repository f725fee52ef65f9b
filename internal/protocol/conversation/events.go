package conversation

import (
	"time"

	"e2e_groupchat/internal/utils/log"

	"go.uber.org/zap"
)

const DefaultEventBuffer = 64

type EventKind int

const (
	EventSent EventKind = iota + 1
	EventReceived
	EventReceipt
	EventUndecryptable
	EventParticipantJoined
)

func (k EventKind) String() string {
	switch k {
	case EventSent:
		return "sent"
	case EventReceived:
		return "received"
	case EventReceipt:
		return "receipt"
	case EventUndecryptable:
		return "undecryptable"
	case EventParticipantJoined:
		return "participant-joined"
	}
	return "unknown"
}

// Event is what a conversation reports to its consumers.
type Event struct {
	Kind           EventKind
	ConversationID string
	// MessageID is the plaintext envelope id; for receipts, the acknowledged one.
	MessageID   string
	SenderID    string
	Text        string
	Timestamp   time.Time
	SequenceKey string
	// Participant is set for EventParticipantJoined.
	Participant string
	Err         error
}

type subscriber struct {
	id uint64
	ch chan Event
}

// Subscribe returns a channel of events and a func ending the subscription.
// Events are dropped, not queued, when the channel is full.
func (c *Conversation) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextSub++
	sub := subscriber{id: c.nextSub, ch: make(chan Event, c.eventBuffer)}
	c.subs = append(c.subs, sub)

	var once bool
	return sub.ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if once {
			return
		}
		once = true
		for i, s := range c.subs {
			if s.id == sub.id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
}

func (c *Conversation) publish(ev Event) {
	ev.ConversationID = c.id

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		select {
		case s.ch <- ev:
		default:
			log.Warn("dropping conversation event", zap.String("conversation", c.id),
				zap.Stringer("kind", ev.Kind), zap.String("message", ev.MessageID))
		}
	}
}

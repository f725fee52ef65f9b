// Package envelope defines the signed unit of conversation traffic.
//
// An Envelope is immutable: it is produced by a Builder, either signed or
// explicitly unsigned, and only the relay store may attach a sequence key
// (which is not covered by the signature) through WithSequenceKey.
package envelope

import (
	"slices"
	"time"

	"e2e_groupchat/internal/model"
)

type Envelope struct {
	id             string
	senderID       string
	recipientIDs   []string
	conversationID string
	keyID          string
	typ            model.MessageType
	content        []byte
	timestamp      int64
	signature      []byte
	sequenceKey    string
}

func (e *Envelope) ID() string { return e.id }

// ObjectID lets envelopes live in the relay's object store.
func (e *Envelope) ObjectID() string { return e.id }

func (e *Envelope) SenderID() string { return e.senderID }

// RecipientIDs returns nil for broadcast envelopes.
func (e *Envelope) RecipientIDs() []string { return slices.Clone(e.recipientIDs) }

func (e *Envelope) IsBroadcast() bool { return e.recipientIDs == nil }

func (e *Envelope) HasRecipient(id string) bool {
	return e.recipientIDs == nil || slices.Contains(e.recipientIDs, id)
}

// ConversationID is empty for handshake envelopes outside any conversation.
func (e *Envelope) ConversationID() string { return e.conversationID }

// KeyID is empty when Content is plaintext.
func (e *Envelope) KeyID() string { return e.keyID }

func (e *Envelope) Type() model.MessageType { return e.typ }

func (e *Envelope) Content() []byte { return slices.Clone(e.content) }

func (e *Envelope) Timestamp() time.Time { return time.UnixMilli(e.timestamp) }

func (e *Envelope) Signed() bool { return len(e.signature) > 0 }

func (e *Envelope) Signature() []byte { return slices.Clone(e.signature) }

// SequenceKey is empty until the relay store accepts the envelope.
func (e *Envelope) SequenceKey() string { return e.sequenceKey }

// IsIntroduction reports a PUBLIC_KEY envelope scoped to a conversation.
func (e *Envelope) IsIntroduction() bool {
	return e.typ == model.PublicKeyType && e.conversationID != ""
}

// WithSequenceKey returns a copy of e carrying the store-assigned key.
func (e *Envelope) WithSequenceKey(key string) *Envelope {
	cp := *e
	cp.sequenceKey = key
	return &cp
}

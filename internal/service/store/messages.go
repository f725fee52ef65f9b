package store

import (
	"context"
	"errors"
	"slices"

	"e2e_groupchat/internal/protocol/envelope"
)

// Query selects envelopes with a sequence key strictly greater than After.
// Empty filters match everything.
type Query struct {
	After          string
	RecipientID    string
	ConversationID string
}

func (q Query) match(env *envelope.Envelope) bool {
	if env.SequenceKey() <= q.After {
		return false
	}
	if q.RecipientID != "" && !env.HasRecipient(q.RecipientID) {
		return false
	}
	if q.ConversationID != "" && env.ConversationID() != q.ConversationID {
		return false
	}
	return true
}

// MessageStore is the relay's envelope store.
type MessageStore struct {
	*Store[*envelope.Envelope]
}

func NewMessageStore(backend Backend[*envelope.Envelope]) (*MessageStore, error) {
	s, err := New(backend)
	if err != nil {
		return nil, err
	}
	return &MessageStore{Store: s}, nil
}

// Accept stores each envelope under a fresh sequence key, in batch order.
// An id already stored is not stored again; its stored copy is returned in
// its place.
func (m *MessageStore) Accept(batch []*envelope.Envelope) ([]*envelope.Envelope, error) {
	out := make([]*envelope.Envelope, 0, len(batch))
	for _, env := range batch {
		stored, err := m.AddSequenced(env.WithSequenceKey)
		if errors.Is(err, ErrDuplicateID) {
			if existing, ok := m.Lookup(env.ID()); ok {
				out = append(out, existing)
				continue
			}
		}
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// Query returns the matching envelopes ordered by sequence key.
func (m *MessageStore) Query(q Query) []*envelope.Envelope {
	return sortBySequence(m.Find(q.match))
}

// Wait is Query, blocking until at least one envelope matches.
func (m *MessageStore) Wait(ctx context.Context, q Query) ([]*envelope.Envelope, error) {
	envs, err := m.Await(ctx, q.match)
	if err != nil {
		return nil, err
	}
	return sortBySequence(envs), nil
}

func sortBySequence(envs []*envelope.Envelope) []*envelope.Envelope {
	slices.SortStableFunc(envs, envelope.CompareSequence)
	return envs
}

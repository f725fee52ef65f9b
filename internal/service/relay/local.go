package relay

import (
	"context"

	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/service/store"
)

// Local is a Transport over an in-process message store.
type Local struct {
	Store *store.MessageStore
}

func NewLocal(s *store.MessageStore) *Local {
	return &Local{Store: s}
}

func (l *Local) Fetch(ctx context.Context, q messaging.Query) ([]*envelope.Envelope, error) {
	sq := StoreQuery(q)
	if !q.Wait {
		return l.Store.Query(sq), nil
	}
	return l.Store.Wait(ctx, sq)
}

func (l *Local) Post(_ context.Context, batch []*envelope.Envelope) error {
	_, err := l.Store.Accept(batch)
	return err
}

// StoreQuery converts a client query into a store query.
func StoreQuery(q messaging.Query) store.Query {
	return store.Query{
		After:          q.After,
		RecipientID:    q.RecipientID,
		ConversationID: q.ConversationID,
	}
}

var _ messaging.Transport = (*Local)(nil)

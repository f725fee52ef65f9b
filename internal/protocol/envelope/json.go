package envelope

import (
	"encoding/json"
	"errors"

	"e2e_groupchat/internal/model"
)

type wireEnvelope struct {
	ID             string            `json:"id"`
	SenderID       string            `json:"senderId"`
	RecipientIDs   []string          `json:"recipientIds"`
	ConversationID string            `json:"conversationId,omitempty"`
	KeyID          string            `json:"keyId,omitempty"`
	Type           model.MessageType `json:"type"`
	Content        []byte            `json:"content"`
	Timestamp      int64             `json:"timestamp"`
	Signature      []byte            `json:"signature,omitempty"`
	SequenceKey    string            `json:"sequenceKey,omitempty"`
}

var ErrMalformed = errors.New("envelope: malformed")

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:             e.id,
		SenderID:       e.senderID,
		RecipientIDs:   e.recipientIDs,
		ConversationID: e.conversationID,
		KeyID:          e.keyID,
		Type:           e.typ,
		Content:        e.content,
		Timestamp:      e.timestamp,
		Signature:      e.signature,
		SequenceKey:    e.sequenceKey,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" || !w.Type.Valid() {
		return ErrMalformed
	}
	*e = Envelope{
		id:             w.ID,
		senderID:       w.SenderID,
		recipientIDs:   w.RecipientIDs,
		conversationID: w.ConversationID,
		keyID:          w.KeyID,
		typ:            w.Type,
		content:        w.Content,
		timestamp:      w.Timestamp,
		signature:      w.Signature,
		sequenceKey:    w.SequenceKey,
	}
	return nil
}

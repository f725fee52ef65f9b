// Package relay is the client side of the relay wire contract: an HTTP
// transport, a websocket stream and an in-process transport over a local
// message store.
package relay

import (
	"fmt"
	"net/url"
	"strconv"

	"e2e_groupchat/internal/service/messaging"
)

const (
	PathMessages = "/messages"
	PathStream   = "/messages/stream"
	PathHealth   = "/healthz"

	ParamWait            = "wait"
	ParamLastSequenceKey = "last-sequence-key"
	ParamRecipientID     = "recipient-id"
	ParamConversationID  = "conversation-id"
)

// EncodeQuery renders q as relay query parameters.
func EncodeQuery(q messaging.Query) url.Values {
	v := url.Values{}
	if q.Wait {
		v.Set(ParamWait, "true")
	}
	if q.After != "" {
		v.Set(ParamLastSequenceKey, q.After)
	}
	if q.RecipientID != "" {
		v.Set(ParamRecipientID, q.RecipientID)
	}
	if q.ConversationID != "" {
		v.Set(ParamConversationID, q.ConversationID)
	}
	return v
}

// DecodeQuery is the inverse of EncodeQuery.
func DecodeQuery(v url.Values) (messaging.Query, error) {
	q := messaging.Query{
		After:          v.Get(ParamLastSequenceKey),
		RecipientID:    v.Get(ParamRecipientID),
		ConversationID: v.Get(ParamConversationID),
	}
	if raw := v.Get(ParamWait); raw != "" {
		wait, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("relay: bad %s parameter %q", ParamWait, raw)
		}
		q.Wait = wait
	}
	return q, nil
}

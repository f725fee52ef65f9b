package relay_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/service/relay"
	"e2e_groupchat/internal/service/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryParameters(t *testing.T) {
	q := messaging.Query{After: "00000000000000000007", RecipientID: "bob", ConversationID: "c1", Wait: true}
	v := relay.EncodeQuery(q)
	assert.Equal(t, "true", v.Get("wait"))
	assert.Equal(t, "00000000000000000007", v.Get("last-sequence-key"))
	assert.Equal(t, "bob", v.Get("recipient-id"))
	assert.Equal(t, "c1", v.Get("conversation-id"))

	back, err := relay.DecodeQuery(v)
	require.NoError(t, err)
	assert.Equal(t, q, back)

	assert.Empty(t, relay.EncodeQuery(messaging.Query{}))

	v.Set("wait", "perhaps")
	_, err = relay.DecodeQuery(v)
	assert.Error(t, err)
}

func TestLocalTransport(t *testing.T) {
	messages, err := store.NewMessageStore(nil)
	require.NoError(t, err)
	local := relay.NewLocal(messages)
	ctx := context.Background()

	env := envelope.NewBuilder(model.PlainText).Recipients("bob").Unsigned()
	require.NoError(t, local.Post(ctx, []*envelope.Envelope{env}))

	got, err := local.Fetch(ctx, messaging.Query{RecipientID: "bob"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID(), got[0].ID())

	none, err := local.Fetch(ctx, messaging.Query{RecipientID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, none)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = local.Fetch(waitCtx, messaging.Query{RecipientID: "alice", Wait: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientRejectsBadURL(t *testing.T) {
	_, err := relay.NewClient("ftp://relay", nil)
	assert.Error(t, err)
	_, err = relay.NewClient("://", nil)
	assert.Error(t, err)
}

func TestClientStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/base/messages", r.URL.Path)
		http.Error(w, "store failed", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client, err := relay.NewClient(ts.URL+"/base/", nil)
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), messaging.Query{})
	var se *relay.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "store failed", se.Body)
}

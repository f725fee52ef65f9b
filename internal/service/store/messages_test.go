package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/envelope"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func text(conversation string, recipients ...string) *envelope.Envelope {
	b := envelope.NewBuilder(model.PlainText).Conversation(conversation).Content([]byte("x"))
	if recipients != nil {
		b.Recipients(recipients...)
	}
	return b.Unsigned()
}

func sequenceKeys(envs []*envelope.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.SequenceKey()
	}
	return out
}

func TestAcceptAssignsKeysInArrivalOrder(t *testing.T) {
	m, err := NewMessageStore(nil)
	require.NoError(t, err)

	a, b := text("c1", "alice"), text("c1", "bob")
	stored, err := m.Accept([]*envelope.Envelope{a, b, a})
	require.NoError(t, err)
	require.Len(t, stored, 3)

	assert.Equal(t, []string{"00000000000000000001", "00000000000000000002", "00000000000000000001"}, sequenceKeys(stored))
	assert.Equal(t, 2, m.Len())
	assert.Empty(t, a.SequenceKey(), "input envelope is not mutated")
}

func TestQueryFilters(t *testing.T) {
	m, err := NewMessageStore(nil)
	require.NoError(t, err)

	_, err = m.Accept([]*envelope.Envelope{
		text("c1", "alice"),
		text("c2", "bob"),
		text("c1", "bob"),
		text("c1"),
	})
	require.NoError(t, err)
	_, err = m.Accept([]*envelope.Envelope{envelope.NewBuilder(model.PublicKeyType).Unsigned()})
	require.NoError(t, err)

	assert.Len(t, m.Query(Query{}), 5)
	// broadcasts (4 and 5) match every recipient
	assert.Equal(t, []string{"00000000000000000002", "00000000000000000003", "00000000000000000004", "00000000000000000005"},
		sequenceKeys(m.Query(Query{RecipientID: "bob"})))
	assert.Equal(t, []string{"00000000000000000003", "00000000000000000004"},
		sequenceKeys(m.Query(Query{RecipientID: "bob", ConversationID: "c1"})))
	assert.Equal(t, []string{"00000000000000000004", "00000000000000000005"},
		sequenceKeys(m.Query(Query{After: "00000000000000000003"})))
}

func TestWaitReturnsNewEnvelopes(t *testing.T) {
	m, err := NewMessageStore(nil)
	require.NoError(t, err)
	first, err := m.Accept([]*envelope.Envelope{text("c1", "bob")})
	require.NoError(t, err)

	done := make(chan []*envelope.Envelope, 1)
	go func() {
		envs, err := m.Wait(context.Background(), Query{After: first[0].SequenceKey(), RecipientID: "bob"})
		assert.NoError(t, err)
		done <- envs
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = m.Accept([]*envelope.Envelope{text("c1", "alice"), text("c1", "bob")})
	require.NoError(t, err)

	select {
	case envs := <-done:
		assert.Equal(t, []string{"00000000000000000003"}, sequenceKeys(envs))
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestFileBackendRestore(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	m, err := NewMessageStore(backend)
	require.NoError(t, err)
	stored, err := m.Accept([]*envelope.Envelope{text("c1", "bob"), text("c1", "alice")})
	require.NoError(t, err)

	name := stored[0].ID() + ".PLAIN_TEXT.json"
	assert.FileExists(t, filepath.Join(dir, name))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.PLAIN_TEXT.json"), []byte("{"), 0o600))

	restored, err := NewMessageStore(backend)
	require.NoError(t, err)
	assert.Equal(t, sequenceKeys(stored), sequenceKeys(restored.Query(Query{})))

	next, err := restored.Accept([]*envelope.Envelope{text("c1", "bob")})
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000003", next[0].SequenceKey())

	require.NoError(t, restored.RemoveObject(stored[0]))
	assert.NoFileExists(t, filepath.Join(dir, name))

	require.NoError(t, restored.Clear())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	backend := NewRedisBackend(rdb, "test:"+t.Name())
	require.NoError(t, backend.Clear(context.Background()))
	defer backend.Clear(context.Background())

	exerciseBackend(t, backend)
}

func TestMongoBackend(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer client.Disconnect(ctx)

	backend := NewMongoBackend(client.Database("relay_test"))
	require.NoError(t, backend.Clear(ctx))
	defer backend.Clear(ctx)

	exerciseBackend(t, backend)
}

func exerciseBackend(t *testing.T, backend Backend[*envelope.Envelope]) {
	t.Helper()
	m, err := NewMessageStore(backend)
	require.NoError(t, err)
	stored, err := m.Accept([]*envelope.Envelope{text("c1", "bob"), text("c1", "alice")})
	require.NoError(t, err)

	restored, err := NewMessageStore(backend)
	require.NoError(t, err)
	assert.Equal(t, sequenceKeys(stored), sequenceKeys(restored.Query(Query{})))

	next, err := restored.Accept([]*envelope.Envelope{text("c2")})
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000003", next[0].SequenceKey())
}

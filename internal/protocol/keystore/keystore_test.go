package keystore

import (
	"testing"
	"time"

	"e2e_groupchat/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentMintsOnce(t *testing.T) {
	ks := New(nil, WithClock(clock.NewMock()))

	k1, fresh, err := ks.Current()
	require.NoError(t, err)
	assert.True(t, fresh)

	k2, fresh, err := ks.Current()
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, k1.ID(), k2.ID())
	assert.Equal(t, []string{k1.ID()}, ks.LiveIDs())
}

func TestLifespanDeprecates(t *testing.T) {
	mock := clock.NewMock()
	ks := New(nil, WithClock(mock), WithLifespan(10*time.Second))

	k1, _, err := ks.Current()
	require.NoError(t, err)

	mock.Add(9 * time.Second)
	same, fresh, err := ks.Current()
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, k1.ID(), same.ID())

	mock.Add(time.Second)
	k2, fresh, err := ks.Current()
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, k1.ID(), k2.ID())
	assert.Equal(t, []string{k1.ID()}, ks.DeprecatedIDs())

	// Deprecated keys still decrypt.
	dk, ok := ks.Lookup(k1.ID())
	require.True(t, ok)
	assert.Equal(t, k1, dk.Secret)
}

func TestDeprecateAll(t *testing.T) {
	ks := New(nil, WithClock(clock.NewMock()))
	k1, _, err := ks.Current()
	require.NoError(t, err)

	ks.DeprecateAll()
	assert.Empty(t, ks.LiveIDs())

	k2, fresh, err := ks.Current()
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, k1.ID(), k2.ID())
}

func TestLookupOrder(t *testing.T) {
	me, err := model.NewKeyPair()
	require.NoError(t, err)
	ks := New(me, WithSuite(model.XChaCha20Poly1305))

	received, err := model.NewSecretKey(model.AES128GCM)
	require.NoError(t, err)
	ks.AddReceived(received)

	dk, ok := ks.Lookup(received.ID())
	require.True(t, ok)
	assert.Equal(t, received, dk.Secret)

	dk, ok = ks.Lookup(me.ID())
	require.True(t, ok)
	assert.Nil(t, dk.Secret)
	assert.Equal(t, me, dk.Identity)

	live, _, err := ks.Current()
	require.NoError(t, err)
	assert.Equal(t, model.XChaCha20Poly1305, live.Suite)

	_, ok = ks.Lookup("unknown")
	assert.False(t, ok)
}

func TestPublicKeys(t *testing.T) {
	kp, err := model.NewKeyPair()
	require.NoError(t, err)

	table := NewPublicKeys()
	assert.True(t, table.Add(kp.Public()))
	assert.False(t, table.Add(kp.Public()))

	got, ok := table.Get(kp.ID())
	require.True(t, ok)
	assert.True(t, got.Equal(kp.Public()))
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, []string{kp.ID()}, table.IDs())
}

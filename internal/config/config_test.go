package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestServerDefaults(t *testing.T) {
	conf, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, conf.Backend.Kind)
	assert.Equal(t, 25*time.Second, conf.LongPollTimeout.Duration)
	assert.False(t, conf.AllowClear)
}

func TestLoadServer(t *testing.T) {
	path := writeFile(t, `
address = "0.0.0.0:8080"
long_poll_timeout = "3s"
allow_clear = true

[backend]
kind = "file"
path = "messages"

[logger]
env = "production"
`)
	conf, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", conf.Address)
	assert.Equal(t, 3*time.Second, conf.LongPollTimeout.Duration)
	assert.True(t, conf.AllowClear)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "messages"), conf.Backend.Path)
	assert.Equal(t, "production", conf.Logger.Environment)
}

func TestServerValidation(t *testing.T) {
	for _, body := range []string{
		`long_poll_timeout = "0s"`,
		"[backend]\nkind = \"file\"",
		"[backend]\nkind = \"redis\"",
		"[backend]\nkind = \"mongo\"\nmongo_uri = \"mongodb://localhost\"",
		"[backend]\nkind = \"etcd\"",
	} {
		_, err := LoadServer(writeFile(t, body))
		assert.ErrorIs(t, err, ErrInvalid, body)
	}

	_, err := LoadServer(writeFile(t, `long_poll_timeout = "soon"`))
	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	conf, err := LoadClient(writeFile(t, `
name = "alice"
relay_url = "https://relay.example:9443"
key_lifespan = "1m"
verification = "reject"
receive = "stream"
`))
	require.NoError(t, err)
	assert.Equal(t, "alice", conf.Name)
	assert.Equal(t, time.Minute, conf.KeyLifespan.Duration)
	assert.Equal(t, 50*time.Millisecond, conf.PollInterval.Duration)
	assert.Equal(t, "reject", conf.Verification)
	assert.Equal(t, ReceiveStream, conf.Receive)

	conf, err = LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, ReceivePoll, conf.Receive)
}

func TestClientValidation(t *testing.T) {
	for _, body := range []string{
		`relay_url = "localhost:9090"`,
		`verification = "trust-me"`,
		`receipt_delay = "-1s"`,
		`mongo_uri = "mongodb://localhost"`,
		`receive = "carrier-pigeon"`,
	} {
		_, err := LoadClient(writeFile(t, body))
		assert.ErrorIs(t, err, ErrInvalid, body)
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	conf := DefaultClient()
	conf.Name = "bob"
	require.NoError(t, Write(path, conf))

	back, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, conf, back)
}

// Package config loads the TOML configuration of the relay server and the
// chat client.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"e2e_groupchat/internal/utils/log"

	"github.com/BurntSushi/toml"
)

var ErrInvalid = errors.New("config: invalid")

// Duration reads and writes durations as strings such as "25s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

type Backend struct {
	Kind          string `toml:"kind"`
	Path          string `toml:"path,omitempty"`
	RedisAddr     string `toml:"redis_addr,omitempty"`
	MongoURI      string `toml:"mongo_uri,omitempty"`
	MongoDatabase string `toml:"mongo_database,omitempty"`
}

type Server struct {
	Address         string      `toml:"address"`
	Backend         Backend     `toml:"backend"`
	LongPollTimeout Duration    `toml:"long_poll_timeout"`
	AllowClear      bool        `toml:"allow_clear"`
	Logger          *log.Config `toml:"logger"`
}

// How the client learns about new envelopes: long-polling fetches or a
// websocket the relay pushes batches over.
const (
	ReceivePoll   = "poll"
	ReceiveStream = "stream"
)

type Client struct {
	Name         string      `toml:"name"`
	RelayURL     string      `toml:"relay_url"`
	PollInterval Duration    `toml:"poll_interval"`
	Receive      string      `toml:"receive"`
	KeyLifespan  Duration    `toml:"key_lifespan"`
	ReceiptDelay Duration    `toml:"receipt_delay"`
	Verification string      `toml:"verification"`
	MongoURI     string      `toml:"mongo_uri,omitempty"`
	MongoDB      string      `toml:"mongo_database,omitempty"`
	Logger       *log.Config `toml:"logger"`
}

func DefaultServer() *Server {
	return &Server{
		Address:         "localhost:9090",
		Backend:         Backend{Kind: BackendMemory},
		LongPollTimeout: Duration{25 * time.Second},
		Logger:          &log.Config{Environment: "development"},
	}
}

func DefaultClient() *Client {
	return &Client{
		RelayURL:     "http://localhost:9090",
		PollInterval: Duration{50 * time.Millisecond},
		Receive:      ReceivePoll,
		KeyLifespan:  Duration{10 * time.Second},
		ReceiptDelay: Duration{10 * time.Millisecond},
		Verification: "accept",
		MongoDB:      "e2e_groupchat",
		Logger:       &log.Config{Environment: "development"},
	}
}

func decode(path string, v any) error {
	if _, err := toml.DecodeFile(path, v); err != nil {
		return fmt.Errorf("Failed to load config: %v", err)
	}
	return nil
}

// LoadServer reads path over the defaults. An empty path yields the defaults.
func LoadServer(path string) (*Server, error) {
	conf := DefaultServer()
	if path != "" {
		if err := decode(path, conf); err != nil {
			return nil, err
		}
		if conf.Backend.Kind == BackendFile && conf.Backend.Path != "" && !filepath.IsAbs(conf.Backend.Path) {
			conf.Backend.Path = filepath.Join(filepath.Dir(path), conf.Backend.Path)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Server) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is empty", ErrInvalid)
	}
	if c.LongPollTimeout.Duration <= 0 {
		return fmt.Errorf("%w: long_poll_timeout must be positive", ErrInvalid)
	}
	switch c.Backend.Kind {
	case BackendMemory:
	case BackendFile:
		if c.Backend.Path == "" {
			return fmt.Errorf("%w: file backend needs a path", ErrInvalid)
		}
	case BackendRedis:
		if c.Backend.RedisAddr == "" {
			return fmt.Errorf("%w: redis backend needs redis_addr", ErrInvalid)
		}
	case BackendMongo:
		if c.Backend.MongoURI == "" || c.Backend.MongoDatabase == "" {
			return fmt.Errorf("%w: mongo backend needs mongo_uri and mongo_database", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend kind %q", ErrInvalid, c.Backend.Kind)
	}
	return nil
}

// LoadClient reads path over the defaults. An empty path yields the defaults.
func LoadClient(path string) (*Client, error) {
	conf := DefaultClient()
	if path != "" {
		if err := decode(path, conf); err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Client) Validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: relay_url %q", ErrInvalid, c.RelayURL)
	}
	if c.PollInterval.Duration <= 0 || c.KeyLifespan.Duration <= 0 || c.ReceiptDelay.Duration <= 0 {
		return fmt.Errorf("%w: poll_interval, key_lifespan and receipt_delay must be positive", ErrInvalid)
	}
	if c.Receive != ReceivePoll && c.Receive != ReceiveStream {
		return fmt.Errorf("%w: receive must be poll or stream, got %q", ErrInvalid, c.Receive)
	}
	if c.Verification != "accept" && c.Verification != "reject" {
		return fmt.Errorf("%w: verification must be accept or reject, got %q", ErrInvalid, c.Verification)
	}
	if c.MongoURI != "" && c.Name == "" {
		return fmt.Errorf("%w: a persisted identity needs a name", ErrInvalid)
	}
	return nil
}

// Write encodes conf as TOML into path.
func Write(path string, conf any) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(conf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

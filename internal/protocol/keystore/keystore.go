// Package keystore tracks conversation secret keys through their lifecycle
// (live, deprecated, received) and the shared table of known public keys.
package keystore

import (
	"slices"
	"sync"
	"time"

	"e2e_groupchat/internal/model"

	"github.com/benbjohnson/clock"
)

// DefaultLifespan is how long a live key encrypts new envelopes.
const DefaultLifespan = 10 * time.Second

// DecryptionKey is the result of Lookup: a conversation secret, or the local
// identity for content sealed directly to it.
type DecryptionKey struct {
	Secret   *model.SecretKey
	Identity *model.KeyPair
}

type liveKey struct {
	key     *model.SecretKey
	created time.Time
}

// KeyStore holds one conversation's secret keys. Live keys encrypt new
// content; deprecated and received keys only decrypt.
type KeyStore struct {
	mu sync.Mutex

	identity *model.KeyPair
	suite    model.Suite
	lifespan time.Duration
	clock    clock.Clock

	live       []liveKey
	deprecated map[string]*model.SecretKey
	received   map[string]*model.SecretKey
}

type Option func(*KeyStore)

func WithLifespan(d time.Duration) Option {
	return func(ks *KeyStore) { ks.lifespan = d }
}

func WithClock(c clock.Clock) Option {
	return func(ks *KeyStore) { ks.clock = c }
}

func WithSuite(s model.Suite) Option {
	return func(ks *KeyStore) { ks.suite = s }
}

func New(identity *model.KeyPair, opts ...Option) *KeyStore {
	ks := &KeyStore{
		identity:   identity,
		suite:      model.AES256GCM,
		lifespan:   DefaultLifespan,
		clock:      clock.New(),
		deprecated: make(map[string]*model.SecretKey),
		received:   make(map[string]*model.SecretKey),
	}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// Current returns the live key, minting one when none is live. fresh reports
// a newly minted key that still has to be distributed to participants.
func (ks *KeyStore) Current() (key *model.SecretKey, fresh bool, err error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.expireLocked()
	if n := len(ks.live); n > 0 {
		return ks.live[n-1].key, false, nil
	}

	key, err = model.NewSecretKey(ks.suite)
	if err != nil {
		return nil, false, err
	}
	ks.live = append(ks.live, liveKey{key: key, created: ks.clock.Now()})
	return key, true, nil
}

func (ks *KeyStore) expireLocked() {
	now := ks.clock.Now()
	kept := ks.live[:0]
	for _, lk := range ks.live {
		if now.Sub(lk.created) >= ks.lifespan {
			ks.deprecated[lk.key.ID()] = lk.key
			continue
		}
		kept = append(kept, lk)
	}
	ks.live = kept
}

// DeprecateAll retires every live key; they keep decrypting in-flight
// envelopes but never encrypt again.
func (ks *KeyStore) DeprecateAll() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for _, lk := range ks.live {
		ks.deprecated[lk.key.ID()] = lk.key
	}
	ks.live = nil
}

// AddReceived stores a key another participant distributed.
func (ks *KeyStore) AddReceived(key *model.SecretKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.received[key.ID()] = key
}

// Lookup resolves a keyId: live keys, then deprecated and received keys,
// then the identity key pair.
func (ks *KeyStore) Lookup(id string) (DecryptionKey, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for _, lk := range ks.live {
		if lk.key.ID() == id {
			return DecryptionKey{Secret: lk.key}, true
		}
	}
	if k, ok := ks.deprecated[id]; ok {
		return DecryptionKey{Secret: k}, true
	}
	if k, ok := ks.received[id]; ok {
		return DecryptionKey{Secret: k}, true
	}
	if ks.identity != nil && ks.identity.ID() == id {
		return DecryptionKey{Identity: ks.identity}, true
	}
	return DecryptionKey{}, false
}

func (ks *KeyStore) LiveIDs() []string {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ids := make([]string, 0, len(ks.live))
	for _, lk := range ks.live {
		ids = append(ids, lk.key.ID())
	}
	return ids
}

func (ks *KeyStore) DeprecatedIDs() []string {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ids := make([]string, 0, len(ks.deprecated))
	for id := range ks.deprecated {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

package keystore

import (
	"sync"

	"e2e_groupchat/internal/model"
)

// PublicKeys is the identity-wide table of public keys learnt from
// self-signed announcements and introductions.
type PublicKeys struct {
	mu   sync.RWMutex
	keys map[string]*model.PublicKey
}

func NewPublicKeys() *PublicKeys {
	return &PublicKeys{keys: make(map[string]*model.PublicKey)}
}

// Add stores pub and reports whether it was new.
func (p *PublicKeys) Add(pub *model.PublicKey) bool {
	id := pub.ID()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.keys[id]; ok {
		return false
	}
	p.keys[id] = pub
	return true
}

func (p *PublicKeys) Get(id string) (*model.PublicKey, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pub, ok := p.keys[id]
	return pub, ok
}

func (p *PublicKeys) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

func (p *PublicKeys) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.keys))
	for id := range p.keys {
		ids = append(ids, id)
	}
	return ids
}

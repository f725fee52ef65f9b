package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"e2e_groupchat/internal/cryptographic/cipher"
	"e2e_groupchat/internal/model"

	"golang.org/x/crypto/blake2b"
)

// Builder collects envelope fields. Its id and timestamp are fixed when the
// builder is created.
type Builder struct {
	env Envelope
}

func NewBuilder(typ model.MessageType) *Builder {
	return newBuilderAt(typ, time.Now())
}

func newBuilderAt(typ model.MessageType, now time.Time) *Builder {
	return &Builder{env: Envelope{
		id:        newID(now),
		typ:       typ,
		timestamp: now.UnixMilli(),
	}}
}

// newID mixes 32 random bytes with the creation time.
func newID(now time.Time) string {
	var buf [40]byte
	if _, err := rand.Read(buf[:32]); err != nil {
		panic(fmt.Sprintf("envelope: reading random id: %v", err))
	}
	binary.BigEndian.PutUint64(buf[32:], uint64(now.UnixNano()))
	sum := blake2b.Sum256(buf[:])
	return hex.EncodeToString(sum[:])
}

func (b *Builder) Sender(id string) *Builder {
	b.env.senderID = id
	return b
}

// Recipients sets the ordered recipient set; duplicates are dropped. Not
// calling Recipients leaves the envelope a broadcast.
func (b *Builder) Recipients(ids ...string) *Builder {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	b.env.recipientIDs = out
	return b
}

func (b *Builder) Conversation(id string) *Builder {
	b.env.conversationID = id
	return b
}

func (b *Builder) KeyID(id string) *Builder {
	b.env.keyID = id
	return b
}

func (b *Builder) Content(content []byte) *Builder {
	b.env.content = slices.Clone(content)
	return b
}

// Sign freezes the envelope and signs it with kp. The sender id is set to
// kp's id.
func (b *Builder) Sign(c cipher.Cipher, kp *model.KeyPair) (*Envelope, error) {
	env := b.snapshot()
	env.senderID = kp.ID()

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: reading salt: %w", err)
	}
	digest, err := env.digest(salt)
	if err != nil {
		return nil, err
	}
	sig, err := c.Sign(kp, append(salt, digest...))
	if err != nil {
		return nil, fmt.Errorf("envelope: signing: %w", err)
	}
	env.signature = sig
	return env, nil
}

// Unsigned freezes the envelope without a signature. Receivers treat such
// envelopes as unverified.
func (b *Builder) Unsigned() *Envelope {
	return b.snapshot()
}

func (b *Builder) snapshot() *Envelope {
	env := b.env
	env.recipientIDs = slices.Clone(b.env.recipientIDs)
	env.content = slices.Clone(b.env.content)
	return &env
}

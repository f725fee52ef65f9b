package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"e2e_groupchat/internal/cryptographic/cipher"
	"e2e_groupchat/internal/model"

	"golang.org/x/crypto/blake2b"
)

const (
	// SaltSize is the per-signature random salt length.
	SaltSize = 16
	// DigestSize is the length of the signed digest.
	DigestSize = 32
	// DigestRounds is how many times the digest is re-hashed over itself.
	DigestRounds = 15
)

var (
	ErrUnsigned       = errors.New("envelope: not signed")
	ErrBadSignature   = errors.New("envelope: signature mismatch")
	ErrSenderMismatch = errors.New("envelope: sender id does not match signing key")
)

type fieldWriter struct {
	h hash.Hash
}

func (w fieldWriter) bytes(b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.h.Write(n[:])
	w.h.Write(b)
}

func (w fieldWriter) optional(s string) {
	if s == "" {
		w.h.Write([]byte{0})
		return
	}
	w.h.Write([]byte{1})
	w.bytes([]byte(s))
}

// digest computes H^15(salt; id, content, timestamp, keyId, senderId,
// conversationId, recipientIds, type) with H keyed BLAKE2b-256.
func (e *Envelope) digest(salt []byte) ([]byte, error) {
	h, err := blake2b.New256(salt)
	if err != nil {
		return nil, fmt.Errorf("envelope: digest: %w", err)
	}
	w := fieldWriter{h: h}
	w.bytes([]byte(e.id))
	w.bytes(e.content)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.timestamp))
	h.Write(ts[:])
	w.optional(e.keyID)
	w.bytes([]byte(e.senderID))
	w.optional(e.conversationID)
	if e.recipientIDs == nil {
		h.Write([]byte{0})
	} else {
		h.Write([]byte{1})
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(e.recipientIDs)))
		h.Write(n[:])
		for _, id := range e.recipientIDs {
			w.bytes([]byte(id))
		}
	}
	w.bytes([]byte(e.typ))
	sum := h.Sum(nil)

	for i := 0; i < DigestRounds; i++ {
		h.Reset()
		h.Write(sum)
		sum = h.Sum(sum[:0])
	}
	return sum, nil
}

// Verify checks e against pub. The signature payload is salt || digest; the
// digest is recomputed from e's own fields with the recovered salt.
func (e *Envelope) Verify(c cipher.Cipher, pub *model.PublicKey) error {
	if !e.Signed() {
		return ErrUnsigned
	}
	if pub == nil || pub.ID() != e.senderID {
		return ErrSenderMismatch
	}
	payload, err := c.Recover(pub, e.signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(payload) < DigestSize+1 {
		return ErrBadSignature
	}
	salt := payload[:len(payload)-DigestSize]
	claimed := payload[len(payload)-DigestSize:]

	digest, err := e.digest(salt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !bytes.Equal(digest, claimed) {
		return ErrBadSignature
	}
	return nil
}

// EmbeddedPublicKey parses Content as a public key.
func (e *Envelope) EmbeddedPublicKey() (*model.PublicKey, error) {
	return model.ParsePublicKey(e.content)
}

// IsSelfSignedPublicKey reports whether e is a public key announcement that
// authenticates itself: PUBLIC_KEY, plaintext, outside any conversation, the
// embedded key's id equals the sender id and the signature verifies with it.
func (e *Envelope) IsSelfSignedPublicKey(c cipher.Cipher) bool {
	if e.typ != model.PublicKeyType || e.keyID != "" || e.conversationID != "" {
		return false
	}
	pub, err := e.EmbeddedPublicKey()
	if err != nil || pub.ID() != e.senderID {
		return false
	}
	return e.Verify(c, pub) == nil
}

// NewSelfSignedPublicKey builds the announcement of kp's public key.
// Passing no recipients makes it a broadcast.
func NewSelfSignedPublicKey(c cipher.Cipher, kp *model.KeyPair, recipients ...string) (*Envelope, error) {
	b := NewBuilder(model.PublicKeyType).Content(kp.Public().Bytes())
	if len(recipients) > 0 {
		b.Recipients(recipients...)
	}
	return b.Sign(c, kp)
}

package model

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"e2e_groupchat/internal/cryptographic/dh"

	"golang.org/x/crypto/blake2b"
)

const (
	// PublicKeySize is the wire size of a PublicKey: signing key || box key.
	PublicKeySize = ed25519.PublicKeySize + 32

	idBytes = 16
)

var (
	ErrMalformedPublicKey = errors.New("model: malformed public key")
	ErrMalformedSecretKey = errors.New("model: malformed secret key")
	ErrUnknownSuite       = errors.New("model: unknown cipher suite")
)

// deriveID returns the hex form of the first 16 bytes of BLAKE2b-256(material).
func deriveID(material []byte) string {
	sum := blake2b.Sum256(material)
	return hex.EncodeToString(sum[:idBytes])
}

type (
	// PublicKey is the shareable half of an identity.
	PublicKey struct {
		Sign ed25519.PublicKey
		Box  [32]byte
	}

	// KeyPair is a local identity: an Ed25519 signing key and an X25519 box key.
	KeyPair struct {
		signPriv ed25519.PrivateKey
		boxPriv  [32]byte
		public   *PublicKey
	}
)

func (p *PublicKey) Bytes() []byte {
	out := make([]byte, 0, PublicKeySize)
	out = append(out, p.Sign...)
	return append(out, p.Box[:]...)
}

// ID is stable for the key material and is what envelopes carry as
// senderId / keyId.
func (p *PublicKey) ID() string {
	return deriveID(p.Bytes())
}

func (p *PublicKey) Equal(o *PublicKey) bool {
	return o != nil && p.Sign.Equal(o.Sign) && p.Box == o.Box
}

func ParsePublicKey(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPublicKey, len(b))
	}
	pub := &PublicKey{Sign: make(ed25519.PublicKey, ed25519.PublicKeySize)}
	copy(pub.Sign, b[:ed25519.PublicKeySize])
	copy(pub.Box[:], b[ed25519.PublicKeySize:])
	return pub, nil
}

func NewKeyPair() (*KeyPair, error) {
	var signSeed [ed25519.SeedSize]byte
	if _, err := rand.Read(signSeed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	boxPriv, _, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return RestoreKeyPair(signSeed[:], boxPriv[:])
}

// RestoreKeyPair rebuilds a KeyPair from its persisted seeds.
func RestoreKeyPair(signSeed, boxPriv []byte) (*KeyPair, error) {
	if len(signSeed) != ed25519.SeedSize || len(boxPriv) != 32 {
		return nil, errors.New("model: malformed key pair seeds")
	}
	kp := &KeyPair{signPriv: ed25519.NewKeyFromSeed(signSeed)}
	copy(kp.boxPriv[:], boxPriv)
	kp.public = &PublicKey{
		Sign: kp.signPriv.Public().(ed25519.PublicKey),
		Box:  dh.PublicKey(kp.boxPriv),
	}
	return kp, nil
}

func (k *KeyPair) Public() *PublicKey {
	return k.public
}

func (k *KeyPair) ID() string {
	return k.public.ID()
}

func (k *KeyPair) SigningKey() ed25519.PrivateKey {
	return k.signPriv
}

func (k *KeyPair) BoxKey() [32]byte {
	return k.boxPriv
}

// Seeds returns the material RestoreKeyPair expects.
func (k *KeyPair) Seeds() (signSeed, boxPriv []byte) {
	return k.signPriv.Seed(), append([]byte(nil), k.boxPriv[:]...)
}

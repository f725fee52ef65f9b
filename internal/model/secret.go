package model

import (
	"crypto/rand"
	"fmt"
)

// Suite names a symmetric AEAD construction.
type Suite byte

const (
	AES128GCM Suite = iota + 1
	AES256GCM
	XChaCha20Poly1305
)

// Suites lists every symmetric suite the cipher capability supports.
var Suites = []Suite{AES128GCM, AES256GCM, XChaCha20Poly1305}

func (s Suite) KeySize() int {
	switch s {
	case AES128GCM:
		return 16
	case AES256GCM, XChaCha20Poly1305:
		return 32
	}
	return 0
}

func (s Suite) String() string {
	switch s {
	case AES128GCM:
		return "AES-128-GCM"
	case AES256GCM:
		return "AES-256-GCM"
	case XChaCha20Poly1305:
		return "XChaCha20-Poly1305"
	}
	return fmt.Sprintf("Suite(%d)", byte(s))
}

// SecretKey is a conversation key used to encrypt plaintext envelopes.
type SecretKey struct {
	Suite    Suite
	Material []byte
}

func NewSecretKey(suite Suite) (*SecretKey, error) {
	size := suite.KeySize()
	if size == 0 {
		return nil, ErrUnknownSuite
	}
	material := make([]byte, size)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return &SecretKey{Suite: suite, Material: material}, nil
}

// Bytes is the wire form: suite || material.
func (k *SecretKey) Bytes() []byte {
	out := make([]byte, 0, 1+len(k.Material))
	out = append(out, byte(k.Suite))
	return append(out, k.Material...)
}

func (k *SecretKey) ID() string {
	return deriveID(k.Bytes())
}

func ParseSecretKey(b []byte) (*SecretKey, error) {
	if len(b) < 1 {
		return nil, ErrMalformedSecretKey
	}
	suite := Suite(b[0])
	if suite.KeySize() == 0 {
		return nil, ErrUnknownSuite
	}
	if len(b)-1 != suite.KeySize() {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrMalformedSecretKey, suite, suite.KeySize(), len(b)-1)
	}
	return &SecretKey{Suite: suite, Material: append([]byte(nil), b[1:]...)}, nil
}

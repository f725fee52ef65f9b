package dh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

var ErrLowOrderPoint = errors.New("dh: peer key yields an all-zero shared secret")

// NewX25519KeyPair returns a clamped private scalar and its public point.
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("dh: generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	return priv, PublicKey(priv), nil
}

func PublicKey(priv [32]byte) (pub [32]byte) {
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// X25519SharedSecret computes priv * pub. Low-order peer points are refused.
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLowOrderPoint, err)
	}
	return shared, nil
}

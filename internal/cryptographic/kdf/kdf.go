package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	SealKeySize = 32
	sealInfo    = "SealKey"
)

// SealKey derives the one-shot AEAD key of a sealed box from the X25519
// output. Both public halves are bound in as salt.
func SealKey(shared []byte, ephemeral, recipient [32]byte) ([]byte, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, ephemeral[:]...)
	salt = append(salt, recipient[:]...)

	key := make([]byte, SealKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sealInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

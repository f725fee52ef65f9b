// Package cipher exposes the encryption capability the chat protocol consumes:
// symmetric AEAD under conversation keys, sealing to an identity's public key,
// and signatures whose signed payload can be recovered with the public key.
package cipher

import (
	"errors"
	"fmt"

	"e2e_groupchat/internal/cryptographic/dh"
	"e2e_groupchat/internal/cryptographic/encryption"
	"e2e_groupchat/internal/cryptographic/kdf"
	"e2e_groupchat/internal/cryptographic/signature"
	"e2e_groupchat/internal/model"
)

var (
	ErrShortCiphertext = errors.New("cipher: ciphertext too short")
	ErrNilKey          = errors.New("cipher: nil key")
)

// Cipher is the opaque capability used by envelopes and conversations.
type Cipher interface {
	Encrypt(key *model.SecretKey, plaintext []byte) ([]byte, error)
	Decrypt(key *model.SecretKey, ciphertext []byte) ([]byte, error)

	Seal(pub *model.PublicKey, plaintext []byte) ([]byte, error)
	Open(kp *model.KeyPair, ciphertext []byte) ([]byte, error)

	// Sign is the private-key operation over payload; Recover returns the
	// payload only if signature was produced by the matching private key.
	Sign(kp *model.KeyPair, payload []byte) ([]byte, error)
	Recover(pub *model.PublicKey, signature []byte) ([]byte, error)
}

// Default implements Cipher with AES-GCM / XChaCha20-Poly1305, an X25519 +
// HKDF sealed box, and Ed25519 signatures with message recovery.
type Default struct{}

var _ Cipher = Default{}

func (Default) Encrypt(key *model.SecretKey, plaintext []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	if len(key.Material) != key.Suite.KeySize() {
		return nil, fmt.Errorf("%w: %s", model.ErrMalformedSecretKey, key.Suite)
	}
	switch key.Suite {
	case model.AES128GCM, model.AES256GCM:
		return encryption.AEADEncrypt(key.Material, plaintext, nil)
	case model.XChaCha20Poly1305:
		return encryption.XChaChaEncrypt(key.Material, plaintext, nil)
	}
	return nil, model.ErrUnknownSuite
}

func (Default) Decrypt(key *model.SecretKey, ciphertext []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	switch key.Suite {
	case model.AES128GCM, model.AES256GCM:
		return encryption.AEADDecrypt(key.Material, ciphertext, nil)
	case model.XChaCha20Poly1305:
		return encryption.XChaChaDecrypt(key.Material, ciphertext, nil)
	}
	return nil, model.ErrUnknownSuite
}

// Seal output: ephemeralPub || nonce || ciphertext.
func (Default) Seal(pub *model.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, ErrNilKey
	}
	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := dh.X25519SharedSecret(ephPriv, pub.Box)
	if err != nil {
		return nil, fmt.Errorf("X25519 during seal: %w", err)
	}
	key, err := kdf.SealKey(shared, ephPub, pub.Box)
	if err != nil {
		return nil, err
	}
	ct, err := encryption.AEADEncrypt(key, plaintext, ephPub[:])
	if err != nil {
		return nil, err
	}
	return append(ephPub[:], ct...), nil
}

func (Default) Open(kp *model.KeyPair, ciphertext []byte) ([]byte, error) {
	if kp == nil {
		return nil, ErrNilKey
	}
	if len(ciphertext) < 32 {
		return nil, ErrShortCiphertext
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])

	shared, err := dh.X25519SharedSecret(kp.BoxKey(), ephPub)
	if err != nil {
		return nil, fmt.Errorf("X25519 during open: %w", err)
	}
	key, err := kdf.SealKey(shared, ephPub, kp.Public().Box)
	if err != nil {
		return nil, err
	}
	return encryption.AEADDecrypt(key, ciphertext[32:], ephPub[:])
}

func (Default) Sign(kp *model.KeyPair, payload []byte) ([]byte, error) {
	if kp == nil {
		return nil, ErrNilKey
	}
	return signature.SignRecoverable(kp.SigningKey(), payload), nil
}

func (Default) Recover(pub *model.PublicKey, sig []byte) ([]byte, error) {
	if pub == nil {
		return nil, ErrNilKey
	}
	return signature.Recover(pub.Sign, sig)
}

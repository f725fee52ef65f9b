package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

// AES-GCM helper. key must be 16/24/32 bytes. Output is nonce || ciphertext.
func AEADEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func AEADDecrypt(key, nonceAndCiphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(nonceAndCiphertext) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plain, err := aead.Open(nil, nonceAndCiphertext[:ns], nonceAndCiphertext[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}
	return plain, nil
}

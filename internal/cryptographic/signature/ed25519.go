package signature

import (
	"crypto/ed25519"
	"errors"
)

var ErrInvalidSignature = errors.New("signature: invalid signature")

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(privKeyBytes), message)
}

func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), message, signature)
}

// SignRecoverable returns message || sig so the signed payload can be
// recovered from the signature alone.
func SignRecoverable(privKeyBytes []byte, message []byte) []byte {
	sig := ED25519Sign(privKeyBytes, message)
	out := make([]byte, 0, len(message)+len(sig))
	out = append(out, message...)
	return append(out, sig...)
}

// Recover checks a SignRecoverable output against pubKeyBytes and returns the
// embedded message.
func Recover(pubKeyBytes []byte, signed []byte) ([]byte, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize || len(signed) < ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	split := len(signed) - ed25519.SignatureSize
	message, sig := signed[:split], signed[split:]
	if !ED25519Verify(pubKeyBytes, message, sig) {
		return nil, ErrInvalidSignature
	}
	out := make([]byte, len(message))
	copy(out, message)
	return out, nil
}

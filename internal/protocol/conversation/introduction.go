package conversation

import (
	"encoding/json"
	"fmt"

	"e2e_groupchat/internal/cryptographic/cipher"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/envelope"
)

// Introduction is the sealed content of an INTRODUCTION envelope: the
// newcomer's public key and the member list after the newcomer joined.
type Introduction struct {
	PublicKey    []byte   `json:"publicKey"`
	Participants []string `json:"participants"`
}

// Newcomer parses the embedded public key.
func (in *Introduction) Newcomer() (*model.PublicKey, error) {
	return model.ParsePublicKey(in.PublicKey)
}

// OpenIntroduction opens an INTRODUCTION envelope sealed to identity.
func OpenIntroduction(c cipher.Cipher, identity *model.KeyPair, env *envelope.Envelope) (*Introduction, error) {
	if !env.IsIntroduction() {
		return nil, fmt.Errorf("conversation: %s is not an introduction", env.ID())
	}
	if env.KeyID() != identity.ID() {
		return nil, fmt.Errorf("%w: introduction sealed to %s", ErrUndecryptable, env.KeyID())
	}
	plain, err := c.Open(identity, env.Content())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	var in Introduction
	if err := json.Unmarshal(plain, &in); err != nil {
		return nil, fmt.Errorf("conversation: decoding introduction: %w", err)
	}
	return &in, nil
}

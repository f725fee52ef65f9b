package model

import "fmt"

// MessageType is the declared kind of an envelope.
type MessageType string

const (
	PlainText     MessageType = "PLAIN_TEXT"
	SecretKeyType MessageType = "SECRET_KEY"
	// PublicKeyType doubles as an introduction when the envelope carries a
	// conversation id.
	PublicKeyType MessageType = "PUBLIC_KEY"
	Received      MessageType = "RECEIVED"
)

func (t MessageType) Valid() bool {
	switch t {
	case PlainText, SecretKeyType, PublicKeyType, Received:
		return true
	}
	return false
}

func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	if !t.Valid() {
		return "", fmt.Errorf("model: unknown message type %q", s)
	}
	return t, nil
}

package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Identity is a persisted local key pair.
type Identity struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	SignSeed  []byte             `bson:"sign_seed"`
	BoxPriv   []byte             `bson:"box_priv"`
	CreatedAt time.Time          `bson:"created_at"`
}

func NewIdentity(name string, kp *KeyPair) *Identity {
	signSeed, boxPriv := kp.Seeds()
	return &Identity{
		Name:      name,
		SignSeed:  signSeed,
		BoxPriv:   boxPriv,
		CreatedAt: time.Now().UTC(),
	}
}

func (i *Identity) KeyPair() (*KeyPair, error) {
	return RestoreKeyPair(i.SignSeed, i.BoxPriv)
}

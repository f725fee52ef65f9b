package identity

import (
	"context"
	"errors"

	"e2e_groupchat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	IdentityRepo struct {
		collection *mongo.Collection
	}
)

func NewIdentityRepo(db *mongo.Database) *IdentityRepo {
	return &IdentityRepo{
		collection: db.Collection("identities"),
	}
}

// EnsureIndexes makes names unique.
func (r *IdentityRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *IdentityRepo) GetByName(ctx context.Context, name string) (*model.Identity, error) {
	filter := bson.M{
		"name": name,
	}

	var identity model.Identity
	err := r.collection.FindOne(ctx, filter).Decode(&identity)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &identity, nil
}

func (r *IdentityRepo) Create(ctx context.Context, identity *model.Identity) (primitive.ObjectID, error) {
	res, err := r.collection.InsertOne(ctx, identity)
	if err != nil {
		return primitive.NilObjectID, err
	}

	id := res.InsertedID.(primitive.ObjectID)
	identity.ID = id
	return id, nil
}

// LoadOrCreate returns the key pair stored under name, generating and
// storing a new one the first time.
func (r *IdentityRepo) LoadOrCreate(ctx context.Context, name string) (*model.KeyPair, error) {
	identity, err := r.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if identity != nil {
		return identity.KeyPair()
	}

	kp, err := model.NewKeyPair()
	if err != nil {
		return nil, err
	}

	_, err = r.Create(ctx, model.NewIdentity(name, kp))
	if mongo.IsDuplicateKeyError(err) {
		// created concurrently under the same name
		return r.LoadOrCreate(ctx, name)
	}
	if err != nil {
		return nil, err
	}

	return kp, nil
}

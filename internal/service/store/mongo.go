package store

import (
	"context"
	"encoding/json"

	"e2e_groupchat/internal/protocol/envelope"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type messageDocument struct {
	ID          string `bson:"_id"`
	SequenceKey string `bson:"sequence_key"`
	Type        string `bson:"type"`
	// Data is the wire JSON, kept verbatim so signatures still verify.
	Data string `bson:"data"`
}

// MongoBackend keeps one document per envelope in the "messages" collection.
type MongoBackend struct {
	collection *mongo.Collection
}

func NewMongoBackend(db *mongo.Database) *MongoBackend {
	return &MongoBackend{
		collection: db.Collection("messages"),
	}
}

func (r *MongoBackend) Load(ctx context.Context) ([]*envelope.Envelope, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence_key", Value: 1}})
	cur, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*envelope.Envelope
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(doc.Data), &env); err != nil {
			return nil, err
		}
		res = append(res, &env)
	}
	return res, cur.Err()
}

func (r *MongoBackend) Save(ctx context.Context, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	doc := messageDocument{
		ID:          env.ID(),
		SequenceKey: env.SequenceKey(),
		Type:        string(env.Type()),
		Data:        string(data),
	}
	_, err = r.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *MongoBackend) Delete(ctx context.Context, env *envelope.Envelope) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": env.ID()})
	return err
}

func (r *MongoBackend) Clear(ctx context.Context) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{})
	return err
}

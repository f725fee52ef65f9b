package identity

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestLoadOrCreate(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer client.Disconnect(ctx)

	db := client.Database("identity_test")
	require.NoError(t, db.Collection("identities").Drop(ctx))
	repo := NewIdentityRepo(db)
	require.NoError(t, repo.EnsureIndexes(ctx))

	missing, err := repo.GetByName(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first, err := repo.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	again, err := repo.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID(), again.ID())

	other, err := repo.LoadOrCreate(ctx, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), other.ID())
}

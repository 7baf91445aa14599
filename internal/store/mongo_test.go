package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/blob"
	"github.com/TheTomik1/chat-app/internal/chat"
)

func mongoClient(t *testing.T) *mongo.Client {
	t.Helper()
	uri := os.Getenv("CHAT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHAT_TEST_MONGO_URI not set")
	}
	client, err := ConnectMongo(context.Background(), uri)
	require.NoError(t, err)
	return client
}

func testDBName() string {
	return "chat_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// TestThreads_Mongo runs the store contract against a live MongoDB.
func TestThreads_Mongo(t *testing.T) {
	client := mongoClient(t)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	runThreadSuite(t, func(t *testing.T) (*Threads, *blob.FS) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dbName := testDBName()
		backend, err := NewMongoBackend(ctx, client, dbName, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Database(dbName).Drop(context.Background()) })

		files := blob.NewMemory()
		return NewThreads(backend, files, zap.NewNop()), files
	})
}

// TestMongoUsers covers account uniqueness and profile picture swaps.
func TestMongoUsers(t *testing.T) {
	client := mongoClient(t)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	ctx := context.Background()
	dbName := testDBName()
	t.Cleanup(func() { _ = client.Database(dbName).Drop(context.Background()) })

	users, err := NewMongoUsers(ctx, client, dbName)
	require.NoError(t, err)
	runUserSuite(t, users)
}

// TestMemoryUsers covers the in-memory account store.
func TestMemoryUsers(t *testing.T) {
	runUserSuite(t, NewMemoryUsers())
}

func runUserSuite(t *testing.T, users Users) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, users.CreateUser(ctx, User{Identity: "alice", Email: "Alice@example.com", SecretHash: []byte("h"), CreatedAt: now}))

	err := users.CreateUser(ctx, User{Identity: "alice", Email: "other@example.com", CreatedAt: now})
	assert.ErrorIs(t, err, chat.ErrConflict)
	assert.Contains(t, err.Error(), "identity")

	err = users.CreateUser(ctx, User{Identity: "alice2", Email: "alice@example.com", CreatedAt: now})
	assert.ErrorIs(t, err, chat.ErrConflict)
	assert.Contains(t, err.Error(), "email")

	u, err := users.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, []byte("h"), u.SecretHash)

	_, err = users.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, chat.ErrNotFound)

	prev, err := users.SetProfilePicture(ctx, "alice", "profile-pictures/alice/1.png")
	require.NoError(t, err)
	assert.Empty(t, prev)
	prev, err = users.SetProfilePicture(ctx, "alice", "profile-pictures/alice/2.png")
	require.NoError(t, err)
	assert.Equal(t, "profile-pictures/alice/1.png", prev)

	_, err = users.SetProfilePicture(ctx, "nobody", "x")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

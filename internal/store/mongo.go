package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/chat"
)

const (
	threadsCollection = "threads"
	maxUpdateAttempts = 32
)

// ConnectMongo dials uri and verifies the connection.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// MongoBackend stores each thread, messages included, as one document.
// Uniqueness of participant sets is enforced by a unique index on
// participant_key; every other mutation is an optimistic read-modify-write
// guarded by the document version.
type MongoBackend struct {
	client  *mongo.Client
	threads *mongo.Collection
	logger  *zap.Logger
}

// NewMongoBackend prepares the threads collection of database dbName.
func NewMongoBackend(ctx context.Context, client *mongo.Client, dbName string, logger *zap.Logger) (*MongoBackend, error) {
	coll := client.Database(dbName).Collection(threadsCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participant_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("participant_key_unique"),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "last_activity", Value: -1}},
			Options: options.Index().SetName("participants_activity"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create thread indexes: %w", err)
	}
	return &MongoBackend{client: client, threads: coll, logger: logger}, nil
}

// FindOrCreate implements Backend with an upsert keyed by participant_key.
// Two racing upserts can both miss and one of them then fails on the unique
// index; the loser retries and finds the winner's document.
func (b *MongoBackend) FindOrCreate(ctx context.Context, key string, create func() *chat.Thread) (*chat.Thread, bool, error) {
	t := create()
	onInsert := bson.M{
		"_id":           t.ID,
		"participants":  t.Participants,
		"created_at":    t.CreatedAt,
		"last_activity": t.LastActivity,
		"messages":      t.Messages,
		"version":       int64(1),
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	for attempt := 0; attempt < 3; attempt++ {
		var got chat.Thread
		err := b.threads.FindOneAndUpdate(ctx,
			bson.M{"participant_key": key},
			bson.M{"$setOnInsert": onInsert},
			opts,
		).Decode(&got)
		if err == nil {
			return &got, got.ID == t.ID, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			b.logger.Debug("thread_upsert_race", zap.String("participant_key", key), zap.Int("attempt", attempt))
			continue
		}
		return nil, false, fmt.Errorf("find or create thread: %w", err)
	}
	return nil, false, fmt.Errorf("%w: concurrent creation of the same thread did not settle", chat.ErrConflict)
}

// Get implements Backend.
func (b *MongoBackend) Get(ctx context.Context, id string) (*chat.Thread, error) {
	return b.findOne(ctx, bson.M{"_id": id}, "thread "+id)
}

// FindByKey implements Backend.
func (b *MongoBackend) FindByKey(ctx context.Context, key string) (*chat.Thread, error) {
	return b.findOne(ctx, bson.M{"participant_key": key}, "thread for participant set")
}

func (b *MongoBackend) findOne(ctx context.Context, filter bson.M, what string) (*chat.Thread, error) {
	var t chat.Thread
	if err := b.threads.FindOne(ctx, filter).Decode(&t); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", chat.ErrNotFound, what)
		}
		return nil, fmt.Errorf("load %s: %w", what, err)
	}
	return &t, nil
}

// ListByParticipant implements Backend.
func (b *MongoBackend) ListByParticipant(ctx context.Context, identity string) ([]*chat.Thread, error) {
	cursor, err := b.threads.Find(ctx,
		bson.M{"participants": identity},
		options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list threads of %s: %w", identity, err)
	}
	out := make([]*chat.Thread, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode threads of %s: %w", identity, err)
	}
	return out, nil
}

// Update implements Backend as a retry-on-conflict loop: the write only
// applies if the stored version is the one fn was computed from.
func (b *MongoBackend) Update(ctx context.Context, id string, fn func(*chat.Thread) error) (*chat.Thread, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		version := current.Version
		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}

		guard := bson.M{"_id": id, "version": version}
		if next.Empty() {
			res, err := b.threads.DeleteOne(ctx, guard)
			if err != nil {
				return nil, fmt.Errorf("delete thread %s: %w", id, err)
			}
			if res.DeletedCount == 1 {
				return next, nil
			}
			continue
		}

		next.ParticipantKey = chat.ParticipantKey(next.Participants)
		next.Version = version + 1
		res, err := b.threads.ReplaceOne(ctx, guard, next)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, fmt.Errorf("%w: another thread already has this participant set", chat.ErrConflict)
			}
			return nil, fmt.Errorf("update thread %s: %w", id, err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
		b.logger.Debug("thread_version_conflict", zap.String("thread_id", id), zap.Int64("version", version), zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("%w: thread %s kept changing during update", chat.ErrConflict, id)
}

// Close disconnects the client.
func (b *MongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

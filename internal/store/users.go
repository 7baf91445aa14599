package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// User is a registered identity.
type User struct {
	Identity       string    `bson:"_id" json:"identity"`
	Email          string    `bson:"email" json:"email"`
	SecretHash     []byte    `bson:"secret_hash" json:"-"`
	ProfilePicture string    `bson:"profile_picture,omitempty" json:"-"`
	CreatedAt      time.Time `bson:"created_at" json:"createdAt"`
}

// Users persists accounts.
type Users interface {
	// CreateUser inserts u. A taken identity or email fails with
	// chat.ErrConflict naming which one.
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, identity string) (User, error)
	// SetProfilePicture stores key as the user's picture and returns the
	// key it replaced.
	SetProfilePicture(ctx context.Context, identity, key string) (string, error)
}

// MemoryUsers is an in-process Users.
type MemoryUsers struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string
}

// NewMemoryUsers returns an empty user store.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
	}
}

// CreateUser implements Users.
func (m *MemoryUsers) CreateUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[u.Identity]; ok {
		return fmt.Errorf("%w: identity %s is already registered", chat.ErrConflict, u.Identity)
	}
	email := strings.ToLower(u.Email)
	if _, ok := m.byEmail[email]; ok {
		return fmt.Errorf("%w: email is already registered", chat.ErrConflict)
	}
	u.Email = email
	m.byID[u.Identity] = u
	m.byEmail[email] = u.Identity
	return nil
}

// GetUser implements Users.
func (m *MemoryUsers) GetUser(_ context.Context, identity string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.byID[identity]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", chat.ErrNotFound, identity)
	}
	return u, nil
}

// SetProfilePicture implements Users.
func (m *MemoryUsers) SetProfilePicture(_ context.Context, identity, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byID[identity]
	if !ok {
		return "", fmt.Errorf("%w: user %s", chat.ErrNotFound, identity)
	}
	prev := u.ProfilePicture
	u.ProfilePicture = key
	m.byID[identity] = u
	return prev, nil
}

// MongoUsers keeps accounts in the users collection.
type MongoUsers struct {
	users *mongo.Collection
}

// NewMongoUsers prepares the users collection of database dbName.
func NewMongoUsers(ctx context.Context, client *mongo.Client, dbName string) (*MongoUsers, error) {
	coll := client.Database(dbName).Collection("users")
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("email_unique"),
	})
	if err != nil {
		return nil, fmt.Errorf("create user indexes: %w", err)
	}
	return &MongoUsers{users: coll}, nil
}

// CreateUser implements Users.
func (m *MongoUsers) CreateUser(ctx context.Context, u User) error {
	u.Email = strings.ToLower(u.Email)
	_, err := m.users.InsertOne(ctx, u)
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), "email_unique") {
			return fmt.Errorf("%w: email is already registered", chat.ErrConflict)
		}
		return fmt.Errorf("%w: identity %s is already registered", chat.ErrConflict, u.Identity)
	}
	return fmt.Errorf("insert user %s: %w", u.Identity, err)
}

// GetUser implements Users.
func (m *MongoUsers) GetUser(ctx context.Context, identity string) (User, error) {
	var u User
	if err := m.users.FindOne(ctx, bson.M{"_id": identity}).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, fmt.Errorf("%w: user %s", chat.ErrNotFound, identity)
		}
		return User{}, fmt.Errorf("load user %s: %w", identity, err)
	}
	return u, nil
}

// SetProfilePicture implements Users.
func (m *MongoUsers) SetProfilePicture(ctx context.Context, identity, key string) (string, error) {
	var prev User
	err := m.users.FindOneAndUpdate(ctx,
		bson.M{"_id": identity},
		bson.M{"$set": bson.M{"profile_picture": key}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&prev)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", fmt.Errorf("%w: user %s", chat.ErrNotFound, identity)
		}
		return "", fmt.Errorf("set profile picture of %s: %w", identity, err)
	}
	return prev.ProfilePicture, nil
}

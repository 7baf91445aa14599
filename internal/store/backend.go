// Package store is the durable Thread Store. Threads owns the mutation
// operations and the lifecycle of attachment files; a Backend provides the
// atomic primitives (find-or-create by participant key and read-modify-write
// of one thread) on top of which every operation is built.
package store

import (
	"context"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// Backend is the persistence primitive set required by Threads.
type Backend interface {
	// FindOrCreate returns the thread whose participant key equals key. When
	// none exists the thread returned by create is inserted. The whole step
	// is atomic: concurrent callers with the same key observe one thread.
	FindOrCreate(ctx context.Context, key string, create func() *chat.Thread) (*chat.Thread, bool, error)

	// Get returns the thread with the given id.
	Get(ctx context.Context, id string) (*chat.Thread, error)

	// FindByKey returns the thread with the given participant key.
	FindByKey(ctx context.Context, key string) (*chat.Thread, error)

	// ListByParticipant returns every thread identity participates in,
	// most recently active first.
	ListByParticipant(ctx context.Context, identity string) ([]*chat.Thread, error)

	// Update applies fn to the current version of a thread and persists
	// the result atomically. When fn leaves the thread without
	// participants the thread is deleted. A participant key collision with
	// another thread fails with chat.ErrConflict.
	Update(ctx context.Context, id string, fn func(*chat.Thread) error) (*chat.Thread, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// Package journal forwards every thread event produced by the mutation
// pipeline to downstream consumers such as notification or search
// indexing services. It is not a fan-out path for live connections.
package journal

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Entry is one journaled thread event.
type Entry struct {
	ThreadID string          `json:"threadId"`
	Type     string          `json:"type"`
	Actor    string          `json:"actor"`
	At       time.Time       `json:"at"`
	Event    json.RawMessage `json:"event"`
}

// Publisher accepts entries. Publish must not block the caller for long;
// delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
	Close() error
}

// Nop drops every entry.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Entry) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Recorder keeps entries in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Entries returns a copy of everything published so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

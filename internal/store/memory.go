package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// Memory is an in-process Backend. A single lock serializes writers, which
// makes find-or-create and every read-modify-write trivially atomic.
type Memory struct {
	mu      sync.RWMutex
	threads map[string]*chat.Thread
	byKey   map[string]string
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		threads: make(map[string]*chat.Thread),
		byKey:   make(map[string]string),
	}
}

// FindOrCreate implements Backend.
func (m *Memory) FindOrCreate(_ context.Context, key string, create func() *chat.Thread) (*chat.Thread, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		return m.threads[id].Clone(), false, nil
	}
	t := create()
	t.ParticipantKey = key
	t.Version = 1
	m.threads[t.ID] = t.Clone()
	m.byKey[key] = t.ID
	return t, true, nil
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, id string) (*chat.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", chat.ErrNotFound, id)
	}
	return t.Clone(), nil
}

// FindByKey implements Backend.
func (m *Memory) FindByKey(_ context.Context, key string) (*chat.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: no thread for participant set", chat.ErrNotFound)
	}
	return m.threads[id].Clone(), nil
}

// ListByParticipant implements Backend.
func (m *Memory) ListByParticipant(_ context.Context, identity string) ([]*chat.Thread, error) {
	m.mu.RLock()
	out := make([]*chat.Thread, 0)
	for _, t := range m.threads {
		if t.HasParticipant(identity) {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()

	sortByActivity(out)
	return out, nil
}

// Update implements Backend.
func (m *Memory) Update(_ context.Context, id string, fn func(*chat.Thread) error) (*chat.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", chat.ErrNotFound, id)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	if next.Empty() {
		delete(m.threads, id)
		delete(m.byKey, current.ParticipantKey)
		return next, nil
	}

	key := chat.ParticipantKey(next.Participants)
	if key != current.ParticipantKey {
		if other, taken := m.byKey[key]; taken && other != id {
			return nil, fmt.Errorf("%w: thread %s already has this participant set", chat.ErrConflict, other)
		}
		delete(m.byKey, current.ParticipantKey)
		m.byKey[key] = id
	}
	next.ParticipantKey = key
	next.Version = current.Version + 1
	m.threads[id] = next.Clone()
	return next, nil
}

// Close implements Backend.
func (m *Memory) Close(context.Context) error {
	return nil
}

func sortByActivity(threads []*chat.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].LastActivity.After(threads[j].LastActivity)
	})
}

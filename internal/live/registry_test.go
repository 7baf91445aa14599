package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(verified string) *Client {
	return NewClient(nil, "pipe", verified, ClientConfig{MaxMessageSize: 4096, RateLimit: RateLimit{Burst: 100, RefillInterval: time.Second}}, zap.NewNop())
}

// nopHandler satisfies Handler for socketless clients.
type nopHandler struct{}

func (nopHandler) HandleMessage(*Client, []byte) {}
func (nopHandler) Disconnected(*Client)          {}

// receive reads the next queued payload as a generic map.
func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case payload, ok := <-c.Send():
		require.True(t, ok, "send queue closed")
		var m map[string]any
		require.NoError(t, json.Unmarshal(payload, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload, ok := <-c.Send():
		if ok {
			t.Fatalf("unexpected payload %s", payload)
		}
	default:
	}
}

// TestRegistryJoinLeaveIdempotent verifies that joining twice and leaving a
// room the client is not in are no-ops.
func TestRegistryJoinLeaveIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c := newTestClient("")
	require.NoError(t, r.Register(c, nopHandler{}))

	assert.True(t, r.Join(c, "t1"))
	assert.False(t, r.Join(c, "t1"))
	assert.Len(t, r.Members("t1"), 1)

	assert.False(t, r.Leave(c, "t2"))
	assert.True(t, r.Leave(c, "t1"))
	assert.False(t, r.Leave(c, "t1"))
	assert.Empty(t, r.Members("t1"))

	stranger := newTestClient("")
	assert.False(t, r.Join(stranger, "t1"), "unregistered clients cannot join")
}

// TestRegistryBroadcastScopesToRoom verifies fan-out reaches only members
// and skips the excluded connection.
func TestRegistryBroadcastScopesToRoom(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	a, b, outsider := newTestClient(""), newTestClient(""), newTestClient("")
	for _, c := range []*Client{a, b, outsider} {
		require.NoError(t, r.Register(c, nopHandler{}))
	}
	r.Join(a, "t1")
	r.Join(b, "t1")
	r.Join(outsider, "t2")

	n := r.Broadcast("t1", []byte(`{"type":"x"}`), a)
	assert.Equal(t, 1, n)
	assert.Equal(t, "x", receive(t, b)["type"])
	expectNothing(t, a)
	expectNothing(t, outsider)

	n = r.Broadcast("t1", []byte(`{"type":"y"}`), nil)
	assert.Equal(t, 2, n)
	assert.Equal(t, "y", receive(t, a)["type"])
	assert.Equal(t, "y", receive(t, b)["type"])
}

// TestRegistryUnregisterRemovesFromRooms verifies a disconnected client is
// gone from every room before any later broadcast.
func TestRegistryUnregisterRemovesFromRooms(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c := newTestClient("")
	require.NoError(t, r.Register(c, nopHandler{}))
	r.Join(c, "t1")
	r.Join(c, "t2")

	r.Unregister(c)
	r.Unregister(c)

	assert.Empty(t, r.Members("t1"))
	assert.Empty(t, r.Members("t2"))
	assert.Equal(t, 0, r.ClientCount())
	assert.Equal(t, 0, r.Broadcast("t1", []byte(`{}`), nil))

	_, ok := <-c.Send()
	assert.False(t, ok, "queue is closed on unregister")
}

// TestRegistryDropsSlowConsumers verifies that a client whose queue is full
// is removed instead of blocking the broadcast.
func TestRegistryDropsSlowConsumers(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	slow, fast := newTestClient(""), newTestClient("")
	require.NoError(t, r.Register(slow, nopHandler{}))
	require.NoError(t, r.Register(fast, nopHandler{}))
	r.Join(slow, "t1")
	r.Join(fast, "t1")

	for i := 0; i < sendBufferSize; i++ {
		r.Broadcast("t1", []byte(`{}`), fast)
	}
	assert.Equal(t, 1, r.Broadcast("t1", []byte(`{"type":"last"}`), nil))
	assert.Equal(t, 1, r.ClientCount())
	assert.Len(t, r.Members("t1"), 1)
	assert.Equal(t, "last", receive(t, fast)["type"])
}

// TestRegistryFIFOPerCaller verifies that broadcasts from one caller arrive
// in order.
func TestRegistryFIFOPerCaller(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c := newTestClient("")
	require.NoError(t, r.Register(c, nopHandler{}))
	r.Join(c, "t1")

	for i := 0; i < 50; i++ {
		r.Broadcast("t1", []byte(fmt.Sprintf(`{"seq":%d}`, i)), nil)
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, float64(i), receive(t, c)["seq"])
	}
}

// TestRegistryConcurrentUse exercises join, leave, broadcast and
// unregister from many goroutines; run with -race.
func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newTestClient("")
			if err := r.Register(c, nopHandler{}); err != nil {
				return
			}
			go func() {
				for range c.Send() {
				}
			}()
			room := fmt.Sprintf("t%d", i%3)
			for j := 0; j < 20; j++ {
				r.Join(c, room)
				r.Broadcast(room, []byte(`{}`), c)
				r.Leave(c, room)
			}
			r.Unregister(c)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.ClientCount())
}

// TestRegistryShutdownRefusesNewClients verifies shutdown closes queues and
// rejects later registrations.
func TestRegistryShutdownRefusesNewClients(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c := newTestClient("")
	require.NoError(t, r.Register(c, nopHandler{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	_, ok := <-c.Send()
	assert.False(t, ok)
	assert.ErrorIs(t, r.Register(newTestClient(""), nopHandler{}), ErrShuttingDown)
}

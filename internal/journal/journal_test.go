package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKafkaMessageIsKeyedByThread verifies per-thread partitioning.
func TestKafkaMessageIsKeyedByThread(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg, err := message(Entry{
		ThreadID: "t1",
		Type:     "new-message",
		Actor:    "alice",
		At:       at,
		Event:    json.RawMessage(`{"type":"new-message","threadId":"t1","messageId":"m1"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("t1"), msg.Key)
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "new-message", string(msg.Headers[0].Value))

	var decoded Entry
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "alice", decoded.Actor)
	assert.JSONEq(t, `{"type":"new-message","threadId":"t1","messageId":"m1"}`, string(decoded.Event))
}

// TestRecorderKeepsOrder verifies the in-memory publisher.
func TestRecorderKeepsOrder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, Entry{Type: "a"}))
	require.NoError(t, r.Publish(ctx, Entry{Type: "b"}))
	require.NoError(t, r.Close())

	got := r.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Type)
	assert.Equal(t, "b", got[1].Type)

	var n Nop
	assert.NoError(t, n.Publish(ctx, Entry{}))
}

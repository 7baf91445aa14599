package live

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// TestDecodeVariants verifies each inbound tag decodes to its fixed shape.
func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Event
	}{
		{
			name:    "authenticate",
			payload: `{"type":"authenticate","identity":" alice ","allowedThreadIds":["t1","","t1","t2"]}`,
			want:    Authenticate{Type: TypeAuthenticate, Identity: "alice", AllowedThreadIDs: []string{"t1", "t2"}},
		},
		{
			name:    "join",
			payload: `{"type":"join","threadId":"t1"}`,
			want:    Join{Type: TypeJoin, ThreadID: "t1"},
		},
		{
			name:    "leave all",
			payload: `{"type":"leave"}`,
			want:    Leave{Type: TypeLeave},
		},
		{
			name:    "reaction",
			payload: `{"type":"new-reaction","threadId":"t1","messageId":"m1","identity":"bob","emoji":"🔥","count":2}`,
			want:    ReactionEvent{Type: TypeNewReaction, ThreadID: "t1", MessageID: "m1", Identity: "bob", Emoji: "🔥", Count: 2},
		},
		{
			name:    "deleted attachment",
			payload: `{"type":"deleted-attachment","threadId":"t1","messageId":"m1"}`,
			want:    AttachmentEvent{Type: TypeDeletedAttachment, ThreadID: "t1", MessageID: "m1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestDecodeRejectsMalformed verifies structural validation.
func TestDecodeRejectsMalformed(t *testing.T) {
	payloads := []string{
		`[]`,
		`{}`,
		`{"type":"authenticated","identity":"x","threadIds":[]}`,
		`{"type":"authenticate","identity":"","allowedThreadIds":[]}`,
		`{"type":"join","threadId":5}`,
		`{"type":"new-message","threadId":"t1"}`,
		`{"type":"new-reaction","threadId":"t1","messageId":"m1","emoji":"a b"}`,
		`{"type":"edited-message","threadId":"t1","messageId":"m1","message":{"id":"m2"}}`,
	}
	for _, p := range payloads {
		_, err := Decode([]byte(p))
		assert.True(t, IsMalformed(err), p)
		assert.True(t, errors.Is(err, chat.ErrInvalidInput), p)
	}
}

// TestDecodeRoomEventWithoutThread verifies such events decode so they can
// be dropped quietly.
func TestDecodeRoomEventWithoutThread(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"new-message"}`))
	require.NoError(t, err)
	re, ok := ev.(RoomEvent)
	require.True(t, ok)
	assert.Empty(t, re.Room())
}

// TestEncodeRoundTrip verifies outbound events carry their tag and ids.
func TestEncodeRoundTrip(t *testing.T) {
	att := chat.Attachment{Filename: "a.png", ContentType: "image/png", Size: 3, Key: "secret/key"}
	payload, err := Encode(NewAttachment("t1", "m1", att))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"new-attachment","threadId":"t1","messageId":"m1","attachment":{"filename":"a.png","contentType":"image/png","size":3}}`, string(payload))

	payload, err = Encode(DeletedMessage("t1", "m1"))
	require.NoError(t, err)
	ev, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, DeletedMessage("t1", "m1"), ev)
}

// TestEncodeAuthAck verifies the authenticate acknowledgement shape.
func TestEncodeAuthAck(t *testing.T) {
	ack := AuthAck{Type: TypeAuthenticated, Identity: "alice", ThreadIDs: []string{"t1", "t2"}}
	assert.Equal(t, TypeAuthenticated, ack.EventType())

	payload, err := Encode(ack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"authenticated","identity":"alice","threadIds":["t1","t2"]}`, string(payload))
}

package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// EventType tags every live-channel payload.
type EventType string

// Client to server.
const (
	TypeAuthenticate EventType = "authenticate"
	TypeJoin         EventType = "join"
	TypeLeave        EventType = "leave"
)

// Server to client.
const (
	TypeAuthenticated         EventType = "authenticated"
	TypeAuthenticationFailure EventType = "authentication-failure"
	TypeJoined                EventType = "joined"
	TypeJoinFailure           EventType = "join-failure"
	TypeLeft                  EventType = "left"
	TypeBroadcastFailure      EventType = "broadcast-failure"
)

// Room events travel in both directions.
const (
	TypeNewMessage        EventType = "new-message"
	TypeEditedMessage     EventType = "edited-message"
	TypeDeletedMessage    EventType = "deleted-message"
	TypeNewReaction       EventType = "new-reaction"
	TypeNewAttachment     EventType = "new-attachment"
	TypeDeletedAttachment EventType = "deleted-attachment"
)

// ErrMalformed marks a payload that does not match the fixed field set of
// its tag.
var ErrMalformed = fmt.Errorf("%w: malformed event", chat.ErrInvalidInput)

// Event is one tagged live-channel payload.
type Event interface {
	EventType() EventType
}

// RoomEvent is an event scoped to one thread.
type RoomEvent interface {
	Event
	Room() string
	validate() error
}

// Authenticate binds an identity and its permitted threads to a connection.
type Authenticate struct {
	Type             EventType `json:"type"`
	Identity         string    `json:"identity"`
	AllowedThreadIDs []string  `json:"allowedThreadIds"`
}

// Join asks to enter one room.
type Join struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"threadId"`
}

// Leave exits one room, or every room when ThreadID is empty.
type Leave struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"threadId,omitempty"`
}

// AuthAck acknowledges a successful authenticate.
type AuthAck struct {
	Type      EventType `json:"type"`
	Identity  string    `json:"identity"`
	ThreadIDs []string  `json:"threadIds"`
}

// RoomAck acknowledges joined and left.
type RoomAck struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"threadId"`
}

// Failure is a negative outcome. The connection stays usable.
type Failure struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"threadId,omitempty"`
	Reason   string    `json:"reason"`
}

// MessageEvent reports a new, edited or deleted message. Message is absent
// for deletions.
type MessageEvent struct {
	Type      EventType     `json:"type"`
	ThreadID  string        `json:"threadId"`
	MessageID string        `json:"messageId"`
	Message   *chat.Message `json:"message,omitempty"`
}

// ReactionEvent reports a reaction added to a message.
type ReactionEvent struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"threadId"`
	MessageID string    `json:"messageId"`
	Identity  string    `json:"identity"`
	Emoji     string    `json:"emoji"`
	Count     int       `json:"count"`
}

// AttachmentEvent reports a file attached to or removed from a message.
type AttachmentEvent struct {
	Type       EventType        `json:"type"`
	ThreadID   string           `json:"threadId"`
	MessageID  string           `json:"messageId"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
}

func (e Authenticate) EventType() EventType    { return TypeAuthenticate }
func (e Join) EventType() EventType            { return TypeJoin }
func (e Leave) EventType() EventType           { return TypeLeave }
func (e AuthAck) EventType() EventType         { return TypeAuthenticated }
func (e RoomAck) EventType() EventType         { return e.Type }
func (e Failure) EventType() EventType         { return e.Type }
func (e MessageEvent) EventType() EventType    { return e.Type }
func (e ReactionEvent) EventType() EventType   { return e.Type }
func (e AttachmentEvent) EventType() EventType { return e.Type }

func (e MessageEvent) Room() string    { return e.ThreadID }
func (e ReactionEvent) Room() string   { return e.ThreadID }
func (e AttachmentEvent) Room() string { return e.ThreadID }

func (e MessageEvent) validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: %s without messageId", ErrMalformed, e.Type)
	}
	if e.Message != nil && e.Message.ID != "" && e.Message.ID != e.MessageID {
		return fmt.Errorf("%w: %s message id mismatch", ErrMalformed, e.Type)
	}
	return nil
}

func (e ReactionEvent) validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: %s without messageId", ErrMalformed, e.Type)
	}
	if err := chat.ValidateEmoji(e.Emoji); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Count < 0 {
		return fmt.Errorf("%w: negative reaction count", ErrMalformed)
	}
	return nil
}

func (e AttachmentEvent) validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: %s without messageId", ErrMalformed, e.Type)
	}
	return nil
}

// NewMessage builds a new-message event.
func NewMessage(threadID string, m chat.Message) MessageEvent {
	return MessageEvent{Type: TypeNewMessage, ThreadID: threadID, MessageID: m.ID, Message: &m}
}

// EditedMessage builds an edited-message event.
func EditedMessage(threadID string, m chat.Message) MessageEvent {
	return MessageEvent{Type: TypeEditedMessage, ThreadID: threadID, MessageID: m.ID, Message: &m}
}

// DeletedMessage builds a deleted-message event.
func DeletedMessage(threadID, messageID string) MessageEvent {
	return MessageEvent{Type: TypeDeletedMessage, ThreadID: threadID, MessageID: messageID}
}

// NewReaction builds a new-reaction event.
func NewReaction(threadID, messageID, identity, emoji string, count int) ReactionEvent {
	return ReactionEvent{Type: TypeNewReaction, ThreadID: threadID, MessageID: messageID, Identity: identity, Emoji: emoji, Count: count}
}

// NewAttachment builds a new-attachment event.
func NewAttachment(threadID, messageID string, att chat.Attachment) AttachmentEvent {
	return AttachmentEvent{Type: TypeNewAttachment, ThreadID: threadID, MessageID: messageID, Attachment: &att}
}

// DeletedAttachment builds a deleted-attachment event.
func DeletedAttachment(threadID, messageID string) AttachmentEvent {
	return AttachmentEvent{Type: TypeDeletedAttachment, ThreadID: threadID, MessageID: messageID}
}

func failure(t EventType, threadID, reason string) Failure {
	return Failure{Type: t, ThreadID: threadID, Reason: reason}
}

// Encode serializes ev as a single JSON line.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

type envelope struct {
	Type EventType `json:"type"`
}

// authenticateWire distinguishes a missing or null list from an empty one.
type authenticateWire struct {
	Identity         *string   `json:"identity"`
	AllowedThreadIDs *[]string `json:"allowedThreadIds"`
}

// Decode parses an inbound payload into its variant. Server-only tags are
// rejected.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeAuthenticate:
		var w authenticateWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if w.Identity == nil || strings.TrimSpace(*w.Identity) == "" {
			return nil, fmt.Errorf("%w: authenticate without identity", ErrMalformed)
		}
		if w.AllowedThreadIDs == nil {
			return nil, fmt.Errorf("%w: authenticate without allowedThreadIds", ErrMalformed)
		}
		return Authenticate{
			Type:             TypeAuthenticate,
			Identity:         strings.TrimSpace(*w.Identity),
			AllowedThreadIDs: uniqueNonEmpty(*w.AllowedThreadIDs),
		}, nil

	case TypeJoin:
		var ev Join
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ev, nil

	case TypeLeave:
		var ev Leave
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ev, nil

	case TypeNewMessage, TypeEditedMessage, TypeDeletedMessage:
		var ev MessageEvent
		return decodeRoom(data, &ev)

	case TypeNewReaction:
		var ev ReactionEvent
		return decodeRoom(data, &ev)

	case TypeNewAttachment, TypeDeletedAttachment:
		var ev AttachmentEvent
		return decodeRoom(data, &ev)

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrMalformed, env.Type)
	}
}

func decodeRoom[T RoomEvent](data []byte, ev *T) (Event, error) {
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// A room event without a thread is returned as-is so the caller can
	// drop it quietly; everything else must be well formed.
	if (*ev).Room() == "" {
		return *ev, nil
	}
	if err := (*ev).validate(); err != nil {
		return *ev, err
	}
	return *ev, nil
}

// IsMalformed reports whether err came from Decode.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

func uniqueNonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || chat.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

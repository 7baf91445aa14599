package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxReactionEmoji is the number of distinct emoji symbols a message may carry.
const MaxReactionEmoji = 10

// MaxContentLength bounds the text of a single message, in characters.
const MaxContentLength = 4000

// Thread is a durable conversation among a set of participants. The
// participant set is unique across threads and never empty while the thread
// exists.
type Thread struct {
	ID             string    `bson:"_id" json:"id"`
	Participants   []string  `bson:"participants" json:"participants"`
	ParticipantKey string    `bson:"participant_key" json:"-"`
	CreatedAt      time.Time `bson:"created_at" json:"createdAt"`
	LastActivity   time.Time `bson:"last_activity" json:"lastActivity"`
	Messages       []Message `bson:"messages" json:"messages"`
	Version        int64     `bson:"version" json:"-"`
}

// Message is a single entry of a thread.
type Message struct {
	ID         string              `bson:"id" json:"id"`
	Sender     string              `bson:"sender" json:"sender"`
	Content    string              `bson:"content" json:"content"`
	CreatedAt  time.Time           `bson:"created_at" json:"createdAt"`
	Edited     bool                `bson:"edited" json:"edited"`
	Attachment *Attachment         `bson:"attachment,omitempty" json:"attachment,omitempty"`
	Reactions  map[string]Reaction `bson:"reactions,omitempty" json:"reactions,omitempty"`
}

// Attachment describes the single file owned by a message. Key locates the
// backing file in blob storage.
type Attachment struct {
	Filename    string `bson:"filename" json:"filename"`
	ContentType string `bson:"content_type" json:"contentType"`
	Size        int64  `bson:"size" json:"size"`
	Key         string `bson:"key" json:"-"`
}

// Reaction holds the identities that reacted with one emoji. Count always
// equals len(Identities).
type Reaction struct {
	Identities []string `bson:"identities" json:"identities"`
	Count      int      `bson:"count" json:"count"`
}

// Summary is the list-threads view of a thread.
type Summary struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
}

// ValidateContent rejects empty or oversized message text.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message content is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return fmt.Errorf("%w: message content exceeds %d characters", ErrInvalidInput, MaxContentLength)
	}
	return nil
}

// NewThread builds a thread for the given participants, preserving their
// order for display.
func NewThread(id string, participants []string, now time.Time) *Thread {
	ps := make([]string, 0, len(participants))
	for _, p := range participants {
		if !Contains(ps, p) {
			ps = append(ps, p)
		}
	}
	return &Thread{
		ID:             id,
		Participants:   ps,
		ParticipantKey: ParticipantKey(ps),
		CreatedAt:      now,
		LastActivity:   now,
		Messages:       []Message{},
	}
}

// NewMessage builds a message sent at now.
func NewMessage(id, sender, content string, now time.Time) Message {
	return Message{
		ID:        id,
		Sender:    sender,
		Content:   content,
		CreatedAt: now,
	}
}

// Clone returns a deep copy of t.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	c.Participants = append([]string(nil), t.Participants...)
	c.Messages = make([]Message, len(t.Messages))
	for i := range t.Messages {
		c.Messages[i] = t.Messages[i].Clone()
	}
	return &c
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]Reaction, len(m.Reactions))
		for emoji, r := range m.Reactions {
			c.Reactions[emoji] = Reaction{
				Identities: append([]string(nil), r.Identities...),
				Count:      r.Count,
			}
		}
	}
	return c
}

// HasParticipant reports whether identity currently belongs to t.
func (t *Thread) HasParticipant(identity string) bool {
	return Contains(t.Participants, identity)
}

// Summary returns the list view of t.
func (t *Thread) Summary() Summary {
	s := Summary{
		ID:           t.ID,
		Participants: append([]string(nil), t.Participants...),
		CreatedAt:    t.CreatedAt,
		LastActivity: t.LastActivity,
		MessageCount: len(t.Messages),
	}
	if n := len(t.Messages); n > 0 {
		last := t.Messages[n-1].Clone()
		s.LastMessage = &last
	}
	return s
}

func (t *Thread) indexOf(messageID string) int {
	for i := range t.Messages {
		if t.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// Message returns the message with the given id.
func (t *Thread) Message(messageID string) (*Message, error) {
	i := t.indexOf(messageID)
	if i < 0 {
		return nil, fmt.Errorf("%w: message %s in thread %s", ErrNotFound, messageID, t.ID)
	}
	return &t.Messages[i], nil
}

// AppendMessage adds m to the end of the thread and bumps last activity.
// The sender must be a current participant.
func (t *Thread) AppendMessage(m Message) error {
	if !t.HasParticipant(m.Sender) {
		return fmt.Errorf("%w: %s is not a participant of thread %s", ErrForbidden, m.Sender, t.ID)
	}
	t.Messages = append(t.Messages, m)
	if m.CreatedAt.After(t.LastActivity) {
		t.LastActivity = m.CreatedAt
	}
	return nil
}

// EditMessage replaces the content of a message. Identifier and sender are
// preserved.
func (t *Thread) EditMessage(messageID, content string) (Message, error) {
	m, err := t.Message(messageID)
	if err != nil {
		return Message{}, err
	}
	m.Content = content
	m.Edited = true
	return m.Clone(), nil
}

// DeleteMessage removes a message from the thread and returns it.
func (t *Thread) DeleteMessage(messageID string) (Message, error) {
	i := t.indexOf(messageID)
	if i < 0 {
		return Message{}, fmt.Errorf("%w: message %s in thread %s", ErrNotFound, messageID, t.ID)
	}
	removed := t.Messages[i]
	t.Messages = append(t.Messages[:i], t.Messages[i+1:]...)
	return removed, nil
}

// AddParticipant adds identity to the participant set.
func (t *Thread) AddParticipant(identity string) error {
	if t.HasParticipant(identity) {
		return fmt.Errorf("%w: %s already participates in thread %s", ErrConflict, identity, t.ID)
	}
	t.Participants = append(t.Participants, identity)
	t.ParticipantKey = ParticipantKey(t.Participants)
	return nil
}

// RemoveParticipant drops identity from the participant set. When the last
// participant leaves the set becomes empty and the backend deletes the
// thread instead of storing it.
func (t *Thread) RemoveParticipant(identity string) error {
	for i, p := range t.Participants {
		if p == identity {
			t.Participants = append(t.Participants[:i], t.Participants[i+1:]...)
			t.ParticipantKey = ParticipantKey(t.Participants)
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a participant of thread %s", ErrNotFound, identity, t.ID)
}

// Empty reports whether no participant is left.
func (t *Thread) Empty() bool {
	return len(t.Participants) == 0
}

// AddReaction records identity reacting with emoji on a message and returns
// the new count for that emoji.
func (t *Thread) AddReaction(messageID, identity, emoji string) (int, error) {
	m, err := t.Message(messageID)
	if err != nil {
		return 0, err
	}
	return m.addReaction(identity, emoji)
}

func (m *Message) addReaction(identity, emoji string) (int, error) {
	if m.Reactions == nil {
		m.Reactions = make(map[string]Reaction)
	}
	r, exists := m.Reactions[emoji]
	if !exists && len(m.Reactions) >= MaxReactionEmoji {
		return 0, fmt.Errorf("%w: message %s already has %d distinct reactions", ErrLimitExceeded, m.ID, MaxReactionEmoji)
	}
	if Contains(r.Identities, identity) {
		return r.Count, fmt.Errorf("%w: %s already reacted with %s", ErrAlreadyReacted, identity, emoji)
	}
	r.Identities = append(append([]string(nil), r.Identities...), identity)
	r.Count = len(r.Identities)
	m.Reactions[emoji] = r
	return r.Count, nil
}

// SetAttachment stores att on a message and returns the attachment it
// replaced, if any.
func (t *Thread) SetAttachment(messageID string, att Attachment) (*Attachment, error) {
	m, err := t.Message(messageID)
	if err != nil {
		return nil, err
	}
	prev := m.Attachment
	m.Attachment = &att
	return prev, nil
}

// ClearAttachment removes the attachment of a message and returns it.
func (t *Thread) ClearAttachment(messageID string) (*Attachment, error) {
	m, err := t.Message(messageID)
	if err != nil {
		return nil, err
	}
	if m.Attachment == nil {
		return nil, fmt.Errorf("%w: message %s has no attachment", ErrNotFound, messageID)
	}
	prev := m.Attachment
	m.Attachment = nil
	return prev, nil
}

// Attachments returns every attachment held by the thread.
func (t *Thread) Attachments() []Attachment {
	var out []Attachment
	for _, m := range t.Messages {
		if m.Attachment != nil {
			out = append(out, *m.Attachment)
		}
	}
	return out
}

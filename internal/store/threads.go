package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/blob"
	"github.com/TheTomik1/chat-app/internal/chat"
)

// Threads is the Thread Store. Permission checks beyond "the sender is a
// participant" belong to the caller.
type Threads struct {
	backend Backend
	files   blob.Store
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewThreads returns a store over backend. files holds attachment contents
// and is cleaned up whenever an attachment is replaced or removed.
func NewThreads(backend Backend, files blob.Store, logger *zap.Logger) *Threads {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Threads{
		backend: backend,
		files:   files,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Files exposes the blob store used for attachments.
func (s *Threads) Files() blob.Store { return s.files }

// FindThread returns the thread whose participant set equals participants.
func (s *Threads) FindThread(ctx context.Context, participants []string) (*chat.Thread, error) {
	ps, err := chat.NormalizeParticipants(participants)
	if err != nil {
		return nil, err
	}
	return s.backend.FindByKey(ctx, chat.ParticipantKey(ps))
}

// GetThread returns the thread with the given id.
func (s *Threads) GetThread(ctx context.Context, threadID string) (*chat.Thread, error) {
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread id is required", chat.ErrInvalidInput)
	}
	return s.backend.Get(ctx, threadID)
}

// ListThreads returns summaries of the threads identity participates in,
// most recently active first.
func (s *Threads) ListThreads(ctx context.Context, identity string) ([]chat.Summary, error) {
	threads, err := s.backend.ListByParticipant(ctx, identity)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Summary, 0, len(threads))
	for _, t := range threads {
		out = append(out, t.Summary())
	}
	return out, nil
}

// AppendMessage adds a message to an existing thread.
func (s *Threads) AppendMessage(ctx context.Context, threadID, sender, content string) (chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return chat.Message{}, err
	}
	msg := chat.NewMessage(s.newID(), sender, content, s.now())
	if _, err := s.backend.Update(ctx, threadID, func(t *chat.Thread) error {
		return t.AppendMessage(msg)
	}); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// CreateThreadWithMessage finds or creates the thread for participants and
// appends the first (or next) message to it. The lookup and creation are one
// atomic backend step, so concurrent first messages between the same
// identities converge on a single thread.
func (s *Threads) CreateThreadWithMessage(ctx context.Context, participants []string, sender, content string) (string, chat.Message, bool, error) {
	ps, err := chat.NormalizeParticipants(participants)
	if err != nil {
		return "", chat.Message{}, false, err
	}
	if !chat.Contains(ps, sender) {
		return "", chat.Message{}, false, fmt.Errorf("%w: %s is not among the participants", chat.ErrForbidden, sender)
	}
	if err := chat.ValidateContent(content); err != nil {
		return "", chat.Message{}, false, err
	}

	key := chat.ParticipantKey(ps)
	msg := chat.NewMessage(s.newID(), sender, content, s.now())

	// The thread can vanish between find-or-create and append when its last
	// participant leaves; start over in that case.
	for attempt := 0; attempt < 3; attempt++ {
		var created bool
		var t *chat.Thread
		t, created, err = s.backend.FindOrCreate(ctx, key, func() *chat.Thread {
			th := chat.NewThread(s.newID(), orderLike(participants, ps), msg.CreatedAt)
			th.Messages = []chat.Message{msg}
			return th
		})
		if err != nil {
			return "", chat.Message{}, false, err
		}
		if created {
			s.logger.Info("thread_created", zap.String("thread_id", t.ID), zap.Strings("participants", t.Participants))
			return t.ID, msg, true, nil
		}
		_, err = s.backend.Update(ctx, t.ID, func(th *chat.Thread) error {
			return th.AppendMessage(msg)
		})
		if err == nil {
			return t.ID, msg, false, nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return "", chat.Message{}, false, err
		}
	}
	return "", chat.Message{}, false, fmt.Errorf("%w: thread was deleted while sending", chat.ErrConflict)
}

// orderLike keeps the caller's display order of participants while taking
// the normalized spelling of each entry.
func orderLike(raw, normalized []string) []string {
	out := make([]string, 0, len(normalized))
	for _, r := range raw {
		for _, n := range normalized {
			if n == r && !chat.Contains(out, n) {
				out = append(out, n)
			}
		}
	}
	for _, n := range normalized {
		if !chat.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// EditMessage replaces the content of a message.
func (s *Threads) EditMessage(ctx context.Context, threadID, messageID, content string) (chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return chat.Message{}, err
	}
	var edited chat.Message
	_, err := s.backend.Update(ctx, threadID, func(t *chat.Thread) error {
		var err error
		edited, err = t.EditMessage(messageID, content)
		return err
	})
	if err != nil {
		return chat.Message{}, err
	}
	return edited, nil
}

// DeleteMessage removes a message and its attachment file.
func (s *Threads) DeleteMessage(ctx context.Context, threadID, messageID string) (chat.Message, error) {
	var removed chat.Message
	_, err := s.backend.Update(ctx, threadID, func(t *chat.Thread) error {
		var err error
		removed, err = t.DeleteMessage(messageID)
		return err
	})
	if err != nil {
		return chat.Message{}, err
	}
	if removed.Attachment != nil {
		s.deleteFile(ctx, removed.Attachment.Key)
	}
	return removed, nil
}

// AddParticipant adds identity to a thread. Adding an identity that already
// participates, or producing the participant set of another thread, fails
// with chat.ErrConflict.
func (s *Threads) AddParticipant(ctx context.Context, threadID, identity string) (*chat.Thread, error) {
	if err := chat.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	return s.backend.Update(ctx, threadID, func(t *chat.Thread) error {
		return t.AddParticipant(identity)
	})
}

// RemoveParticipant drops identity from a thread. When identity was the last
// participant the thread and every attachment file it held are deleted and
// deleted is true.
func (s *Threads) RemoveParticipant(ctx context.Context, threadID, identity string) (bool, error) {
	t, err := s.backend.Update(ctx, threadID, func(t *chat.Thread) error {
		return t.RemoveParticipant(identity)
	})
	if err != nil {
		return false, err
	}
	if !t.Empty() {
		return false, nil
	}
	for _, att := range t.Attachments() {
		s.deleteFile(ctx, att.Key)
	}
	s.logger.Info("thread_deleted", zap.String("thread_id", threadID), zap.String("last_participant", identity))
	return true, nil
}

// AddReaction records identity reacting with emoji and returns the new
// count. The uniqueness check and the increment happen in one update.
func (s *Threads) AddReaction(ctx context.Context, threadID, messageID, identity, emoji string) (int, error) {
	if err := chat.ValidateEmoji(emoji); err != nil {
		return 0, err
	}
	var count int
	_, err := s.backend.Update(ctx, threadID, func(t *chat.Thread) error {
		var err error
		count, err = t.AddReaction(messageID, identity, emoji)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SetAttachment points a message at att and deletes the file of the
// attachment it replaces. att.Key must already hold the new contents.
func (s *Threads) SetAttachment(ctx context.Context, threadID, messageID string, att chat.Attachment) (*chat.Attachment, error) {
	var prev *chat.Attachment
	_, err := s.backend.Update(ctx, threadID, func(t *chat.Thread) error {
		var err error
		prev, err = t.SetAttachment(messageID, att)
		return err
	})
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Key != att.Key {
		s.deleteFile(ctx, prev.Key)
	}
	return prev, nil
}

// ClearAttachment removes the attachment of a message and its file.
func (s *Threads) ClearAttachment(ctx context.Context, threadID, messageID string) (chat.Attachment, error) {
	var prev *chat.Attachment
	_, err := s.backend.Update(ctx, threadID, func(t *chat.Thread) error {
		var err error
		prev, err = t.ClearAttachment(messageID)
		return err
	})
	if err != nil {
		return chat.Attachment{}, err
	}
	s.deleteFile(ctx, prev.Key)
	return *prev, nil
}

// Close releases the backend.
func (s *Threads) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}

// deleteFile removes a backing file. The mutation that orphaned it has
// already been committed, so a failure is logged and not returned.
func (s *Threads) deleteFile(ctx context.Context, key string) {
	if key == "" || s.files == nil {
		return
	}
	if err := s.files.Delete(ctx, key); err != nil {
		s.logger.Warn("file_delete_failed", zap.String("key", key), zap.Error(err))
	}
}

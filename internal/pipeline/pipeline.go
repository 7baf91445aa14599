// Package pipeline is the Mutation Pipeline: every durable mutation is
// validated, checked against thread membership, applied to the Thread
// Store, turned into a room event, and only then broadcast. When a mutation
// creates a thread, the participants' live connections are granted and
// joined before the first broadcast so the originator sees its own echo.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/blob"
	"github.com/TheTomik1/chat-app/internal/chat"
	"github.com/TheTomik1/chat-app/internal/journal"
	"github.com/TheTomik1/chat-app/internal/live"
	"github.com/TheTomik1/chat-app/internal/metrics"
	"github.com/TheTomik1/chat-app/internal/store"
)

// DefaultMaxUploadSize bounds attachments and profile pictures.
const DefaultMaxUploadSize = 10 << 20

// Broadcaster is the live-channel side of the pipeline.
type Broadcaster interface {
	Grant(identity, threadID string) int
	Revoke(identity, threadID string)
	CloseRoom(threadID string)
	Broadcast(ev live.RoomEvent) int
}

// Deps are the collaborators of a Service.
type Deps struct {
	Threads       *store.Threads
	Users         store.Users
	Files         blob.Store
	Live          Broadcaster
	Journal       journal.Publisher
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	MaxUploadSize int64
}

// Service runs mutations and queries on behalf of an authenticated actor.
type Service struct {
	threads   *store.Threads
	users     store.Users
	files     blob.Store
	live      Broadcaster
	journal   journal.Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	maxUpload int64
	now       func() time.Time
	newID     func() string
}

// New builds a Service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Journal == nil {
		d.Journal = journal.Nop{}
	}
	if d.MaxUploadSize <= 0 {
		d.MaxUploadSize = DefaultMaxUploadSize
	}
	return &Service{
		threads:   d.Threads,
		users:     d.Users,
		files:     d.Files,
		live:      d.Live,
		journal:   d.Journal,
		logger:    d.Logger,
		metrics:   d.Metrics,
		maxUpload: d.MaxUploadSize,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// SendResult tells the caller where its message landed.
type SendResult struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	Created   bool   `json:"created"`
}

// ListThreads returns the actor's threads, most recently active first.
func (s *Service) ListThreads(ctx context.Context, actor string) ([]chat.Summary, error) {
	return s.threads.ListThreads(ctx, actor)
}

// GetThread returns the thread of a participant set that includes actor.
func (s *Service) GetThread(ctx context.Context, actor string, participants []string) (*chat.Thread, error) {
	return s.resolve(ctx, actor, participants)
}

// SendMessage appends content to the thread of participants, creating the
// thread when it does not exist yet.
func (s *Service) SendMessage(ctx context.Context, actor string, participants []string, content string) (res SendResult, err error) {
	defer s.observe("send-message", &err)

	ps, err := s.normalizeWithActor(actor, participants)
	if err != nil {
		return SendResult{}, err
	}
	threadID, msg, created, err := s.threads.CreateThreadWithMessage(ctx, participants, actor, content)
	if err != nil {
		return SendResult{}, err
	}

	// Joins happen before the broadcast below. A new thread is granted to
	// every participant, an existing one at least to the sender.
	if created {
		for _, p := range ps {
			s.live.Grant(p, threadID)
		}
	} else {
		s.live.Grant(actor, threadID)
	}
	s.emit(ctx, actor, live.NewMessage(threadID, msg))
	return SendResult{ThreadID: threadID, MessageID: msg.ID, Created: created}, nil
}

// EditMessage replaces the content of a message. Any participant may edit.
func (s *Service) EditMessage(ctx context.Context, actor string, participants []string, messageID, content string) (msg chat.Message, err error) {
	defer s.observe("edit-message", &err)

	t, err := s.resolve(ctx, actor, participants)
	if err != nil {
		return chat.Message{}, err
	}
	msg, err = s.threads.EditMessage(ctx, t.ID, messageID, content)
	if err != nil {
		return chat.Message{}, err
	}
	s.emit(ctx, actor, live.EditedMessage(t.ID, msg))
	return msg, nil
}

// DeleteMessage removes a message and its attachment. Any participant may
// delete.
func (s *Service) DeleteMessage(ctx context.Context, actor string, participants []string, messageID string) (err error) {
	defer s.observe("delete-message", &err)

	t, err := s.resolve(ctx, actor, participants)
	if err != nil {
		return err
	}
	if _, err := s.threads.DeleteMessage(ctx, t.ID, messageID); err != nil {
		return err
	}
	s.emit(ctx, actor, live.DeletedMessage(t.ID, messageID))
	return nil
}

// AddReaction records the actor's reaction and returns the emoji's count.
func (s *Service) AddReaction(ctx context.Context, actor string, participants []string, messageID, emoji string) (count int, err error) {
	defer s.observe("add-reaction", &err)

	t, err := s.resolve(ctx, actor, participants)
	if err != nil {
		return 0, err
	}
	count, err = s.threads.AddReaction(ctx, t.ID, messageID, actor, emoji)
	if err != nil {
		return 0, err
	}
	s.emit(ctx, actor, live.NewReaction(t.ID, messageID, actor, emoji, count))
	return count, nil
}

// InviteParticipant adds invitee to a thread. participants must be the
// thread's current participant set as the caller knows it.
func (s *Service) InviteParticipant(ctx context.Context, actor, threadID string, participants []string, invitee string) (t *chat.Thread, err error) {
	defer s.observe("invite-participant", &err)

	if _, err := s.byIDAndSet(ctx, actor, threadID, participants); err != nil {
		return nil, err
	}
	if _, err := s.users.GetUser(ctx, invitee); err != nil {
		return nil, err
	}
	t, err = s.threads.AddParticipant(ctx, threadID, invitee)
	if err != nil {
		return nil, err
	}
	s.live.Grant(invitee, threadID)
	s.record(ctx, actor, threadID, "participant-added", map[string]string{"identity": invitee})
	s.logger.Info("participant_invited", zap.String("thread_id", threadID), zap.String("actor", actor), zap.String("invitee", invitee))
	return t, nil
}

// LeaveThread removes the actor from a thread. The last participant
// leaving deletes the thread. It reports whether the thread was deleted.
// Leaving fails with chat.ErrConflict when the remaining participants
// already share another thread.
func (s *Service) LeaveThread(ctx context.Context, actor, threadID string, participants []string) (deleted bool, err error) {
	defer s.observe("leave-thread", &err)

	if _, err := s.byIDAndSet(ctx, actor, threadID, participants); err != nil {
		return false, err
	}
	deleted, err = s.threads.RemoveParticipant(ctx, threadID, actor)
	if err != nil {
		return false, err
	}
	if deleted {
		s.live.CloseRoom(threadID)
		s.record(ctx, actor, threadID, "thread-deleted", nil)
	} else {
		s.live.Revoke(actor, threadID)
		s.record(ctx, actor, threadID, "participant-left", map[string]string{"identity": actor})
	}
	return deleted, nil
}

// resolve finds the thread of participants and checks that actor belongs
// to it.
func (s *Service) resolve(ctx context.Context, actor string, participants []string) (*chat.Thread, error) {
	ps, err := s.normalizeWithActor(actor, participants)
	if err != nil {
		return nil, err
	}
	return s.threads.FindThread(ctx, ps)
}

func (s *Service) normalizeWithActor(actor string, participants []string) ([]string, error) {
	ps, err := chat.NormalizeParticipants(participants)
	if err != nil {
		return nil, err
	}
	if !chat.Contains(ps, actor) {
		return nil, fmt.Errorf("%w: %s is not among the participants", chat.ErrForbidden, actor)
	}
	return ps, nil
}

// byIDAndSet loads a thread by id and checks that the caller's view of its
// participant set is current and includes actor.
func (s *Service) byIDAndSet(ctx context.Context, actor, threadID string, participants []string) (*chat.Thread, error) {
	ps, err := s.normalizeWithActor(actor, participants)
	if err != nil {
		return nil, err
	}
	t, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !chat.SameSet(t.Participants, ps) {
		return nil, fmt.Errorf("%w: thread %s has a different participant set", chat.ErrNotFound, threadID)
	}
	return t, nil
}

// emit broadcasts ev to its room and journals it.
func (s *Service) emit(ctx context.Context, actor string, ev live.RoomEvent) {
	s.live.Broadcast(ev)

	payload, err := live.Encode(ev)
	if err != nil {
		s.logger.Error("encode_failed", zap.Error(err))
		return
	}
	s.publish(ctx, journal.Entry{
		ThreadID: ev.Room(),
		Type:     string(ev.EventType()),
		Actor:    actor,
		At:       s.now(),
		Event:    payload,
	})
}

// record journals a membership change that has no room event.
func (s *Service) record(ctx context.Context, actor, threadID, kind string, detail map[string]string) {
	entry := journal.Entry{ThreadID: threadID, Type: kind, Actor: actor, At: s.now()}
	if detail != nil {
		payload, err := json.Marshal(detail)
		if err == nil {
			entry.Event = payload
		}
	}
	s.publish(ctx, entry)
}

func (s *Service) publish(ctx context.Context, e journal.Entry) {
	if err := s.journal.Publish(ctx, e); err != nil {
		s.logger.Warn("journal_publish_failed", zap.String("thread_id", e.ThreadID), zap.String("type", e.Type), zap.Error(err))
	}
}

func (s *Service) observe(op string, errp *error) {
	err := *errp
	s.metrics.Mutation(op, err)
	if err != nil && chat.KindOf(err) == chat.KindInternal && !errors.Is(err, context.Canceled) {
		s.logger.Error("mutation_failed", zap.String("op", op), zap.Error(err))
	}
}

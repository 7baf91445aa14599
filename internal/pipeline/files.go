package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/blob"
	"github.com/TheTomik1/chat-app/internal/chat"
	"github.com/TheTomik1/chat-app/internal/live"
)

// ProfilePictureSize is the edge length of stored profile pictures.
const ProfilePictureSize = 256

const defaultContentType = "application/octet-stream"

// AttachFile stores r as the attachment of a message, replacing any
// previous one.
func (s *Service) AttachFile(ctx context.Context, actor string, participants []string, messageID, filename, contentType string, r io.Reader) (att chat.Attachment, err error) {
	defer s.observe("attach-file", &err)

	name := strings.TrimSpace(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return chat.Attachment{}, fmt.Errorf("%w: file name is required", chat.ErrInvalidInput)
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	t, err := s.resolve(ctx, actor, participants)
	if err != nil {
		return chat.Attachment{}, err
	}
	if _, err := t.Message(messageID); err != nil {
		return chat.Attachment{}, err
	}

	key := fmt.Sprintf("attachments/%s/%s/%s-%s", t.ID, messageID, s.newID(), blob.SafeName(name))
	size, err := s.files.Put(ctx, key, contentType, io.LimitReader(r, s.maxUpload+1))
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	if size > s.maxUpload {
		s.discard(ctx, key)
		return chat.Attachment{}, fmt.Errorf("%w: file exceeds %d bytes", chat.ErrLimitExceeded, s.maxUpload)
	}

	att = chat.Attachment{Filename: name, ContentType: contentType, Size: size, Key: key}
	if _, err := s.threads.SetAttachment(ctx, t.ID, messageID, att); err != nil {
		s.discard(ctx, key)
		return chat.Attachment{}, err
	}
	s.emit(ctx, actor, live.NewAttachment(t.ID, messageID, att))
	return att, nil
}

// DetachFile removes the attachment of a message and its backing file.
func (s *Service) DetachFile(ctx context.Context, actor string, participants []string, messageID string) (err error) {
	defer s.observe("detach-file", &err)

	t, err := s.resolve(ctx, actor, participants)
	if err != nil {
		return err
	}
	if _, err := s.threads.ClearAttachment(ctx, t.ID, messageID); err != nil {
		return err
	}
	s.emit(ctx, actor, live.DeletedAttachment(t.ID, messageID))
	return nil
}

// DownloadAttachment opens the attachment of a message. The caller closes
// the returned reader.
func (s *Service) DownloadAttachment(ctx context.Context, actor string, participants []string, messageID string) (chat.Attachment, io.ReadCloser, error) {
	t, err := s.resolve(ctx, actor, participants)
	if err != nil {
		return chat.Attachment{}, nil, err
	}
	m, err := t.Message(messageID)
	if err != nil {
		return chat.Attachment{}, nil, err
	}
	if m.Attachment == nil {
		return chat.Attachment{}, nil, fmt.Errorf("%w: message %s has no attachment", chat.ErrNotFound, messageID)
	}
	att := *m.Attachment
	rc, _, err := s.files.Open(ctx, att.Key)
	if err != nil {
		return chat.Attachment{}, nil, err
	}
	return att, rc, nil
}

// UploadProfilePicture normalizes an image to a square PNG and makes it the
// actor's profile picture. It returns the new blob key.
func (s *Service) UploadProfilePicture(ctx context.Context, actor string, r io.Reader) (key string, err error) {
	defer s.observe("upload-profile-picture", &err)

	if _, err := s.users.GetUser(ctx, actor); err != nil {
		return "", err
	}

	raw, err := io.ReadAll(io.LimitReader(r, s.maxUpload+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if int64(len(raw)) > s.maxUpload {
		return "", fmt.Errorf("%w: image exceeds %d bytes", chat.ErrLimitExceeded, s.maxUpload)
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%w: not a decodable image", chat.ErrInvalidInput)
	}
	img = imaging.Fill(img, ProfilePictureSize, ProfilePictureSize, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode profile picture: %w", err)
	}

	key = fmt.Sprintf("profile-pictures/%s/%s.png", actor, s.newID())
	if _, err := s.files.Put(ctx, key, "image/png", &buf); err != nil {
		return "", fmt.Errorf("store profile picture: %w", err)
	}
	prev, err := s.users.SetProfilePicture(ctx, actor, key)
	if err != nil {
		s.discard(ctx, key)
		return "", err
	}
	if prev != "" && prev != key {
		s.discard(ctx, prev)
	}
	s.logger.Info("profile_picture_updated", zap.String("identity", actor), zap.String("key", key))
	return key, nil
}

// DownloadProfilePicture opens the profile picture of identity.
func (s *Service) DownloadProfilePicture(ctx context.Context, identity string) (io.ReadCloser, int64, error) {
	u, err := s.users.GetUser(ctx, identity)
	if err != nil {
		return nil, 0, err
	}
	if u.ProfilePicture == "" {
		return nil, 0, fmt.Errorf("%w: %s has no profile picture", chat.ErrNotFound, identity)
	}
	return s.files.Open(ctx, u.ProfilePicture)
}

// discard deletes a blob the store no longer references.
func (s *Service) discard(ctx context.Context, key string) {
	if err := s.files.Delete(ctx, key); err != nil {
		s.logger.Warn("file_delete_failed", zap.String("key", key), zap.Error(err))
	}
}

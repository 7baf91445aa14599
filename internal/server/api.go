package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/auth"
	"github.com/TheTomik1/chat-app/internal/chat"
	"github.com/TheTomik1/chat-app/internal/logging"
)

type registerRequest struct {
	Identity string `json:"identity"`
	Email    string `json:"email"`
	Secret   string `json:"secret"`
}

type loginRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type messageRequest struct {
	Participants []string `json:"participants"`
	Content      string   `json:"content"`
}

type reactionRequest struct {
	Participants []string `json:"participants"`
	Emoji        string   `json:"emoji"`
}

type inviteRequest struct {
	Participants []string `json:"participants"`
	Invitee      string   `json:"invitee"`
}

// handleRegister creates an account. Duplicate identity or email is 409.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.accounts.CreateAccount(r.Context(), req.Identity, req.Email, req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("account_created", zap.String("identity", u.Identity))
	writeJSON(w, http.StatusCreated, u)
}

// handleLogin checks the secret and issues a session as cookie and body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.accounts.Authenticate(r.Context(), req.Identity, req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, expires, err := s.sessions.Issue(u.Identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   !logging.IsDevelopment(s.cfg.Env),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Identity: u.Identity, ExpiresAt: expires})
}

// handleLogout clears the session cookie.
func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !logging.IsDevelopment(s.cfg.Env),
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the caller's account.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.User(r.Context(), identityFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleListThreads lists the caller's threads, most recent first.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.pipeline.ListThreads(r.Context(), identityFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

// handleGetThread returns the thread of the participants query.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.pipeline.GetThread(r.Context(), identityFrom(r), participantsParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleSendMessage appends a message, creating the thread on first use.
// It answers 201 when the thread was created.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.pipeline.SendMessage(r.Context(), identityFrom(r), req.Participants, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// handleEditMessage replaces a message's content.
func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.pipeline.EditMessage(r.Context(), identityFrom(r), req.Participants, mux.Vars(r)["messageId"], req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleDeleteMessage removes a message and its attachment.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := s.pipeline.DeleteMessage(r.Context(), identityFrom(r), participantsParam(r), mux.Vars(r)["messageId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddReaction records a reaction and returns the emoji's count.
func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := s.pipeline.AddReaction(r.Context(), identityFrom(r), req.Participants, mux.Vars(r)["messageId"], req.Emoji)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// handleInvite adds the invitee to a thread.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.pipeline.InviteParticipant(r.Context(), identityFrom(r), mux.Vars(r)["threadId"], req.Participants, req.Invitee)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleLeave removes the caller from a thread and reports whether the
// thread was deleted. It answers 409 when the remaining participants
// already have a thread of their own.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.pipeline.LeaveThread(r.Context(), identityFrom(r), mux.Vars(r)["threadId"], participantsParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// handleUploadAttachment stores the "file" part as the message attachment,
// replacing any previous one.
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	file, err := s.formFile(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.close()

	att, err := s.pipeline.AttachFile(r.Context(), identityFrom(r), participantsParam(r), mux.Vars(r)["messageId"], file.name, file.contentType, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// handleDownloadAttachment streams a message attachment.
func (s *Server) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	att, rc, err := s.pipeline.DownloadAttachment(r.Context(), identityFrom(r), participantsParam(r), mux.Vars(r)["messageId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	s.stream(w, r, rc)
}

// handleDetach removes a message attachment.
func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	err := s.pipeline.DetachFile(r.Context(), identityFrom(r), participantsParam(r), mux.Vars(r)["messageId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadPicture replaces the caller's profile picture.
func (s *Server) handleUploadPicture(w http.ResponseWriter, r *http.Request) {
	file, err := s.formFile(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.close()

	if _, err := s.pipeline.UploadProfilePicture(r.Context(), identityFrom(r), file); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownloadPicture streams an identity's profile picture as PNG.
func (s *Server) handleDownloadPicture(w http.ResponseWriter, r *http.Request) {
	rc, size, err := s.pipeline.DownloadProfilePicture(r.Context(), mux.Vars(r)["identity"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	s.stream(w, r, rc)
}

// stream copies a download to the response.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, rc io.Reader) {
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download_interrupted", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// uploadedFile is the "file" part of a multipart upload.
type uploadedFile struct {
	io.Reader
	name        string
	contentType string
	close       func()
}

// formFile streams the "file" part of a multipart body without buffering
// it to disk.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request) (*uploadedFile, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: expected a multipart upload", chat.ErrInvalidInput)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: missing file part", chat.ErrInvalidInput)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed multipart body", chat.ErrInvalidInput)
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		return &uploadedFile{
			Reader:      part,
			name:        part.FileName(),
			contentType: part.Header.Get("Content-Type"),
			close:       func() { _ = part.Close() },
		}, nil
	}
}

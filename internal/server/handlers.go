package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/auth"
	"github.com/TheTomik1/chat-app/internal/chat"
	"github.com/TheTomik1/chat-app/internal/live"
)

const maxJSONBody = 1 << 20

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running!")
}

// WebSocketHandler upgrades the request to a live-channel connection. A
// valid session credential on the request pins the identity the connection
// may authenticate as.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	verified := ""
	if token := auth.TokenFromRequest(r); token != "" {
		if identity, err := s.sessions.Verify(token); err == nil {
			verified = identity
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := live.NewClient(conn, r.RemoteAddr, verified, live.ClientConfig{
		MaxMessageSize: s.cfg.MaxMessageSize,
		RateLimit: live.RateLimit{
			Burst:          s.cfg.RateLimit.Burst,
			RefillInterval: s.cfg.RateLimit.RefillInterval,
		},
	}, s.logger.Named("client"))

	if err := s.authorizer.Attach(c); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}
}

// errorBody is the JSON shape of every durable-interface failure.
type errorBody struct {
	Error   chat.Kind `json:"error"`
	Message string    `json:"message"`
}

func statusOf(kind chat.Kind) int {
	switch kind {
	case chat.KindInvalidInput:
		return http.StatusBadRequest
	case chat.KindNotFound:
		return http.StatusNotFound
	case chat.KindConflict, chat.KindAlreadyReacted:
		return http.StatusConflict
	case chat.KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case chat.KindUnauthorized:
		return http.StatusUnauthorized
	case chat.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto its status code. Internal errors are logged and
// answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := chat.KindOf(err)
	message := err.Error()
	if kind == chat.KindInternal {
		s.logger.Error("request_failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = "internal server error"
	}
	writeJSON(w, statusOf(kind), errorBody{Error: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// decodeJSON reads a single JSON object into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", chat.ErrInvalidInput)
		}
		return fmt.Errorf("%w: malformed request body: %v", chat.ErrInvalidInput, err)
	}
	return nil
}

// participantsParam reads repeated or comma-separated participants query
// values.
func participantsParam(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["participants"] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

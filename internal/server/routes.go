package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures and returns the router with all application routes:
// health check, metrics, the live channel and the durable interface.
func (s *Server) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.observeRequests)

	r.HandleFunc("/", HealthHandler)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WebSocketHandler)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limitRate)

	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	authed := func(path string, h http.HandlerFunc, method string) {
		api.HandleFunc(path, s.requireSession(h)).Methods(method)
	}
	authed("/me", s.handleMe, http.MethodGet)
	authed("/threads", s.handleListThreads, http.MethodGet)
	authed("/thread", s.handleGetThread, http.MethodGet)
	authed("/messages", s.handleSendMessage, http.MethodPost)
	authed("/messages/{messageId}", s.handleEditMessage, http.MethodPatch)
	authed("/messages/{messageId}", s.handleDeleteMessage, http.MethodDelete)
	authed("/messages/{messageId}/reactions", s.handleAddReaction, http.MethodPost)
	authed("/messages/{messageId}/attachment", s.handleUploadAttachment, http.MethodPut)
	authed("/messages/{messageId}/attachment", s.handleDownloadAttachment, http.MethodGet)
	authed("/messages/{messageId}/attachment", s.handleDetach, http.MethodDelete)
	authed("/threads/{threadId}/participants", s.handleInvite, http.MethodPost)
	authed("/threads/{threadId}/participants", s.handleLeave, http.MethodDelete)
	authed("/users/me/picture", s.handleUploadPicture, http.MethodPut)
	authed("/users/{identity}/picture", s.handleDownloadPicture, http.MethodGet)

	return r
}

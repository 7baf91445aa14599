package server

import (
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/auth"
	"github.com/TheTomik1/chat-app/internal/live"
	"github.com/TheTomik1/chat-app/internal/metrics"
	"github.com/TheTomik1/chat-app/internal/pipeline"
	"github.com/TheTomik1/chat-app/internal/ratelimit"
)

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Config     *Config
	Pipeline   *pipeline.Service
	Accounts   *auth.Accounts
	Sessions   *auth.Sessions
	Authorizer *live.Authorizer
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server serves the durable interface and the live channel.
type Server struct {
	cfg        Config
	pipeline   *pipeline.Service
	accounts   *auth.Accounts
	sessions   *auth.Sessions
	authorizer *live.Authorizer
	limiter    ratelimit.Limiter
	metrics    *metrics.Metrics
	logger     *zap.Logger
	origins    *originPolicy
	upgrader   websocket.Upgrader
}

// New builds a Server. A nil Config selects the defaults.
func New(d Deps) *Server {
	cfg := NewConfig()
	if d.Config != nil {
		sanitized := sanitizeConfig(*d.Config)
		cfg = &sanitized
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:        *cfg,
		pipeline:   d.Pipeline,
		accounts:   d.Accounts,
		sessions:   d.Sessions,
		authorizer: d.Authorizer,
		limiter:    d.Limiter,
		metrics:    d.Metrics,
		logger:     logger,
		origins:    newOriginPolicy(cfg.AllowedOrigins, logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

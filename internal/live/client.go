package live

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// ClientConfig holds per-connection limits.
type ClientConfig struct {
	MaxMessageSize int64
	RateLimit      RateLimit
}

// Handler consumes what a connection reads. Disconnected is called exactly
// once, after the read loop ends.
type Handler interface {
	HandleMessage(c *Client, data []byte)
	Disconnected(c *Client)
}

// Client is one live-channel connection. Outbound payloads are queued on a
// buffered channel drained by the write pump; the registry owns the
// channel's lifecycle.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	addr           string
	closed         bool
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimit
	verified       string
	logger         *zap.Logger
}

// NewClient wraps conn. verified is the identity proven by the upgrade
// request's session credential, or empty when none was presented.
func NewClient(conn *websocket.Conn, addr, verified string, cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conn != nil && cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		verified:       verified,
		logger:         logger.With(zap.String("remote_addr", addr)),
	}
}

// Addr returns the remote address of the connection.
func (c *Client) Addr() string { return c.addr }

// Send returns the outbound queue. Tests without a socket read from it
// directly.
func (c *Client) Send() <-chan []byte { return c.send }

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set_read_deadline_failed", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("set_read_deadline_failed", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs err and reports whether the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Info("message_too_large", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client_disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("connection_closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected_close", zap.Error(err))
	default:
		c.logger.Warn("read_failed", zap.Error(err))
	}
	return true
}

func (c *Client) allow() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Info("rate_limited",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("refill_interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

func (c *Client) readPump(h Handler) {
	defer func() {
		h.Disconnected(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("close_failed", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, data, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}
		if !c.allow() {
			continue
		}
		h.HandleMessage(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("close_failed", zap.Error(err))
	}
}

func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set_write_deadline_failed", zap.Error(err))
		return false
	}
	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("write_close_failed", zap.Error(err))
		}
		return false
	}
	return c.writeTextMessage(message)
}

// writeTextMessage writes message and everything already queued behind it
// into one frame, one JSON document per line.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.Warn("next_writer_failed", zap.Error(err))
		return false
	}
	if _, err := w.Write(message); err != nil {
		c.logger.Warn("write_failed", zap.Error(err))
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.logger.Warn("write_failed", zap.Error(err))
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.logger.Warn("write_failed", zap.Error(err))
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.logger.Warn("writer_close_failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set_write_deadline_failed", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("ping_failed", zap.Error(err))
		return false
	}
	return true
}

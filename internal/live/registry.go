package live

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/metrics"
)

// ErrShuttingDown is returned by Register once Shutdown has started.
var ErrShuttingDown = errors.New("live: registry is shutting down")

// Registry is the Live Room Registry: the connections currently attached
// and, per thread, the connections joined to it. All mutation and fan-out
// happens under one lock and delivery never blocks, so a connection removed
// by Unregister can not be reached by any broadcast that starts afterwards
// and broadcasts from one caller reach each connection in call order.
type Registry struct {
	mu       sync.RWMutex
	clients  map[*Client]map[string]struct{}
	rooms    map[string]map[*Client]struct{}
	shutdown bool

	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clients: make(map[*Client]map[string]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Register attaches c and, when it has a socket, starts its pumps with h
// consuming inbound payloads.
func (r *Registry) Register(c *Client, h Handler) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	c.closed = false
	r.clients[c] = make(map[string]struct{})
	count := len(r.clients)
	if c.conn != nil {
		r.wg.Add(2)
	}
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Debug("client_registered", zap.String("remote_addr", c.addr), zap.Int("clients", count))

	if c.conn == nil {
		return nil
	}
	go func() {
		defer r.wg.Done()
		c.writePump()
	}()
	go func() {
		defer r.wg.Done()
		c.readPump(h)
	}()
	return nil
}

// Unregister detaches c from every room and closes its queue. It is safe to
// call more than once.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	if !r.detachLocked(c) {
		r.mu.Unlock()
		return
	}
	count, rooms := len(r.clients), len(r.rooms)
	r.mu.Unlock()

	close(c.send)
	r.metrics.ConnectionClosed()
	r.metrics.SetRooms(rooms)
	r.logger.Debug("client_unregistered", zap.String("remote_addr", c.addr), zap.Int("clients", count))
}

// detachLocked removes c from the registry and reports whether it was
// attached. The caller closes c.send after releasing the lock.
func (r *Registry) detachLocked(c *Client) bool {
	joined, ok := r.clients[c]
	if !ok {
		return false
	}
	for threadID := range joined {
		r.removeMemberLocked(threadID, c)
	}
	delete(r.clients, c)
	c.closed = true
	return true
}

func (r *Registry) removeMemberLocked(threadID string, c *Client) {
	members := r.rooms[threadID]
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, threadID)
	}
}

// Join adds c to a room and reports whether it was not already a member.
// Joining twice is a no-op; an unregistered client is ignored.
func (r *Registry) Join(c *Client, threadID string) bool {
	r.mu.Lock()
	joined, ok := r.clients[c]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, already := joined[threadID]; already {
		r.mu.Unlock()
		return false
	}
	joined[threadID] = struct{}{}
	members := r.rooms[threadID]
	if members == nil {
		members = make(map[*Client]struct{})
		r.rooms[threadID] = members
	}
	members[c] = struct{}{}
	rooms := len(r.rooms)
	r.mu.Unlock()

	r.metrics.SetRooms(rooms)
	return true
}

// Leave removes c from a room and reports whether it was a member.
func (r *Registry) Leave(c *Client, threadID string) bool {
	r.mu.Lock()
	joined, ok := r.clients[c]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, member := joined[threadID]; !member {
		r.mu.Unlock()
		return false
	}
	delete(joined, threadID)
	r.removeMemberLocked(threadID, c)
	rooms := len(r.rooms)
	r.mu.Unlock()

	r.metrics.SetRooms(rooms)
	return true
}

// LeaveAll removes c from every room and returns the rooms it left.
func (r *Registry) LeaveAll(c *Client) []string {
	r.mu.Lock()
	joined, ok := r.clients[c]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	left := make([]string, 0, len(joined))
	for threadID := range joined {
		r.removeMemberLocked(threadID, c)
		left = append(left, threadID)
	}
	r.clients[c] = make(map[string]struct{})
	rooms := len(r.rooms)
	r.mu.Unlock()

	r.metrics.SetRooms(rooms)
	return left
}

// CloseRoom removes every member of a room.
func (r *Registry) CloseRoom(threadID string) int {
	r.mu.Lock()
	members := r.rooms[threadID]
	for c := range members {
		delete(r.clients[c], threadID)
	}
	delete(r.rooms, threadID)
	rooms := len(r.rooms)
	r.mu.Unlock()

	r.metrics.SetRooms(rooms)
	return len(members)
}

// IsMember reports whether c is joined to threadID.
func (r *Registry) IsMember(c *Client, threadID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[threadID][c]
	return ok
}

// Members returns the connections joined to threadID.
func (r *Registry) Members(threadID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.rooms[threadID]))
	for c := range r.rooms[threadID] {
		out = append(out, c)
	}
	return out
}

// Rooms returns the threads c is joined to.
func (r *Registry) Rooms(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients[c]))
	for threadID := range r.clients[c] {
		out = append(out, threadID)
	}
	return out
}

// ClientCount returns the number of attached connections.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast queues payload on every member of threadID except except and
// returns how many connections it reached. Members whose queue is full are
// dropped.
func (r *Registry) Broadcast(threadID string, payload []byte, except *Client) int {
	var failed []*Client
	delivered := 0

	r.mu.RLock()
	for c := range r.rooms[threadID] {
		if c == except {
			continue
		}
		if r.trySendLocked(c, payload) {
			delivered++
		} else {
			failed = append(failed, c)
		}
	}
	r.mu.RUnlock()

	r.removeFailedClients(failed)
	return delivered
}

// SendTo queues payload on one connection.
func (r *Registry) SendTo(c *Client, payload []byte) bool {
	r.mu.RLock()
	_, ok := r.clients[c]
	sent := ok && r.trySendLocked(c, payload)
	r.mu.RUnlock()

	if ok && !sent {
		r.removeFailedClients([]*Client{c})
	}
	return sent
}

// trySendLocked never blocks. Closing c.send requires the write lock, so
// the channel is open while the read lock is held.
func (r *Registry) trySendLocked(c *Client, payload []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (r *Registry) removeFailedClients(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	var channelsToClose []chan []byte
	for _, c := range failed {
		if r.detachLocked(c) {
			channelsToClose = append(channelsToClose, c.send)
			r.logger.Warn("slow_consumer_removed", zap.String("remote_addr", c.addr))
		}
	}
	rooms := len(r.rooms)
	r.mu.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
		r.metrics.ConnectionClosed()
	}
	r.metrics.SlowConsumerDropped(len(channelsToClose))
	r.metrics.SetRooms(rooms)
}

// Shutdown refuses new connections, closes every attached socket and waits
// for the pumps to finish or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		if c.conn == nil {
			r.Unregister(c)
			continue
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			r.logger.Warn("close_failed", zap.String("remote_addr", c.addr), zap.Error(err))
		}
	}
	r.logger.Info("live_connections_closed", zap.Int("count", len(clients)))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("live_shutdown_timeout")
		return ctx.Err()
	}
}

// isExpectedCloseError reports errors that are normal while a connection
// is being torn down.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}

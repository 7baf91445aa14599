package live

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/chat"
	"github.com/TheTomik1/chat-app/internal/metrics"
)

const policyTimeout = 5 * time.Second

// State is the authorization state of one connection.
type State int

const (
	// Unauthenticated connections may only authenticate.
	Unauthenticated State = iota
	// Authenticated connections have an identity and a permitted set.
	Authenticated
	// Detached means the connection is unknown or gone.
	Detached
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	default:
		return "detached"
	}
}

type session struct {
	state     State
	identity  string
	permitted map[string]struct{}
}

// action performs one transition. It returns false when the event was
// rejected, in which case the state is unchanged.
type action func(a *Authorizer, c *Client, ev Event, next State) bool

type transition struct {
	next State
	act  action
}

// transitions is the complete table of accepted events per state. Anything
// missing is rejected with the failure event of its kind.
var transitions = map[State]map[EventType]transition{
	Unauthenticated: {
		TypeAuthenticate: {next: Authenticated, act: (*Authorizer).authenticate},
	},
	Authenticated: {
		TypeAuthenticate:      {next: Authenticated, act: (*Authorizer).authenticate},
		TypeJoin:              {next: Authenticated, act: (*Authorizer).join},
		TypeLeave:             {next: Authenticated, act: (*Authorizer).leave},
		TypeNewMessage:        {next: Authenticated, act: (*Authorizer).relay},
		TypeEditedMessage:     {next: Authenticated, act: (*Authorizer).relay},
		TypeDeletedMessage:    {next: Authenticated, act: (*Authorizer).relay},
		TypeNewReaction:       {next: Authenticated, act: (*Authorizer).relay},
		TypeNewAttachment:     {next: Authenticated, act: (*Authorizer).relay},
		TypeDeletedAttachment: {next: Authenticated, act: (*Authorizer).relay},
	},
}

// Authorizer is the Membership Authorizer. It runs the per-connection state
// machine and is the only writer of room membership in the Registry.
type Authorizer struct {
	mu         sync.Mutex
	sessions   map[*Client]*session
	byIdentity map[string]map[*Client]struct{}

	registry *Registry
	policy   PermitPolicy
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewAuthorizer returns an authorizer managing rooms in registry.
func NewAuthorizer(registry *Registry, policy PermitPolicy, logger *zap.Logger, m *metrics.Metrics) *Authorizer {
	if policy == nil {
		policy = ClientDeclared{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{
		sessions:   make(map[*Client]*session),
		byIdentity: make(map[string]map[*Client]struct{}),
		registry:   registry,
		policy:     policy,
		logger:     logger,
		metrics:    m,
	}
}

// Attach starts tracking c as Unauthenticated and registers it.
func (a *Authorizer) Attach(c *Client) error {
	a.mu.Lock()
	a.sessions[c] = &session{state: Unauthenticated}
	a.mu.Unlock()

	if err := a.registry.Register(c, a); err != nil {
		a.mu.Lock()
		delete(a.sessions, c)
		a.mu.Unlock()
		return err
	}
	return nil
}

// HandleMessage implements Handler.
func (a *Authorizer) HandleMessage(c *Client, data []byte) {
	ev, err := Decode(data)
	if err != nil {
		a.rejectMalformed(c, data, ev, err)
		return
	}
	a.Dispatch(c, ev)
}

// Disconnected implements Handler. The connection leaves every room before
// the call returns.
func (a *Authorizer) Disconnected(c *Client) {
	a.mu.Lock()
	if s, ok := a.sessions[c]; ok {
		a.unindexLocked(c, s)
		delete(a.sessions, c)
	}
	a.mu.Unlock()

	a.registry.Unregister(c)
}

// Dispatch applies one decoded event to c's state machine.
func (a *Authorizer) Dispatch(c *Client, ev Event) {
	a.mu.Lock()
	s, ok := a.sessions[c]
	state := Detached
	if ok {
		state = s.state
	}
	a.mu.Unlock()

	if state == Detached {
		return
	}

	t, ok := transitions[state][ev.EventType()]
	if !ok {
		a.rejectUnauthenticated(c, ev)
		return
	}
	t.act(a, c, ev, t.next)
}

// State returns the current state of c.
func (a *Authorizer) State(c *Client) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[c]; ok {
		return s.state
	}
	return Detached
}

// Identity returns the identity c authenticated as.
func (a *Authorizer) Identity(c *Client) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[c]; ok {
		return s.identity
	}
	return ""
}

// Permitted returns the sorted permitted set of c.
func (a *Authorizer) Permitted(c *Client) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[c]; ok {
		return sortedKeys(s.permitted)
	}
	return nil
}

func (a *Authorizer) authenticate(c *Client, ev Event, next State) bool {
	auth := ev.(Authenticate)
	if err := chat.ValidateIdentity(auth.Identity); err != nil {
		a.reject(c, failure(TypeAuthenticationFailure, "", "invalid identity"))
		return false
	}
	if c.verified != "" && c.verified != auth.Identity {
		a.logger.Info("identity_mismatch", zap.String("declared", auth.Identity), zap.String("verified", c.verified))
		a.reject(c, failure(TypeAuthenticationFailure, "", "identity does not match session"))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), policyTimeout)
	permitted, err := a.policy.Permitted(ctx, auth.Identity, auth.AllowedThreadIDs)
	cancel()
	if err != nil {
		a.logger.Error("permit_policy_failed", zap.String("identity", auth.Identity), zap.Error(err))
		a.reject(c, failure(TypeAuthenticationFailure, "", "permitted threads unavailable"))
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[c]
	if !ok {
		return false
	}
	if s.state == Authenticated {
		a.registry.LeaveAll(c)
		a.unindexLocked(c, s)
	}
	s.identity = auth.Identity
	s.permitted = make(map[string]struct{}, len(permitted))
	for _, id := range permitted {
		if id != "" {
			s.permitted[id] = struct{}{}
		}
	}
	s.state = next
	a.indexLocked(c, s)

	ids := sortedKeys(s.permitted)
	a.send(c, AuthAck{Type: TypeAuthenticated, Identity: s.identity, ThreadIDs: ids})
	// Eager join: the connection starts receiving every permitted room at
	// once.
	for _, id := range ids {
		a.registry.Join(c, id)
	}
	a.logger.Debug("authenticated", zap.String("identity", s.identity), zap.Int("threads", len(ids)))
	return true
}

func (a *Authorizer) join(c *Client, ev Event, next State) bool {
	threadID := ev.(Join).ThreadID
	if threadID == "" {
		a.reject(c, failure(TypeJoinFailure, "", "threadId is required"))
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[c]
	if !ok {
		return false
	}
	if _, allowed := s.permitted[threadID]; !allowed {
		a.reject(c, failure(TypeJoinFailure, threadID, "thread is not permitted"))
		return false
	}
	a.registry.Join(c, threadID)
	s.state = next
	a.send(c, RoomAck{Type: TypeJoined, ThreadID: threadID})
	return true
}

func (a *Authorizer) leave(c *Client, ev Event, _ State) bool {
	threadID := ev.(Leave).ThreadID

	a.mu.Lock()
	defer a.mu.Unlock()

	if threadID == "" {
		left := a.registry.LeaveAll(c)
		sort.Strings(left)
		for _, id := range left {
			a.send(c, RoomAck{Type: TypeLeft, ThreadID: id})
		}
		return true
	}
	a.registry.Leave(c, threadID)
	a.send(c, RoomAck{Type: TypeLeft, ThreadID: threadID})
	return true
}

// relay forwards a client-originated room event to the other members of
// the room.
func (a *Authorizer) relay(c *Client, ev Event, _ State) bool {
	re := ev.(RoomEvent)
	threadID := re.Room()
	if threadID == "" {
		return true
	}

	a.mu.Lock()
	s, ok := a.sessions[c]
	allowed := false
	if ok {
		_, allowed = s.permitted[threadID]
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	if !allowed {
		a.reject(c, failure(TypeBroadcastFailure, threadID, "thread is not permitted"))
		return false
	}

	payload, err := Encode(re)
	if err != nil {
		a.logger.Error("encode_failed", zap.Error(err))
		return false
	}
	n := a.registry.Broadcast(threadID, payload, c)
	a.metrics.Broadcast(string(re.EventType()), n)
	return true
}

// Grant adds threadID to the permitted set of every authenticated
// connection of identity and joins them to it. It returns the number of
// connections that newly joined.
func (a *Authorizer) Grant(identity, threadID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	joined := 0
	for c := range a.byIdentity[identity] {
		s := a.sessions[c]
		s.permitted[threadID] = struct{}{}
		if a.registry.Join(c, threadID) {
			joined++
			a.send(c, RoomAck{Type: TypeJoined, ThreadID: threadID})
		}
	}
	return joined
}

// Revoke removes threadID from every connection of identity.
func (a *Authorizer) Revoke(identity, threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for c := range a.byIdentity[identity] {
		delete(a.sessions[c].permitted, threadID)
		if a.registry.Leave(c, threadID) {
			a.send(c, RoomAck{Type: TypeLeft, ThreadID: threadID})
		}
	}
}

// CloseRoom removes a deleted thread from every permitted set and room.
func (a *Authorizer) CloseRoom(threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.sessions {
		delete(s.permitted, threadID)
	}
	members := a.registry.Members(threadID)
	a.registry.CloseRoom(threadID)
	for _, c := range members {
		a.send(c, RoomAck{Type: TypeLeft, ThreadID: threadID})
	}
}

// Broadcast delivers ev to every connection joined to its room, the
// originator's included.
func (a *Authorizer) Broadcast(ev RoomEvent) int {
	payload, err := Encode(ev)
	if err != nil {
		a.logger.Error("encode_failed", zap.Error(err))
		return 0
	}
	n := a.registry.Broadcast(ev.Room(), payload, nil)
	a.metrics.Broadcast(string(ev.EventType()), n)
	return n
}

func (a *Authorizer) rejectUnauthenticated(c *Client, ev Event) {
	switch e := ev.(type) {
	case Join:
		a.reject(c, failure(TypeJoinFailure, e.ThreadID, "not authenticated"))
	case RoomEvent:
		if e.Room() != "" {
			a.reject(c, failure(TypeBroadcastFailure, e.Room(), "not authenticated"))
		}
	}
}

// rejectMalformed answers a payload that failed validation with the
// failure event of its kind. Payloads without a recognizable type or
// without a thread are dropped.
func (a *Authorizer) rejectMalformed(c *Client, data []byte, ev Event, err error) {
	var env envelope
	_ = json.Unmarshal(data, &env)
	a.logger.Debug("malformed_event", zap.String("type", string(env.Type)), zap.Error(err))

	switch env.Type {
	case TypeAuthenticate:
		a.reject(c, failure(TypeAuthenticationFailure, "", "malformed authenticate"))
	case TypeJoin:
		a.reject(c, failure(TypeJoinFailure, "", "malformed join"))
	default:
		if re, ok := ev.(RoomEvent); ok && re.Room() != "" {
			a.reject(c, failure(TypeBroadcastFailure, re.Room(), "malformed event"))
		}
	}
}

func (a *Authorizer) reject(c *Client, f Failure) {
	a.metrics.Rejected(string(f.Type))
	a.send(c, f)
}

func (a *Authorizer) send(c *Client, ev Event) {
	payload, err := Encode(ev)
	if err != nil {
		a.logger.Error("encode_failed", zap.Error(err))
		return
	}
	a.registry.SendTo(c, payload)
}

func (a *Authorizer) indexLocked(c *Client, s *session) {
	set := a.byIdentity[s.identity]
	if set == nil {
		set = make(map[*Client]struct{})
		a.byIdentity[s.identity] = set
	}
	set[c] = struct{}{}
}

func (a *Authorizer) unindexLocked(c *Client, s *session) {
	if s.identity == "" {
		return
	}
	set := a.byIdentity[s.identity]
	delete(set, c)
	if len(set) == 0 {
		delete(a.byIdentity, s.identity)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package live

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/chat"
	"github.com/TheTomik1/chat-app/internal/metrics"
)

func newTestAuthorizer(t *testing.T, policy PermitPolicy) (*Authorizer, *Registry) {
	t.Helper()
	r := NewRegistry(zap.NewNop(), metrics.New())
	return NewAuthorizer(r, policy, zap.NewNop(), metrics.New()), r
}

func attach(t *testing.T, a *Authorizer, verified string) *Client {
	t.Helper()
	c := newTestClient(verified)
	require.NoError(t, a.Attach(c))
	return c
}

func authenticate(t *testing.T, a *Authorizer, c *Client, identity string, threads ...string) {
	t.Helper()
	if threads == nil {
		threads = []string{}
	}
	a.Dispatch(c, Authenticate{Type: TypeAuthenticate, Identity: identity, AllowedThreadIDs: threads})
	ack := receive(t, c)
	require.Equal(t, string(TypeAuthenticated), ack["type"])
}

// TestAuthenticateEagerlyJoinsPermittedThreads verifies the authenticate
// transition records the permitted set and joins every thread in it.
func TestAuthenticateEagerlyJoinsPermittedThreads(t *testing.T) {
	a, r := newTestAuthorizer(t, nil)
	c := attach(t, a, "")
	assert.Equal(t, Unauthenticated, a.State(c))

	a.HandleMessage(c, []byte(`{"type":"authenticate","identity":"bob","allowedThreadIds":["t1","t2","t1"]}`))
	ack := receive(t, c)
	assert.Equal(t, "authenticated", ack["type"])
	assert.Equal(t, "bob", ack["identity"])
	assert.ElementsMatch(t, []any{"t1", "t2"}, ack["threadIds"])

	assert.Equal(t, Authenticated, a.State(c))
	assert.Equal(t, "bob", a.Identity(c))
	assert.True(t, r.IsMember(c, "t1"))
	assert.True(t, r.IsMember(c, "t2"))
}

// TestAuthenticateRejectsMalformedPayloads verifies malformed authenticate
// events emit authentication-failure and leave the state unchanged.
func TestAuthenticateRejectsMalformedPayloads(t *testing.T) {
	payloads := map[string]string{
		"missing identity":   `{"type":"authenticate","allowedThreadIds":[]}`,
		"missing list":       `{"type":"authenticate","identity":"bob"}`,
		"null list":          `{"type":"authenticate","identity":"bob","allowedThreadIds":null}`,
		"list is not array":  `{"type":"authenticate","identity":"bob","allowedThreadIds":"t1"}`,
		"identity is number": `{"type":"authenticate","identity":7,"allowedThreadIds":[]}`,
		"invalid identity":   `{"type":"authenticate","identity":"b o b","allowedThreadIds":[]}`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			a, _ := newTestAuthorizer(t, nil)
			c := attach(t, a, "")

			a.HandleMessage(c, []byte(payload))
			assert.Equal(t, "authentication-failure", receive(t, c)["type"])
			assert.Equal(t, Unauthenticated, a.State(c))

			// The connection stays usable.
			a.HandleMessage(c, []byte(`{"type":"authenticate","identity":"bob","allowedThreadIds":[]}`))
			assert.Equal(t, "authenticated", receive(t, c)["type"])
		})
	}
}

// TestAuthenticateAcceptsEmptyList verifies an empty permitted set is valid.
func TestAuthenticateAcceptsEmptyList(t *testing.T) {
	a, r := newTestAuthorizer(t, nil)
	c := attach(t, a, "")
	authenticate(t, a, c, "bob")
	assert.Empty(t, r.Rooms(c))
}

// TestJoinRequiresPermittedThread verifies join-failure for threads outside
// the permitted set and for unauthenticated connections.
func TestJoinRequiresPermittedThread(t *testing.T) {
	a, r := newTestAuthorizer(t, nil)
	c := attach(t, a, "")

	a.HandleMessage(c, []byte(`{"type":"join","threadId":"t1"}`))
	f := receive(t, c)
	assert.Equal(t, "join-failure", f["type"])
	assert.Equal(t, "not authenticated", f["reason"])
	assert.False(t, r.IsMember(c, "t1"))

	authenticate(t, a, c, "bob", "t1")
	a.HandleMessage(c, []byte(`{"type":"join","threadId":"t9"}`))
	f = receive(t, c)
	assert.Equal(t, "join-failure", f["type"])
	assert.Equal(t, "t9", f["threadId"])
	assert.False(t, r.IsMember(c, "t9"))

	a.HandleMessage(c, []byte(`{"type":"join"}`))
	assert.Equal(t, "join-failure", receive(t, c)["type"])

	a.HandleMessage(c, []byte(`{"type":"leave","threadId":"t1"}`))
	assert.Equal(t, "left", receive(t, c)["type"])
	assert.False(t, r.IsMember(c, "t1"))

	a.HandleMessage(c, []byte(`{"type":"join","threadId":"t1"}`))
	assert.Equal(t, "joined", receive(t, c)["type"])
	assert.True(t, r.IsMember(c, "t1"))
}

// TestLeaveWithoutThreadLeavesEverything verifies leave{} exits every room.
func TestLeaveWithoutThreadLeavesEverything(t *testing.T) {
	a, r := newTestAuthorizer(t, nil)
	c := attach(t, a, "")
	authenticate(t, a, c, "bob", "t1", "t2")

	a.HandleMessage(c, []byte(`{"type":"leave"}`))
	assert.Equal(t, "t1", receive(t, c)["threadId"])
	assert.Equal(t, "t2", receive(t, c)["threadId"])
	assert.Empty(t, r.Rooms(c))
	assert.Equal(t, Authenticated, a.State(c))
}

// TestDisconnectRemovesEverything verifies the disconnect path.
func TestDisconnectRemovesEverything(t *testing.T) {
	a, r := newTestAuthorizer(t, nil)
	c := attach(t, a, "")
	authenticate(t, a, c, "bob", "t1")

	a.Disconnected(c)
	assert.Equal(t, Detached, a.State(c))
	assert.Empty(t, r.Members("t1"))
	assert.Equal(t, 0, a.Grant("bob", "t2"))
}

// TestRelayExcludesSender verifies client-originated room events reach the
// other members only and are checked against the permitted set.
func TestRelayExcludesSender(t *testing.T) {
	a, _ := newTestAuthorizer(t, nil)
	alice := attach(t, a, "")
	bob := attach(t, a, "")
	authenticate(t, a, alice, "alice", "t1")
	authenticate(t, a, bob, "bob", "t1")

	a.HandleMessage(alice, []byte(`{"type":"new-message","threadId":"t1","messageId":"m1","message":{"id":"m1","sender":"alice","content":"hi"}}`))
	got := receive(t, bob)
	assert.Equal(t, "new-message", got["type"])
	assert.Equal(t, "m1", got["messageId"])
	expectNothing(t, alice)

	a.HandleMessage(alice, []byte(`{"type":"new-reaction","threadId":"t2","messageId":"m1","emoji":"👍","count":1}`))
	f := receive(t, alice)
	assert.Equal(t, "broadcast-failure", f["type"])
	assert.Equal(t, "t2", f["threadId"])

	a.HandleMessage(alice, []byte(`{"type":"deleted-message","messageId":"m1"}`))
	expectNothing(t, alice)
	expectNothing(t, bob)

	a.HandleMessage(alice, []byte(`{"type":"edited-message","threadId":"t1"}`))
	assert.Equal(t, "broadcast-failure", receive(t, alice)["type"])
	expectNothing(t, bob)
}

// TestUnauthenticatedRelayIsRejected verifies room events need a session.
func TestUnauthenticatedRelayIsRejected(t *testing.T) {
	a, _ := newTestAuthorizer(t, nil)
	c := attach(t, a, "")
	a.HandleMessage(c, []byte(`{"type":"new-message","threadId":"t1","messageId":"m1"}`))
	assert.Equal(t, "broadcast-failure", receive(t, c)["type"])

	a.HandleMessage(c, []byte(`not json`))
	a.HandleMessage(c, []byte(`{"type":"joined","threadId":"t1"}`))
	expectNothing(t, c)
}

// TestGrantJoinsBeforeBroadcast verifies that a granted connection sees the
// first broadcast of a thread created after it authenticated.
func TestGrantJoinsBeforeBroadcast(t *testing.T) {
	a, r := newTestAuthorizer(t, nil)
	phone := attach(t, a, "")
	laptop := attach(t, a, "")
	authenticate(t, a, phone, "alice")
	authenticate(t, a, laptop, "alice")

	assert.Equal(t, 2, a.Grant("alice", "t1"))
	assert.Equal(t, 0, a.Grant("alice", "t1"))
	assert.Equal(t, "joined", receive(t, phone)["type"])
	assert.Equal(t, "joined", receive(t, laptop)["type"])

	n := a.Broadcast(NewMessage("t1", chat.Message{ID: "m1", Sender: "alice", Content: "hi"}))
	assert.Equal(t, 2, n)
	assert.Equal(t, "new-message", receive(t, phone)["type"])
	assert.Equal(t, "new-message", receive(t, laptop)["type"])

	a.Revoke("alice", "t1")
	assert.Equal(t, "left", receive(t, phone)["type"])
	assert.Empty(t, r.Members("t1"))
	assert.NotContains(t, a.Permitted(phone), "t1")
}

// TestCloseRoomClearsPermittedSets verifies deleted threads are forgotten.
func TestCloseRoomClearsPermittedSets(t *testing.T) {
	a, r := newTestAuthorizer(t, nil)
	c := attach(t, a, "")
	authenticate(t, a, c, "bob", "t1", "t2")

	a.CloseRoom("t1")
	assert.Equal(t, "left", receive(t, c)["type"])
	assert.Equal(t, []string{"t2"}, a.Permitted(c))
	assert.False(t, r.IsMember(c, "t1"))

	a.HandleMessage(c, []byte(`{"type":"join","threadId":"t1"}`))
	assert.Equal(t, "join-failure", receive(t, c)["type"])
}

// TestVerifiedIdentityMustMatch verifies a connection opened with a
// session credential cannot claim another identity.
func TestVerifiedIdentityMustMatch(t *testing.T) {
	a, _ := newTestAuthorizer(t, nil)
	c := attach(t, a, "alice")

	a.HandleMessage(c, []byte(`{"type":"authenticate","identity":"bob","allowedThreadIds":[]}`))
	assert.Equal(t, "authentication-failure", receive(t, c)["type"])
	assert.Equal(t, Unauthenticated, a.State(c))

	authenticate(t, a, c, "alice")
}

// TestReauthenticateReplacesPermittedSet verifies a second authenticate
// starts from a clean slate.
func TestReauthenticateReplacesPermittedSet(t *testing.T) {
	a, r := newTestAuthorizer(t, nil)
	c := attach(t, a, "")
	authenticate(t, a, c, "bob", "t1")
	authenticate(t, a, c, "bob", "t2")

	assert.False(t, r.IsMember(c, "t1"))
	assert.True(t, r.IsMember(c, "t2"))
	assert.Equal(t, []string{"t2"}, a.Permitted(c))
}

type stubLister struct {
	summaries []chat.Summary
	err       error
}

func (s stubLister) ListThreads(context.Context, string) ([]chat.Summary, error) {
	return s.summaries, s.err
}

// TestStoreDerivedPolicyIgnoresDeclaredList verifies the server-side policy.
func TestStoreDerivedPolicyIgnoresDeclaredList(t *testing.T) {
	a, r := newTestAuthorizer(t, StoreDerived{Threads: stubLister{summaries: []chat.Summary{{ID: "real"}}}})
	c := attach(t, a, "")

	a.HandleMessage(c, []byte(`{"type":"authenticate","identity":"bob","allowedThreadIds":["forged"]}`))
	ack := receive(t, c)
	assert.Equal(t, []any{"real"}, ack["threadIds"])
	assert.True(t, r.IsMember(c, "real"))
	assert.False(t, r.IsMember(c, "forged"))

	failing, _ := newTestAuthorizer(t, StoreDerived{Threads: stubLister{err: errors.New("down")}})
	c2 := attach(t, failing, "")
	failing.HandleMessage(c2, []byte(`{"type":"authenticate","identity":"bob","allowedThreadIds":[]}`))
	assert.Equal(t, "authentication-failure", receive(t, c2)["type"])
	assert.Equal(t, Unauthenticated, failing.State(c2))
}

// TestPolicyByName verifies configuration names.
func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("", nil)
	require.NoError(t, err)
	assert.IsType(t, ClientDeclared{}, p)

	p, err = PolicyByName("store", stubLister{})
	require.NoError(t, err)
	assert.IsType(t, StoreDerived{}, p)

	_, err = PolicyByName("store", nil)
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
	_, err = PolicyByName("open", nil)
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
}

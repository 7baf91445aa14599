package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/TheTomik1/chat-app/internal/chat"
	"github.com/TheTomik1/chat-app/internal/store"
)

func newAccounts() *Accounts {
	return NewAccounts(store.NewMemoryUsers(), bcrypt.MinCost)
}

// TestCreateAccount verifies validation and uniqueness.
func TestCreateAccount(t *testing.T) {
	a := newAccounts()
	ctx := context.Background()

	u, err := a.CreateAccount(ctx, "alice", "Alice@Example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotEqual(t, []byte("correct horse"), u.SecretHash)

	tests := []struct {
		name     string
		identity string
		email    string
		secret   string
		want     error
	}{
		{"duplicate identity", "alice", "other@example.com", "password1", chat.ErrConflict},
		{"duplicate email", "alice2", "alice@example.com", "password1", chat.ErrConflict},
		{"bad identity", "al ice", "x@example.com", "password1", chat.ErrInvalidInput},
		{"bad email", "carol", "not-an-email", "password1", chat.ErrInvalidInput},
		{"short secret", "carol", "c@example.com", "short", chat.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.CreateAccount(ctx, tt.identity, tt.email, tt.secret)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestAuthenticate verifies that wrong secrets and unknown identities look
// the same.
func TestAuthenticate(t *testing.T) {
	a := newAccounts()
	ctx := context.Background()
	_, err := a.CreateAccount(ctx, "alice", "alice@example.com", "correct horse")
	require.NoError(t, err)

	u, err := a.Authenticate(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Identity)

	_, err = a.Authenticate(ctx, "alice", "wrong horse")
	assert.ErrorIs(t, err, chat.ErrUnauthorized)
	_, err = a.Authenticate(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, chat.ErrUnauthorized)

	ok, err := a.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Exists(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestSessions verifies issue, verify and expiry.
func TestSessions(t *testing.T) {
	s, err := NewSessions("test-secret", time.Hour)
	require.NoError(t, err)

	token, expires, err := s.Issue("alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	identity, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)

	other, err := NewSessions("other-secret", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, chat.ErrUnauthorized)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, chat.ErrUnauthorized)

	_, err = s.Verify("garbage")
	assert.ErrorIs(t, err, chat.ErrUnauthorized)

	_, err = NewSessions("", time.Hour)
	assert.Error(t, err)
}

// TestSessionsRejectUnsignedTokens verifies the alg=none downgrade fails.
func TestSessionsRejectUnsignedTokens(t *testing.T) {
	s, err := NewSessions("test-secret", time.Hour)
	require.NoError(t, err)

	claims := Claims{Identity: "alice", RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.Verify(unsigned)
	assert.ErrorIs(t, err, chat.ErrUnauthorized)
}

// TestTokenFromRequest verifies both credential carriers.
func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Empty(t, TokenFromRequest(r))

	r.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r))
}

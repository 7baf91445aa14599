// Package auth creates accounts, checks secrets and issues the signed
// session credential presented on every durable-interface call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/TheTomik1/chat-app/internal/chat"
	"github.com/TheTomik1/chat-app/internal/store"
)

const (
	minSecretLength = 8
	maxSecretLength = 72 // bcrypt ignores anything longer
)

// Accounts registers and authenticates identities.
type Accounts struct {
	users store.Users
	cost  int
	now   func() time.Time
}

// NewAccounts returns an account service over users. cost is the bcrypt
// cost; zero selects bcrypt.DefaultCost.
func NewAccounts(users store.Users, cost int) *Accounts {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Accounts{users: users, cost: cost, now: func() time.Time { return time.Now().UTC() }}
}

// CreateAccount registers identity. A taken identity or email fails with
// chat.ErrConflict.
func (a *Accounts) CreateAccount(ctx context.Context, identity, email, secret string) (store.User, error) {
	identity = strings.TrimSpace(identity)
	if err := chat.ValidateIdentity(identity); err != nil {
		return store.User{}, err
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" {
		return store.User{}, fmt.Errorf("%w: email is not valid", chat.ErrInvalidInput)
	}
	if len(secret) < minSecretLength || len(secret) > maxSecretLength {
		return store.User{}, fmt.Errorf("%w: secret must be %d to %d bytes", chat.ErrInvalidInput, minSecretLength, maxSecretLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash secret: %w", err)
	}
	u := store.User{
		Identity:   identity,
		Email:      strings.ToLower(addr.Address),
		SecretHash: hash,
		CreatedAt:  a.now(),
	}
	if err := a.users.CreateUser(ctx, u); err != nil {
		return store.User{}, err
	}
	return u, nil
}

// Authenticate checks secret against the stored hash. Unknown identities
// and wrong secrets are indistinguishable to the caller.
func (a *Accounts) Authenticate(ctx context.Context, identity, secret string) (store.User, error) {
	u, err := a.users.GetUser(ctx, strings.TrimSpace(identity))
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return store.User{}, fmt.Errorf("%w: invalid identity or secret", chat.ErrUnauthorized)
		}
		return store.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(u.SecretHash, []byte(secret)); err != nil {
		return store.User{}, fmt.Errorf("%w: invalid identity or secret", chat.ErrUnauthorized)
	}
	return u, nil
}

// Exists reports whether identity is registered.
func (a *Accounts) Exists(ctx context.Context, identity string) (bool, error) {
	_, err := a.users.GetUser(ctx, identity)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, chat.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// User returns the account of identity.
func (a *Accounts) User(ctx context.Context, identity string) (store.User, error) {
	return a.users.GetUser(ctx, identity)
}

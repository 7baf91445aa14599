package live

import (
	"context"
	"fmt"
	"strings"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// PermitPolicy decides which threads an authenticated connection may
// observe.
type PermitPolicy interface {
	Permitted(ctx context.Context, identity string, declared []string) ([]string, error)
}

// ClientDeclared trusts the list the client sent. Clients obtain it from
// list-threads, so a thread created afterwards needs an explicit grant or
// a new authenticate.
type ClientDeclared struct{}

// Permitted implements PermitPolicy.
func (ClientDeclared) Permitted(_ context.Context, _ string, declared []string) ([]string, error) {
	return append([]string(nil), declared...), nil
}

// ThreadLister is the part of the Thread Store StoreDerived needs.
type ThreadLister interface {
	ListThreads(ctx context.Context, identity string) ([]chat.Summary, error)
}

// StoreDerived ignores the declared list and permits exactly the threads
// the identity participates in.
type StoreDerived struct {
	Threads ThreadLister
}

// Permitted implements PermitPolicy.
func (p StoreDerived) Permitted(ctx context.Context, identity string, _ []string) ([]string, error) {
	summaries, err := p.Threads.ListThreads(ctx, identity)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, s.ID)
	}
	return out, nil
}

// PolicyByName maps the configured name to a policy.
func PolicyByName(name string, threads ThreadLister) (PermitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "client":
		return ClientDeclared{}, nil
	case "store":
		if threads == nil {
			return nil, fmt.Errorf("%w: store permit policy needs a thread store", chat.ErrInvalidInput)
		}
		return StoreDerived{Threads: threads}, nil
	default:
		return nil, fmt.Errorf("%w: unknown permit policy %q", chat.ErrInvalidInput, name)
	}
}

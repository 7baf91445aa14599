package chat

import "errors"

// Error kinds shared by the store, the mutation pipeline and both transports.
// Callers wrap these with fmt.Errorf("%w: ...") to add detail and classify
// with errors.Is or KindOf.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrLimitExceeded  = errors.New("limit exceeded")
	ErrAlreadyReacted = errors.New("already reacted")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
)

// Kind is the stable machine-readable code of an error.
type Kind string

// Error kind codes.
const (
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindLimitExceeded  Kind = "limit_exceeded"
	KindAlreadyReacted Kind = "already_reacted"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindInternal       Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidInput, KindInvalidInput},
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
	{ErrLimitExceeded, KindLimitExceeded},
	{ErrAlreadyReacted, KindAlreadyReacted},
	{ErrUnauthorized, KindUnauthorized},
	{ErrForbidden, KindForbidden},
}

// KindOf classifies err. Anything that does not wrap one of the sentinel
// errors is internal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

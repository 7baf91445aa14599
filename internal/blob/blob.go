// Package blob stores the backing files of attachments and profile pictures.
// Keys are slash-separated paths scoped to their owner, for example
// "attachments/<thread>/<message>/<uuid>-report.pdf".
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// Store persists opaque files by key.
type Store interface {
	// Put writes r under key, replacing any previous content.
	Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error)
	// Open returns a reader for key and its size. A missing key wraps
	// chat.ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// CleanKey normalizes key and rejects keys escaping the store root.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty blob key", chat.ErrInvalidInput)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: blob key %q escapes the store", chat.ErrInvalidInput, key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: blob key %q is empty after cleaning", chat.ErrInvalidInput, key)
	}
	return cleaned, nil
}

// SafeName reduces an uploaded file name to a component that is safe to
// embed in a key.
func SafeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	return out
}

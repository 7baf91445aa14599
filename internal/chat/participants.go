package chat

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	maxIdentityLength = 64
	maxEmojiBytes     = 32
	keySeparator      = "|"
)

// ValidateIdentity reports whether id is a well-formed identity:
// 1-64 characters drawn from letters, digits, '_', '-' and '.'.
func ValidateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("%w: identity is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(id) > maxIdentityLength {
		return fmt.Errorf("%w: identity %q is longer than %d characters", ErrInvalidInput, id, maxIdentityLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: identity %q contains %q", ErrInvalidInput, id, r)
		}
	}
	return nil
}

// ValidateEmoji checks that symbol can be used as a reaction key.
func ValidateEmoji(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: emoji is empty", ErrInvalidInput)
	}
	if len(symbol) > maxEmojiBytes || !utf8.ValidString(symbol) {
		return fmt.Errorf("%w: emoji %q is not a single symbol", ErrInvalidInput, symbol)
	}
	if strings.ContainsAny(symbol, " \t\r\n.$") {
		return fmt.Errorf("%w: emoji %q contains reserved characters", ErrInvalidInput, symbol)
	}
	return nil
}

// NormalizeParticipants validates every identity and returns the set sorted
// and de-duplicated. An empty set is rejected.
func NormalizeParticipants(participants []string) ([]string, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: participant list is empty", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if err := ValidateIdentity(p); err != nil {
			return nil, err
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// ParticipantKey returns the unique key of a participant set. The input does
// not need to be normalized; order and duplicates do not affect the key.
func ParticipantKey(participants []string) string {
	set := make(map[string]struct{}, len(participants))
	keys := make([]string, 0, len(participants))
	for _, p := range participants {
		if _, ok := set[p]; ok {
			continue
		}
		set[p] = struct{}{}
		keys = append(keys, p)
	}
	sort.Strings(keys)
	return strings.Join(keys, keySeparator)
}

// SameSet reports whether a and b contain the same identities.
func SameSet(a, b []string) bool {
	return ParticipantKey(a) == ParticipantKey(b)
}

// Contains reports whether identity is in participants.
func Contains(participants []string, identity string) bool {
	for _, p := range participants {
		if p == identity {
			return true
		}
	}
	return false
}

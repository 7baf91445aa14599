package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// normalizeOrigins lowercases scheme and host of every configured origin,
// keeps "*" as is and drops entries that are not absolute URLs. The second
// result lists the dropped entries.
func normalizeOrigins(origins []string) ([]string, []string) {
	if len(origins) == 0 {
		return nil, nil
	}

	normalized := make([]string, 0, len(origins))
	var invalid []string

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			normalized = append(normalized, trimmed)
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			invalid = append(invalid, origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, invalid
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// originPolicy decides which browser origins may open the live channel.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *zap.Logger
}

func newOriginPolicy(origins []string, logger *zap.Logger) *originPolicy {
	normalized, invalid := normalizeOrigins(origins)
	for _, origin := range invalid {
		logger.Warn("invalid_origin_ignored", zap.String("origin", origin))
	}

	p := &originPolicy{allowed: make(map[string]struct{}, len(normalized)), logger: logger}
	for _, origin := range normalized {
		if origin == "*" {
			p.allowAll = true
			continue
		}
		p.allowed[origin] = struct{}{}
	}
	return p
}

func (p *originPolicy) isAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}

	p.logger.Warn("origin_blocked", zap.String("origin", r.Header.Get("Origin")), zap.String("remote_addr", r.RemoteAddr))
	return false
}

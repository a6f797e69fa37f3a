package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// OriginChecker validates the Origin header of WebSocket handshakes against
// an allow-list.
type OriginChecker struct {
	allowed  map[string]struct{}
	origins  []string
	allowAll bool
	logger   zerolog.Logger
}

// NewOriginChecker builds a checker from configured origins. "*" allows any
// origin; invalid entries are ignored.
func NewOriginChecker(origins []string, logger zerolog.Logger) *OriginChecker {
	normalized, allowAll := normalizeOrigins(origins, logger)

	allowed := make(map[string]struct{}, len(normalized))
	for _, o := range normalized {
		allowed[o] = struct{}{}
	}

	return &OriginChecker{
		allowed:  allowed,
		origins:  normalized,
		allowAll: allowAll,
		logger:   logger,
	}
}

// Origins returns the normalised allow-list, or ["*"] when every origin is allowed.
func (c *OriginChecker) Origins() []string {
	if c.allowAll {
		return []string{"*"}
	}
	return append([]string(nil), c.origins...)
}

func normalizeOrigins(origins []string, logger zerolog.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
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

func (c *OriginChecker) isAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	if c.allowAll {
		return true
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	_, exists := c.allowed[normalizedOrigin]
	return exists
}

// Check is a websocket.Upgrader CheckOrigin function.
func (c *OriginChecker) Check(r *http.Request) bool {
	if c.isAllowed(r) {
		return true
	}

	c.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("blocked WebSocket connection from disallowed origin")
	return false
}

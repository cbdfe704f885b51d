package ws

import (
	"log"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may open a WebSocket or make
// cross-origin REST calls.
type OriginPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
}

// NewOriginPolicy builds a policy from configured origins. "*" allows every
// origin; entries that are not scheme://host URLs are logged and skipped.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("ws: ignoring invalid origin in configuration: %q", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

// AllowUpgrade reports whether a WebSocket handshake carrying the given
// Origin header may proceed. Requests without an Origin come from
// non-browser clients and are always accepted.
func (p *OriginPolicy) AllowUpgrade(origin string) bool {
	if origin == "" {
		return true
	}
	return p.Match(origin)
}

// Match reports whether origin is explicitly allowed.
func (p *OriginPolicy) Match(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// AllowAll reports whether the policy accepts any origin.
func (p *OriginPolicy) AllowAll() bool {
	return p.allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

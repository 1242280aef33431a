package cache

import (
	"strconv"
	"strings"
	"time"
)

// CacheControlDirective represents the Cache-Control directives of a produced
// response that decide whether and for how long it may be stored.
type CacheControlDirective struct {
	MaxAge  *int // max-age directive value in seconds
	SMaxAge *int // s-maxage directive value in seconds (shared cache preference)
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl parses a Cache-Control header string.
//
// Format: Cache-Control: directive1, directive2=value, directive3
//
// Unknown directives are silently ignored.
func ParseCacheControl(header string) CacheControlDirective {
	directive := CacheControlDirective{}

	if header == "" {
		return directive
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if key, value, ok := strings.Cut(part, "="); ok {
			key = strings.TrimSpace(strings.ToLower(key))
			value = strings.Trim(strings.TrimSpace(value), `"`)

			switch key {
			case "max-age":
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					directive.MaxAge = &seconds
				}
			case "s-maxage":
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					directive.SMaxAge = &seconds
				}
			}
			continue
		}

		switch strings.ToLower(part) {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}

	return directive
}

// GetTTL derives the freshness lifetime of a stored response.
//
// Precedence (highest to lowest):
//  1. Don't cache directives (no-cache, no-store, private) → 0 seconds
//  2. max-age
//  3. No directive → nil
//
// s-maxage is left to shared caches downstream.
func (d CacheControlDirective) GetTTL() *time.Duration {
	if d.NoCache || d.NoStore || d.Private {
		zero := time.Duration(0)
		return &zero
	}

	if d.MaxAge != nil {
		ttl := time.Duration(*d.MaxAge) * time.Second
		return &ttl
	}

	return nil
}

// RewriteMaxAge replaces the max-age value of header with the remaining
// lifetime, truncated to whole seconds. Other directives are kept in order.
func RewriteMaxAge(header string, remaining time.Duration) string {
	if header == "" {
		return header
	}
	if remaining < 0 {
		remaining = 0
	}
	seconds := strconv.FormatInt(int64(remaining/time.Second), 10)

	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, _, ok := strings.Cut(part, "="); ok {
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "max-age":
				part = strings.TrimSpace(key) + "=" + seconds
			}
		}
		out = append(out, part)
	}
	return strings.Join(out, ", ")
}

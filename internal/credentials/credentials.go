// Package credentials resolves which API key a provider call runs with.
package credentials

import (
	"strings"
)

// Source records where a resolved key came from.
type Source string

const (
	SourceUser     Source = "user"
	SourceRequest  Source = "request"
	SourcePlatform Source = "platform"
	SourceNone     Source = "none"
)

// Keys maps provider identifiers to API keys.
type Keys map[string]string

// Normalize lowercases provider names and drops blank keys.
func Normalize(in map[string]string) Keys {
	out := make(Keys, len(in))
	for provider, key := range in {
		provider = strings.ToLower(strings.TrimSpace(provider))
		key = strings.TrimSpace(key)
		if provider == "" || key == "" {
			continue
		}
		out[provider] = key
	}
	return out
}

// Set holds every credential tier for one run. Precedence is
// per-user stored key, then per-request key, then platform fallback.
type Set struct {
	User     Keys
	Request  Keys
	Platform Keys
}

// Resolve returns the key for provider and where it came from.
func (s Set) Resolve(provider string) (string, Source) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if key := s.User[provider]; key != "" {
		return key, SourceUser
	}
	if key := s.Request[provider]; key != "" {
		return key, SourceRequest
	}
	if key := s.Platform[provider]; key != "" {
		return key, SourcePlatform
	}
	return "", SourceNone
}

// CoversAll reports whether every provider resolves to a caller-supplied key,
// meaning the run consumes no platform credential.
func (s Set) CoversAll(providers []string) bool {
	if len(providers) == 0 {
		return false
	}
	for _, p := range providers {
		switch _, src := s.Resolve(p); src {
		case SourceUser, SourceRequest:
		default:
			return false
		}
	}
	return true
}

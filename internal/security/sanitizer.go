// Package security provides input sanitization for client-supplied values.
package security

import (
	"errors"
	"strings"
	"unicode"

	"github.com/slotkeeper/slotkeeper/internal/models"
)

// Anonymous is the identifier used when no client address can be resolved.
const Anonymous = "anonymous"

// maxEndpointLength bounds policy names.
const maxEndpointLength = 64

// Sanitization errors
var (
	ErrEmptyEndpoint   = errors.New("endpoint cannot be empty")
	ErrEndpointTooLong = errors.New("endpoint exceeds maximum length")
	ErrInvalidEndpoint = errors.New("endpoint may only contain a-z, 0-9, '-' and '_'")
)

// SanitizeIdentifier normalizes a client identifier before it becomes a
// storage key. Header-derived identifiers are attacker controlled, so control
// characters and whitespace are dropped and the length is capped. An empty
// result falls back to Anonymous.
func SanitizeIdentifier(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return Anonymous
	}

	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == unicode.ReplacementChar {
			continue
		}
		if b.Len()+len(string(r)) > models.MaxIdentifierLength {
			break
		}
		b.WriteRune(r)
	}

	if b.Len() == 0 {
		return Anonymous
	}
	return b.String()
}

// ValidateEndpoint checks a policy name.
func ValidateEndpoint(name string) error {
	if name == "" {
		return ErrEmptyEndpoint
	}
	if len(name) > maxEndpointLength {
		return ErrEndpointTooLong
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return ErrInvalidEndpoint
		}
	}
	return nil
}

// Package models contains domain models and entities.
package models

import (
	"errors"
	"strings"
	"time"
)

// RateLimitRecord is the counter state for one (identifier, endpoint) pair.
type RateLimitRecord struct {
	Identifier string    `json:"identifier"`
	Endpoint   string    `json:"endpoint"`
	Count      int       `json:"count"`
	ResetAt    time.Time `json:"reset_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validation errors
var (
	ErrEmptyIdentifier = errors.New("identifier cannot be empty")
	ErrEmptyEndpoint   = errors.New("endpoint cannot be empty")
	ErrNegativeCount   = errors.New("count cannot be negative")
	ErrRecordNotFound  = errors.New("rate limit record not found")
)

// MaxIdentifierLength bounds identifiers stored in the counter table.
const MaxIdentifierLength = 255

// Validate validates the record.
func (r *RateLimitRecord) Validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return ErrEmptyIdentifier
	}
	if strings.TrimSpace(r.Endpoint) == "" {
		return ErrEmptyEndpoint
	}
	if r.Count < 0 {
		return ErrNegativeCount
	}
	return nil
}

// IsExpired reports whether the record's window has ended at now.
// A window is still active at exactly reset_at.
func (r *RateLimitRecord) IsExpired(now time.Time) bool {
	return now.After(r.ResetAt)
}

// Key returns the composite key used by key/value stores.
func (r *RateLimitRecord) Key() string {
	return RecordKey(r.Identifier, r.Endpoint)
}

// RecordKey builds the composite key for an identifier and endpoint.
// The endpoint comes first so keys for one policy share a prefix.
func RecordKey(identifier, endpoint string) string {
	return endpoint + ":" + identifier
}

// RateLimitQuery filters record listings. Zero values match everything.
type RateLimitQuery struct {
	Endpoint    string
	Identifier  string
	ExpiredOnly bool
	Now         time.Time
	Limit       int
}

// Matches reports whether a record satisfies the query.
func (q RateLimitQuery) Matches(r *RateLimitRecord) bool {
	if q.Endpoint != "" && r.Endpoint != q.Endpoint {
		return false
	}
	if q.Identifier != "" && r.Identifier != q.Identifier {
		return false
	}
	if q.ExpiredOnly && !r.IsExpired(q.Now) {
		return false
	}
	return true
}

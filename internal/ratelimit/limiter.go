// Package ratelimit provides fixed-window rate limiting backed by a shared
// counter store.
//
// Every check is one round trip to the store. Stores apply the
// fetch/decide/increment sequence atomically, so concurrent requests for the
// same key cannot both slip past the limit. Store failures never surface to
// callers: the limiter fails open (or closed, when configured) instead.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/slotkeeper/slotkeeper/internal/metrics"
	"github.com/slotkeeper/slotkeeper/internal/models"
	"github.com/slotkeeper/slotkeeper/internal/security"
	"github.com/slotkeeper/slotkeeper/pkg/logger"
)

// Common errors
var (
	ErrUnknownPolicy = errors.New("unknown rate limit policy")
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
	ErrStoreClosed   = errors.New("rate limit store closed")
)

// Policy names.
const (
	EndpointForm = "form"
	EndpointAPI  = "api"
)

// Policy is a named rate limit budget.
type Policy struct {
	Name   string        // Endpoint label stored with each record
	Limit  int           // Maximum requests per window
	Window time.Duration // Window length
}

// Validate checks that the policy can be enforced.
func (p Policy) Validate() error {
	if err := security.ValidateEndpoint(p.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be greater than 0", ErrInvalidPolicy)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be greater than 0", ErrInvalidPolicy)
	}
	return nil
}

var (
	// FormPolicy guards public form submissions: 3 per hour.
	FormPolicy = Policy{Name: EndpointForm, Limit: 3, Window: time.Hour}

	// APIPolicy guards general API traffic: 10 per minute.
	APIPolicy = Policy{Name: EndpointAPI, Limit: 10, Window: time.Minute}
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Success   bool      `json:"success"`   // Whether the request is admitted
	Limit     int       `json:"limit"`     // The policy limit
	Remaining int       `json:"remaining"` // Requests left in the current window
	Reset     time.Time `json:"reset"`     // When the current window ends
}

// ResetMillis returns the reset time as a unix timestamp in milliseconds.
func (r Result) ResetMillis() int64 {
	return r.Reset.UnixMilli()
}

// RetryAfter returns how long a rejected caller should wait, at least one second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.Reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// FailurePolicy decides what a check returns when the store errors.
type FailurePolicy int

const (
	// FailOpen admits the request with a full quota.
	FailOpen FailurePolicy = iota
	// FailClosed rejects the request.
	FailClosed
)

// String returns the policy name.
func (f FailurePolicy) String() string {
	if f == FailClosed {
		return "closed"
	}
	return "open"
}

// Decision describes one completed check. It is handed to Options.Observer.
type Decision struct {
	Identifier string    `json:"identifier"`
	Endpoint   string    `json:"endpoint"`
	Outcome    string    `json:"outcome"`
	Result     Result    `json:"result"`
	At         time.Time `json:"at"`
}

// Store is the shared counter table.
type Store interface {
	// Hit atomically applies one request to the (identifier, endpoint) counter:
	// it creates the record, starts a new window when the current one has
	// expired, or increments the count when below limit. It returns the record
	// as stored afterwards and whether the request was admitted. A rejected
	// request leaves the record untouched.
	Hit(ctx context.Context, identifier, endpoint string, limit int, window time.Duration, now time.Time) (models.RateLimitRecord, bool, error)

	// Get returns the record for a pair or models.ErrRecordNotFound.
	Get(ctx context.Context, identifier, endpoint string) (*models.RateLimitRecord, error)

	// List returns records matching the query.
	List(ctx context.Context, q models.RateLimitQuery) ([]models.RateLimitRecord, error)

	// Reset removes the record for a pair or returns models.ErrRecordNotFound.
	Reset(ctx context.Context, identifier, endpoint string) error

	// DeleteExpired removes every record whose window ended before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	// Backend names the store for metrics and logs.
	Backend() string

	// Close releases any resources held by the store.
	Close() error
}

// Options configures a Limiter.
type Options struct {
	// Enabled is the caller-side enablement gate. Check works either way.
	Enabled bool

	// FailurePolicy applies when the store errors. Defaults to FailOpen.
	FailurePolicy FailurePolicy

	// Timeout bounds each store round trip. Zero relies on the store client.
	Timeout time.Duration

	// Policies registers extra named policies next to form and api.
	Policies []Policy

	// Observer receives every decision. It must not block.
	Observer func(Decision)

	// Now overrides the clock.
	Now func() time.Time

	Logger *logger.Logger
}

// Limiter enforces named fixed-window policies against a Store.
type Limiter struct {
	store    Store
	opts     Options
	policies map[string]Policy
	log      *logger.Logger
	now      func() time.Time

	// failureLog throttles store failure warnings during an outage.
	failureLog rate.Sometimes
}

// New creates a limiter over store.
func New(store Store, opts Options) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}

	policies := map[string]Policy{
		FormPolicy.Name: FormPolicy,
		APIPolicy.Name:  APIPolicy,
	}
	for _, p := range opts.Policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("ratelimit: policy %q: %w", p.Name, err)
		}
		policies[p.Name] = p
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		store:      store,
		opts:       opts,
		policies:   policies,
		log:        log.Named("ratelimit"),
		now:        now,
		failureLog: rate.Sometimes{Interval: 30 * time.Second},
	}, nil
}

// Enabled reports the enablement gate.
func (l *Limiter) Enabled() bool {
	return l.opts.Enabled
}

// Now returns the limiter's current time in UTC.
func (l *Limiter) Now() time.Time {
	return l.now().UTC()
}

// Backend names the underlying store.
func (l *Limiter) Backend() string {
	return l.store.Backend()
}

// Policy looks up a registered policy by name.
func (l *Limiter) Policy(name string) (Policy, error) {
	p, ok := l.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Policies returns all registered policies sorted by name.
func (l *Limiter) Policies() []Policy {
	out := make([]Policy, 0, len(l.policies))
	for _, p := range l.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check applies policy to identifier and records the request when admitted.
// It never returns an error: store failures resolve through the failure policy.
func (l *Limiter) Check(ctx context.Context, identifier string, policy Policy) Result {
	identifier = security.SanitizeIdentifier(identifier)
	now := l.now().UTC().Truncate(time.Millisecond)

	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	record, admitted, err := l.store.Hit(ctx, identifier, policy.Name, policy.Limit, policy.Window, now)
	metrics.RecordStoreOperation(l.store.Backend(), "hit", time.Since(start), err)
	if err != nil {
		return l.storeFailure(identifier, policy, now, err)
	}

	var result Result
	outcome := metrics.OutcomeAllowed
	if admitted {
		remaining := policy.Limit - record.Count
		if remaining < 0 {
			remaining = 0
		}
		result = Result{Success: true, Limit: policy.Limit, Remaining: remaining, Reset: record.ResetAt}
	} else {
		outcome = metrics.OutcomeRejected
		result = Result{Success: false, Limit: policy.Limit, Remaining: 0, Reset: record.ResetAt}
		l.log.Debug("rate limit exceeded",
			"identifier", identifier,
			"endpoint", policy.Name,
			"reset", record.ResetAt,
		)
	}

	l.observe(identifier, policy.Name, outcome, result, now)
	return result
}

// Unenforced returns the result reported for policy when the limiter is
// disabled: a full quota and no store round trip.
func (l *Limiter) Unenforced(policy Policy) Result {
	now := l.now().UTC().Truncate(time.Millisecond)
	return Result{Success: true, Limit: policy.Limit, Remaining: policy.Limit, Reset: now.Add(policy.Window)}
}

// CheckForm applies FormPolicy.
func (l *Limiter) CheckForm(ctx context.Context, identifier string) Result {
	return l.Check(ctx, identifier, l.policies[EndpointForm])
}

// CheckAPI applies APIPolicy.
func (l *Limiter) CheckAPI(ctx context.Context, identifier string) Result {
	return l.Check(ctx, identifier, l.policies[EndpointAPI])
}

// Cleanup purges records whose window has expired and returns how many were
// deleted. Safe to run alongside live traffic.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	start := time.Now()
	deleted, err := l.store.DeleteExpired(ctx, l.now().UTC())
	metrics.RecordStoreOperation(l.store.Backend(), "delete_expired", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: cleanup: %w", err)
	}
	metrics.RecordCleanup(deleted)
	return deleted, nil
}

// List returns stored records matching q.
func (l *Limiter) List(ctx context.Context, q models.RateLimitQuery) ([]models.RateLimitRecord, error) {
	if q.ExpiredOnly && q.Now.IsZero() {
		q.Now = l.now().UTC()
	}
	records, err := l.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: list: %w", err)
	}
	return records, nil
}

// Reset clears the counter for one pair.
func (l *Limiter) Reset(ctx context.Context, identifier, endpoint string) error {
	key := models.RateLimitRecord{Identifier: identifier, Endpoint: endpoint}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := l.store.Reset(ctx, identifier, endpoint); err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return err
		}
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}

// Ping checks the store.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// Close closes the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

func (l *Limiter) storeFailure(identifier string, policy Policy, now time.Time, err error) Result {
	l.failureLog.Do(func() {
		l.log.Warn("rate limit store unavailable",
			"backend", l.store.Backend(),
			"failure_policy", l.opts.FailurePolicy.String(),
			"error", err,
		)
	})

	if l.opts.FailurePolicy == FailClosed {
		result := Result{Success: false, Limit: policy.Limit, Remaining: 0, Reset: now.Add(policy.Window)}
		l.observe(identifier, policy.Name, metrics.OutcomeFailClosed, result, now)
		return result
	}

	result := Result{Success: true, Limit: policy.Limit, Remaining: policy.Limit, Reset: now.Add(policy.Window)}
	l.observe(identifier, policy.Name, metrics.OutcomeFailOpen, result, now)
	return result
}

func (l *Limiter) observe(identifier, endpoint, outcome string, result Result, now time.Time) {
	metrics.RecordDecision(endpoint, outcome)
	if l.opts.Observer != nil {
		l.opts.Observer(Decision{
			Identifier: identifier,
			Endpoint:   endpoint,
			Outcome:    outcome,
			Result:     result,
			At:         now,
		})
	}
}

// applyHit runs the fixed-window transition on rec in place. exists is false
// when no record was stored yet. It returns whether the request is admitted.
// Callers must hold whatever lock makes the read and write atomic.
func applyHit(rec *models.RateLimitRecord, exists bool, limit int, window time.Duration, now time.Time) bool {
	switch {
	case !exists || rec.IsExpired(now):
		rec.Count = 1
		rec.ResetAt = now.Add(window)
	case rec.Count >= limit:
		return false
	default:
		rec.Count++
	}
	rec.UpdatedAt = now
	return true
}

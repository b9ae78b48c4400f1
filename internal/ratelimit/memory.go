package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/models"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in process memory. Counters are not shared
// between processes, so it suits tests, development and single-instance
// deployments.
type MemoryStore struct {
	entries sync.Map // map[string]*entry

	mu     sync.RWMutex
	closed bool
}

// entry holds the counter for a single (identifier, endpoint) pair.
type entry struct {
	mu      sync.Mutex
	record  models.RateLimitRecord
	exists  bool
	removed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Hit applies one request to the counter under the entry lock.
func (m *MemoryStore) Hit(ctx context.Context, identifier, endpoint string, limit int, window time.Duration, now time.Time) (models.RateLimitRecord, bool, error) {
	if err := m.check(ctx); err != nil {
		return models.RateLimitRecord{}, false, err
	}

	key := models.RecordKey(identifier, endpoint)
	for {
		entryVal, _ := m.entries.LoadOrStore(key, &entry{
			record: models.RateLimitRecord{Identifier: identifier, Endpoint: endpoint},
		})
		e := entryVal.(*entry)

		e.mu.Lock()
		if e.removed {
			// Lost a race with Reset or DeleteExpired; retry on a fresh entry.
			e.mu.Unlock()
			continue
		}

		admitted := applyHit(&e.record, e.exists, limit, window, now)
		e.exists = true
		record := e.record
		e.mu.Unlock()

		return record, admitted, nil
	}
}

// Get returns the record for a pair.
func (m *MemoryStore) Get(ctx context.Context, identifier, endpoint string) (*models.RateLimitRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	entryVal, ok := m.entries.Load(models.RecordKey(identifier, endpoint))
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	e := entryVal.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists || e.removed {
		return nil, models.ErrRecordNotFound
	}
	record := e.record
	return &record, nil
}

// List returns matching records ordered by endpoint then identifier.
func (m *MemoryStore) List(ctx context.Context, q models.RateLimitQuery) ([]models.RateLimitRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	records := []models.RateLimitRecord{}
	m.entries.Range(func(_, value interface{}) bool {
		e := value.(*entry)
		e.mu.Lock()
		if e.exists && !e.removed && q.Matches(&e.record) {
			records = append(records, e.record)
		}
		e.mu.Unlock()
		return true
	})

	sort.Slice(records, func(i, j int) bool {
		if records[i].Endpoint != records[j].Endpoint {
			return records[i].Endpoint < records[j].Endpoint
		}
		return records[i].Identifier < records[j].Identifier
	})

	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// Reset removes the record for a pair.
func (m *MemoryStore) Reset(ctx context.Context, identifier, endpoint string) error {
	if err := m.check(ctx); err != nil {
		return err
	}

	key := models.RecordKey(identifier, endpoint)
	entryVal, ok := m.entries.Load(key)
	if !ok {
		return models.ErrRecordNotFound
	}
	e := entryVal.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists || e.removed {
		return models.ErrRecordNotFound
	}
	e.removed = true
	m.entries.Delete(key)
	return nil
}

// DeleteExpired removes records whose window ended before now.
func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	var deleted int64
	m.entries.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		e.mu.Lock()
		if e.exists && !e.removed && e.record.IsExpired(now) {
			e.removed = true
			m.entries.Delete(key)
			deleted++
		}
		e.mu.Unlock()
		return true
	})

	return deleted, nil
}

// Ping reports whether the store is open.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.check(ctx)
}

// Backend returns "memory".
func (m *MemoryStore) Backend() string {
	return "memory"
}

// Close marks the store closed. Later calls return ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// check fails on a cancelled context or closed store.
func (m *MemoryStore) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

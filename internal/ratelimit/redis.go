package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/models"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

const (
	// DefaultKeyPrefix namespaces counter keys.
	DefaultKeyPrefix = "ratelimit"

	// redisExpiryGrace keeps a counter a little past its window so the
	// boundary instant still sees it and listings can show expired records.
	redisExpiryGrace = time.Minute

	redisScanCount = 100
)

// RedisStore implements Store with one hash per counter. Redis expires keys
// shortly after their window ends, so DeleteExpired only sweeps stragglers.
type RedisStore struct {
	client  redis.UniversalClient
	scripts *scriptLoader
	prefix  string

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and pre-loads the Lua scripts.
func NewRedisStore(ctx context.Context, cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	store, err := NewRedisStoreWithClient(ctx, client, cfg.KeyPrefix)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client. The store owns the
// client and closes it on Close.
func NewRedisStoreWithClient(ctx context.Context, client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit/redis: failed to connect: %w", err)
	}

	s := &RedisStore{
		client:  client,
		scripts: newScriptLoader(client),
		prefix:  prefix,
	}
	if err := s.scripts.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("ratelimit/redis: %w", err)
	}
	return s, nil
}

// Hit applies one request with a single script call.
func (s *RedisStore) Hit(ctx context.Context, identifier, endpoint string, limit int, window time.Duration, now time.Time) (models.RateLimitRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return models.RateLimitRecord{}, false, ErrStoreClosed
	}

	nowMs := now.UnixMilli()
	resetMs := now.Add(window).UnixMilli()
	ttlMs := (window + redisExpiryGrace).Milliseconds()

	values, err := s.scripts.hit.Run(ctx, s.client,
		[]string{s.key(endpoint, identifier)},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(resetMs, 10),
		strconv.FormatInt(ttlMs, 10),
		limit,
	).Int64Slice()
	if err != nil {
		return models.RateLimitRecord{}, false, fmt.Errorf("ratelimit/redis: hit: %w", err)
	}
	if len(values) != 4 {
		return models.RateLimitRecord{}, false, fmt.Errorf("ratelimit/redis: hit: unexpected reply length %d", len(values))
	}

	record := models.RateLimitRecord{
		Identifier: identifier,
		Endpoint:   endpoint,
		Count:      int(values[1]),
		ResetAt:    time.UnixMilli(values[2]).UTC(),
		UpdatedAt:  time.UnixMilli(values[3]).UTC(),
	}
	return record, values[0] == 1, nil
}

// Get returns the record for a pair.
func (s *RedisStore) Get(ctx context.Context, identifier, endpoint string) (*models.RateLimitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	values, err := s.client.HMGet(ctx, s.key(endpoint, identifier), "count", "reset_at", "updated_at").Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit/redis: get: %w", err)
	}

	record, ok, err := parseRedisRecord(identifier, endpoint, values)
	if err != nil {
		return nil, fmt.Errorf("ratelimit/redis: get: %w", err)
	}
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return &record, nil
}

// List returns matching records ordered by endpoint then identifier.
func (s *RedisStore) List(ctx context.Context, q models.RateLimitQuery) ([]models.RateLimitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	keys, err := s.scanKeys(ctx, q.Endpoint, q.Identifier)
	if err != nil {
		return nil, err
	}

	records := []models.RateLimitRecord{}
	if len(keys) == 0 {
		return records, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, key, "count", "reset_at", "updated_at")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ratelimit/redis: list: %w", err)
	}

	for i, key := range keys {
		endpoint, identifier, ok := s.splitKey(key)
		if !ok {
			continue
		}
		record, ok, err := parseRedisRecord(identifier, endpoint, cmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("ratelimit/redis: list %s: %w", key, err)
		}
		// Keys can expire between SCAN and HMGET.
		if ok && q.Matches(&record) {
			records = append(records, record)
		}
	}

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
func (s *RedisStore) Reset(ctx context.Context, identifier, endpoint string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	n, err := s.client.Del(ctx, s.key(endpoint, identifier)).Result()
	if err != nil {
		return fmt.Errorf("ratelimit/redis: reset: %w", err)
	}
	if n == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// DeleteExpired removes records whose window ended before now. Each key is
// checked and deleted atomically so a concurrent Hit that opens a new window
// is never lost.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	keys, err := s.scanKeys(ctx, "", "")
	if err != nil {
		return 0, err
	}

	nowArg := strconv.FormatInt(now.UnixMilli(), 10)
	var deleted int64
	for _, key := range keys {
		n, err := s.scripts.deleteExpired.Run(ctx, s.client, []string{key}, nowArg).Int64()
		if err != nil {
			return deleted, fmt.Errorf("ratelimit/redis: delete expired: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

// Ping checks connectivity to the Redis server.
func (s *RedisStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ratelimit/redis: ping failed: %w", err)
	}
	return nil
}

// Backend returns "redis".
func (s *RedisStore) Backend() string {
	return "redis"
}

// Close shuts down the client. Closing twice is a no-op.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// key builds prefix:endpoint:identifier. Endpoints never contain a colon,
// identifiers (IPv6 addresses) may.
func (s *RedisStore) key(endpoint, identifier string) string {
	return s.prefix + ":" + endpoint + ":" + identifier
}

func (s *RedisStore) splitKey(key string) (endpoint, identifier string, ok bool) {
	rest, found := strings.CutPrefix(key, s.prefix+":")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// scanKeys collects counter keys, narrowed by endpoint and identifier when set.
func (s *RedisStore) scanKeys(ctx context.Context, endpoint, identifier string) ([]string, error) {
	if endpoint != "" && identifier != "" {
		n, err := s.client.Exists(ctx, s.key(endpoint, identifier)).Result()
		if err != nil {
			return nil, fmt.Errorf("ratelimit/redis: exists: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		return []string{s.key(endpoint, identifier)}, nil
	}

	endpointPattern, identifierPattern := "*", "*"
	if endpoint != "" {
		endpointPattern = escapeGlob(endpoint)
	}
	if identifier != "" {
		identifierPattern = escapeGlob(identifier)
	}
	pattern := escapeGlob(s.prefix) + ":" + endpointPattern + ":" + identifierPattern

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("ratelimit/redis: scan failed for pattern %q: %w", pattern, err)
		}
		keys = append(keys, batch...)

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// escapeGlob quotes the metacharacters of a Redis MATCH pattern.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseRedisRecord decodes an HMGET reply. ok is false when the key is absent.
func parseRedisRecord(identifier, endpoint string, values []interface{}) (models.RateLimitRecord, bool, error) {
	if len(values) != 3 || values[0] == nil || values[1] == nil {
		return models.RateLimitRecord{}, false, nil
	}

	fields := make([]int64, 3)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			if v == nil {
				continue
			}
			return models.RateLimitRecord{}, false, fmt.Errorf("unexpected field type %T", v)
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return models.RateLimitRecord{}, false, fmt.Errorf("invalid field value %q: %w", str, err)
		}
		fields[i] = n
	}

	record := models.RateLimitRecord{
		Identifier: identifier,
		Endpoint:   endpoint,
		Count:      int(fields[0]),
		ResetAt:    time.UnixMilli(fields[1]).UTC(),
		UpdatedAt:  time.UnixMilli(fields[2]).UTC(),
	}
	if fields[2] == 0 {
		record.UpdatedAt = record.ResetAt
	}
	return record, true, nil
}

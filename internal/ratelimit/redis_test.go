package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/models"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s, err := NewRedisStoreWithClient(context.Background(), client, "test")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, _ := newTestRedisStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := newTestRedisStore(t)

	_, _, err := s.Hit(context.Background(), "2001:db8::1", "form", 3, time.Hour, baseTime)
	require.NoError(t, err)

	key := "test:form:2001:db8::1"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, "1", mr.HGet(key, "count"))
	assert.Equal(t, time.Hour+redisExpiryGrace, mr.TTL(key))
}

func TestRedisStore_ExpiresKeys(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := s.Hit(ctx, "1.2.3.4", "api", 10, time.Minute, baseTime)
	require.NoError(t, err)

	mr.FastForward(time.Minute + redisExpiryGrace + time.Second)

	_, err = s.Get(ctx, "1.2.3.4", "api")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestRedisStore_ListEscapesPattern(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := s.Hit(ctx, "a*", "form", 3, time.Hour, baseTime)
	require.NoError(t, err)
	_, _, err = s.Hit(ctx, "abc", "form", 3, time.Hour, baseTime)
	require.NoError(t, err)

	records, err := s.List(ctx, models.RateLimitQuery{Identifier: "a*"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a*", records[0].Identifier)
}

func TestRedisStore_CloseTwice(t *testing.T) {
	s, _ := newTestRedisStore(t)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, &config.RedisConfig{Host: "127.0.0.1", Port: 1})
	assert.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, "plain", escapeGlob("plain"))
	assert.Equal(t, `a\*b\?c\[d\]e\\f`, escapeGlob(`a*b?c[d]e\f`))
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotkeeper/slotkeeper/internal/models"
)

var baseTime = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

// runStoreTests exercises behaviour every Store must share.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("first hit opens a window", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		record, admitted, err := s.Hit(ctx, "1.2.3.4", "form", 3, time.Hour, baseTime)
		require.NoError(t, err)

		assert.True(t, admitted)
		assert.Equal(t, 1, record.Count)
		assert.Equal(t, "1.2.3.4", record.Identifier)
		assert.Equal(t, "form", record.Endpoint)
		assert.True(t, baseTime.Add(time.Hour).Equal(record.ResetAt))
	})

	t.Run("rejects at limit without counting", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			record, admitted, err := s.Hit(ctx, "1.2.3.4", "form", 3, time.Hour, baseTime.Add(time.Duration(i)*time.Minute))
			require.NoError(t, err)
			assert.True(t, admitted)
			assert.Equal(t, i, record.Count)
			assert.True(t, baseTime.Add(time.Minute+time.Hour).Equal(record.ResetAt))
		}

		record, admitted, err := s.Hit(ctx, "1.2.3.4", "form", 3, time.Hour, baseTime.Add(10*time.Minute))
		require.NoError(t, err)
		assert.False(t, admitted)
		assert.Equal(t, 3, record.Count)
		assert.True(t, baseTime.Add(time.Minute+time.Hour).Equal(record.ResetAt))

		stored, err := s.Get(ctx, "1.2.3.4", "form")
		require.NoError(t, err)
		assert.Equal(t, 3, stored.Count)
	})

	t.Run("window boundary", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.Hit(ctx, "1.2.3.4", "api", 1, time.Minute, baseTime)
		require.NoError(t, err)

		// Still active at exactly reset_at.
		_, admitted, err := s.Hit(ctx, "1.2.3.4", "api", 1, time.Minute, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, admitted)

		after := baseTime.Add(time.Minute + time.Millisecond)
		record, admitted, err := s.Hit(ctx, "1.2.3.4", "api", 1, time.Minute, after)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, 1, record.Count)
		assert.True(t, after.Add(time.Minute).Equal(record.ResetAt))
	})

	t.Run("endpoints are independent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.Hit(ctx, "1.2.3.4", "form", 1, time.Hour, baseTime)
		require.NoError(t, err)

		_, admitted, err := s.Hit(ctx, "1.2.3.4", "form", 1, time.Hour, baseTime)
		require.NoError(t, err)
		assert.False(t, admitted)

		record, admitted, err := s.Hit(ctx, "1.2.3.4", "api", 10, time.Minute, baseTime)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, 1, record.Count)
	})

	t.Run("get missing record", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(context.Background(), "nobody", "form")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)
	})

	t.Run("reset", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.Hit(ctx, "1.2.3.4", "form", 3, time.Hour, baseTime)
		require.NoError(t, err)

		require.NoError(t, s.Reset(ctx, "1.2.3.4", "form"))

		_, err = s.Get(ctx, "1.2.3.4", "form")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)

		assert.ErrorIs(t, s.Reset(ctx, "1.2.3.4", "form"), models.ErrRecordNotFound)

		record, admitted, err := s.Hit(ctx, "1.2.3.4", "form", 3, time.Hour, baseTime)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, 1, record.Count)
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.Hit(ctx, "b", "form", 3, time.Hour, baseTime)
		require.NoError(t, err)
		_, _, err = s.Hit(ctx, "a", "form", 3, time.Hour, baseTime)
		require.NoError(t, err)
		_, _, err = s.Hit(ctx, "2001:db8::1", "api", 10, time.Minute, baseTime)
		require.NoError(t, err)

		all, err := s.List(ctx, models.RateLimitQuery{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "api", all[0].Endpoint)
		assert.Equal(t, "2001:db8::1", all[0].Identifier)
		assert.Equal(t, "a", all[1].Identifier)
		assert.Equal(t, "b", all[2].Identifier)

		forms, err := s.List(ctx, models.RateLimitQuery{Endpoint: "form"})
		require.NoError(t, err)
		assert.Len(t, forms, 2)

		one, err := s.List(ctx, models.RateLimitQuery{Endpoint: "form", Identifier: "b"})
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, 1, one[0].Count)

		byIdentifier, err := s.List(ctx, models.RateLimitQuery{Identifier: "2001:db8::1"})
		require.NoError(t, err)
		assert.Len(t, byIdentifier, 1)

		limited, err := s.List(ctx, models.RateLimitQuery{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		expired, err := s.List(ctx, models.RateLimitQuery{ExpiredOnly: true, Now: baseTime.Add(30 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "api", expired[0].Endpoint)

		none, err := s.List(ctx, models.RateLimitQuery{Endpoint: "missing"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("delete expired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		deleted, err := s.DeleteExpired(ctx, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(0), deleted)

		_, _, err = s.Hit(ctx, "a", "api", 10, time.Minute, baseTime)
		require.NoError(t, err)
		_, _, err = s.Hit(ctx, "b", "api", 10, time.Minute, baseTime)
		require.NoError(t, err)
		_, _, err = s.Hit(ctx, "a", "form", 3, time.Hour, baseTime)
		require.NoError(t, err)

		// Windows ending exactly now survive.
		deleted, err = s.DeleteExpired(ctx, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(0), deleted)

		deleted, err = s.DeleteExpired(ctx, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		remaining, err := s.List(ctx, models.RateLimitQuery{})
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "form", remaining[0].Endpoint)
	})

	t.Run("concurrent hits never exceed limit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const (
			workers = 40
			limit   = 10
		)

		var (
			wg       sync.WaitGroup
			admitted int64
			failures int64
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.Hit(ctx, "1.2.3.4", "api", limit, time.Minute, baseTime)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					return
				}
				if ok {
					atomic.AddInt64(&admitted, 1)
				}
			}()
		}
		wg.Wait()

		assert.Zero(t, failures)
		assert.Equal(t, int64(limit), admitted)

		record, err := s.Get(ctx, "1.2.3.4", "api")
		require.NoError(t, err)
		assert.Equal(t, limit, record.Count)
	})

	t.Run("ping and close", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		assert.NoError(t, s.Ping(ctx))
		assert.NotEmpty(t, s.Backend())

		require.NoError(t, s.Close())

		_, _, err := s.Hit(ctx, "1.2.3.4", "form", 3, time.Hour, baseTime)
		assert.Error(t, err)
	})
}

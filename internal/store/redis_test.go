// ABOUTME: Tests for the Redis preferences backend against miniredis
// ABOUTME: Covers round trips, missing keys, retention TTL and connection setup

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisPreferences(t *testing.T, retention time.Duration) (*RedisPreferences, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	prefs := NewRedisPreferences(client, "", retention)
	t.Cleanup(func() { _ = prefs.Close() })
	return prefs, mr
}

func TestRedisPreferences_RoundTrip(t *testing.T) {
	prefs, mr := setupRedisPreferences(t, 0)
	ctx := context.Background()

	when := time.Date(2026, 5, 6, 7, 8, 9, 10, time.UTC)
	require.NoError(t, prefs.SetLastAuthTime(ctx, "alice", when))

	got, ok, err := prefs.LastAuthTime(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, when.Equal(got))

	assert.True(t, mr.Exists(DefaultRedisPrefix+"alice"))
}

func TestRedisPreferences_Missing(t *testing.T) {
	prefs, _ := setupRedisPreferences(t, 0)

	_, ok, err := prefs.LastAuthTime(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPreferences_Retention(t *testing.T) {
	prefs, mr := setupRedisPreferences(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, prefs.SetLastAuthTime(ctx, "alice", time.Now()))
	assert.Equal(t, time.Hour, mr.TTL(DefaultRedisPrefix+"alice"))

	mr.FastForward(time.Hour)
	_, ok, err := prefs.LastAuthTime(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPreferences_CorruptValue(t *testing.T) {
	prefs, mr := setupRedisPreferences(t, 0)
	require.NoError(t, mr.Set(DefaultRedisPrefix+"alice", "yesterday"))

	_, _, err := prefs.LastAuthTime(context.Background(), "alice")
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = NewRedisClient(ctx, "")
	assert.Error(t, err)

	_, err = NewRedisClient(ctx, "not a url")
	assert.Error(t, err)
}

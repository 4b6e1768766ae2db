package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLock_Acquire_SucceedsWhenKeyAbsent(t *testing.T) {
	client := setupTestRedis(t)
	lock := NewRedisLock(client, "job-1", time.Minute)

	acquired, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRedisLock_Acquire_FailsWhenAlreadyHeld(t *testing.T) {
	client := setupTestRedis(t)
	first := NewRedisLock(client, "job-1", time.Minute)
	second := NewRedisLock(client, "job-1", time.Minute)

	acquired, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestRedisLock_Release_OnlyRemovesOwnLock(t *testing.T) {
	client := setupTestRedis(t)
	first := NewRedisLock(client, "job-1", time.Minute)
	second := NewRedisLock(client, "job-1", time.Minute)

	acquired, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, second.Release(context.Background()))

	acquired, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired, "release by a non-owner must not free the lock")

	require.NoError(t, first.Release(context.Background()))
	acquired, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired, "release by the owner must free the lock")
}

func TestRedisLock_Extend_OnlyExtendsOwnLock(t *testing.T) {
	client := setupTestRedis(t)
	first := NewRedisLock(client, "job-1", time.Minute)
	second := NewRedisLock(client, "job-1", time.Minute)

	acquired, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, first.Extend(context.Background(), 2*time.Hour))
	require.Error(t, second.Extend(context.Background(), 2*time.Hour))
}

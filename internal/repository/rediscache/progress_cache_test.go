package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/kazibase/import-engine/internal/importengine/progress"
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

func TestProgressCache_SetThenGet_RoundTripsSnapshot(t *testing.T) {
	client := setupTestRedis(t)
	cache := NewProgressCache(client)

	snap := progress.Snapshot{
		JobID:          "job-1",
		TotalRows:      100,
		ProcessedRows:  40,
		SuccessfulRows: 38,
		ErrorRows:      2,
		Percentage:     40.0,
		Status:         model.StatusProcessing,
	}

	err := cache.Set(context.Background(), "job-1", snap, time.Hour)
	require.NoError(t, err)

	got, ok, err := cache.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.JobID, got.JobID)
	assert.Equal(t, snap.ProcessedRows, got.ProcessedRows)
	assert.Equal(t, snap.Status, got.Status)
}

func TestProgressCache_Get_MissReturnsFalse(t *testing.T) {
	client := setupTestRedis(t)
	cache := NewProgressCache(client)

	_, ok, err := cache.Get(context.Background(), "never-cached")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgressCache_Get_ExpiredEntryIsAMiss(t *testing.T) {
	client := setupTestRedis(t)
	cache := NewProgressCache(client)

	err := cache.Set(context.Background(), "job-1", progress.Snapshot{JobID: "job-1"}, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, ok, err := cache.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgressCache_KeysAreNamespacedPerJob(t *testing.T) {
	client := setupTestRedis(t)
	cache := NewProgressCache(client)

	require.NoError(t, cache.Set(context.Background(), "job-1", progress.Snapshot{JobID: "job-1", ProcessedRows: 5}, time.Hour))
	require.NoError(t, cache.Set(context.Background(), "job-2", progress.Snapshot{JobID: "job-2", ProcessedRows: 9}, time.Hour))

	got1, ok, err := cache.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, got1.ProcessedRows)

	got2, ok, err := cache.Get(context.Background(), "job-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 9, got2.ProcessedRows)
}

// Package rediscache implements the cached-snapshot side of
// ProgressTracker (spec.md §4.6) against Redis, grounded on
// SuppressionImportService's setProgress/progressKey pattern
// (internal/worker/suppression_import.go): json.Marshal + redis.Set
// with a TTL, one JSON blob per key.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kazibase/import-engine/internal/importengine/progress"
	"github.com/redis/go-redis/v9"
)

// ProgressCache caches a job's progress.Snapshot in Redis.
type ProgressCache struct {
	client *redis.Client
}

func NewProgressCache(client *redis.Client) *ProgressCache {
	return &ProgressCache{client: client}
}

func (c *ProgressCache) key(jobID string) string {
	return fmt.Sprintf("import_progress:%s", jobID)
}

func (c *ProgressCache) Set(ctx context.Context, jobID string, snapshot progress.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal progress snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(jobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache progress snapshot: %w", err)
	}
	return nil
}

func (c *ProgressCache) Get(ctx context.Context, jobID string) (progress.Snapshot, bool, error) {
	data, err := c.client.Get(ctx, c.key(jobID)).Bytes()
	if err == redis.Nil {
		return progress.Snapshot{}, false, nil
	}
	if err != nil {
		return progress.Snapshot{}, false, fmt.Errorf("get cached progress snapshot: %w", err)
	}

	var snap progress.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return progress.Snapshot{}, false, fmt.Errorf("unmarshal cached progress snapshot: %w", err)
	}
	return snap, true, nil
}

// Package progress implements ProgressTracker (spec.md §4.6): atomic
// counter updates, a cached snapshot, and ETA/rate estimation.
package progress

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kazibase/import-engine/internal/importengine/model"
)

// CounterStore is the durable sink for counter updates; implemented by
// internal/repository/postgres.JobRepo.
type CounterStore interface {
	UpdateCounters(ctx context.Context, jobID string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error
}

// SnapshotCache is a TTL-capable cache for the progress snapshot;
// satisfied by a thin redis.Client wrapper. A nil cache makes every
// read a cold read from durable state.
type SnapshotCache interface {
	Set(ctx context.Context, jobID string, snapshot Snapshot, ttl time.Duration) error
	Get(ctx context.Context, jobID string) (Snapshot, bool, error)
}

// Snapshot is the externally observable progress view (spec.md §4.6).
type Snapshot struct {
	JobID               string
	TotalRows           int64
	ProcessedRows       int64
	SuccessfulRows      int64
	ErrorRows           int64
	LastProcessedRow    int64
	Percentage          float64
	ProcessingRate      float64 // rows per minute
	EstimatedCompletion *time.Time
	Status              model.JobStatus
}

const cacheTTL = time.Hour

// Tracker holds the in-memory counters for one job's current processing
// run; counter mutation happens only under the job's lock, matching the
// single-writer policy in spec.md §5.
type Tracker struct {
	jobID     string
	store     CounterStore
	cache     SnapshotCache
	startedAt time.Time

	mu               sync.Mutex
	totalRows        int64
	processedRows    int64
	successfulRows   int64
	errorRows        int64
	lastProcessedRow int64
	status           model.JobStatus
}

// New creates a Tracker seeded from the job's current durable state.
func New(job *model.ImportJob, store CounterStore, cache SnapshotCache) *Tracker {
	started := time.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	return &Tracker{
		jobID:            job.ID,
		store:            store,
		cache:            cache,
		startedAt:        started,
		totalRows:        job.TotalRows,
		processedRows:    job.ProcessedRows,
		successfulRows:   job.SuccessfulRows,
		errorRows:        job.ErrorRows,
		lastProcessedRow: job.LastProcessedRow,
		status:           job.Status,
	}
}

// MarkRowProcessed atomically advances the counters for one row, per
// spec.md §4.6: processed_rows increments, plus successful_rows or
// error_rows, plus last_processed_row = max(last_processed_row, row).
func (t *Tracker) MarkRowProcessed(success bool, rowNumber int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processedRows++
	if success {
		t.successfulRows++
	} else {
		t.errorRows++
	}
	if rowNumber > t.lastProcessedRow {
		t.lastProcessedRow = rowNumber
	}
}

// Totals returns the cumulative counters accumulated so far. ChunkEngine
// feeds these into CheckpointStore.Commit so the transactional,
// per-chunk counter write and this tracker's own durable write (from
// UpdateProgress) always agree on the same cumulative values, rather
// than one of them persisting a stale per-chunk count.
func (t *Tracker) Totals() (processedRows, successfulRows, errorRows, lastProcessedRow int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processedRows, t.successfulRows, t.errorRows, t.lastProcessedRow
}

// UpdateProgress writes the counters to durable storage and refreshes
// the cached snapshot; called at each chunk commit.
func (t *Tracker) UpdateProgress(ctx context.Context) error {
	snap := t.Snapshot()
	if err := t.store.UpdateCounters(ctx, t.jobID, snap.ProcessedRows, snap.SuccessfulRows, snap.ErrorRows, snap.LastProcessedRow); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if t.cache != nil {
		_ = t.cache.Set(ctx, t.jobID, snap, cacheTTL)
	}
	return nil
}

// SetTotalRows records the one-time total-row computation.
func (t *Tracker) SetTotalRows(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRows = total
}

// MarkCompleted stamps the terminal snapshot and suppresses further ETA
// computation.
func (t *Tracker) MarkCompleted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = model.StatusCompleted
}

// MarkFailed stamps the terminal failed snapshot.
func (t *Tracker) MarkFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = model.StatusFailed
}

// Snapshot computes the current externally-observable view: percentage,
// processing rate, and ETA, per spec.md §4.6.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		JobID:            t.jobID,
		TotalRows:        t.totalRows,
		ProcessedRows:    t.processedRows,
		SuccessfulRows:   t.successfulRows,
		ErrorRows:        t.errorRows,
		LastProcessedRow: t.lastProcessedRow,
		Status:           t.status,
	}

	if t.totalRows > 0 {
		pct := float64(t.processedRows) / float64(t.totalRows) * 100
		snap.Percentage = math.Round(pct*100) / 100
	}

	terminal := t.status == model.StatusCompleted || t.status == model.StatusFailed
	elapsed := time.Since(t.startedAt)
	if elapsed > 0 && t.processedRows > 0 {
		elapsedMinutes := elapsed.Minutes()
		if elapsedMinutes < 1.0/60.0 {
			// Short jobs: fall back to rows/second × 60 for a stable rate.
			snap.ProcessingRate = float64(t.processedRows) / elapsed.Seconds() * 60
		} else {
			snap.ProcessingRate = float64(t.processedRows) / elapsedMinutes
		}
	}

	if !terminal && snap.ProcessingRate > 0 && t.totalRows > t.processedRows {
		remaining := float64(t.totalRows - t.processedRows)
		etaMinutes := remaining / snap.ProcessingRate
		eta := time.Now().Add(time.Duration(etaMinutes * float64(time.Minute)))
		snap.EstimatedCompletion = &eta
	}

	return snap
}

// Load reads the cached snapshot when present and not expired, falling
// back to a cold read computed from the tracker's current state.
func Load(ctx context.Context, cache SnapshotCache, jobID string, cold func() Snapshot) (Snapshot, error) {
	if cache != nil {
		if snap, ok, err := cache.Get(ctx, jobID); err == nil && ok {
			return snap, nil
		} else if err != nil {
			return Snapshot{}, fmt.Errorf("load cached snapshot: %w", err)
		}
	}
	return cold(), nil
}

// Package lock implements LockManager (spec.md §4.5): a best-effort
// single-writer lock per job with an adaptive TTL, layered on top of
// internal/pkg/distlock.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/kazibase/import-engine/internal/pkg/distlock"
)

const (
	minTTL = 5 * time.Minute
	maxTTL = 4 * time.Hour
)

// KeyLayout returns the two shared-store key names for a job: the lock
// key, from which cmd/worker builds the job's DistLock, and a renewal
// metadata key. Manager itself writes nothing under the metadata key.
func KeyLayout(jobID string) (lockKey, metaKey string) {
	return fmt.Sprintf("import_processing:%s", jobID), fmt.Sprintf("import_lock_meta:%s", jobID)
}

// ResumptionLogger appends an operational event for every lock operation.
type ResumptionLogger interface {
	Append(ctx context.Context, e model.ResumptionLogEntry) error
}

// Progress is the subset of job state the adaptive timeout calculation
// needs; ProgressTracker's snapshot satisfies this.
type Progress struct {
	ProcessedRows int64
	TotalRows     int64
	ErrorRows     int64
	ElapsedMin    float64 // minutes since started_at; 0 if not yet started
}

// Manager wraps one job's distlock.DistLock and records every
// acquire/renew/release to the ResumptionLog.
type Manager struct {
	jobID string
	dl    distlock.DistLock
	log   ResumptionLogger
}

// New creates a Manager for a job using the given distlock backend
// (Redis-preferred, Postgres advisory-lock fallback — see distlock.NewLock).
func New(jobID string, dl distlock.DistLock, log ResumptionLogger) *Manager {
	return &Manager{jobID: jobID, dl: dl, log: log}
}

// Acquire attempts to take the job's lock. A false return means another
// worker already holds it; callers must not spin, per spec.md §4.5.
func (m *Manager) Acquire(ctx context.Context, totalRows int64) (bool, error) {
	ok, err := m.dl.Acquire(ctx)
	if err != nil {
		m.logEvent(ctx, false, fmt.Sprintf("acquire error: %v", err))
		return false, err
	}
	if !ok {
		m.logEvent(ctx, false, "lock held by another worker")
		return false, nil
	}

	ttl := AdaptiveTTL(totalRows, nil)
	if err := m.dl.Extend(ctx, ttl); err != nil {
		// Some backends (e.g. PG advisory locks) treat Extend as a no-op;
		// a failure here still leaves the lock held.
		m.logEvent(ctx, true, fmt.Sprintf("acquired, ttl=%s, extend warning: %v", ttl, err))
		return true, nil
	}
	m.logEvent(ctx, true, fmt.Sprintf("acquired, ttl=%s", ttl))
	return true, nil
}

// Release gives up the lock unconditionally; safe to call even if the
// caller never held it (all lock operations must release on every exit
// path, including panic, per spec.md §9).
func (m *Manager) Release(ctx context.Context) error {
	err := m.dl.Release(ctx)
	m.logEvent(ctx, err == nil, releaseDetail(err))
	return err
}

func releaseDetail(err error) string {
	if err == nil {
		return "released"
	}
	return fmt.Sprintf("release error: %v", err)
}

// NeedsRenewal reports whether now is within 5 minutes of expiresAt,
// the renewal threshold from spec.md §4.5.
func NeedsRenewal(now, expiresAt time.Time) bool {
	return !now.Before(expiresAt.Add(-5 * time.Minute))
}

// Renew re-runs the adaptive timeout calculation and extends the lock.
// A renewal failure signals likely concurrent takeover; callers must
// stop at the next chunk boundary rather than retry.
func (m *Manager) Renew(ctx context.Context, totalRows int64, progress *Progress) error {
	ttl := AdaptiveTTL(totalRows, progress)
	if err := m.dl.Extend(ctx, ttl); err != nil {
		m.logEvent(ctx, false, fmt.Sprintf("renewal failed: %v", err))
		return err
	}
	m.logEvent(ctx, true, fmt.Sprintf("renewed, ttl=%s", ttl))
	return nil
}

func (m *Manager) logEvent(ctx context.Context, passed bool, details string) {
	if m.log == nil {
		return
	}
	_ = m.log.Append(ctx, model.ResumptionLogEntry{
		ImportJobID: m.jobID,
		EventType:   model.EventLockRenewal,
		Passed:      passed,
		Details:     details,
	})
}

// AdaptiveTTL computes the lock TTL per spec.md §4.5:
//   - Base by total rows: >50k → 2h; >10k → 1h; >1k → 30m; else 15m.
//   - If progress exists, rate = processed/elapsed_minutes; estimated
//     remaining minutes × 1.5 is a candidate; the larger of base and
//     candidate wins.
//   - If error rate > 10%, multiply by 1.3.
//   - Clamp to [5 min, 4 h].
func AdaptiveTTL(totalRows int64, progress *Progress) time.Duration {
	base := baseTTL(totalRows)
	ttl := base

	if progress != nil && progress.ElapsedMin > 0 && progress.ProcessedRows > 0 {
		rate := float64(progress.ProcessedRows) / progress.ElapsedMin
		if rate > 0 {
			remaining := float64(totalRows - progress.ProcessedRows)
			if remaining < 0 {
				remaining = 0
			}
			candidateMinutes := remaining / rate * 1.5
			candidate := time.Duration(candidateMinutes * float64(time.Minute))
			if candidate > ttl {
				ttl = candidate
			}
		}
	}

	if progress != nil && progress.ProcessedRows > 0 {
		errorRate := float64(progress.ErrorRows) / float64(progress.ProcessedRows)
		if errorRate > 0.10 {
			ttl = time.Duration(float64(ttl) * 1.3)
		}
	}

	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

func baseTTL(totalRows int64) time.Duration {
	switch {
	case totalRows > 50_000:
		return 2 * time.Hour
	case totalRows > 10_000:
		return time.Hour
	case totalRows > 1_000:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

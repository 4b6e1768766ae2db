// Package coordinator implements Coordinator (spec.md §4.8): the
// job-level state machine that composes every other component into one
// start-or-resume entry point, grounded on
// SuppressionImportService.StartProcessing/processFile
// (internal/worker/suppression_import.go).
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kazibase/import-engine/internal/importengine/checkpoint"
	"github.com/kazibase/import-engine/internal/importengine/chunk"
	"github.com/kazibase/import-engine/internal/importengine/dedup"
	"github.com/kazibase/import-engine/internal/importengine/integrity"
	"github.com/kazibase/import-engine/internal/importengine/lock"
	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/kazibase/import-engine/internal/importengine/progress"
	"github.com/kazibase/import-engine/internal/importengine/reader"
	"github.com/kazibase/import-engine/internal/importengine/rowerrors"
	"github.com/kazibase/import-engine/internal/importengine/validator"
	"github.com/kazibase/import-engine/internal/pkg/distlock"
	"github.com/kazibase/import-engine/internal/pkg/logger"
)

// ErrLockHeld is returned when another worker already owns the job's
// processing lock; the caller must not spin (spec.md §4.5).
var ErrLockHeld = errors.New("import job is locked by another worker")

// JobStore is the narrow ImportJob persistence contract Coordinator
// needs; implemented by internal/repository/postgres.JobRepo.
type JobStore interface {
	Get(ctx context.Context, id string) (*model.ImportJob, error)
	UpdateStatus(ctx context.Context, id string, status model.JobStatus, failureMessage string) error
	SaveTotalRows(ctx context.Context, id string, totalRows int64) error
	SaveWitness(ctx context.Context, id string, size int64, hash string, lastModified time.Time) error
	SaveResumptionMetadata(ctx context.Context, id string, meta map[string]any) error
	ResetToPending(ctx context.Context, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error
	UpdateCounters(ctx context.Context, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error
	UpdateCountersTx(ctx context.Context, tx *sql.Tx, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error
}

// EmployeeStore is the narrow employee-store contract Coordinator wires
// into Deduplicator and ChunkEngine; implemented by
// internal/repository/postgres.EmployeeRepo.
type EmployeeStore interface {
	FindByEmployeeNumber(ctx context.Context, employeeNumber string) (*model.Employee, error)
	FindByEmail(ctx context.Context, email string) (*model.Employee, error)
	BulkUpsert(ctx context.Context, tx *sql.Tx, batch []model.Employee) (int64, error)
}

// LedgerStore is the narrow dedup-ledger contract Coordinator wires into
// Deduplicator and CheckpointStore; implemented by
// internal/repository/postgres.ProcessedRecordRepo.
type LedgerStore interface {
	ListForJob(ctx context.Context, jobID string) ([]model.ImportProcessedRecord, error)
	Count(ctx context.Context, jobID string) (int64, error)
	DuplicateKeyCounts(ctx context.Context, jobID string) (employeeNumberDupes, emailDupes int64, err error)
	MarkTx(ctx context.Context, tx *sql.Tx, rec model.ImportProcessedRecord) error
}

// ErrorWriter is the narrow ErrorRecorder sink; implemented by
// internal/repository/postgres.ImportErrorRepo.
type ErrorWriter interface {
	RecordTx(ctx context.Context, tx *sql.Tx, e model.ImportError) error
}

// ResumptionLogger is the shared append-only operational log contract;
// implemented by internal/repository/postgres.ResumptionLogRepo.
type ResumptionLogger interface {
	Append(ctx context.Context, e model.ResumptionLogEntry) error
}

// TxBeginner opens chunk transactions; implemented by *sql.DB.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// LockFactory builds the distributed lock backend for one job, so
// Coordinator never has to know whether Redis or PostgreSQL advisory
// locks are in play (see internal/pkg/distlock.NewLock).
type LockFactory func(jobID string) distlock.DistLock

// Config bounds chunk sizing, memory pressure, and the validation cache,
// mirroring internal/config.ImportConfig/ValidatorConfig.
type Config struct {
	StorageRoot               string
	InitialChunkSize          int
	MinChunkSize              int
	MaxChunkSize              int
	MemoryLimitBytes          int64
	ValidatorCacheTTL         time.Duration
	UpdateExistingOnDuplicate bool
	ProgressCacheTTL          time.Duration
}

// Coordinator drives one job's lifecycle from pending/resumable through
// to completed or failed, per the state machine in spec.md §4.8.
type Coordinator struct {
	jobs        JobStore
	employees   EmployeeStore
	ledger      LedgerStore
	errorWriter ErrorWriter
	resumeLog   ResumptionLogger
	cache       progress.SnapshotCache
	db          TxBeginner
	lockFactory LockFactory
	cfg         Config
}

// New builds a Coordinator from its durable dependencies. cache may be
// nil, in which case progress reads always fall back to a cold
// snapshot.
func New(
	jobs JobStore,
	employees EmployeeStore,
	ledger LedgerStore,
	errorWriter ErrorWriter,
	resumeLog ResumptionLogger,
	cache progress.SnapshotCache,
	db TxBeginner,
	lockFactory LockFactory,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		jobs:        jobs,
		employees:   employees,
		ledger:      ledger,
		errorWriter: errorWriter,
		resumeLog:   resumeLog,
		cache:       cache,
		db:          db,
		lockFactory: lockFactory,
		cfg:         cfg,
	}
}

// StartOrResume runs jobID to completion or failure. It is safe to call
// repeatedly: a job already completed returns immediately with no
// further work, and a job held by another worker returns ErrLockHeld
// without mutating anything.
func (c *Coordinator) StartOrResume(ctx context.Context, jobID string) (err error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	if job.Status == model.StatusCompleted {
		logger.Info("job already completed, no-op", "job_id", jobID)
		return nil
	}

	dl := c.lockFactory(jobID)
	lockMgr := lock.New(jobID, dl, c.resumeLog)

	acquired, err := lockMgr.Acquire(ctx, job.TotalRows)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return ErrLockHeld
	}
	defer func() {
		if releaseErr := lockMgr.Release(ctx); releaseErr != nil && err == nil {
			err = fmt.Errorf("release lock: %w", releaseErr)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			failErr := fmt.Errorf("panic during job processing: %v", r)
			_ = c.jobs.UpdateStatus(ctx, jobID, model.StatusFailed, failErr.Error())
			err = failErr
		}
	}()

	path := job.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.cfg.StorageRoot, path)
	}

	integrityChecker := integrity.New(c.jobs, c.resumeLog)
	resumable := job.Resumable()
	if resumable {
		if verifyErr := integrityChecker.Verify(ctx, job, path); verifyErr != nil {
			_ = c.jobs.UpdateStatus(ctx, jobID, model.StatusFailed, verifyErr.Error())
			return fmt.Errorf("verify file integrity: %w", verifyErr)
		}
	} else {
		if _, captureErr := integrityChecker.Capture(ctx, jobID, path); captureErr != nil {
			_ = c.jobs.UpdateStatus(ctx, jobID, model.StatusFailed, captureErr.Error())
			return fmt.Errorf("capture file integrity: %w", captureErr)
		}
	}

	if job.TotalRows == 0 {
		total, countErr := reader.CountRows(path)
		if countErr != nil {
			_ = c.jobs.UpdateStatus(ctx, jobID, model.StatusFailed, countErr.Error())
			return fmt.Errorf("count total rows: %w", countErr)
		}
		if saveErr := c.jobs.SaveTotalRows(ctx, jobID, total); saveErr != nil {
			return fmt.Errorf("save total rows: %w", saveErr)
		}
		job.TotalRows = total
	}

	if statusErr := c.jobs.UpdateStatus(ctx, jobID, model.StatusProcessing, ""); statusErr != nil {
		return fmt.Errorf("set status processing: %w", statusErr)
	}
	job.Status = model.StatusProcessing
	if job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}

	startRow := job.LastProcessedRow + 1
	rd, err := reader.Open(path, startRow)
	if err != nil {
		_ = c.jobs.UpdateStatus(ctx, jobID, model.StatusFailed, err.Error())
		return fmt.Errorf("open reader: %w", err)
	}
	defer rd.Close()

	v := validator.New(c.cfg.ValidatorCacheTTL)
	dd := dedup.New(jobID, c.employees, c.ledger, c.cfg.UpdateExistingOnDuplicate)
	if resumable {
		if rebuildErr := dd.RebuildTrackingState(ctx); rebuildErr != nil {
			return fmt.Errorf("rebuild dedup tracking state: %w", rebuildErr)
		}
	}
	ck := checkpoint.New(c.jobs, c.ledger)
	er := rowerrors.New(jobID, c.errorWriter)
	tracker := progress.New(job, c.jobs, c.cache)

	engine := chunk.New(jobID, c.db, rd, v, dd, ck, er, tracker, c.employees, chunk.Config{
		InitialChunkSize: c.cfg.InitialChunkSize,
		MinChunkSize:     c.cfg.MinChunkSize,
		MaxChunkSize:     c.cfg.MaxChunkSize,
		MemoryLimitBytes: c.cfg.MemoryLimitBytes,
	})
	engine.SetRenewalHook(func(ctx context.Context) error {
		snap := tracker.Snapshot()
		renewErr := lockMgr.Renew(ctx, job.TotalRows, &lock.Progress{
			ProcessedRows: snap.ProcessedRows,
			TotalRows:     snap.TotalRows,
			ErrorRows:     snap.ErrorRows,
			ElapsedMin:    time.Since(*job.StartedAt).Minutes(),
		})
		if renewErr != nil {
			logger.Warn("lock renewal failed, stopping at chunk boundary", "job_id", jobID, "error", renewErr.Error())
		}
		return renewErr
	})

	result, runErr := engine.Run(ctx)
	if runErr != nil {
		tracker.MarkFailed()
		_ = c.jobs.UpdateStatus(ctx, jobID, model.StatusFailed, runErr.Error())
		return fmt.Errorf("chunk engine run: %w", runErr)
	}

	tracker.MarkCompleted()
	if updateErr := tracker.UpdateProgress(ctx); updateErr != nil {
		return fmt.Errorf("final progress update: %w", updateErr)
	}
	if statusErr := c.jobs.UpdateStatus(ctx, jobID, model.StatusCompleted, ""); statusErr != nil {
		return fmt.Errorf("set status completed: %w", statusErr)
	}
	if metaErr := c.jobs.SaveResumptionMetadata(ctx, jobID, map[string]any{}); metaErr != nil {
		return fmt.Errorf("clear resumption metadata: %w", metaErr)
	}

	logger.Info("job completed", "job_id", jobID, "rows_processed", result.RowsProcessed,
		"rows_successful", result.RowsSuccessful, "rows_failed", result.RowsFailed, "chunks", result.ChunksCommitted)
	return nil
}

// RestoreFromBackup rewinds a job to its last resumption_metadata.backup
// snapshot and resets it to pending (spec.md §4.4, §4.8 "pending →
// pending").
func (c *Coordinator) RestoreFromBackup(ctx context.Context, jobID string) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if restoreErr := integrity.RestoreFromBackup(job); restoreErr != nil {
		return fmt.Errorf("restore from backup: %w", restoreErr)
	}
	return c.jobs.ResetToPending(ctx, jobID, job.ProcessedRows, job.SuccessfulRows, job.ErrorRows, job.LastProcessedRow)
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kazibase/import-engine/internal/importengine/model"
)

// ErrJobNotFound mirrors the sql.ErrNoRows translation pattern used
// throughout the teacher's repository layer (see CampaignRepo.Get).
var ErrJobNotFound = errors.New("import job not found")

// JobRepo persists ImportJob against PostgreSQL with raw SQL and lib/pq,
// grounded on CampaignRepo (internal/repository/postgres/campaign.go).
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed ImportJob repository.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

// Create inserts a new pending job and assigns it a UUID if ID is unset.
func (r *JobRepo) Create(ctx context.Context, j *model.ImportJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO import_jobs
			(id, filename, file_path, status, total_rows, processed_rows,
			 successful_rows, error_rows, last_processed_row, file_size,
			 file_hash, file_last_modified, resumption_metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, 0, 0, 0, '', NULL, '{}'::jsonb, NOW(), NOW())
	`, j.ID, j.Filename, j.FilePath, model.StatusPending)
	if err != nil {
		return fmt.Errorf("create import job: %w", err)
	}
	j.Status = model.StatusPending
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*model.ImportJob, error) {
	j := &model.ImportJob{}
	var fileHash sql.NullString
	var fileLastModified sql.NullTime
	var startedAt, completedAt sql.NullTime
	var failureMessage sql.NullString
	var metaRaw []byte

	err := r.db.QueryRowContext(ctx, `
		SELECT id, filename, file_path, status, total_rows, processed_rows,
		       successful_rows, error_rows, last_processed_row, file_size,
		       file_hash, file_last_modified, started_at, completed_at,
		       COALESCE(failure_message,''), resumption_metadata
		FROM import_jobs WHERE id = $1
	`, id).Scan(
		&j.ID, &j.Filename, &j.FilePath, &j.Status, &j.TotalRows, &j.ProcessedRows,
		&j.SuccessfulRows, &j.ErrorRows, &j.LastProcessedRow, &j.FileSize,
		&fileHash, &fileLastModified, &startedAt, &completedAt,
		&failureMessage, &metaRaw,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}

	j.FileHash = fileHash.String
	if fileLastModified.Valid {
		j.FileLastModified = fileLastModified.Time
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	j.FailureMessage = failureMessage.String

	if len(metaRaw) > 0 {
		meta := map[string]any{}
		if err := json.Unmarshal(metaRaw, &meta); err == nil {
			j.ResumptionMetadata = meta
		}
	}
	return j, nil
}

// UpdateStatus transitions status, optionally stamping started_at/completed_at.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status model.JobStatus, failureMessage string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = $1,
		    failure_message = NULLIF($2, ''),
		    started_at = CASE WHEN $1 = 'processing' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ('completed','failed') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $3
	`, status, failureMessage, id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ResetToPending rewinds a job for restore-from-backup (spec.md §4.4/§4.8).
func (r *JobRepo) ResetToPending(ctx context.Context, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = 'pending', processed_rows = $1, successful_rows = $2,
		    error_rows = $3, last_processed_row = $4, completed_at = NULL,
		    failure_message = NULL, updated_at = NOW()
		WHERE id = $5
	`, processedRows, successfulRows, errorRows, lastProcessedRow, id)
	if err != nil {
		return fmt.Errorf("reset job to pending: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// SaveWitness persists the file-integrity witness (FileIntegrity, spec.md §4.4).
func (r *JobRepo) SaveWitness(ctx context.Context, id string, size int64, hash string, lastModified time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET file_size = $1, file_hash = $2, file_last_modified = $3, updated_at = NOW()
		WHERE id = $4
	`, size, hash, lastModified, id)
	if err != nil {
		return fmt.Errorf("save witness: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// SaveTotalRows persists the one-time total_rows computation.
func (r *JobRepo) SaveTotalRows(ctx context.Context, id string, totalRows int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs SET total_rows = $1, updated_at = NOW() WHERE id = $2
	`, totalRows, id)
	if err != nil {
		return fmt.Errorf("save total rows: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// UpdateCounters atomically advances the chunk-commit counters (ProgressTracker,
// spec.md §4.6) and the checkpoint offset in one statement.
func (r *JobRepo) UpdateCounters(ctx context.Context, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET processed_rows = $1, successful_rows = $2, error_rows = $3,
		    last_processed_row = GREATEST(last_processed_row, $4), updated_at = NOW()
		WHERE id = $5
	`, processedRows, successfulRows, errorRows, lastProcessedRow, id)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// UpdateCountersTx is the chunk-transaction-scoped variant of
// UpdateCounters, used by CheckpointStore so the counter advance commits
// atomically with the chunk's ImportProcessedRecord rows (spec.md §4.7
// step 4).
func (r *JobRepo) UpdateCountersTx(ctx context.Context, tx *sql.Tx, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE import_jobs
		SET processed_rows = $1, successful_rows = $2, error_rows = $3,
		    last_processed_row = GREATEST(last_processed_row, $4), updated_at = NOW()
		WHERE id = $5
	`, processedRows, successfulRows, errorRows, lastProcessedRow, id)
	if err != nil {
		return fmt.Errorf("update counters (tx): %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// SaveResumptionMetadata persists the opaque backup/integrity notes map.
func (r *JobRepo) SaveResumptionMetadata(ctx context.Context, id string, meta map[string]any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal resumption metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE import_jobs SET resumption_metadata = $1, updated_at = NOW() WHERE id = $2
	`, raw, id)
	if err != nil {
		return fmt.Errorf("save resumption metadata: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

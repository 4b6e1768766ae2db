package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kazibase/import-engine/internal/importengine/model"
)

// ProcessedRecordRepo is the durable dedup ledger (ImportProcessedRecord,
// spec.md §4.3) that lets Deduplicator rebuild its in-memory sets after a
// crash without rereading the input file.
type ProcessedRecordRepo struct{ db *sql.DB }

func NewProcessedRecordRepo(db *sql.DB) *ProcessedRecordRepo {
	return &ProcessedRecordRepo{db: db}
}

// MarkTx records that a row has been processed (or skipped/errored),
// within the caller's chunk transaction.
func (r *ProcessedRecordRepo) MarkTx(ctx context.Context, tx *sql.Tx, rec model.ImportProcessedRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO import_processed_records
			(import_job_id, employee_number, email, row_number, status, created_at)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4, $5, NOW())
	`, rec.ImportJobID, rec.EmployeeNumber, rec.Email, rec.RowNumber, rec.Status)
	if err != nil {
		return fmt.Errorf("mark processed record: %w", err)
	}
	return nil
}

// ListForJob loads every ledger row for a job, in row order, for
// rebuildTrackingState (spec.md §4.3).
func (r *ProcessedRecordRepo) ListForJob(ctx context.Context, jobID string) ([]model.ImportProcessedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT import_job_id, COALESCE(employee_number,''), COALESCE(email,''),
		       row_number, status
		FROM import_processed_records
		WHERE import_job_id = $1
		ORDER BY row_number ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list processed records: %w", err)
	}
	defer rows.Close()

	var out []model.ImportProcessedRecord
	for rows.Next() {
		var rec model.ImportProcessedRecord
		if err := rows.Scan(&rec.ImportJobID, &rec.EmployeeNumber, &rec.Email,
			&rec.RowNumber, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan processed record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns |ImportProcessedRecord|_job, used by the consistency
// validation diagnostic (spec.md §4.3).
func (r *ProcessedRecordRepo) Count(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM import_processed_records WHERE import_job_id = $1
	`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processed records: %w", err)
	}
	return n, nil
}

// DuplicateKeyCounts returns how many (employee_number) and (email)
// values appear more than once in the ledger for a job — a non-zero
// result signals the consistency diagnostic should raise an alert.
func (r *ProcessedRecordRepo) DuplicateKeyCounts(ctx context.Context, jobID string) (employeeNumberDupes, emailDupes int64, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM (
				SELECT employee_number FROM import_processed_records
				WHERE import_job_id = $1 AND employee_number IS NOT NULL
				GROUP BY employee_number HAVING COUNT(*) > 1
			) e),
			(SELECT COUNT(*) FROM (
				SELECT email FROM import_processed_records
				WHERE import_job_id = $1 AND email IS NOT NULL
				GROUP BY email HAVING COUNT(*) > 1
			) m)
	`, jobID).Scan(&employeeNumberDupes, &emailDupes)
	if err != nil {
		return 0, 0, fmt.Errorf("duplicate key counts: %w", err)
	}
	return employeeNumberDupes, emailDupes, nil
}

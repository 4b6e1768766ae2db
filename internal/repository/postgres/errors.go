package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/kazibase/import-engine/internal/importengine/rowerrors"
)

// ImportErrorRepo is the durable sink for ErrorRecorder (spec.md §4.7, §7):
// an append-only, pagination-friendly per-row error ledger indexed on
// (import_job_id, row_number).
type ImportErrorRepo struct{ db *sql.DB }

func NewImportErrorRepo(db *sql.DB) *ImportErrorRepo { return &ImportErrorRepo{db: db} }

func (r *ImportErrorRepo) Record(ctx context.Context, e model.ImportError) error {
	snapshot, err := json.Marshal(e.RowDataSnapshot)
	if err != nil {
		return fmt.Errorf("marshal row snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO import_errors
			(import_job_id, row_number, error_type, error_message, row_data_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.ImportJobID, e.RowNumber, e.ErrorType, e.ErrorMessage, snapshot)
	if err != nil {
		return fmt.Errorf("record import error: %w", err)
	}
	return nil
}

// RecordTx is the chunk-transaction-scoped variant of Record, used by
// ChunkEngine so row errors commit atomically with the rest of the chunk.
func (r *ImportErrorRepo) RecordTx(ctx context.Context, tx *sql.Tx, e model.ImportError) error {
	snapshot, err := json.Marshal(e.RowDataSnapshot)
	if err != nil {
		return fmt.Errorf("marshal row snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO import_errors
			(import_job_id, row_number, error_type, error_message, row_data_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.ImportJobID, e.RowNumber, e.ErrorType, e.ErrorMessage, snapshot)
	if err != nil {
		return fmt.Errorf("record import error: %w", err)
	}
	return nil
}

func (r *ImportErrorRepo) List(ctx context.Context, jobID string, f rowerrors.Filter) ([]model.ImportError, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM import_errors WHERE import_job_id = $1`
	args := []interface{}{jobID}
	if f.ErrorType != "" {
		countQ += " AND error_type = $2"
		args = append(args, f.ErrorType)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count import errors: %w", err)
	}

	q := `
		SELECT id, import_job_id, row_number, error_type, error_message,
		       row_data_snapshot, created_at
		FROM import_errors WHERE import_job_id = $1`
	qArgs := []interface{}{jobID}
	idx := 2
	if f.ErrorType != "" {
		q += fmt.Sprintf(" AND error_type = $%d", idx)
		qArgs = append(qArgs, f.ErrorType)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY row_number ASC LIMIT $%d OFFSET $%d", idx, idx+1)
	qArgs = append(qArgs, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, qArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list import errors: %w", err)
	}
	defer rows.Close()

	var out []model.ImportError
	for rows.Next() {
		var e model.ImportError
		var snapshot []byte
		if err := rows.Scan(&e.ID, &e.ImportJobID, &e.RowNumber, &e.ErrorType,
			&e.ErrorMessage, &snapshot, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan import error: %w", err)
		}
		if len(snapshot) > 0 {
			_ = json.Unmarshal(snapshot, &e.RowDataSnapshot)
		}
		out = append(out, e)
	}
	return out, total, nil
}

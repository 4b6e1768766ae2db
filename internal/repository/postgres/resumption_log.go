package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kazibase/import-engine/internal/importengine/model"
)

// ResumptionLogRepo is the append-only operational ledger LockManager,
// FileIntegrity, and Coordinator write to on every lock/integrity/resume
// event (spec.md §3, §4.5).
type ResumptionLogRepo struct{ db *sql.DB }

func NewResumptionLogRepo(db *sql.DB) *ResumptionLogRepo { return &ResumptionLogRepo{db: db} }

func (r *ResumptionLogRepo) Append(ctx context.Context, e model.ResumptionLogEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal resumption log metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO resumption_logs
			(import_job_id, event_type, passed, details, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.ImportJobID, e.EventType, e.Passed, e.Details, meta)
	if err != nil {
		return fmt.Errorf("append resumption log: %w", err)
	}
	return nil
}

func (r *ResumptionLogRepo) ListForJob(ctx context.Context, jobID string) ([]model.ResumptionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, import_job_id, event_type, passed, details, metadata, created_at
		FROM resumption_logs WHERE import_job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list resumption log: %w", err)
	}
	defer rows.Close()

	var out []model.ResumptionLogEntry
	for rows.Next() {
		var e model.ResumptionLogEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ImportJobID, &e.EventType, &e.Passed,
			&e.Details, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resumption log: %w", err)
		}
		if len(meta) > 0 {
			m := map[string]any{}
			if err := json.Unmarshal(meta, &m); err == nil {
				e.Metadata = m
			}
		}
		out = append(out, e)
	}
	return out, nil
}

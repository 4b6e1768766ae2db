// Package rowerrors implements ErrorRecorder (spec.md §4.7, §7): the
// per-row classified error sink ChunkEngine writes to on every
// validation/duplicate/format/business-rule/system failure.
package rowerrors

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kazibase/import-engine/internal/importengine/model"
)

// Writer persists one ImportError row within the caller's chunk
// transaction; implemented by
// internal/repository/postgres.ImportErrorRepo.
type Writer interface {
	RecordTx(ctx context.Context, tx *sql.Tx, e model.ImportError) error
}

// Lister reads back paginated ImportError rows for a job; implemented
// by internal/repository/postgres.ImportErrorRepo.
type Lister interface {
	List(ctx context.Context, jobID string, f Filter) ([]model.ImportError, int, error)
}

// Filter narrows a List call. postgres.ImportErrorRepo.List takes this
// type directly, so callers in this package don't need to import the
// repository package.
type Filter struct {
	ErrorType model.ErrorType
	Limit     int
	Offset    int
}

// Recorder classifies and persists per-row failures.
type Recorder struct {
	jobID  string
	writer Writer
}

func New(jobID string, writer Writer) *Recorder {
	return &Recorder{jobID: jobID, writer: writer}
}

// Record classifies a row-scoped failure and writes it, within tx, as
// one of the five taxonomy types (spec.md §7).
func (r *Recorder) Record(ctx context.Context, tx *sql.Tx, rowNumber int64, errType model.ErrorType, message string, rowData map[string]string) error {
	err := r.writer.RecordTx(ctx, tx, model.ImportError{
		ImportJobID:     r.jobID,
		RowNumber:       rowNumber,
		ErrorType:       errType,
		ErrorMessage:    message,
		RowDataSnapshot: rowData,
	})
	if err != nil {
		return fmt.Errorf("record row error: %w", err)
	}
	return nil
}

// Validation records a rule-violation failure from RecordValidator.
func (r *Recorder) Validation(ctx context.Context, tx *sql.Tx, rowNumber int64, messages []string, rowData map[string]string) error {
	return r.Record(ctx, tx, rowNumber, model.ErrorValidation, joinMessages(messages), rowData)
}

// Duplicate records a within-file, within-session, or store-conflict
// skip decision from Deduplicator.
func (r *Recorder) Duplicate(ctx context.Context, tx *sql.Tx, rowNumber int64, message string, rowData map[string]string) error {
	return r.Record(ctx, tx, rowNumber, model.ErrorDuplicate, message, rowData)
}

// Format records a raw parser-level row issue (mismatched columns, encoding).
func (r *Recorder) Format(ctx context.Context, tx *sql.Tx, rowNumber int64, message string, rowData map[string]string) error {
	return r.Record(ctx, tx, rowNumber, model.ErrorFormat, message, rowData)
}

// BusinessRule records a failure that passed field-level validation but
// was rejected by a policy rule (e.g. a start date in the future or a
// non-positive salary). A store conflict that is not updated is recorded
// through Duplicate, not here.
func (r *Recorder) BusinessRule(ctx context.Context, tx *sql.Tx, rowNumber int64, message string, rowData map[string]string) error {
	return r.Record(ctx, tx, rowNumber, model.ErrorBusinessRule, message, rowData)
}

// System records an uncaught exception scoped to a single row.
func (r *Recorder) System(ctx context.Context, tx *sql.Tx, rowNumber int64, message string, rowData map[string]string) error {
	return r.Record(ctx, tx, rowNumber, model.ErrorSystem, message, rowData)
}

func joinMessages(messages []string) string {
	out := ""
	for i, m := range messages {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

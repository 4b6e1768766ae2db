// Package chunk implements ChunkEngine (spec.md §4.7): the per-chunk
// transactional processing loop that ties StreamingReader, RecordValidator,
// Deduplicator, CheckpointStore, and ErrorRecorder together, adapting its
// own chunk size to observed memory pressure as it runs.
package chunk

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kazibase/import-engine/internal/importengine/checkpoint"
	"github.com/kazibase/import-engine/internal/importengine/dedup"
	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/kazibase/import-engine/internal/importengine/reader"
	"github.com/kazibase/import-engine/internal/importengine/rowerrors"
	"github.com/kazibase/import-engine/internal/importengine/validator"
	"github.com/kazibase/import-engine/internal/pkg/logger"
)

// TxBeginner opens the transaction each chunk commits within; implemented
// by *sql.DB.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// EmployeeWriter is the narrow per-chunk persistence contract ChunkEngine
// needs from the employee store; implemented by
// internal/repository/postgres.EmployeeRepo.
type EmployeeWriter interface {
	BulkUpsert(ctx context.Context, tx *sql.Tx, batch []model.Employee) (int64, error)
}

// Config bounds chunk sizing and the memory-pressure adaptation rule
// (spec.md §4.7 step 5).
type Config struct {
	InitialChunkSize int
	MinChunkSize     int
	MaxChunkSize     int
	MemoryLimitBytes int64
}

// Result summarizes one Run call, for the Coordinator to decide the
// job's terminal status.
type Result struct {
	RowsProcessed   int64
	RowsSuccessful  int64
	RowsFailed      int64
	ChunksCommitted int
}

// Engine drives the chunk-at-a-time ingestion loop for one job run.
type Engine struct {
	jobID       string
	db          TxBeginner
	reader      reader.Reader
	validator   *validator.Validator
	dedup       *dedup.Deduplicator
	checkpoint  *checkpoint.Store
	errors      *rowerrors.Recorder
	progress    ProgressUpdater
	employees   EmployeeWriter
	mem         *MemoryMonitor
	cfg         Config
	renewalHook RenewalHook
}

// RenewalHook is invoked at each chunk boundary so the caller can renew
// its processing lock. Returning an error stops the run at that
// boundary without touching any row past the last committed chunk —
// the cooperative cancellation described in the glossary.
type RenewalHook func(ctx context.Context) error

// SetRenewalHook installs the lock-renewal check Run consults after
// every committed chunk. A nil hook (the default) disables the check.
func (e *Engine) SetRenewalHook(h RenewalHook) {
	e.renewalHook = h
}

// ProgressUpdater is the narrow view ChunkEngine needs of progress.Tracker.
type ProgressUpdater interface {
	MarkRowProcessed(success bool, rowNumber int64)
	UpdateProgress(ctx context.Context) error
	Totals() (processedRows, successfulRows, errorRows, lastProcessedRow int64)
}

// New builds a chunk Engine for one job run.
func New(
	jobID string,
	db TxBeginner,
	rd reader.Reader,
	v *validator.Validator,
	dd *dedup.Deduplicator,
	ck *checkpoint.Store,
	er *rowerrors.Recorder,
	pg ProgressUpdater,
	emp EmployeeWriter,
	cfg Config,
) *Engine {
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = 10
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 500
	}
	if cfg.InitialChunkSize <= 0 {
		cfg.InitialChunkSize = cfg.MinChunkSize
	}
	return &Engine{
		jobID:      jobID,
		db:         db,
		reader:     rd,
		validator:  v,
		dedup:      dd,
		checkpoint: ck,
		errors:     er,
		progress:   pg,
		employees:  emp,
		mem:        NewMemoryMonitor(cfg.MemoryLimitBytes),
		cfg:        cfg,
	}
}

// Run drives the reader to exhaustion, one committed chunk at a time.
// It returns the accumulated result and the first unrecoverable
// (non-per-row) error, such as a transaction commit failure.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var result Result
	chunkSize := e.cfg.InitialChunkSize

	for {
		rows, ok, err := e.readChunk(chunkSize)
		if err != nil {
			return result, fmt.Errorf("read chunk: %w", err)
		}
		if len(rows) == 0 {
			if !ok {
				break
			}
			continue
		}

		processed, successful, failed, err := e.processChunk(ctx, rows)
		result.RowsProcessed += processed
		result.RowsSuccessful += successful
		result.RowsFailed += failed
		if err != nil {
			return result, fmt.Errorf("commit chunk: %w", err)
		}
		result.ChunksCommitted++

		if err := e.progress.UpdateProgress(ctx); err != nil {
			return result, fmt.Errorf("update progress: %w", err)
		}

		usage := e.mem.UsageRatio()
		nextSize := AdjustChunkSize(chunkSize, usage, e.cfg.MinChunkSize, e.cfg.MaxChunkSize)
		if nextSize != chunkSize {
			logger.Info("chunk size adjusted", "job_id", e.jobID, "from", chunkSize, "to", nextSize, "memory_usage_ratio", usage)
		}
		logger.Info(logger.EventChunkProcessed, "job_id", e.jobID, "rows_processed", processed, "rows_successful", successful, "rows_failed", failed)
		chunkSize = nextSize

		if e.renewalHook != nil {
			if err := e.renewalHook(ctx); err != nil {
				return result, fmt.Errorf("lock renewal: %w", err)
			}
		}

		if !ok {
			break
		}
	}

	return result, nil
}

// readChunk pulls up to n rows from the reader. ok is false once the
// reader is exhausted, even if it still yielded a partial, final batch.
func (e *Engine) readChunk(n int) ([]reader.Row, bool, error) {
	rows := make([]reader.Row, 0, n)
	for i := 0; i < n; i++ {
		row, ok, err := e.reader.Next()
		if err != nil {
			return rows, false, err
		}
		if !ok {
			return rows, false, nil
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

// processChunk runs the full per-row pipeline for one chunk inside a
// single transaction, committing the checkpoint and employee writes
// together (spec.md §4.7 "Open one transaction spanning the chunk").
func (e *Engine) processChunk(ctx context.Context, rows []reader.Row) (processed, successful, failed int64, err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin chunk transaction: %w", err)
	}
	defer tx.Rollback()

	normalized := make([]reader.Record, len(rows))
	dedupRecords := make([]dedup.Record, len(rows))
	for i, row := range rows {
		normalized[i] = normalizeRow(row.Fields)
		dedupRecords[i] = dedup.Record{
			RowNumber:      row.Number,
			EmployeeNumber: normalized[i]["employee_number"],
			Email:          normalized[i]["email"],
		}
	}
	inFileLosers := dedup.KeepLast(dedupRecords)

	var ledgerRows []model.ImportProcessedRecord
	var upsertBatch []model.Employee
	var lastRow int64

	for i, row := range rows {
		if row.Number > lastRow {
			lastRow = row.Number
		}
		fields := normalized[i]
		ok, empNumber, email := e.processRow(ctx, tx, row, fields, inFileLosers[row.Number])
		processed++
		if ok {
			successful++
			e.progress.MarkRowProcessed(true, row.Number)
			status := model.ProcessedOK
			ledgerRows = append(ledgerRows, e.dedup.MarkAsProcessed(empNumber, email, row.Number, status))
			if emp, present := employeeFromRow(fields); present {
				upsertBatch = append(upsertBatch, emp)
			}
		} else {
			failed++
			e.progress.MarkRowProcessed(false, row.Number)
		}
	}

	if len(upsertBatch) > 0 {
		if _, err := e.employees.BulkUpsert(ctx, tx, upsertBatch); err != nil {
			return processed, successful, failed, fmt.Errorf("bulk upsert employees: %w", err)
		}
	}

	// Every row in this chunk has now advanced e.progress, so its
	// cumulative totals reflect this chunk plus every prior one. The
	// checkpoint's counter write must carry that cumulative view, not
	// the per-chunk locals above: UpdateCountersTx issues an absolute
	// SET, and a per-chunk value there would discard every earlier
	// chunk's progress (spec.md §8(2), §8(3)).
	cumProcessed, cumSuccessful, cumError, cumLastRow := e.progress.Totals()
	if err := e.checkpoint.Commit(ctx, tx, e.jobID, cumProcessed, cumSuccessful, cumError, cumLastRow, ledgerRows); err != nil {
		return processed, successful, failed, fmt.Errorf("checkpoint commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return processed, successful, failed, fmt.Errorf("commit transaction: %w", err)
	}

	return processed, successful, failed, nil
}

// processRow runs one row through validation and the dedup decision
// table. It returns ok=true only when the row is to be counted as
// successfully processed (inserted or updated); any false return has
// already been recorded via ErrorRecorder.
func (e *Engine) processRow(ctx context.Context, tx *sql.Tx, row reader.Row, fields reader.Record, inFileDuplicate bool) (ok bool, employeeNumber, email string) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			_ = e.errors.System(ctx, tx, row.Number, fmt.Sprintf("panic processing row: %v", r), row.Fields)
		}
	}()

	employeeNumber = fields["employee_number"]
	email = fields["email"]

	vr := e.validator.Validate(validator.Record(fields))
	if !vr.OK {
		_ = e.errors.Validation(ctx, tx, row.Number, vr.Errors, row.Fields)
		return false, employeeNumber, email
	}

	if inFileDuplicate {
		_ = e.errors.Duplicate(ctx, tx, row.Number, "duplicate employee_number or email within this file; only the last occurrence is kept", row.Fields)
		return false, employeeNumber, email
	}

	decision, _, err := e.dedup.Decide(ctx, employeeNumber, email)
	if err != nil {
		_ = e.errors.System(ctx, tx, row.Number, fmt.Sprintf("duplicate lookup failed: %v", err), row.Fields)
		return false, employeeNumber, email
	}

	switch decision {
	case dedup.DecisionSkipDuplicate:
		_ = e.errors.Duplicate(ctx, tx, row.Number, "employee already exists and update-on-duplicate is disabled", row.Fields)
		return false, employeeNumber, email
	case dedup.DecisionInsert, dedup.DecisionUpdate:
		return true, employeeNumber, email
	default:
		_ = e.errors.System(ctx, tx, row.Number, "unrecognized duplicate decision", row.Fields)
		return false, employeeNumber, email
	}
}

// normalizeRow trims every field value; header names arrive already
// normalized from the reader.
func normalizeRow(fields reader.Record) reader.Record {
	out := make(reader.Record, len(fields))
	for k, v := range fields {
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// employeeFromRow converts a validated, normalized row into the target
// entity. present is false only when required identity fields are
// missing, which validation should already have rejected upstream.
func employeeFromRow(fields reader.Record) (model.Employee, bool) {
	empNumber := fields["employee_number"]
	email := fields["email"]
	if empNumber == "" || email == "" {
		return model.Employee{}, false
	}

	emp := model.Employee{
		EmployeeNumber: empNumber,
		FirstName:      fields["first_name"],
		LastName:       fields["last_name"],
		Email:          email,
		Department:     fields["department"],
		Currency:       fields["currency"],
		CountryCode:    fields["country_code"],
		StartDate:      fields["start_date"],
	}
	if s := fields["salary"]; s != "" {
		if v, err := parseSalary(s); err == nil {
			emp.Salary = &v
		}
	}
	return emp, true
}

func parseSalary(s string) (float64, error) {
	var v float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &v)
	return v, err
}

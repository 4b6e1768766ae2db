package chunk

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kazibase/import-engine/internal/importengine/checkpoint"
	"github.com/kazibase/import-engine/internal/importengine/dedup"
	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/kazibase/import-engine/internal/importengine/reader"
	"github.com/kazibase/import-engine/internal/importengine/rowerrors"
	"github.com/kazibase/import-engine/internal/importengine/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader replays a fixed slice of rows, grounded on the narrow
// reader.Reader contract rather than a real CSV file.
type fakeReader struct {
	rows []reader.Row
	pos  int
}

func (f *fakeReader) Headers() []string { return reader.RequiredHeaders }

func (f *fakeReader) Next() (reader.Row, bool, error) {
	if f.pos >= len(f.rows) {
		return reader.Row{}, false, nil
	}
	row := f.rows[f.pos]
	f.pos++
	return row, true, nil
}

func (f *fakeReader) Close() error { return nil }

type fakeErrorWriter struct {
	recorded []model.ImportError
}

func (f *fakeErrorWriter) RecordTx(ctx context.Context, tx *sql.Tx, e model.ImportError) error {
	f.recorded = append(f.recorded, e)
	return nil
}

type fakeEmployeeLookup struct{}

func (fakeEmployeeLookup) FindByEmployeeNumber(ctx context.Context, employeeNumber string) (*model.Employee, error) {
	return nil, dedup.ErrNotFound
}

func (fakeEmployeeLookup) FindByEmail(ctx context.Context, email string) (*model.Employee, error) {
	return nil, dedup.ErrNotFound
}

type fakeLedger struct {
	marked []model.ImportProcessedRecord
}

func (f *fakeLedger) ListForJob(ctx context.Context, jobID string) ([]model.ImportProcessedRecord, error) {
	return f.marked, nil
}
func (f *fakeLedger) Count(ctx context.Context, jobID string) (int64, error) {
	return int64(len(f.marked)), nil
}
func (f *fakeLedger) DuplicateKeyCounts(ctx context.Context, jobID string) (int64, int64, error) {
	return 0, 0, nil
}
func (f *fakeLedger) MarkTx(ctx context.Context, tx *sql.Tx, rec model.ImportProcessedRecord) error {
	f.marked = append(f.marked, rec)
	return nil
}

type fakeCounterWriter struct {
	calls                int
	lastProcessed        int64
	lastSuccessful       int64
	lastError            int64
	lastLastProcessedRow int64
}

func (f *fakeCounterWriter) UpdateCountersTx(ctx context.Context, tx *sql.Tx, jobID string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error {
	f.calls++
	f.lastProcessed, f.lastSuccessful, f.lastError, f.lastLastProcessedRow = processedRows, successfulRows, errorRows, lastProcessedRow
	return nil
}

func (f *fakeCounterWriter) UpdateCounters(ctx context.Context, jobID string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error {
	f.calls++
	return nil
}

type fakeProgress struct {
	marked     int
	updates    int
	processed  int64
	successful int64
	errored    int64
	lastRow    int64
}

func (f *fakeProgress) MarkRowProcessed(success bool, rowNumber int64) {
	f.marked++
	f.processed++
	if success {
		f.successful++
	} else {
		f.errored++
	}
	if rowNumber > f.lastRow {
		f.lastRow = rowNumber
	}
}
func (f *fakeProgress) UpdateProgress(ctx context.Context) error { f.updates++; return nil }

func (f *fakeProgress) Totals() (processedRows, successfulRows, errorRows, lastProcessedRow int64) {
	return f.processed, f.successful, f.errored, f.lastRow
}

type fakeEmployeeWriter struct {
	batches [][]model.Employee
}

func (f *fakeEmployeeWriter) BulkUpsert(ctx context.Context, tx *sql.Tx, batch []model.Employee) (int64, error) {
	f.batches = append(f.batches, batch)
	return int64(len(batch)), nil
}

func row(n int64, employeeNumber, email, salary string) reader.Row {
	return reader.Row{
		Number: n,
		Fields: reader.Record{
			"employee_number": employeeNumber,
			"first_name":      "Ada",
			"last_name":       "Lovelace",
			"email":           email,
			"department":      "Engineering",
			"salary":          salary,
			"currency":        "KES",
			"country_code":    "KE",
			"start_date":      "2020-01-15",
		},
	}
}

func newEngine(t *testing.T, db *sql.DB, rows []reader.Row, cfg Config) (*Engine, *fakeProgress, *fakeEmployeeWriter, *fakeErrorWriter, *fakeCounterWriter) {
	t.Helper()
	v := validator.New(0)
	ledger := &fakeLedger{}
	dd := dedup.New("job-1", fakeEmployeeLookup{}, ledger, false)
	cw := &fakeCounterWriter{}
	ck := checkpoint.New(cw, ledger)
	ew := &fakeErrorWriter{}
	er := rowerrors.New("job-1", ew)
	pg := &fakeProgress{}
	emp := &fakeEmployeeWriter{}

	e := New("job-1", db, &fakeReader{rows: rows}, v, dd, ck, er, pg, emp, cfg)
	return e, pg, emp, ew, cw
}

func TestRun_ProcessesValidRowsAndCommitsChunks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := []reader.Row{
		row(1, "EMP-001", "ada@example.com", "95000"),
		row(2, "EMP-002", "grace@example.com", "98000"),
	}

	mock.ExpectBegin()
	mock.ExpectCommit()

	e, pg, emp, ew, cw := newEngine(t, db, rows, Config{InitialChunkSize: 10, MinChunkSize: 10, MaxChunkSize: 500})

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.EqualValues(t, 2, result.RowsProcessed)
	assert.EqualValues(t, 2, result.RowsSuccessful)
	assert.EqualValues(t, 0, result.RowsFailed)
	assert.Equal(t, 1, result.ChunksCommitted)
	assert.Equal(t, 1, pg.updates)
	assert.Len(t, emp.batches, 1)
	assert.Len(t, emp.batches[0], 2)
	assert.Empty(t, ew.recorded)

	assert.EqualValues(t, 2, pg.processed, "every successful row must mark the tracker, not just failures")
	assert.EqualValues(t, 2, pg.successful)
	assert.EqualValues(t, 2, cw.lastProcessed, "checkpoint commit must carry the tracker's cumulative totals")
	assert.EqualValues(t, 2, cw.lastSuccessful)
}

func TestRun_RecordsValidationFailureAndSkipsUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := []reader.Row{
		row(1, "EMP-001", "not-an-email", "95000"),
	}

	mock.ExpectBegin()
	mock.ExpectCommit()

	e, _, emp, ew, _ := newEngine(t, db, rows, Config{InitialChunkSize: 10, MinChunkSize: 10, MaxChunkSize: 500})

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.EqualValues(t, 1, result.RowsProcessed)
	assert.EqualValues(t, 0, result.RowsSuccessful)
	assert.EqualValues(t, 1, result.RowsFailed)
	assert.Empty(t, emp.batches)
	require.Len(t, ew.recorded, 1)
	assert.Equal(t, model.ErrorValidation, ew.recorded[0].ErrorType)
}

func TestRun_RecordsInFileDuplicateAsDuplicateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := []reader.Row{
		row(1, "EMP-001", "ada@example.com", "95000"),
		row(2, "EMP-001", "ada@example.com", "96000"),
	}

	mock.ExpectBegin()
	mock.ExpectCommit()

	e, _, emp, ew, _ := newEngine(t, db, rows, Config{InitialChunkSize: 10, MinChunkSize: 10, MaxChunkSize: 500})

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.EqualValues(t, 1, result.RowsSuccessful)
	assert.EqualValues(t, 1, result.RowsFailed)
	require.Len(t, emp.batches, 1)
	assert.Len(t, emp.batches[0], 1)
	require.Len(t, ew.recorded, 1)
	assert.Equal(t, model.ErrorDuplicate, ew.recorded[0].ErrorType)
	assert.EqualValues(t, 1, ew.recorded[0].RowNumber)
}

func TestRun_MultipleChunksOpenSeparateTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := []reader.Row{
		row(1, "EMP-001", "a@example.com", "1"),
		row(2, "EMP-002", "b@example.com", "1"),
		row(3, "EMP-003", "c@example.com", "1"),
	}

	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	e, pg, _, _, cw := newEngine(t, db, rows, Config{InitialChunkSize: 2, MinChunkSize: 2, MaxChunkSize: 500})

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 2, result.ChunksCommitted)
	assert.EqualValues(t, 3, result.RowsProcessed)

	// The second chunk's checkpoint commit must carry the running total
	// across both chunks (3), not just its own two rows.
	assert.EqualValues(t, 3, pg.processed)
	assert.EqualValues(t, 3, pg.successful)
	assert.EqualValues(t, 2, cw.calls)
	assert.EqualValues(t, 3, cw.lastProcessed, "second chunk's checkpoint commit must carry cumulative, not per-chunk, totals")
	assert.EqualValues(t, 3, cw.lastSuccessful)
	assert.EqualValues(t, 3, cw.lastLastProcessedRow)
}

func TestAdjustChunkSize_HalvesAboveHighWatermark(t *testing.T) {
	assert.Equal(t, 50, AdjustChunkSize(100, 0.85, 10, 500))
}

func TestAdjustChunkSize_FloorsAtMin(t *testing.T) {
	assert.Equal(t, 10, AdjustChunkSize(12, 0.9, 10, 500))
}

func TestAdjustChunkSize_GrowsBelowLowWatermark(t *testing.T) {
	assert.Equal(t, 150, AdjustChunkSize(100, 0.1, 10, 500))
}

func TestAdjustChunkSize_CapsAtMax(t *testing.T) {
	assert.Equal(t, 500, AdjustChunkSize(400, 0.1, 10, 500))
}

func TestAdjustChunkSize_NoChangeInMiddleBand(t *testing.T) {
	assert.Equal(t, 100, AdjustChunkSize(100, 0.5, 10, 500))
}

package coordinator

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kazibase/import-engine/internal/importengine/dedup"
	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/kazibase/import-engine/internal/pkg/distlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const csvBody = `employee_number,first_name,last_name,email,department,salary,currency,country_code,start_date
EMP-001,Ada,Lovelace,ada@example.com,Engineering,95000,KES,KE,2020-01-15
EMP-002,Grace,Hopper,grace@example.com,Engineering,98000,KES,KE,2019-06-01
`

func writeTempCSV(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "employees.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

type fakeJobStore struct {
	job            *model.ImportJob
	statusCalls    []model.JobStatus
	totalRowsSaved int64
	witnessSaved   bool
	metaCleared    bool
	resetToPending bool
}

func (f *fakeJobStore) Get(ctx context.Context, id string) (*model.ImportJob, error) {
	cp := *f.job
	return &cp, nil
}
func (f *fakeJobStore) UpdateStatus(ctx context.Context, id string, status model.JobStatus, failureMessage string) error {
	f.statusCalls = append(f.statusCalls, status)
	f.job.Status = status
	f.job.FailureMessage = failureMessage
	return nil
}
func (f *fakeJobStore) SaveTotalRows(ctx context.Context, id string, totalRows int64) error {
	f.totalRowsSaved = totalRows
	f.job.TotalRows = totalRows
	return nil
}
func (f *fakeJobStore) SaveWitness(ctx context.Context, id string, size int64, hash string, lastModified time.Time) error {
	f.witnessSaved = true
	f.job.FileSize, f.job.FileHash, f.job.FileLastModified = size, hash, lastModified
	return nil
}
func (f *fakeJobStore) SaveResumptionMetadata(ctx context.Context, id string, meta map[string]any) error {
	f.metaCleared = len(meta) == 0
	return nil
}
func (f *fakeJobStore) ResetToPending(ctx context.Context, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error {
	f.resetToPending = true
	return nil
}
func (f *fakeJobStore) UpdateCounters(ctx context.Context, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error {
	return nil
}
func (f *fakeJobStore) UpdateCountersTx(ctx context.Context, tx *sql.Tx, id string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error {
	return nil
}

type fakeEmployeeStore struct {
	batches [][]model.Employee
}

func (f *fakeEmployeeStore) FindByEmployeeNumber(ctx context.Context, employeeNumber string) (*model.Employee, error) {
	return nil, dedup.ErrNotFound
}
func (f *fakeEmployeeStore) FindByEmail(ctx context.Context, email string) (*model.Employee, error) {
	return nil, dedup.ErrNotFound
}
func (f *fakeEmployeeStore) BulkUpsert(ctx context.Context, tx *sql.Tx, batch []model.Employee) (int64, error) {
	f.batches = append(f.batches, batch)
	return int64(len(batch)), nil
}

type fakeLedgerStore struct {
	marked []model.ImportProcessedRecord
}

func (f *fakeLedgerStore) ListForJob(ctx context.Context, jobID string) ([]model.ImportProcessedRecord, error) {
	return f.marked, nil
}
func (f *fakeLedgerStore) Count(ctx context.Context, jobID string) (int64, error) {
	return int64(len(f.marked)), nil
}
func (f *fakeLedgerStore) DuplicateKeyCounts(ctx context.Context, jobID string) (int64, int64, error) {
	return 0, 0, nil
}
func (f *fakeLedgerStore) MarkTx(ctx context.Context, tx *sql.Tx, rec model.ImportProcessedRecord) error {
	f.marked = append(f.marked, rec)
	return nil
}

type fakeErrorWriter struct {
	recorded []model.ImportError
}

func (f *fakeErrorWriter) RecordTx(ctx context.Context, tx *sql.Tx, e model.ImportError) error {
	f.recorded = append(f.recorded, e)
	return nil
}

type fakeResumptionLogger struct {
	entries []model.ResumptionLogEntry
}

func (f *fakeResumptionLogger) Append(ctx context.Context, e model.ResumptionLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeDistLock struct {
	acquireOK bool
}

func (f *fakeDistLock) Acquire(ctx context.Context) (bool, error) { return f.acquireOK, nil }
func (f *fakeDistLock) Release(ctx context.Context) error         { return nil }
func (f *fakeDistLock) Extend(ctx context.Context, ttl time.Duration) error { return nil }

func newTestCoordinator(t *testing.T, path string, job *model.ImportJob, acquireOK bool) (*Coordinator, *fakeJobStore, *fakeEmployeeStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	jobStore := &fakeJobStore{job: job}
	employees := &fakeEmployeeStore{}
	ledger := &fakeLedgerStore{}
	errWriter := &fakeErrorWriter{}
	resumeLog := &fakeResumptionLogger{}

	c := New(jobStore, employees, ledger, errWriter, resumeLog, nil, db,
		func(jobID string) distlock.DistLock { return &fakeDistLock{acquireOK: acquireOK} },
		Config{
			StorageRoot:      filepath.Dir(path),
			InitialChunkSize: 10,
			MinChunkSize:     10,
			MaxChunkSize:     500,
		},
	)
	return c, jobStore, employees, mock, db
}

func TestStartOrResume_NewJobProcessesAllRowsAndCompletes(t *testing.T) {
	path := writeTempCSV(t, csvBody)
	job := &model.ImportJob{
		ID:       "job-1",
		Filename: "employees.csv",
		FilePath: filepath.Base(path),
		Status:   model.StatusPending,
	}

	c, jobStore, employees, mock, db := newTestCoordinator(t, path, job, true)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := c.StartOrResume(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, model.StatusCompleted, jobStore.job.Status)
	assert.EqualValues(t, 2, jobStore.totalRowsSaved)
	assert.True(t, jobStore.witnessSaved)
	assert.True(t, jobStore.metaCleared)
	require.Len(t, employees.batches, 1)
	assert.Len(t, employees.batches[0], 2)
}

func TestStartOrResume_AlreadyCompletedIsNoOp(t *testing.T) {
	path := writeTempCSV(t, csvBody)
	job := &model.ImportJob{
		ID:       "job-1",
		FilePath: filepath.Base(path),
		Status:   model.StatusCompleted,
	}

	c, jobStore, _, mock, db := newTestCoordinator(t, path, job, true)
	defer db.Close()

	err := c.StartOrResume(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, jobStore.statusCalls)
}

func TestStartOrResume_LockHeldReturnsErrLockHeld(t *testing.T) {
	path := writeTempCSV(t, csvBody)
	job := &model.ImportJob{
		ID:       "job-1",
		FilePath: filepath.Base(path),
		Status:   model.StatusPending,
	}

	c, _, _, mock, db := newTestCoordinator(t, path, job, false)
	defer db.Close()

	err := c.StartOrResume(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrLockHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreFromBackup_RewindsCountersAndResetsToPending(t *testing.T) {
	path := writeTempCSV(t, csvBody)
	job := &model.ImportJob{
		ID:               "job-1",
		FilePath:         filepath.Base(path),
		Status:           model.StatusFailed,
		ProcessedRows:    50,
		LastProcessedRow: 50,
		ResumptionMetadata: map[string]any{
			"backup": map[string]any{
				"processed_rows":     int64(10),
				"successful_rows":    int64(10),
				"error_rows":         int64(0),
				"last_processed_row": int64(10),
				"status":             "processing",
			},
		},
	}

	c, jobStore, _, _, db := newTestCoordinator(t, path, job, true)
	defer db.Close()

	err := c.RestoreFromBackup(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, jobStore.resetToPending)
}

package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedRecordRepo_MarkTx_InsertsLedgerRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO import_processed_records").
		WithArgs("job-1", "EMP-001", "ada@example.com", int64(1), model.ProcessedOK).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewProcessedRecordRepo(db)
	err = repo.MarkTx(context.Background(), tx, model.ImportProcessedRecord{
		ImportJobID: "job-1", EmployeeNumber: "EMP-001", Email: "ada@example.com",
		RowNumber: 1, Status: model.ProcessedOK,
	})
	require.NoError(t, err)

	mock.ExpectCommit()
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedRecordRepo_ListForJob_OrdersByRowNumber(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"import_job_id", "employee_number", "email", "row_number", "status"}).
		AddRow("job-1", "EMP-001", "ada@example.com", int64(1), model.ProcessedOK).
		AddRow("job-1", "EMP-002", "grace@example.com", int64(2), model.ProcessedOK)

	mock.ExpectQuery("SELECT (.|\n)* FROM import_processed_records(.|\n)*WHERE import_job_id = \\$1").
		WithArgs("job-1").
		WillReturnRows(rows)

	repo := NewProcessedRecordRepo(db)
	out, err := repo.ListForJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, out, 2)
	assert.EqualValues(t, 1, out[0].RowNumber)
	assert.EqualValues(t, 2, out[1].RowNumber)
}

func TestProcessedRecordRepo_Count_ReturnsLedgerSize(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM import_processed_records WHERE import_job_id = \\$1").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	repo := NewProcessedRecordRepo(db)
	n, err := repo.Count(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.EqualValues(t, 42, n)
}

func TestProcessedRecordRepo_DuplicateKeyCounts_ReturnsBothCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT(.|\n)*FROM import_processed_records(.|\n)*WHERE import_job_id = \\$1").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"e", "m"}).AddRow(1, 2))

	repo := NewProcessedRecordRepo(db)
	empDupes, emailDupes, err := repo.DuplicateKeyCounts(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.EqualValues(t, 1, empDupes)
	assert.EqualValues(t, 2, emailDupes)
}

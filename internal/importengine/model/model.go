// Package model holds the durable entities the import engine reads and
// writes. None of these types carry behavior beyond small invariant
// helpers — persistence lives in internal/repository/postgres, processing
// logic lives in the sibling importengine packages.
package model

import (
	"time"
)

// JobStatus is the lifecycle state of an ImportJob (spec.md §4.8).
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ImportJob is the unit of work tracked across a resumable ingestion run.
type ImportJob struct {
	ID                 string
	Filename           string
	FilePath           string
	Status             JobStatus
	TotalRows          int64
	ProcessedRows      int64
	SuccessfulRows     int64
	ErrorRows          int64
	LastProcessedRow   int64
	FileSize           int64
	FileHash           string
	FileLastModified   time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	FailureMessage     string
	ResumptionMetadata map[string]any
}

// Resumable reports whether the job has partial progress that a resumption
// should pick up from, per spec.md §4.8 ("0 < last_processed_row <
// total_rows and not completed").
func (j *ImportJob) Resumable() bool {
	return j.LastProcessedRow > 0 && j.LastProcessedRow < j.TotalRows && j.Status != StatusCompleted
}

// Employee is the durable target entity rows are upserted into.
type Employee struct {
	EmployeeNumber string
	FirstName      string
	LastName       string
	Email          string
	Department     string
	Salary         *float64
	Currency       string
	CountryCode    string
	StartDate      string // YYYY-MM-DD, empty if absent
}

// ErrorType classifies a per-row ImportError (spec.md §3, §7).
type ErrorType string

const (
	ErrorValidation   ErrorType = "validation"
	ErrorDuplicate    ErrorType = "duplicate"
	ErrorFormat       ErrorType = "format"
	ErrorBusinessRule ErrorType = "business_rule"
	ErrorSystem       ErrorType = "system"
)

// ImportError is an append-only per-row failure record.
type ImportError struct {
	ID             int64
	ImportJobID    string
	RowNumber      int64
	ErrorType      ErrorType
	ErrorMessage   string
	RowDataSnapshot map[string]string
	CreatedAt      time.Time
}

// ProcessedStatus classifies a ledger row in ImportProcessedRecord.
type ProcessedStatus string

const (
	ProcessedOK      ProcessedStatus = "processed"
	ProcessedSkipped ProcessedStatus = "skipped"
	ProcessedError   ProcessedStatus = "error"
)

// ImportProcessedRecord is the per-job dedup ledger used to rebuild
// in-memory dedup state after a crash without rereading upstream data.
type ImportProcessedRecord struct {
	ImportJobID    string
	EmployeeNumber string
	Email          string
	RowNumber      int64
	Status         ProcessedStatus
}

// ResumptionEventType enumerates the operational event kinds appended to
// ResumptionLog (spec.md §3).
type ResumptionEventType string

const (
	EventIntegrityCheck     ResumptionEventType = "integrity_check"
	EventLockRenewal        ResumptionEventType = "lock_renewal"
	EventResumptionAttempt  ResumptionEventType = "resumption_attempt"
	EventResumptionSuccess  ResumptionEventType = "resumption_success"
	EventResumptionFailure  ResumptionEventType = "resumption_failure"
)

// ResumptionLogEntry is one append-only operational log row.
type ResumptionLogEntry struct {
	ID          int64
	ImportJobID string
	EventType   ResumptionEventType
	Passed      bool
	Details     string
	Metadata    map[string]any
	CreatedAt   time.Time
}

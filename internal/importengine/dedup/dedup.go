// Package dedup implements Deduplicator (spec.md §4.3): within-file
// keep-last filtering, within-session tracking, and store-duplicate
// lookup, combined into the single decision the ChunkEngine consults.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kazibase/import-engine/internal/importengine/model"
)

// ErrNotFound is returned by EmployeeLookup implementations when no
// matching employee exists; Decide treats it as "no store duplicate".
var ErrNotFound = errors.New("employee not found")

// Decision is the combined outcome of the §4.3 decision table.
type Decision string

const (
	// DecisionSkipDuplicate means the row is a duplicate and must be
	// recorded as such and skipped.
	DecisionSkipDuplicate Decision = "skip_duplicate"
	// DecisionUpdate means the row matches a store row and should overwrite it.
	DecisionUpdate Decision = "update"
	// DecisionInsert means the row is new and should be inserted.
	DecisionInsert Decision = "insert"
)

// EmployeeLookup is the narrow store-query contract Deduplicator needs;
// implemented by internal/repository/postgres.EmployeeRepo.
type EmployeeLookup interface {
	FindByEmployeeNumber(ctx context.Context, employeeNumber string) (*model.Employee, error)
	FindByEmail(ctx context.Context, email string) (*model.Employee, error)
}

// ProcessedRecordStore persists the per-job ledger (ImportProcessedRecord)
// used to rebuild tracking state after a crash.
type ProcessedRecordStore interface {
	ListForJob(ctx context.Context, jobID string) ([]model.ImportProcessedRecord, error)
	Count(ctx context.Context, jobID string) (int64, error)
	DuplicateKeyCounts(ctx context.Context, jobID string) (employeeNumberDupes, emailDupes int64, err error)
}

// Record is the minimal shape Deduplicator needs from a normalized row.
type Record struct {
	RowNumber      int64
	EmployeeNumber string
	Email          string
}

// Deduplicator tracks within-file and within-session duplicates for one
// job and consults the employee store for cross-job duplicates.
type Deduplicator struct {
	jobID  string
	store  EmployeeLookup
	ledger ProcessedRecordStore

	updateExistingOnDuplicate bool

	mu               sync.Mutex
	sessionEmpNumber map[string]bool
	sessionEmail     map[string]bool
}

// New creates a Deduplicator for one job. updateExistingOnDuplicate
// resolves the Open Question in spec.md §9: the source always updates;
// here it is operator-configurable (see DESIGN.md), default false.
func New(jobID string, store EmployeeLookup, ledger ProcessedRecordStore, updateExistingOnDuplicate bool) *Deduplicator {
	return &Deduplicator{
		jobID:                     jobID,
		store:                     store,
		ledger:                    ledger,
		updateExistingOnDuplicate: updateExistingOnDuplicate,
		sessionEmpNumber:          make(map[string]bool),
		sessionEmail:              make(map[string]bool),
	}
}

// KeepLast computes the within-file "keep last occurrence" filter over
// an ordered slice of records: for any (employee_number) or (email) key
// that repeats, only the last occurrence survives; rows missing either
// key are never considered in-file duplicates. Returns the set of row
// numbers that lost and must be recorded as duplicate errors.
func KeepLast(records []Record) map[int64]bool {
	lastByEmpNumber := make(map[string]int64)
	lastByEmail := make(map[string]int64)

	for _, r := range records {
		empNumber := strings.TrimSpace(r.EmployeeNumber)
		email := strings.TrimSpace(r.Email)
		if empNumber == "" || email == "" {
			continue
		}
		lastByEmpNumber[empNumber] = r.RowNumber
		lastByEmail[email] = r.RowNumber
	}

	losers := make(map[int64]bool)
	for _, r := range records {
		empNumber := strings.TrimSpace(r.EmployeeNumber)
		email := strings.TrimSpace(r.Email)
		if empNumber == "" || email == "" {
			continue
		}
		if lastByEmpNumber[empNumber] != r.RowNumber || lastByEmail[email] != r.RowNumber {
			losers[r.RowNumber] = true
		}
	}
	return losers
}

// InSession reports whether employeeNumber or email has already been
// marked as processed during this job's current run.
func (d *Deduplicator) InSession(employeeNumber, email string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if employeeNumber != "" && d.sessionEmpNumber[employeeNumber] {
		return true
	}
	if email != "" && d.sessionEmail[email] {
		return true
	}
	return false
}

// Decide runs the full §4.3 decision table for one record, assuming
// KeepLast has already cleared it; the InSession check runs here first.
func (d *Deduplicator) Decide(ctx context.Context, employeeNumber, email string) (Decision, *model.Employee, error) {
	if d.InSession(employeeNumber, email) {
		return DecisionSkipDuplicate, nil, nil
	}

	existing, err := d.lookupStore(ctx, employeeNumber, email)
	if err != nil {
		return "", nil, fmt.Errorf("store duplicate lookup: %w", err)
	}
	if existing == nil {
		return DecisionInsert, nil, nil
	}
	if d.updateExistingOnDuplicate {
		return DecisionUpdate, existing, nil
	}
	return DecisionSkipDuplicate, existing, nil
}

func (d *Deduplicator) lookupStore(ctx context.Context, employeeNumber, email string) (*model.Employee, error) {
	if employeeNumber != "" {
		e, err := d.store.FindByEmployeeNumber(ctx, employeeNumber)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if email != "" {
		e, err := d.store.FindByEmail(ctx, email)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// MarkAsProcessed updates both the in-memory session sets and returns the
// durable ledger row to persist; callers write it within their chunk
// transaction via ProcessedRecordStore.
func (d *Deduplicator) MarkAsProcessed(employeeNumber, email string, rowNumber int64, status model.ProcessedStatus) model.ImportProcessedRecord {
	d.mu.Lock()
	if employeeNumber != "" {
		d.sessionEmpNumber[employeeNumber] = true
	}
	if email != "" {
		d.sessionEmail[email] = true
	}
	d.mu.Unlock()

	return model.ImportProcessedRecord{
		ImportJobID:    d.jobID,
		EmployeeNumber: employeeNumber,
		Email:          email,
		RowNumber:      rowNumber,
		Status:         status,
	}
}

// RebuildTrackingState reloads the session sets from the durable ledger,
// used when a worker resumes a job it did not start (spec.md §4.3).
func (d *Deduplicator) RebuildTrackingState(ctx context.Context) error {
	records, err := d.ledger.ListForJob(ctx, d.jobID)
	if err != nil {
		return fmt.Errorf("rebuild tracking state: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionEmpNumber = make(map[string]bool, len(records))
	d.sessionEmail = make(map[string]bool, len(records))
	for _, r := range records {
		if r.EmployeeNumber != "" {
			d.sessionEmpNumber[r.EmployeeNumber] = true
		}
		if r.Email != "" {
			d.sessionEmail[r.Email] = true
		}
	}
	return nil
}

// ConsistencyReport is the outcome of the §4.3 consistency validation
// diagnostic.
type ConsistencyReport struct {
	LedgerCount              int64
	ProcessedRows            int64
	CountMatches             bool
	DuplicateEmployeeNumbers int64
	DuplicateEmails          int64
	Clean                    bool
}

// ValidateConsistency recomputes the diagnostic invariants described in
// spec.md §4.3: ledger size equals job.processed_rows, and the ledger
// contains no duplicate employee_number or email.
func (d *Deduplicator) ValidateConsistency(ctx context.Context, job *model.ImportJob) (ConsistencyReport, error) {
	count, err := d.ledger.Count(ctx, d.jobID)
	if err != nil {
		return ConsistencyReport{}, err
	}
	empDupes, emailDupes, err := d.ledger.DuplicateKeyCounts(ctx, d.jobID)
	if err != nil {
		return ConsistencyReport{}, err
	}

	report := ConsistencyReport{
		LedgerCount:              count,
		ProcessedRows:            job.ProcessedRows,
		CountMatches:             count == job.ProcessedRows,
		DuplicateEmployeeNumbers: empDupes,
		DuplicateEmails:          emailDupes,
	}
	report.Clean = report.CountMatches && empDupes == 0 && emailDupes == 0
	return report, nil
}

// Package checkpoint implements CheckpointStore (spec.md §4.7): the
// durable (last_processed_row, processed_records) pair that makes a
// chunk commit the unit of resumable progress.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kazibase/import-engine/internal/importengine/model"
)

// CounterWriter persists the chunk-commit counters within the caller's
// transaction; implemented by internal/repository/postgres.JobRepo.
type CounterWriter interface {
	UpdateCountersTx(ctx context.Context, tx *sql.Tx, jobID string, processedRows, successfulRows, errorRows, lastProcessedRow int64) error
}

// LedgerWriter persists one ImportProcessedRecord row within the
// caller's transaction; implemented by
// internal/repository/postgres.ProcessedRecordRepo.
type LedgerWriter interface {
	MarkTx(ctx context.Context, tx *sql.Tx, rec model.ImportProcessedRecord) error
}

// Store commits a chunk's checkpoint: the advanced counters and the
// ledger rows produced while processing it, in one transaction.
type Store struct {
	counters CounterWriter
	ledger   LedgerWriter
}

func New(counters CounterWriter, ledger LedgerWriter) *Store {
	return &Store{counters: counters, ledger: ledger}
}

// Commit writes the chunk's ledger rows and advances the job counters,
// all within tx, so a crash before tx.Commit leaves the prior
// checkpoint intact (spec.md §4.7 "Resumability").
func (s *Store) Commit(ctx context.Context, tx *sql.Tx, jobID string, processedRows, successfulRows, errorRows, lastProcessedRow int64, ledgerRows []model.ImportProcessedRecord) error {
	for _, rec := range ledgerRows {
		if err := s.ledger.MarkTx(ctx, tx, rec); err != nil {
			return fmt.Errorf("commit checkpoint ledger row: %w", err)
		}
	}
	if err := s.counters.UpdateCountersTx(ctx, tx, jobID, processedRows, successfulRows, errorRows, lastProcessedRow); err != nil {
		return fmt.Errorf("commit checkpoint counters: %w", err)
	}
	return nil
}

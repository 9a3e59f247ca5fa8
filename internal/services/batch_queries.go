package services

import (
	"database/sql"
	"encoding/json"

	"github.com/telacare/backend/internal/models"
)

const batchColumns = `batch_id, category, description, status, total_debits,
	total_credits, entry_count, currency, COALESCE(reference_type, ''),
	COALESCE(reference_id, ''), COALESCE(external_reference, ''), metadata,
	COALESCE(reversed_by_batch, ''), COALESCE(reverses_batch, ''),
	COALESCE(reversal_reason, ''), COALESCE(created_by, ''), posted_at,
	reversed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*models.TransactionBatch, error) {
	var b models.TransactionBatch
	var metadata []byte
	err := row.Scan(&b.BatchID, &b.Category, &b.Description, &b.Status,
		&b.TotalDebits, &b.TotalCredits, &b.EntryCount, &b.Currency,
		&b.ReferenceType, &b.ReferenceID, &b.ExternalReference, &metadata,
		&b.ReversedByBatch, &b.ReversesBatch, &b.ReversalReason, &b.CreatedBy,
		&b.PostedAt, &b.ReversedAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		var m models.BatchMetadata
		if err := json.Unmarshal(metadata, &m); err != nil {
			return nil, err
		}
		b.Metadata = &m
	}
	return &b, nil
}

func (s *AccountingService) getBatchTx(tx *sql.Tx, batchID string, forUpdate bool) (*models.TransactionBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM transaction_batches WHERE batch_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	batch, err := scanBatch(tx.QueryRow(query, batchID))
	if err == sql.ErrNoRows {
		return nil, notFoundErrorf("unknown batch %s", batchID)
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// GetBatch fetches one batch by ID.
func (s *AccountingService) GetBatch(batchID string) (*models.TransactionBatch, error) {
	batch, err := scanBatch(s.db.QueryRow(
		`SELECT `+batchColumns+` FROM transaction_batches WHERE batch_id = $1`, batchID))
	if err == sql.ErrNoRows {
		return nil, notFoundErrorf("unknown batch %s", batchID)
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

const entryColumns = `entry_id, batch_id, account_code, entry_type, amount,
	balance_before, balance_after, status, COALESCE(description, ''),
	COALESCE(user_id, ''), COALESCE(wallet_id, ''),
	COALESCE(reference_type, ''), COALESCE(reference_id, ''),
	COALESCE(external_reference, ''), created_at`

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.EntryID, &e.BatchID, &e.AccountCode, &e.EntryType,
		&e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Status, &e.Description,
		&e.UserID, &e.WalletID, &e.ReferenceType, &e.ReferenceID,
		&e.ExternalReference, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *AccountingService) getBatchEntriesTx(tx *sql.Tx, batchID string) ([]models.LedgerEntry, error) {
	rows, err := tx.Query(
		`SELECT `+entryColumns+` FROM ledger_entries WHERE batch_id = $1 ORDER BY entry_id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetBatchEntries lists the entries of one batch in posting order.
func (s *AccountingService) GetBatchEntries(batchID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM ledger_entries WHERE batch_id = $1 ORDER BY entry_id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

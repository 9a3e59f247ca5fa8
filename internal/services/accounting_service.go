package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/telacare/backend/internal/models"
)

// balanceTolerance is the maximum allowed |total debits - total credits|
// for a batch to post. Fixed epsilon; the platform is single-currency NGN.
var balanceTolerance = decimal.New(1, -2)

// AccountingService is the double-entry ledger engine: it owns the chart
// of accounts, posts balanced transaction batches, maintains cached account
// balances and supports batch reversal. Posting never touches wallet rows;
// callers apply their own projections in the same database transaction.
// Reversal is the one exception: it replays the mirrored wallet-linked
// entries onto the cached wallet balances itself, because no caller holds
// the original operation's context at reversal time.
type AccountingService struct {
	db *sql.DB
}

func NewAccountingService(db *sql.DB) *AccountingService {
	return &AccountingService{db: db}
}

// EntryInput describes one side of a posting to be created.
type EntryInput struct {
	AccountCode       string
	EntryType         models.BalanceSide
	Amount            decimal.Decimal
	Description       string
	UserID            string
	WalletID          string
	ExternalReference string
}

// BatchInput describes a batch to be created and posted atomically.
type BatchInput struct {
	Category          models.BatchCategory
	Description       string
	Entries           []EntryInput
	Reference         *models.Reference
	ExternalReference string
	Metadata          *models.BatchMetadata
	CreatedBy         string
	ReversesBatch     string
}

func (in *BatchInput) totals() (debits, credits decimal.Decimal) {
	for _, e := range in.Entries {
		switch e.EntryType {
		case models.Debit:
			debits = debits.Add(e.Amount)
		case models.Credit:
			credits = credits.Add(e.Amount)
		}
	}
	return debits, credits
}

func (s *AccountingService) validateBatchInput(in *BatchInput) error {
	if len(in.Entries) == 0 {
		return validationErrorf("batch has no entries")
	}
	if in.Category == "" {
		return validationErrorf("batch category is required")
	}
	for i, e := range in.Entries {
		if e.EntryType != models.Debit && e.EntryType != models.Credit {
			return validationErrorf("entry %d has invalid type %q", i, e.EntryType)
		}
		if !e.Amount.IsPositive() {
			return validationErrorf("entry %d amount must be positive, got %s", i, e.Amount)
		}
		if e.AccountCode == "" {
			return validationErrorf("entry %d is missing an account code", i)
		}
	}
	debits, credits := in.totals()
	if diff := debits.Sub(credits).Abs(); diff.GreaterThanOrEqual(balanceTolerance) {
		return validationErrorf("batch is unbalanced: debits %s vs credits %s", debits, credits)
	}
	return nil
}

// CreateAndPostBatch validates, creates and posts a batch in one database
// transaction. Create-and-post is the only supported path; batches are
// never left PENDING.
func (s *AccountingService) CreateAndPostBatch(input BatchInput) (*models.TransactionBatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	batch, err := s.CreateAndPostBatchTx(tx, input)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}

// CreateAndPostBatchTx posts a batch inside the caller's transaction so
// wallet projections can commit atomically with the ledger write.
//
// Touched accounts are locked in sorted code order to avoid deadlocks.
// Entries are applied in array order against a running in-memory balance,
// so a batch that debits and credits the same account twice still gets
// internally consistent balance snapshots.
func (s *AccountingService) CreateAndPostBatchTx(tx *sql.Tx, input BatchInput) (*models.TransactionBatch, error) {
	if err := s.validateBatchInput(&input); err != nil {
		return nil, err
	}

	accounts, err := s.lockAccounts(tx, input.Entries)
	if err != nil {
		return nil, err
	}

	batchID, err := s.nextSequenceTx(tx, "TB")
	if err != nil {
		return nil, err
	}

	debits, credits := input.totals()
	now := time.Now()

	batch := &models.TransactionBatch{
		BatchID:           batchID,
		Category:          input.Category,
		Description:       input.Description,
		Status:            models.BatchPosted,
		TotalDebits:       debits,
		TotalCredits:      credits,
		EntryCount:        len(input.Entries),
		Currency:          "NGN",
		ExternalReference: input.ExternalReference,
		Metadata:          input.Metadata,
		ReversesBatch:     input.ReversesBatch,
		CreatedBy:         input.CreatedBy,
		PostedAt:          &now,
		CreatedAt:         now,
	}
	if input.Reference != nil {
		batch.ReferenceType = input.Reference.Type
		batch.ReferenceID = input.Reference.ID
	}

	var metadataJSON any
	if input.Metadata != nil {
		raw, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal batch metadata: %w", err)
		}
		metadataJSON = raw
	}

	_, err = tx.Exec(`
		INSERT INTO transaction_batches
			(batch_id, category, description, status, total_debits, total_credits,
			 entry_count, currency, reference_type, reference_id, external_reference,
			 metadata, reverses_batch, created_by, posted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		batch.BatchID, batch.Category, batch.Description, batch.Status,
		batch.TotalDebits, batch.TotalCredits, batch.EntryCount, batch.Currency,
		nullable(batch.ReferenceType), nullable(batch.ReferenceID),
		nullable(batch.ExternalReference), metadataJSON,
		nullable(batch.ReversesBatch), nullable(batch.CreatedBy),
		batch.PostedAt, batch.CreatedAt)
	if err != nil {
		return nil, err
	}

	running := make(map[string]decimal.Decimal, len(accounts))
	for code, acc := range accounts {
		running[code] = acc.CurrentBalance
	}

	for _, e := range input.Entries {
		acc := accounts[e.AccountCode]
		entryID, err := s.nextSequenceTx(tx, "LE")
		if err != nil {
			return nil, err
		}

		before := running[e.AccountCode]
		after := applyToBalance(acc.NormalBalance, e.EntryType, before, e.Amount)

		_, err = tx.Exec(`
			INSERT INTO ledger_entries
				(entry_id, batch_id, account_code, entry_type, amount,
				 balance_before, balance_after, status, description, user_id,
				 wallet_id, reference_type, reference_id, external_reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			entryID, batchID, e.AccountCode, e.EntryType, e.Amount,
			before, after, models.EntryPosted, nullable(e.Description),
			nullable(e.UserID), nullable(e.WalletID),
			nullable(batch.ReferenceType), nullable(batch.ReferenceID),
			nullable(e.ExternalReference), now)
		if err != nil {
			return nil, err
		}

		running[e.AccountCode] = after
	}

	for code, acc := range accounts {
		if err := s.updateAccountBalance(tx, code, running[code], acc.Version); err != nil {
			return nil, err
		}
	}

	return batch, nil
}

// ReverseBatch builds a mirror batch with every entry's debit/credit sense
// flipped, posts it, and marks the original and its entries REVERSED. The
// net balance effect of the pair is zero on every touched account. Entries
// that carry a wallet id also get their cached wallet balances compensated
// in the same transaction. A batch may be reversed at most once.
func (s *AccountingService) ReverseBatch(batchID, reason string) (*models.TransactionBatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	original, err := s.getBatchTx(tx, batchID, true)
	if err != nil {
		return nil, err
	}
	if original.Status == models.BatchReversed || original.ReversedByBatch != "" {
		return nil, conflictErrorf("batch %s is already reversed", batchID)
	}
	if original.Status != models.BatchPosted {
		return nil, validationErrorf("batch %s is not posted", batchID)
	}

	entries, err := s.getBatchEntriesTx(tx, batchID)
	if err != nil {
		return nil, err
	}

	mirrored := make([]EntryInput, 0, len(entries))
	for _, e := range entries {
		flipped := models.Debit
		if e.EntryType == models.Debit {
			flipped = models.Credit
		}
		mirrored = append(mirrored, EntryInput{
			AccountCode: e.AccountCode,
			EntryType:   flipped,
			Amount:      e.Amount,
			Description: fmt.Sprintf("Reversal of %s", e.EntryID),
			UserID:      e.UserID,
			WalletID:    e.WalletID,
		})
	}

	var ref *models.Reference
	if original.ReferenceType != "" {
		ref = &models.Reference{Type: original.ReferenceType, ID: original.ReferenceID}
	}

	reversal, err := s.CreateAndPostBatchTx(tx, BatchInput{
		Category:      models.CategoryReversal,
		Description:   fmt.Sprintf("Reversal of %s: %s", batchID, reason),
		Entries:       mirrored,
		Reference:     ref,
		ReversesBatch: batchID,
	})
	if err != nil {
		return nil, err
	}

	if err := compensateWalletsTx(tx, mirrored); err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE transaction_batches
		SET status = $1, reversed_by_batch = $2, reversal_reason = $3, reversed_at = $4
		WHERE batch_id = $5`,
		models.BatchReversed, reversal.BatchID, reason, time.Now(), batchID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE ledger_entries SET status = $1 WHERE batch_id = $2`,
		models.EntryReversed, batchID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[LEDGER] Batch %s reversed by %s: %s", batchID, reversal.BatchID, reason)
	return reversal, nil
}

// compensateWalletsTx replays wallet-linked reversal entries onto the
// cached wallet balances so available + held stays equal to each wallet's
// share of the liability accounts. Entries against the held-funds account
// move the held bucket; everything else moves available. A reversal may
// take a wallet negative (the credited funds may already be spent).
func compensateWalletsTx(tx *sql.Tx, entries []EntryInput) error {
	deltas := make(map[string]walletDelta)
	order := make([]string, 0, 2)
	for _, e := range entries {
		if e.WalletID == "" {
			continue
		}
		d, seen := deltas[e.WalletID]
		if !seen {
			order = append(order, e.WalletID)
		}
		d.allowNegative = true
		switch {
		case e.AccountCode == models.AccountSpecialistHeld && e.EntryType == models.Credit:
			d.held = d.held.Add(e.Amount)
		case e.AccountCode == models.AccountSpecialistHeld:
			d.held = d.held.Sub(e.Amount)
		case e.EntryType == models.Credit:
			d.available = d.available.Add(e.Amount)
			d.credited = d.credited.Add(e.Amount)
		default:
			d.available = d.available.Sub(e.Amount)
			d.debited = d.debited.Add(e.Amount)
		}
		deltas[e.WalletID] = d
	}
	for _, walletID := range order {
		if _, err := applyWalletDeltaTx(tx, walletID, deltas[walletID]); err != nil {
			return err
		}
	}
	return nil
}

// RecalculateAccountBalance re-derives an account's balance purely from
// its POSTED entries and overwrites the cache. Drift repair, not hot path.
func (s *AccountingService) RecalculateAccountBalance(code string) (decimal.Decimal, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback()

	var normal models.BalanceSide
	var cached decimal.Decimal
	var version int
	err = tx.QueryRow(`
		SELECT normal_balance, current_balance, version
		FROM accounts
		WHERE code = $1
		FOR UPDATE`, code).Scan(&normal, &cached, &version)
	if err == sql.ErrNoRows {
		return decimal.Zero, notFoundErrorf("unknown account code %s", code)
	}
	if err != nil {
		return decimal.Zero, err
	}

	var recomputed decimal.Decimal
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(CASE WHEN entry_type = $2 THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE account_code = $1 AND status = 'POSTED'`, code, normal).Scan(&recomputed)
	if err != nil {
		return decimal.Zero, err
	}

	if err := s.updateAccountBalance(tx, code, recomputed, version); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}

	if !recomputed.Equal(cached) {
		log.Printf("[LEDGER] Balance drift repaired on %s: cached %s, recomputed %s", code, cached, recomputed)
	}
	return recomputed, nil
}

// lockAccounts fetches and row-locks every account referenced by the
// entries, in sorted code order. Missing codes reject the whole batch.
func (s *AccountingService) lockAccounts(tx *sql.Tx, entries []EntryInput) (map[string]*models.Account, error) {
	seen := make(map[string]bool, len(entries))
	codes := make([]string, 0, len(entries))
	for _, e := range entries {
		if !seen[e.AccountCode] {
			seen[e.AccountCode] = true
			codes = append(codes, e.AccountCode)
		}
	}
	sort.Strings(codes)

	rows, err := tx.Query(`
		SELECT code, normal_balance, current_balance, version
		FROM accounts
		WHERE code = ANY($1)
		ORDER BY code
		FOR UPDATE`, pq.Array(codes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make(map[string]*models.Account, len(codes))
	for rows.Next() {
		var acc models.Account
		if err := rows.Scan(&acc.Code, &acc.NormalBalance, &acc.CurrentBalance, &acc.Version); err != nil {
			return nil, err
		}
		accounts[acc.Code] = &acc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, code := range codes {
		if _, ok := accounts[code]; !ok {
			return nil, notFoundErrorf("unknown account code %s", code)
		}
	}
	return accounts, nil
}

func (s *AccountingService) updateAccountBalance(tx *sql.Tx, code string, newBalance decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET current_balance = $1, version = version + 1, updated_at = $2
		WHERE code = $3 AND version = $4`,
		newBalance, time.Now(), code, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", code)
	}
	return nil
}

// nextSequenceTx allocates the next date-scoped sequential ID for a prefix
// ("TB" or "LE") with a single atomic upsert. Format: TB-YYYYMMDD-NNNNNN.
func (s *AccountingService) nextSequenceTx(tx *sql.Tx, prefix string) (string, error) {
	day := time.Now().Format("20060102")
	var counter int64
	err := tx.QueryRow(`
		INSERT INTO id_sequences (scope, day, counter)
		VALUES ($1, $2, 1)
		ON CONFLICT (scope, day)
		DO UPDATE SET counter = id_sequences.counter + 1
		RETURNING counter`, prefix, day).Scan(&counter)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%06d", prefix, day, counter), nil
}

// applyToBalance applies one entry to a cached balance: an entry on the
// account's normal side increases the balance, the opposite side decreases it.
func applyToBalance(normal, entryType models.BalanceSide, balance, amount decimal.Decimal) decimal.Decimal {
	if entryType == normal {
		return balance.Add(amount)
	}
	return balance.Sub(amount)
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/telacare/backend/internal/models"
)

// migrationMarker is the description of the opening-balance batch; its
// presence is the system of record for "migration already ran".
const migrationMarker = "LEGACY_WALLET_MIGRATION_V1"

// MigrationService bulk-imports legacy wallet balances into the ledger
// exactly once, and can verify the imported totals afterwards.
type MigrationService struct {
	db         *sql.DB
	accounting *AccountingService
}

func NewMigrationService(db *sql.DB, accounting *AccountingService) *MigrationService {
	return &MigrationService{db: db, accounting: accounting}
}

type MigrationResult struct {
	MigratedWallets int             `json:"migrated_wallets"`
	SkippedWallets  int             `json:"skipped_wallets"`
	PatientTotal    decimal.Decimal `json:"patient_total"`
	SpecialistTotal decimal.Decimal `json:"specialist_total"`
	BatchID         string          `json:"batch_id,omitempty"`
}

// MigrationVerification compares legacy totals against migrated wallet
// totals with exact equality. Mismatches are reported as data, not errors.
type MigrationVerification struct {
	LegacyWalletCount       int             `json:"legacy_wallet_count"`
	MigratedWalletCount     int             `json:"migrated_wallet_count"`
	LegacyPatientTotal      decimal.Decimal `json:"legacy_patient_total"`
	MigratedPatientTotal    decimal.Decimal `json:"migrated_patient_total"`
	LegacySpecialistTotal   decimal.Decimal `json:"legacy_specialist_total"`
	MigratedSpecialistTotal decimal.Decimal `json:"migrated_specialist_total"`
	PatientMatch            bool            `json:"patient_match"`
	SpecialistMatch         bool            `json:"specialist_match"`
	CountMatch              bool            `json:"count_match"`
}

// IsMigrationComplete reports whether the marker batch exists.
func (s *MigrationService) IsMigrationComplete() (bool, error) {
	return migrationMarkerExists(s.db)
}

type rowQueryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func migrationMarkerExists(q rowQueryer) (bool, error) {
	var exists bool
	err := q.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM transaction_batches
			WHERE category = $1 AND description = $2 AND status = $3
		)`, models.CategoryMigration, migrationMarker, models.BatchPosted).Scan(&exists)
	return exists, err
}

// RunMigration imports every legacy wallet that has not been migrated yet
// and posts one aggregate opening-balance batch that makes the books
// balance. The whole run is one transaction: a mid-run failure leaves no
// partial wallets or entries. Refuses to run twice.
func (s *MigrationService) RunMigration() (*MigrationResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The marker check runs inside the migration transaction; the partial
	// unique index on the marker batch is the guarantee under concurrency.
	complete, err := migrationMarkerExists(tx)
	if err != nil {
		return nil, err
	}
	if complete {
		return nil, conflictErrorf("migration already completed")
	}

	legacy, err := s.loadLegacyWalletsTx(tx)
	if err != nil {
		return nil, err
	}
	migratedIDs, err := s.migratedLegacyIDsTx(tx)
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{}
	now := time.Now()
	for _, lw := range legacy {
		if migratedIDs[lw.ID] {
			result.SkippedWallets++
			continue
		}
		_, err := tx.Exec(`
			INSERT INTO unified_wallets
				(wallet_id, owner_id, owner_type, available_balance, held_balance,
				 pending_balance, total_credited, total_debited, currency, status,
				 legacy_wallet_id, legacy_wallet_type, migrated_at)
			VALUES ($1, $2, $3, $4, 0, 0, $5, $6, 'NGN', $7, $8, $9, $10)`,
			newWalletID(), lw.OwnerID, lw.OwnerType, lw.Balance,
			lw.TotalCredited, lw.TotalDebited, models.WalletActive,
			lw.ID, lw.WalletType, now)
		if err != nil {
			return nil, err
		}
		result.MigratedWallets++
		switch lw.OwnerType {
		case models.OwnerPatient:
			result.PatientTotal = result.PatientTotal.Add(lw.Balance)
		case models.OwnerSpecialist:
			result.SpecialistTotal = result.SpecialistTotal.Add(lw.Balance)
		}
	}

	entries := make([]EntryInput, 0, 3)
	entries = appendOpeningEntry(entries, models.AccountPatientWallets, models.Credit, result.PatientTotal)
	entries = appendOpeningEntry(entries, models.AccountSpecialistWallets, models.Credit, result.SpecialistTotal)
	entries = appendOpeningEntry(entries, models.AccountOpeningBalance, models.Debit, result.PatientTotal.Add(result.SpecialistTotal))

	if len(entries) > 0 {
		batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
			Category:    models.CategoryMigration,
			Description: migrationMarker,
			Entries:     entries,
			Metadata: &models.BatchMetadata{OpeningBalance: &models.OpeningBalanceInfo{
				WalletCount:     result.MigratedWallets,
				PatientTotal:    result.PatientTotal,
				SpecialistTotal: result.SpecialistTotal,
			}},
		})
		if err != nil {
			if isUniqueViolation(err) {
				return nil, conflictErrorf("migration already completed")
			}
			return nil, err
		}
		result.BatchID = batch.BatchID
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErrorf("migration already completed")
		}
		return nil, err
	}
	log.Printf("[MIGRATION] Migrated %d wallets (%d skipped), patient total %s, specialist total %s",
		result.MigratedWallets, result.SkippedWallets, result.PatientTotal, result.SpecialistTotal)
	return result, nil
}

// VerifyMigration compares legacy aggregates against migrated wallet
// aggregates. Exact equality: both stores use the same decimal semantics,
// so any representation drift surfaces here.
func (s *MigrationService) VerifyMigration() (*MigrationVerification, error) {
	v := &MigrationVerification{}

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(balance) FILTER (WHERE owner_type = $1), 0),
		       COALESCE(SUM(balance) FILTER (WHERE owner_type = $2), 0)
		FROM legacy_wallets`,
		models.OwnerPatient, models.OwnerSpecialist).
		Scan(&v.LegacyWalletCount, &v.LegacyPatientTotal, &v.LegacySpecialistTotal)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(available_balance + held_balance + pending_balance) FILTER (WHERE owner_type = $1), 0),
		       COALESCE(SUM(available_balance + held_balance + pending_balance) FILTER (WHERE owner_type = $2), 0)
		FROM unified_wallets
		WHERE legacy_wallet_id IS NOT NULL`,
		models.OwnerPatient, models.OwnerSpecialist).
		Scan(&v.MigratedWalletCount, &v.MigratedPatientTotal, &v.MigratedSpecialistTotal)
	if err != nil {
		return nil, err
	}

	v.PatientMatch = v.LegacyPatientTotal.Equal(v.MigratedPatientTotal)
	v.SpecialistMatch = v.LegacySpecialistTotal.Equal(v.MigratedSpecialistTotal)
	v.CountMatch = v.LegacyWalletCount == v.MigratedWalletCount
	return v, nil
}

func (s *MigrationService) loadLegacyWalletsTx(tx *sql.Tx) ([]models.LegacyWallet, error) {
	rows, err := tx.Query(`
		SELECT id, owner_id, owner_type, wallet_type, balance,
		       total_credited, total_debited, created_at
		FROM legacy_wallets
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []models.LegacyWallet
	for rows.Next() {
		var lw models.LegacyWallet
		if err := rows.Scan(&lw.ID, &lw.OwnerID, &lw.OwnerType, &lw.WalletType,
			&lw.Balance, &lw.TotalCredited, &lw.TotalDebited, &lw.CreatedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, lw)
	}
	return wallets, rows.Err()
}

func (s *MigrationService) migratedLegacyIDsTx(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query(`
		SELECT legacy_wallet_id FROM unified_wallets WHERE legacy_wallet_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// appendOpeningEntry adds a balancing entry for a signed total, flipping
// the side for negative legacy balances and skipping zeros.
func appendOpeningEntry(entries []EntryInput, account string, side models.BalanceSide, total decimal.Decimal) []EntryInput {
	if total.IsZero() {
		return entries
	}
	if total.IsNegative() {
		if side == models.Credit {
			side = models.Debit
		} else {
			side = models.Credit
		}
		total = total.Neg()
	}
	return append(entries, EntryInput{
		AccountCode: account,
		EntryType:   side,
		Amount:      total,
		Description: "Opening balance",
	})
}

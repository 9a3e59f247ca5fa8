package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/telacare/backend/internal/models"
)

const balanceCacheTTL = 30 * time.Second

// WalletService maintains per-owner cached balance projections backed
// entirely by ledger entries. Every mutating operation posts exactly one
// ledger batch and applies the matching wallet delta inside the same
// database transaction.
type WalletService struct {
	db                     *sql.DB
	redis                  *redis.Client
	accounting             *AccountingService
	transferCommissionRate decimal.Decimal
}

// NewWalletService wires the wallet service. The redis client may be nil;
// balance caching is skipped in that case.
func NewWalletService(db *sql.DB, redisClient *redis.Client, accounting *AccountingService, transferCommissionRate decimal.Decimal) *WalletService {
	return &WalletService{
		db:                     db,
		redis:                  redisClient,
		accounting:             accounting,
		transferCommissionRate: transferCommissionRate,
	}
}

// OperationResult pairs the posted batch with the wallet state after the
// operation.
type OperationResult struct {
	Batch  *models.TransactionBatch `json:"batch"`
	Wallet *models.UnifiedWallet    `json:"wallet"`
}

type CreditRequest struct {
	WalletID          string
	Amount            decimal.Decimal
	Category          models.BatchCategory // defaults to WALLET_CREDIT
	Description       string
	SourceAccount     string // defaults to the platform cash pool
	Reference         *models.Reference
	ExternalReference string
	Metadata          *models.BatchMetadata
	CreatedBy         string
}

type DebitRequest struct {
	WalletID           string
	Amount             decimal.Decimal
	Category           models.BatchCategory // defaults to WALLET_DEBIT
	Description        string
	DestinationAccount string // defaults to provider payables
	AllowNegative      bool
	Reference          *models.Reference
	ExternalReference  string
	Metadata           *models.BatchMetadata
	CreatedBy          string
}

type HoldRequest struct {
	WalletID    string
	Amount      decimal.Decimal
	Reference   models.Reference
	Description string
}

type ReleaseRequest struct {
	WalletID    string
	Reference   models.Reference
	Description string
}

type SettleHoldRequest struct {
	WalletID       string
	Reference      models.Reference
	CommissionRate decimal.Decimal
	Description    string
}

type TransferRequest struct {
	FromWalletID   string
	ToWalletID     string
	Amount         decimal.Decimal
	CommissionRate *decimal.Decimal // nil means the configured default
	Description    string
	Reference      *models.Reference
}

// TransferResult reports both wallet states plus the commission split.
type TransferResult struct {
	Batch            *models.TransactionBatch `json:"batch"`
	FromWallet       *models.UnifiedWallet    `json:"from_wallet"`
	ToWallet         *models.UnifiedWallet    `json:"to_wallet"`
	CommissionAmount decimal.Decimal          `json:"commission_amount"`
	NetAmount        decimal.Decimal          `json:"net_amount"`
}

type AdminAdjustmentRequest struct {
	WalletID string
	Amount   decimal.Decimal // signed: positive credits, negative debits
	Reason   string
	AdminID  string
}

// GetOrCreateWallet returns the owner's wallet, creating it lazily on
// first access. Losing a concurrent create race falls back to a re-read.
func (s *WalletService) GetOrCreateWallet(ownerID string, ownerType models.OwnerType) (*models.UnifiedWallet, error) {
	if ownerID == "" {
		return nil, validationErrorf("owner id is required")
	}
	if _, err := liabilityAccountFor(ownerType); err != nil {
		return nil, err
	}

	wallet, err := s.getWalletByOwner(ownerID, ownerType)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	wallet, err = s.CreateWallet(ownerID, ownerType)
	if errors.Is(err, ErrConflict) {
		return s.getWalletByOwner(ownerID, ownerType)
	}
	return wallet, err
}

// CreateWallet creates a wallet for the owner, rejecting duplicates.
func (s *WalletService) CreateWallet(ownerID string, ownerType models.OwnerType) (*models.UnifiedWallet, error) {
	if _, err := liabilityAccountFor(ownerType); err != nil {
		return nil, err
	}

	walletID := newWalletID()
	row := s.db.QueryRow(`
		INSERT INTO unified_wallets
			(wallet_id, owner_id, owner_type, available_balance, held_balance,
			 pending_balance, total_credited, total_debited, currency, status)
		VALUES ($1, $2, $3, 0, 0, 0, 0, 0, 'NGN', $4)
		RETURNING `+walletColumns,
		walletID, ownerID, ownerType, models.WalletActive)

	wallet, err := scanWallet(row)
	if isUniqueViolation(err) {
		return nil, conflictErrorf("wallet already exists for %s %s", strings.ToLower(string(ownerType)), ownerID)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[WALLET] Created wallet %s for %s %s", walletID, ownerType, ownerID)
	return wallet, nil
}

// GetWallet fetches one wallet by ID.
func (s *WalletService) GetWallet(walletID string) (*models.UnifiedWallet, error) {
	wallet, err := scanWallet(s.db.QueryRow(
		`SELECT `+walletColumns+` FROM unified_wallets WHERE wallet_id = $1`, walletID))
	if err == sql.ErrNoRows {
		return nil, notFoundErrorf("unknown wallet %s", walletID)
	}
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// Credit adds funds to a wallet: debit the source asset account, credit
// the owner-type liability account, bump available_balance.
func (s *WalletService) Credit(req CreditRequest) (*OperationResult, error) {
	if !req.Amount.IsPositive() {
		return nil, validationErrorf("credit amount must be positive")
	}
	if req.Category == "" {
		req.Category = models.CategoryWalletCredit
	}
	if req.SourceAccount == "" {
		req.SourceAccount = models.AccountCashPool
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wallet, err := s.lockWalletTx(tx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if err := validateWalletActive(wallet); err != nil {
		return nil, err
	}
	liability, err := liabilityAccountFor(wallet.OwnerType)
	if err != nil {
		return nil, err
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    req.Category,
		Description: req.Description,
		Entries: []EntryInput{
			{AccountCode: req.SourceAccount, EntryType: models.Debit, Amount: req.Amount,
				ExternalReference: req.ExternalReference},
			{AccountCode: liability, EntryType: models.Credit, Amount: req.Amount,
				UserID: wallet.OwnerID, WalletID: wallet.WalletID,
				ExternalReference: req.ExternalReference},
		},
		Reference:         req.Reference,
		ExternalReference: req.ExternalReference,
		Metadata:          req.Metadata,
		CreatedBy:         req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	updated, err := applyWalletDeltaTx(tx, wallet.WalletID, walletDelta{
		available: req.Amount,
		credited:  req.Amount,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateBalanceCache(wallet.WalletID)
	return &OperationResult{Batch: batch, Wallet: updated}, nil
}

// Debit removes funds from a wallet: debit the owner-type liability
// account, credit the destination account. Rejects with insufficient
// balance unless AllowNegative is set; the rejection happens before any
// ledger entry is written.
func (s *WalletService) Debit(req DebitRequest) (*OperationResult, error) {
	if !req.Amount.IsPositive() {
		return nil, validationErrorf("debit amount must be positive")
	}
	if req.Category == "" {
		req.Category = models.CategoryWalletDebit
	}
	if req.DestinationAccount == "" {
		req.DestinationAccount = models.AccountProviderPayables
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wallet, err := s.lockWalletTx(tx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if err := validateWalletActive(wallet); err != nil {
		return nil, err
	}
	if !req.AllowNegative && wallet.AvailableBalance.LessThan(req.Amount) {
		return nil, ErrInsufficientFunds
	}
	liability, err := liabilityAccountFor(wallet.OwnerType)
	if err != nil {
		return nil, err
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    req.Category,
		Description: req.Description,
		Entries: []EntryInput{
			{AccountCode: liability, EntryType: models.Debit, Amount: req.Amount,
				UserID: wallet.OwnerID, WalletID: wallet.WalletID,
				ExternalReference: req.ExternalReference},
			{AccountCode: req.DestinationAccount, EntryType: models.Credit, Amount: req.Amount,
				ExternalReference: req.ExternalReference},
		},
		Reference:         req.Reference,
		ExternalReference: req.ExternalReference,
		Metadata:          req.Metadata,
		CreatedBy:         req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	updated, err := applyWalletDeltaTx(tx, wallet.WalletID, walletDelta{
		available:     req.Amount.Neg(),
		debited:       req.Amount,
		allowNegative: req.AllowNegative,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateBalanceCache(wallet.WalletID)
	return &OperationResult{Batch: batch, Wallet: updated}, nil
}

// Hold reserves part of a specialist's available balance against a pending
// obligation, moving it into the held bucket without leaving the wallet.
func (s *WalletService) Hold(req HoldRequest) (*OperationResult, error) {
	if !req.Amount.IsPositive() {
		return nil, validationErrorf("hold amount must be positive")
	}
	if req.Reference.Type == "" || req.Reference.ID == "" {
		return nil, validationErrorf("hold reference is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wallet, err := s.lockWalletTx(tx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if err := validateWalletActive(wallet); err != nil {
		return nil, err
	}
	if wallet.OwnerType != models.OwnerSpecialist {
		return nil, validationErrorf("holds are only supported on specialist wallets")
	}
	if wallet.AvailableBalance.LessThan(req.Amount) {
		return nil, ErrInsufficientFunds
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    models.CategoryWalletHold,
		Description: req.Description,
		Entries: []EntryInput{
			{AccountCode: models.AccountSpecialistWallets, EntryType: models.Debit, Amount: req.Amount,
				UserID: wallet.OwnerID, WalletID: wallet.WalletID},
			{AccountCode: models.AccountSpecialistHeld, EntryType: models.Credit, Amount: req.Amount,
				UserID: wallet.OwnerID, WalletID: wallet.WalletID},
		},
		Reference: &req.Reference,
	})
	if err != nil {
		return nil, err
	}

	updated, err := applyWalletDeltaTx(tx, wallet.WalletID, walletDelta{
		available: req.Amount.Neg(),
		held:      req.Amount,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateBalanceCache(wallet.WalletID)
	return &OperationResult{Batch: batch, Wallet: updated}, nil
}

// Release returns all funds still held for a reference to the wallet's
// available balance. The amount is the sum of the open HOLD entries, not a
// caller-supplied figure.
func (s *WalletService) Release(req ReleaseRequest) (*OperationResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wallet, err := s.lockWalletTx(tx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if err := validateWalletActive(wallet); err != nil {
		return nil, err
	}

	amount, err := s.openHeldAmountTx(tx, wallet.WalletID, req.Reference)
	if err != nil {
		return nil, err
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Release hold for %s %s", req.Reference.Type, req.Reference.ID)
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    models.CategoryWalletRelease,
		Description: description,
		Entries: []EntryInput{
			{AccountCode: models.AccountSpecialistHeld, EntryType: models.Debit, Amount: amount,
				UserID: wallet.OwnerID, WalletID: wallet.WalletID},
			{AccountCode: models.AccountSpecialistWallets, EntryType: models.Credit, Amount: amount,
				UserID: wallet.OwnerID, WalletID: wallet.WalletID},
		},
		Reference: &req.Reference,
	})
	if err != nil {
		return nil, err
	}

	updated, err := applyWalletDeltaTx(tx, wallet.WalletID, walletDelta{
		available: amount,
		held:      amount.Neg(),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateBalanceCache(wallet.WalletID)
	return &OperationResult{Batch: batch, Wallet: updated}, nil
}

// SettleHold confirms a hold: held funds leave the wallet, split between
// provider payables and platform commission.
func (s *WalletService) SettleHold(req SettleHoldRequest) (*OperationResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wallet, err := s.lockWalletTx(tx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if err := validateWalletActive(wallet); err != nil {
		return nil, err
	}

	amount, err := s.openHeldAmountTx(tx, wallet.WalletID, req.Reference)
	if err != nil {
		return nil, err
	}
	commission, net, err := commissionFor(amount, req.CommissionRate)
	if err != nil {
		return nil, err
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Settle hold for %s %s", req.Reference.Type, req.Reference.ID)
	}

	entries := []EntryInput{
		{AccountCode: models.AccountSpecialistHeld, EntryType: models.Debit, Amount: amount,
			UserID: wallet.OwnerID, WalletID: wallet.WalletID},
	}
	if net.IsPositive() {
		entries = append(entries, EntryInput{
			AccountCode: models.AccountProviderPayables, EntryType: models.Credit, Amount: net,
			UserID: wallet.OwnerID})
	}
	if commission.IsPositive() {
		entries = append(entries, EntryInput{
			AccountCode: models.AccountCommissionRevenue, EntryType: models.Credit, Amount: commission})
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    models.CategoryHoldSettle,
		Description: description,
		Entries:     entries,
		Reference:   &req.Reference,
	})
	if err != nil {
		return nil, err
	}

	updated, err := applyWalletDeltaTx(tx, wallet.WalletID, walletDelta{
		held: amount.Neg(),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateBalanceCache(wallet.WalletID)
	return &OperationResult{Batch: batch, Wallet: updated}, nil
}

// Transfer moves funds between two wallets, skimming a platform commission
// off the credited side when the rate is non-zero.
func (s *WalletService) Transfer(req TransferRequest) (*TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, validationErrorf("transfer amount must be positive")
	}
	if req.FromWalletID == req.ToWalletID {
		return nil, validationErrorf("cannot transfer a wallet to itself")
	}

	rate := s.transferCommissionRate
	if req.CommissionRate != nil {
		rate = *req.CommissionRate
	}
	commission, net, err := commissionFor(req.Amount, rate)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Lock wallets in consistent order to prevent deadlocks
	firstLock, secondLock := req.FromWalletID, req.ToWalletID
	if firstLock > secondLock {
		firstLock, secondLock = secondLock, firstLock
	}
	first, err := s.lockWalletTx(tx, firstLock)
	if err != nil {
		return nil, err
	}
	second, err := s.lockWalletTx(tx, secondLock)
	if err != nil {
		return nil, err
	}
	from, to := first, second
	if first.WalletID != req.FromWalletID {
		from, to = second, first
	}

	if err := validateWalletActive(from); err != nil {
		return nil, err
	}
	if err := validateWalletActive(to); err != nil {
		return nil, err
	}
	if from.AvailableBalance.LessThan(req.Amount) {
		return nil, ErrInsufficientFunds
	}

	fromLiability, err := liabilityAccountFor(from.OwnerType)
	if err != nil {
		return nil, err
	}
	toLiability, err := liabilityAccountFor(to.OwnerType)
	if err != nil {
		return nil, err
	}

	entries := []EntryInput{
		{AccountCode: fromLiability, EntryType: models.Debit, Amount: req.Amount,
			UserID: from.OwnerID, WalletID: from.WalletID},
	}
	// A commission that rounds to the full amount leaves nothing for the
	// recipient; entries must stay strictly positive.
	if net.IsPositive() {
		entries = append(entries, EntryInput{
			AccountCode: toLiability, EntryType: models.Credit, Amount: net,
			UserID: to.OwnerID, WalletID: to.WalletID})
	}
	if commission.IsPositive() {
		entries = append(entries, EntryInput{
			AccountCode: models.AccountCommissionRevenue, EntryType: models.Credit, Amount: commission})
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    models.CategoryWalletTransfer,
		Description: req.Description,
		Entries:     entries,
		Reference:   req.Reference,
		Metadata: &models.BatchMetadata{Transfer: &models.TransferTerms{
			FromWalletID:     from.WalletID,
			ToWalletID:       to.WalletID,
			GrossAmount:      req.Amount,
			CommissionRate:   rate,
			CommissionAmount: commission,
			NetAmount:        net,
		}},
	})
	if err != nil {
		return nil, err
	}

	fromUpdated, err := applyWalletDeltaTx(tx, from.WalletID, walletDelta{
		available: req.Amount.Neg(),
		debited:   req.Amount,
	})
	if err != nil {
		return nil, err
	}
	toUpdated, err := applyWalletDeltaTx(tx, to.WalletID, walletDelta{
		available: net,
		credited:  net,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateBalanceCache(from.WalletID)
	s.invalidateBalanceCache(to.WalletID)
	return &TransferResult{
		Batch:            batch,
		FromWallet:       fromUpdated,
		ToWallet:         toUpdated,
		CommissionAmount: commission,
		NetAmount:        net,
	}, nil
}

// AdminAdjustment credits or debits a wallet against the opening balance
// equity account. Negative adjustments may take the wallet negative; the
// authorization decision is the caller's.
func (s *WalletService) AdminAdjustment(req AdminAdjustmentRequest) (*OperationResult, error) {
	if req.Amount.IsZero() {
		return nil, validationErrorf("adjustment amount must be non-zero")
	}
	meta := &models.BatchMetadata{Adjustment: &models.AdjustmentInfo{
		AdminID: req.AdminID,
		Reason:  req.Reason,
	}}
	description := fmt.Sprintf("Admin adjustment: %s", req.Reason)

	if req.Amount.IsPositive() {
		return s.Credit(CreditRequest{
			WalletID:      req.WalletID,
			Amount:        req.Amount,
			Category:      models.CategoryAdminAdjustment,
			Description:   description,
			SourceAccount: models.AccountOpeningBalance,
			Metadata:      meta,
			CreatedBy:     req.AdminID,
		})
	}
	return s.Debit(DebitRequest{
		WalletID:           req.WalletID,
		Amount:             req.Amount.Neg(),
		Category:           models.CategoryAdminAdjustment,
		Description:        description,
		DestinationAccount: models.AccountOpeningBalance,
		AllowNegative:      true,
		Metadata:           meta,
		CreatedBy:          req.AdminID,
	})
}

// GetBalance returns the wallet's balance view, served from redis when a
// fresh cache entry exists.
func (s *WalletService) GetBalance(walletID string) (*models.WalletBalance, error) {
	key := balanceCacheKey(walletID)
	if s.redis != nil {
		if cached, err := s.redis.Get(context.Background(), key).Result(); err == nil {
			var bal models.WalletBalance
			if err := json.Unmarshal([]byte(cached), &bal); err == nil {
				return &bal, nil
			}
		}
	}

	wallet, err := s.GetWallet(walletID)
	if err != nil {
		return nil, err
	}
	bal := &models.WalletBalance{
		WalletID:  wallet.WalletID,
		Available: wallet.AvailableBalance,
		Held:      wallet.HeldBalance,
		Pending:   wallet.PendingBalance,
		Total:     wallet.TotalBalance(),
		Currency:  wallet.Currency,
		Status:    wallet.Status,
	}

	if s.redis != nil {
		if raw, err := json.Marshal(bal); err == nil {
			if err := s.redis.Set(context.Background(), key, raw, balanceCacheTTL).Err(); err != nil {
				log.Printf("[WALLET] Failed to cache balance for %s: %v", walletID, err)
			}
		}
	}
	return bal, nil
}

// GetTransactionHistory returns the wallet's ledger entries, newest first.
func (s *WalletService) GetTransactionHistory(walletID string, page, limit int, from, to *time.Time) ([]models.LedgerEntry, int, error) {
	if _, err := s.GetWallet(walletID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	where := `WHERE wallet_id = $1`
	args := []any{walletID}
	if from != nil {
		args = append(args, *from)
		where += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if to != nil {
		args = append(args, *to)
		where += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ledger_entries `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, (page-1)*limit)
	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM ledger_entries `+where+
			fmt.Sprintf(` ORDER BY created_at DESC, entry_id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

// SetWalletStatus transitions a wallet between ACTIVE, FROZEN, SUSPENDED
// and CLOSED. Closing requires a zero total balance; wallets are never
// deleted.
func (s *WalletService) SetWalletStatus(walletID string, status models.WalletStatus, reason string) (*models.UnifiedWallet, error) {
	switch status {
	case models.WalletActive, models.WalletFrozen, models.WalletSuspended, models.WalletClosed:
	default:
		return nil, validationErrorf("invalid wallet status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wallet, err := s.lockWalletTx(tx, walletID)
	if err != nil {
		return nil, err
	}
	if status == models.WalletClosed && !wallet.TotalBalance().IsZero() {
		return nil, validationErrorf("wallet %s has a non-zero balance %s", walletID, wallet.TotalBalance())
	}

	row := tx.QueryRow(`
		UPDATE unified_wallets
		SET status = $1, status_reason = $2, updated_at = $3
		WHERE wallet_id = $4
		RETURNING `+walletColumns,
		status, nullable(reason), time.Now(), walletID)
	updated, err := scanWallet(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateBalanceCache(walletID)
	log.Printf("[WALLET] Wallet %s status set to %s (%s)", walletID, status, reason)
	return updated, nil
}

// walletDelta is the signed change applied to a wallet's cached fields.
// The available guard rejects a negative outcome unless allowNegative is
// set; the held bucket can never go negative.
type walletDelta struct {
	available     decimal.Decimal
	held          decimal.Decimal
	pending       decimal.Decimal
	credited      decimal.Decimal
	debited       decimal.Decimal
	allowNegative bool
}

func applyWalletDeltaTx(tx *sql.Tx, walletID string, d walletDelta) (*models.UnifiedWallet, error) {
	row := tx.QueryRow(`
		UPDATE unified_wallets
		SET available_balance = available_balance + $1,
		    held_balance = held_balance + $2,
		    pending_balance = pending_balance + $3,
		    total_credited = total_credited + $4,
		    total_debited = total_debited + $5,
		    updated_at = $6
		WHERE wallet_id = $7
		  AND (available_balance + $1 >= 0 OR $8)
		  AND held_balance + $2 >= 0
		RETURNING `+walletColumns,
		d.available, d.held, d.pending, d.credited, d.debited,
		time.Now(), walletID, d.allowNegative)

	wallet, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// openHeldAmountTx sums what is still held for a reference: hold credits
// to the held-funds account minus any later debits (release, settle,
// reversal) against the same reference.
func (s *WalletService) openHeldAmountTx(tx *sql.Tx, walletID string, ref models.Reference) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE account_code = $1 AND wallet_id = $2
		  AND reference_type = $3 AND reference_id = $4
		  AND status = 'POSTED'`,
		models.AccountSpecialistHeld, walletID, ref.Type, ref.ID).Scan(&amount)
	if err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, notFoundErrorf("no open hold for %s %s", ref.Type, ref.ID)
	}
	return amount, nil
}

func (s *WalletService) lockWalletTx(tx *sql.Tx, walletID string) (*models.UnifiedWallet, error) {
	wallet, err := scanWallet(tx.QueryRow(
		`SELECT `+walletColumns+` FROM unified_wallets WHERE wallet_id = $1 FOR UPDATE`, walletID))
	if err == sql.ErrNoRows {
		return nil, notFoundErrorf("unknown wallet %s", walletID)
	}
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *WalletService) getWalletByOwner(ownerID string, ownerType models.OwnerType) (*models.UnifiedWallet, error) {
	wallet, err := scanWallet(s.db.QueryRow(
		`SELECT `+walletColumns+` FROM unified_wallets WHERE owner_id = $1 AND owner_type = $2`,
		ownerID, ownerType))
	if err == sql.ErrNoRows {
		return nil, notFoundErrorf("no wallet for %s %s", strings.ToLower(string(ownerType)), ownerID)
	}
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func validateWalletActive(w *models.UnifiedWallet) error {
	if w.Status != models.WalletActive {
		return validationErrorf("wallet %s is %s", w.WalletID, strings.ToLower(string(w.Status)))
	}
	return nil
}

func liabilityAccountFor(ownerType models.OwnerType) (string, error) {
	switch ownerType {
	case models.OwnerPatient:
		return models.AccountPatientWallets, nil
	case models.OwnerSpecialist:
		return models.AccountSpecialistWallets, nil
	default:
		return "", validationErrorf("unsupported owner type %q", ownerType)
	}
}

// commissionFor computes round-half-away-from-zero(amount * rate / 100) to
// two decimal places, and the net remainder. The exact rounding policy
// matters: drifting a kobo per transfer adds up.
func commissionFor(amount, rate decimal.Decimal) (commission, net decimal.Decimal, err error) {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, decimal.Zero, validationErrorf("invalid commission rate %s", rate)
	}
	commission = amount.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
	net = amount.Sub(commission)
	return commission, net, nil
}

func newWalletID() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "WLT-" + raw[:12]
}

func balanceCacheKey(walletID string) string {
	return "wallet:balance:" + walletID
}

func (s *WalletService) invalidateBalanceCache(walletID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(context.Background(), balanceCacheKey(walletID)).Err(); err != nil {
		log.Printf("[WALLET] Failed to drop balance cache for %s: %v", walletID, err)
	}
}

const walletColumns = `wallet_id, owner_id, owner_type, available_balance,
	held_balance, pending_balance, total_credited, total_debited, currency,
	status, COALESCE(status_reason, ''), COALESCE(legacy_wallet_id, ''),
	COALESCE(legacy_wallet_type, ''), migrated_at, created_at, updated_at`

func scanWallet(row rowScanner) (*models.UnifiedWallet, error) {
	var w models.UnifiedWallet
	err := row.Scan(&w.WalletID, &w.OwnerID, &w.OwnerType, &w.AvailableBalance,
		&w.HeldBalance, &w.PendingBalance, &w.TotalCredited, &w.TotalDebited,
		&w.Currency, &w.Status, &w.StatusReason, &w.LegacyWalletID,
		&w.LegacyWalletType, &w.MigratedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

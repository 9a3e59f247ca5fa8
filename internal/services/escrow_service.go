package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/telacare/backend/internal/models"
)

const settlementQueueKey = "escrow:settlements"

// EscrowService runs the appointment escrow workflow (held -> refunded or
// settled) on top of the ledger and wallet primitives. Escrow state is
// derived from which posted batches reference the appointment; there is no
// escrow table.
type EscrowService struct {
	db         *sql.DB
	redis      *redis.Client
	accounting *AccountingService
	wallets    *WalletService
}

func NewEscrowService(db *sql.DB, redisClient *redis.Client, accounting *AccountingService, wallets *WalletService) *EscrowService {
	return &EscrowService{db: db, redis: redisClient, accounting: accounting, wallets: wallets}
}

var escrowTerminalCategories = []string{
	string(models.CategoryEscrowRefund),
	string(models.CategoryEscrowSettle),
	string(models.CategoryNoShowSettle),
}

type EscrowHoldRequest struct {
	AppointmentID     string
	PatientID         string
	SpecialistID      string
	PaymentSource     string // patient_wallet or specialist_wallet
	ConsultationFee   decimal.Decimal
	PlatformFee       decimal.Decimal
	TotalAmount       decimal.Decimal
	ExternalReference string
}

// SettlementResult reports how escrowed funds were split.
type SettlementResult struct {
	Batch            *models.TransactionBatch `json:"batch"`
	SpecialistWallet *models.UnifiedWallet    `json:"specialist_wallet,omitempty"`
	SpecialistCredit decimal.Decimal          `json:"specialist_credit"`
	PlatformCredit   decimal.Decimal          `json:"platform_credit"`
	SettlementType   string                   `json:"settlement_type"`
}

// HoldAppointmentFunds moves the appointment total from the payer's wallet
// into the escrow liability account. All settlement parameters are stored
// on the hold batch; settlement reads them back, never recomputes them.
func (s *EscrowService) HoldAppointmentFunds(req EscrowHoldRequest) (*OperationResult, error) {
	if req.AppointmentID == "" {
		return nil, validationErrorf("appointment id is required")
	}
	if !req.TotalAmount.IsPositive() {
		return nil, validationErrorf("total amount must be positive")
	}
	if req.ConsultationFee.IsNegative() || req.PlatformFee.IsNegative() {
		return nil, validationErrorf("fees must not be negative")
	}
	if !req.ConsultationFee.Add(req.PlatformFee).Equal(req.TotalAmount) {
		return nil, validationErrorf("consultation fee %s + platform fee %s must equal total %s",
			req.ConsultationFee, req.PlatformFee, req.TotalAmount)
	}

	var payerID string
	var payerType models.OwnerType
	switch req.PaymentSource {
	case "patient_wallet":
		payerID, payerType = req.PatientID, models.OwnerPatient
	case "specialist_wallet":
		payerID, payerType = req.SpecialistID, models.OwnerSpecialist
	default:
		return nil, validationErrorf("unsupported payment source %q", req.PaymentSource)
	}

	payerWallet, err := s.wallets.GetOrCreateWallet(payerID, payerType)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if existing, err := s.escrowBatchTx(tx, req.AppointmentID, []string{string(models.CategoryEscrowHold)}, false); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, conflictErrorf("funds already held for appointment %s by %s", req.AppointmentID, existing.BatchID)
	}

	wallet, err := s.wallets.lockWalletTx(tx, payerWallet.WalletID)
	if err != nil {
		return nil, err
	}
	if err := validateWalletActive(wallet); err != nil {
		return nil, err
	}
	if wallet.AvailableBalance.LessThan(req.TotalAmount) {
		return nil, ErrInsufficientFunds
	}
	payerLiability, err := liabilityAccountFor(wallet.OwnerType)
	if err != nil {
		return nil, err
	}

	terms := &models.EscrowTerms{
		AppointmentID:   req.AppointmentID,
		PayerWalletID:   wallet.WalletID,
		PayerType:       wallet.OwnerType,
		PatientID:       req.PatientID,
		SpecialistID:    req.SpecialistID,
		PaymentSource:   req.PaymentSource,
		ConsultationFee: req.ConsultationFee,
		PlatformFee:     req.PlatformFee,
		TotalAmount:     req.TotalAmount,
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    models.CategoryEscrowHold,
		Description: fmt.Sprintf("Escrow hold for appointment %s", req.AppointmentID),
		Entries: []EntryInput{
			{AccountCode: payerLiability, EntryType: models.Debit, Amount: req.TotalAmount,
				UserID: wallet.OwnerID, WalletID: wallet.WalletID,
				ExternalReference: req.ExternalReference},
			{AccountCode: models.AccountAppointmentEscrow, EntryType: models.Credit, Amount: req.TotalAmount,
				ExternalReference: req.ExternalReference},
		},
		Reference:         &models.Reference{Type: models.ReferenceAppointmentEscrow, ID: req.AppointmentID},
		ExternalReference: req.ExternalReference,
		Metadata:          &models.BatchMetadata{Escrow: terms},
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErrorf("funds already held for appointment %s", req.AppointmentID)
		}
		return nil, err
	}

	updated, err := applyWalletDeltaTx(tx, wallet.WalletID, walletDelta{
		available: req.TotalAmount.Neg(),
		debited:   req.TotalAmount,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErrorf("funds already held for appointment %s", req.AppointmentID)
		}
		return nil, err
	}
	s.wallets.invalidateBalanceCache(wallet.WalletID)
	log.Printf("[ESCROW] Held %s for appointment %s in %s", req.TotalAmount, req.AppointmentID, batch.BatchID)
	return &OperationResult{Batch: batch, Wallet: updated}, nil
}

// RefundAppointmentFunds returns the full held amount to the payer. 100%
// refund; there is no partial-refund path. Second and later calls reject
// with a conflict.
func (s *EscrowService) RefundAppointmentFunds(appointmentID, reason string) (*OperationResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	hold, terms, err := s.lockHoldTx(tx, appointmentID)
	if err != nil {
		return nil, err
	}
	if err := s.rejectIfTerminalTx(tx, appointmentID); err != nil {
		return nil, err
	}

	wallet, err := s.wallets.lockWalletTx(tx, terms.PayerWalletID)
	if err != nil {
		return nil, err
	}
	if err := validateWalletActive(wallet); err != nil {
		return nil, err
	}
	payerLiability, err := liabilityAccountFor(wallet.OwnerType)
	if err != nil {
		return nil, err
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    models.CategoryEscrowRefund,
		Description: fmt.Sprintf("Escrow refund for appointment %s: %s", appointmentID, reason),
		Entries: []EntryInput{
			{AccountCode: models.AccountAppointmentEscrow, EntryType: models.Debit, Amount: terms.TotalAmount},
			{AccountCode: payerLiability, EntryType: models.Credit, Amount: terms.TotalAmount,
				UserID: wallet.OwnerID, WalletID: wallet.WalletID},
		},
		Reference: &models.Reference{Type: models.ReferenceAppointmentEscrow, ID: appointmentID},
		Metadata:  &models.BatchMetadata{Escrow: terms},
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErrorf("appointment %s escrow already processed", appointmentID)
		}
		return nil, err
	}

	updated, err := applyWalletDeltaTx(tx, wallet.WalletID, walletDelta{
		available: terms.TotalAmount,
		credited:  terms.TotalAmount,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErrorf("appointment %s escrow already processed", appointmentID)
		}
		return nil, err
	}
	s.wallets.invalidateBalanceCache(wallet.WalletID)
	log.Printf("[ESCROW] Refunded %s for appointment %s (hold %s, refund %s)",
		terms.TotalAmount, appointmentID, hold.BatchID, batch.BatchID)
	return &OperationResult{Batch: batch, Wallet: updated}, nil
}

// SettleAppointmentFunds disposes of held funds: the consultation fee goes
// to the specialist wallet and the platform fee to commission revenue. A
// no-show settles identically to a completed appointment except for the
// recorded category and description; the specialist keeps the full fee by
// policy.
func (s *EscrowService) SettleAppointmentFunds(appointmentID, settlementType string) (*SettlementResult, error) {
	var category models.BatchCategory
	var description string
	switch settlementType {
	case "completed":
		category = models.CategoryEscrowSettle
		description = fmt.Sprintf("Settlement for appointment %s", appointmentID)
	case "no_show":
		category = models.CategoryNoShowSettle
		description = fmt.Sprintf("No-show settlement for appointment %s (specialist fee retained)", appointmentID)
	default:
		return nil, validationErrorf("unsupported settlement type %q", settlementType)
	}

	// Peek at the hold terms so the specialist wallet can be created
	// outside the settlement transaction if it does not exist yet.
	peek, err := s.GetEscrowStatus(appointmentID)
	if err != nil {
		return nil, err
	}
	if peek.State == models.EscrowNotFound {
		return nil, notFoundErrorf("no escrow hold for appointment %s", appointmentID)
	}
	if peek.Terms == nil {
		return nil, fmt.Errorf("hold batch %s is missing escrow terms", peek.HoldBatch.BatchID)
	}
	specialistWallet, err := s.wallets.GetOrCreateWallet(peek.Terms.SpecialistID, models.OwnerSpecialist)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	hold, terms, err := s.lockHoldTx(tx, appointmentID)
	if err != nil {
		return nil, err
	}
	if err := s.rejectIfTerminalTx(tx, appointmentID); err != nil {
		return nil, err
	}

	wallet, err := s.wallets.lockWalletTx(tx, specialistWallet.WalletID)
	if err != nil {
		return nil, err
	}
	if err := validateWalletActive(wallet); err != nil {
		return nil, err
	}

	entries := []EntryInput{
		{AccountCode: models.AccountAppointmentEscrow, EntryType: models.Debit, Amount: terms.TotalAmount},
	}
	if terms.ConsultationFee.IsPositive() {
		entries = append(entries, EntryInput{
			AccountCode: models.AccountSpecialistWallets, EntryType: models.Credit,
			Amount: terms.ConsultationFee, UserID: wallet.OwnerID, WalletID: wallet.WalletID})
	}
	if terms.PlatformFee.IsPositive() {
		entries = append(entries, EntryInput{
			AccountCode: models.AccountCommissionRevenue, EntryType: models.Credit,
			Amount: terms.PlatformFee})
	}

	batch, err := s.accounting.CreateAndPostBatchTx(tx, BatchInput{
		Category:    category,
		Description: description,
		Entries:     entries,
		Reference:   &models.Reference{Type: models.ReferenceAppointmentEscrow, ID: appointmentID},
		Metadata:    &models.BatchMetadata{Escrow: terms},
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErrorf("appointment %s escrow already processed", appointmentID)
		}
		return nil, err
	}

	updated := wallet
	if terms.ConsultationFee.IsPositive() {
		updated, err = applyWalletDeltaTx(tx, wallet.WalletID, walletDelta{
			available: terms.ConsultationFee,
			credited:  terms.ConsultationFee,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErrorf("appointment %s escrow already processed", appointmentID)
		}
		return nil, err
	}
	s.wallets.invalidateBalanceCache(wallet.WalletID)
	log.Printf("[ESCROW] Settled appointment %s (%s): specialist %s, platform %s (hold %s, settle %s)",
		appointmentID, settlementType, terms.ConsultationFee, terms.PlatformFee, hold.BatchID, batch.BatchID)

	// Best-effort side records; settlement success never depends on them.
	s.recordSpecialistTransaction(wallet, terms, batch)
	s.queueSettlementNotification(appointmentID, settlementType, terms, batch)

	return &SettlementResult{
		Batch:            batch,
		SpecialistWallet: updated,
		SpecialistCredit: terms.ConsultationFee,
		PlatformCredit:   terms.PlatformFee,
		SettlementType:   settlementType,
	}, nil
}

// GetEscrowStatus derives the escrow state for an appointment from its
// posted batches.
func (s *EscrowService) GetEscrowStatus(appointmentID string) (*models.EscrowStatus, error) {
	status := &models.EscrowStatus{
		AppointmentID: appointmentID,
		State:         models.EscrowNotFound,
	}

	hold, err := s.escrowBatch(appointmentID, []string{string(models.CategoryEscrowHold)})
	if err != nil {
		return nil, err
	}
	if hold == nil {
		return status, nil
	}
	status.State = models.EscrowHeld
	status.HoldBatch = hold
	if hold.Metadata != nil {
		status.Terms = hold.Metadata.Escrow
	}

	terminal, err := s.escrowBatch(appointmentID, escrowTerminalCategories)
	if err != nil {
		return nil, err
	}
	if terminal != nil {
		status.SettlementBatch = terminal
		if terminal.Category == models.CategoryEscrowRefund {
			status.State = models.EscrowRefunded
		} else {
			status.State = models.EscrowSettled
		}
	}
	return status, nil
}

func (s *EscrowService) lockHoldTx(tx *sql.Tx, appointmentID string) (*models.TransactionBatch, *models.EscrowTerms, error) {
	hold, err := s.escrowBatchTx(tx, appointmentID, []string{string(models.CategoryEscrowHold)}, true)
	if err != nil {
		return nil, nil, err
	}
	if hold == nil {
		return nil, nil, notFoundErrorf("no escrow hold for appointment %s", appointmentID)
	}
	if hold.Metadata == nil || hold.Metadata.Escrow == nil {
		return nil, nil, fmt.Errorf("hold batch %s is missing escrow terms", hold.BatchID)
	}
	return hold, hold.Metadata.Escrow, nil
}

func (s *EscrowService) rejectIfTerminalTx(tx *sql.Tx, appointmentID string) error {
	terminal, err := s.escrowBatchTx(tx, appointmentID, escrowTerminalCategories, false)
	if err != nil {
		return err
	}
	if terminal == nil {
		return nil
	}
	if terminal.Category == models.CategoryEscrowRefund {
		return conflictErrorf("appointment %s escrow already refunded by %s", appointmentID, terminal.BatchID)
	}
	return conflictErrorf("appointment %s escrow already settled by %s", appointmentID, terminal.BatchID)
}

func escrowBatchQuery(forUpdate bool) string {
	q := `SELECT ` + batchColumns + ` FROM transaction_batches
		WHERE reference_type = $1 AND reference_id = $2
		  AND category = ANY($3) AND status = $4
		ORDER BY created_at
		LIMIT 1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	return q
}

func (s *EscrowService) escrowBatch(appointmentID string, categories []string) (*models.TransactionBatch, error) {
	batch, err := scanBatch(s.db.QueryRow(escrowBatchQuery(false),
		models.ReferenceAppointmentEscrow, appointmentID, pq.Array(categories), models.BatchPosted))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return batch, err
}

func (s *EscrowService) escrowBatchTx(tx *sql.Tx, appointmentID string, categories []string, forUpdate bool) (*models.TransactionBatch, error) {
	batch, err := scanBatch(tx.QueryRow(escrowBatchQuery(forUpdate),
		models.ReferenceAppointmentEscrow, appointmentID, pq.Array(categories), models.BatchPosted))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return batch, err
}

// recordSpecialistTransaction writes the denormalized earnings-feed row.
// Failures are logged and swallowed.
func (s *EscrowService) recordSpecialistTransaction(wallet *models.UnifiedWallet, terms *models.EscrowTerms, batch *models.TransactionBatch) {
	if !terms.ConsultationFee.IsPositive() {
		return
	}
	_, err := s.db.Exec(`
		INSERT INTO specialist_wallet_transactions
			(wallet_id, specialist_id, appointment_id, batch_id, amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		wallet.WalletID, terms.SpecialistID, terms.AppointmentID, batch.BatchID,
		terms.ConsultationFee, batch.Description, time.Now())
	if err != nil {
		log.Printf("[ESCROW] Failed to record specialist transaction for %s: %v", terms.AppointmentID, err)
	}
}

// queueSettlementNotification pushes a settlement event for downstream
// consumers. Failures are logged and swallowed.
func (s *EscrowService) queueSettlementNotification(appointmentID, settlementType string, terms *models.EscrowTerms, batch *models.TransactionBatch) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"appointment_id":    appointmentID,
		"settlement_type":   settlementType,
		"batch_id":          batch.BatchID,
		"specialist_id":     terms.SpecialistID,
		"specialist_credit": terms.ConsultationFee,
		"platform_credit":   terms.PlatformFee,
		"settled_at":        time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.redis.LPush(context.Background(), settlementQueueKey, payload).Err(); err != nil {
		log.Printf("[ESCROW] Failed to queue settlement notification for %s: %v", appointmentID, err)
	}
}

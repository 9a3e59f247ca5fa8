package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchCategory string

const (
	CategoryWalletCredit    BatchCategory = "WALLET_CREDIT"
	CategoryWalletDebit     BatchCategory = "WALLET_DEBIT"
	CategoryWalletHold      BatchCategory = "WALLET_HOLD"
	CategoryWalletRelease   BatchCategory = "WALLET_RELEASE"
	CategoryHoldSettle      BatchCategory = "HOLD_SETTLE"
	CategoryWalletTransfer  BatchCategory = "WALLET_TRANSFER"
	CategoryAdminAdjustment BatchCategory = "ADMIN_ADJUSTMENT"
	CategoryEscrowHold      BatchCategory = "ESCROW_HOLD"
	CategoryEscrowRefund    BatchCategory = "ESCROW_REFUND"
	CategoryEscrowSettle    BatchCategory = "ESCROW_SETTLE"
	CategoryNoShowSettle    BatchCategory = "NO_SHOW_SETTLE"
	CategoryMigration       BatchCategory = "MIGRATION"
	CategoryReversal        BatchCategory = "REVERSAL"
)

type BatchStatus string

const (
	BatchPending  BatchStatus = "PENDING"
	BatchPosted   BatchStatus = "POSTED"
	BatchReversed BatchStatus = "REVERSED"
)

type EntryStatus string

const (
	EntryPosted   EntryStatus = "POSTED"
	EntryReversed EntryStatus = "REVERSED"
)

// Reference points a batch at the business object it settles, e.g.
// {Type: "appointment_escrow", ID: "<appointment id>"}.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

const ReferenceAppointmentEscrow = "appointment_escrow"

// TransactionBatch is the atomic unit of financial change. A batch only
// mutates account and wallet balances once POSTED, and reversal always
// creates a new mirror batch rather than touching posted entries.
type TransactionBatch struct {
	BatchID           string          `json:"batch_id" db:"batch_id"`
	Category          BatchCategory   `json:"category" db:"category"`
	Description       string          `json:"description" db:"description"`
	Status            BatchStatus     `json:"status" db:"status"`
	TotalDebits       decimal.Decimal `json:"total_debits" db:"total_debits"`
	TotalCredits      decimal.Decimal `json:"total_credits" db:"total_credits"`
	EntryCount        int             `json:"entry_count" db:"entry_count"`
	Currency          string          `json:"currency" db:"currency"`
	ReferenceType     string          `json:"reference_type,omitempty" db:"reference_type"`
	ReferenceID       string          `json:"reference_id,omitempty" db:"reference_id"`
	ExternalReference string          `json:"external_reference,omitempty" db:"external_reference"`
	Metadata          *BatchMetadata  `json:"metadata,omitempty" db:"metadata"`
	ReversedByBatch   string          `json:"reversed_by_batch,omitempty" db:"reversed_by_batch"`
	ReversesBatch     string          `json:"reverses_batch,omitempty" db:"reverses_batch"`
	ReversalReason    string          `json:"reversal_reason,omitempty" db:"reversal_reason"`
	CreatedBy         string          `json:"created_by,omitempty" db:"created_by"`
	PostedAt          *time.Time      `json:"posted_at,omitempty" db:"posted_at"`
	ReversedAt        *time.Time      `json:"reversed_at,omitempty" db:"reversed_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// IsBalanced reports whether debits and credits agree within the posting
// tolerance (0.01 NGN).
func (b *TransactionBatch) IsBalanced() bool {
	return b.TotalDebits.Sub(b.TotalCredits).Abs().LessThan(decimal.New(1, -2))
}

// LedgerEntry is an immutable single-sided posting. Amounts are always
// positive; direction is carried by EntryType, never by sign.
type LedgerEntry struct {
	EntryID           string          `json:"entry_id" db:"entry_id"`
	BatchID           string          `json:"batch_id" db:"batch_id"`
	AccountCode       string          `json:"account_code" db:"account_code"`
	EntryType         BalanceSide     `json:"entry_type" db:"entry_type"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after" db:"balance_after"`
	Status            EntryStatus     `json:"status" db:"status"`
	Description       string          `json:"description,omitempty" db:"description"`
	UserID            string          `json:"user_id,omitempty" db:"user_id"`
	WalletID          string          `json:"wallet_id,omitempty" db:"wallet_id"`
	ReferenceType     string          `json:"reference_type,omitempty" db:"reference_type"`
	ReferenceID       string          `json:"reference_id,omitempty" db:"reference_id"`
	ExternalReference string          `json:"external_reference,omitempty" db:"external_reference"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// BatchMetadata is the typed per-category payload carried on a batch.
// Exactly one field is set, matching the batch category. Settlement and
// refund read hold-time terms back from here instead of recomputing them.
type BatchMetadata struct {
	Escrow         *EscrowTerms        `json:"escrow,omitempty"`
	Transfer       *TransferTerms      `json:"transfer,omitempty"`
	OpeningBalance *OpeningBalanceInfo `json:"opening_balance,omitempty"`
	Adjustment     *AdjustmentInfo     `json:"adjustment,omitempty"`
}

// EscrowTerms records everything settlement needs, captured at hold time.
type EscrowTerms struct {
	AppointmentID   string          `json:"appointment_id"`
	PayerWalletID   string          `json:"payer_wallet_id"`
	PayerType       OwnerType       `json:"payer_type"`
	PatientID       string          `json:"patient_id"`
	SpecialistID    string          `json:"specialist_id"`
	PaymentSource   string          `json:"payment_source"`
	ConsultationFee decimal.Decimal `json:"consultation_fee"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
}

type TransferTerms struct {
	FromWalletID     string          `json:"from_wallet_id"`
	ToWalletID       string          `json:"to_wallet_id"`
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	NetAmount        decimal.Decimal `json:"net_amount"`
}

type OpeningBalanceInfo struct {
	WalletCount     int             `json:"wallet_count"`
	PatientTotal    decimal.Decimal `json:"patient_total"`
	SpecialistTotal decimal.Decimal `json:"specialist_total"`
}

type AdjustmentInfo struct {
	AdminID string `json:"admin_id"`
	Reason  string `json:"reason"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OwnerType string

const (
	OwnerPatient    OwnerType = "PATIENT"
	OwnerSpecialist OwnerType = "SPECIALIST"
)

type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletFrozen    WalletStatus = "FROZEN"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletClosed    WalletStatus = "CLOSED"
)

// UnifiedWallet is a cached per-owner projection of ledger state. Balance
// fields are mutated only by the wallet service, always inside the same
// transaction as the ledger batch that justifies the change.
type UnifiedWallet struct {
	WalletID         string          `json:"wallet_id" db:"wallet_id"`
	OwnerID          string          `json:"owner_id" db:"owner_id"`
	OwnerType        OwnerType       `json:"owner_type" db:"owner_type"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	HeldBalance      decimal.Decimal `json:"held_balance" db:"held_balance"`
	PendingBalance   decimal.Decimal `json:"pending_balance" db:"pending_balance"`
	TotalCredited    decimal.Decimal `json:"total_credited" db:"total_credited"`
	TotalDebited     decimal.Decimal `json:"total_debited" db:"total_debited"`
	Currency         string          `json:"currency" db:"currency"`
	Status           WalletStatus    `json:"status" db:"status"`
	StatusReason     string          `json:"status_reason,omitempty" db:"status_reason"`
	LegacyWalletID   string          `json:"legacy_wallet_id,omitempty" db:"legacy_wallet_id"`
	LegacyWalletType string          `json:"legacy_wallet_type,omitempty" db:"legacy_wallet_type"`
	MigratedAt       *time.Time      `json:"migrated_at,omitempty" db:"migrated_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// TotalBalance is available + held + pending.
func (w *UnifiedWallet) TotalBalance() decimal.Decimal {
	return w.AvailableBalance.Add(w.HeldBalance).Add(w.PendingBalance)
}

// WalletBalance is the read shape returned by balance enquiries.
type WalletBalance struct {
	WalletID  string          `json:"wallet_id"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	Pending   decimal.Decimal `json:"pending"`
	Total     decimal.Decimal `json:"total"`
	Currency  string          `json:"currency"`
	Status    WalletStatus    `json:"status"`
}

// SpecialistWalletTransaction is a denormalized display row written on
// settlement for the specialist's earnings feed. Writing it is best-effort
// and must never fail the settlement itself.
type SpecialistWalletTransaction struct {
	ID            int             `json:"id" db:"id"`
	WalletID      string          `json:"wallet_id" db:"wallet_id"`
	SpecialistID  string          `json:"specialist_id" db:"specialist_id"`
	AppointmentID string          `json:"appointment_id" db:"appointment_id"`
	BatchID       string          `json:"batch_id" db:"batch_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Description   string          `json:"description" db:"description"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// LegacyWallet is a row from the pre-ledger wallet store, read only by the
// one-time migration.
type LegacyWallet struct {
	ID            string          `json:"id" db:"id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	OwnerType     OwnerType       `json:"owner_type" db:"owner_type"`
	WalletType    string          `json:"wallet_type" db:"wallet_type"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	TotalCredited decimal.Decimal `json:"total_credited" db:"total_credited"`
	TotalDebited  decimal.Decimal `json:"total_debited" db:"total_debited"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// BalanceSide is the side of the books an amount sits on. It doubles as the
// normal-balance marker on accounts and the direction marker on entries.
type BalanceSide string

const (
	Debit  BalanceSide = "DEBIT"
	Credit BalanceSide = "CREDIT"
)

// Account is a node in the chart of accounts. Code format is
// XXXX.XXX.XXX (category.subcategory.specific) and globally unique.
type Account struct {
	Code            string          `json:"code" db:"code"`
	Name            string          `json:"name" db:"name"`
	Type            AccountType     `json:"type" db:"type"`
	NormalBalance   BalanceSide     `json:"normal_balance" db:"normal_balance"`
	CurrentBalance  decimal.Decimal `json:"current_balance" db:"current_balance"`
	Currency        string          `json:"currency" db:"currency"`
	IsSystemAccount bool            `json:"is_system_account" db:"is_system_account"`
	Version         int             `json:"-" db:"version"` // for optimistic locking
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// System chart of accounts, seeded at boot.
const (
	AccountCashPool            = "1000.001.001"
	AccountGatewaySettlement   = "1000.002.001"
	AccountPatientWallets      = "2000.001.001"
	AccountSpecialistWallets   = "2000.002.001"
	AccountSpecialistHeld      = "2000.002.002"
	AccountAppointmentEscrow   = "2000.003.001"
	AccountProviderPayables    = "2000.004.001"
	AccountOpeningBalance      = "3000.001.001"
	AccountCommissionRevenue   = "4000.001.001"
	AccountConsultationRevenue = "4000.002.001"
	AccountGatewayFees         = "5000.001.001"
)

package services

import (
	"database/sql"
	"log"

	"github.com/telacare/backend/internal/models"
)

type seedAccount struct {
	code string
	name string
	typ  models.AccountType
}

var systemChart = []seedAccount{
	{models.AccountCashPool, "Platform Cash Pool", models.AccountTypeAsset},
	{models.AccountGatewaySettlement, "Payment Gateway Settlement", models.AccountTypeAsset},
	{models.AccountPatientWallets, "Patient Wallet Funds", models.AccountTypeLiability},
	{models.AccountSpecialistWallets, "Specialist Wallet Funds", models.AccountTypeLiability},
	{models.AccountSpecialistHeld, "Specialist Held Funds", models.AccountTypeLiability},
	{models.AccountAppointmentEscrow, "Appointment Escrow", models.AccountTypeLiability},
	{models.AccountProviderPayables, "Provider Payables", models.AccountTypeLiability},
	{models.AccountOpeningBalance, "Opening Balance Equity", models.AccountTypeEquity},
	{models.AccountCommissionRevenue, "Platform Commission Revenue", models.AccountTypeRevenue},
	{models.AccountConsultationRevenue, "Consultation Revenue", models.AccountTypeRevenue},
	{models.AccountGatewayFees, "Payment Gateway Fees", models.AccountTypeExpense},
}

// normalBalanceFor returns the side on which an account type's balance
// naturally increases.
func normalBalanceFor(t models.AccountType) models.BalanceSide {
	switch t {
	case models.AccountTypeAsset, models.AccountTypeExpense:
		return models.Debit
	default:
		return models.Credit
	}
}

// SeedSystemAccounts upserts the system chart of accounts. Safe to run on
// every boot; existing accounts are left untouched.
func (s *AccountingService) SeedSystemAccounts() error {
	seeded := 0
	for _, sa := range systemChart {
		result, err := s.db.Exec(`
			INSERT INTO accounts (code, name, type, normal_balance, current_balance, currency, is_system_account)
			VALUES ($1, $2, $3, $4, 0, 'NGN', TRUE)
			ON CONFLICT (code) DO NOTHING`,
			sa.code, sa.name, sa.typ, normalBalanceFor(sa.typ))
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			seeded++
		}
	}
	if seeded > 0 {
		log.Printf("[LEDGER] Seeded %d system accounts", seeded)
	}
	return nil
}

// CreateAccount registers a non-system account via the admin API.
func (s *AccountingService) CreateAccount(acc *models.Account) error {
	if !accountCodePattern.MatchString(acc.Code) {
		return validationErrorf("invalid account code %q, want XXXX.XXX.XXX", acc.Code)
	}
	switch acc.Type {
	case models.AccountTypeAsset, models.AccountTypeLiability, models.AccountTypeEquity,
		models.AccountTypeRevenue, models.AccountTypeExpense:
	default:
		return validationErrorf("invalid account type %q", acc.Type)
	}
	if acc.NormalBalance == "" {
		acc.NormalBalance = normalBalanceFor(acc.Type)
	}
	if acc.Currency == "" {
		acc.Currency = "NGN"
	}

	_, err := s.db.Exec(`
		INSERT INTO accounts (code, name, type, normal_balance, current_balance, currency, is_system_account)
		VALUES ($1, $2, $3, $4, 0, $5, FALSE)`,
		acc.Code, acc.Name, acc.Type, acc.NormalBalance, acc.Currency)
	if isUniqueViolation(err) {
		return conflictErrorf("account %s already exists", acc.Code)
	}
	return err
}

const accountColumns = `code, name, type, normal_balance, current_balance,
	currency, is_system_account, version, created_at, updated_at`

// GetAccount fetches one account by code.
func (s *AccountingService) GetAccount(code string) (*models.Account, error) {
	var acc models.Account
	err := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE code = $1`, code).
		Scan(&acc.Code, &acc.Name, &acc.Type, &acc.NormalBalance, &acc.CurrentBalance,
			&acc.Currency, &acc.IsSystemAccount, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFoundErrorf("unknown account code %s", code)
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// ListAccounts returns the full chart of accounts ordered by code.
func (s *AccountingService) ListAccounts() ([]models.Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var acc models.Account
		if err := rows.Scan(&acc.Code, &acc.Name, &acc.Type, &acc.NormalBalance,
			&acc.CurrentBalance, &acc.Currency, &acc.IsSystemAccount, &acc.Version,
			&acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes a non-system account with a zero balance.
func (s *AccountingService) DeleteAccount(code string) error {
	acc, err := s.GetAccount(code)
	if err != nil {
		return err
	}
	if acc.IsSystemAccount {
		return validationErrorf("account %s is a system account", code)
	}
	if !acc.CurrentBalance.IsZero() {
		return validationErrorf("account %s has a non-zero balance %s", code, acc.CurrentBalance)
	}
	_, err = s.db.Exec(`DELETE FROM accounts WHERE code = $1`, code)
	return err
}

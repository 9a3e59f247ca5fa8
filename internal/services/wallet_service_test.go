package services

import (
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/telacare/backend/internal/models"
)

var walletTestColumns = []string{
	"wallet_id", "owner_id", "owner_type", "available_balance",
	"held_balance", "pending_balance", "total_credited", "total_debited",
	"currency", "status", "status_reason", "legacy_wallet_id",
	"legacy_wallet_type", "migrated_at", "created_at", "updated_at",
}

func walletRow(walletID, ownerID string, ownerType models.OwnerType, available, held string, status models.WalletStatus) *sqlmock.Rows {
	return sqlmock.NewRows(walletTestColumns).AddRow(
		walletID, ownerID, ownerType, available, held, "0", "0", "0",
		"NGN", status, "", "", "", nil, time.Now(), time.Now())
}

func TestCommissionFor(t *testing.T) {
	tests := []struct {
		name           string
		amount         string
		rate           string
		wantCommission string
		wantNet        string
	}{
		{"ten percent", "1000", "10", "100", "900"},
		{"fractional rate", "100", "1.5", "1.5", "98.5"},
		{"rounds half away from zero", "0.01", "50", "0.01", "0"},
		{"rounds down below half", "0.01", "40", "0", "0.01"},
		{"zero rate", "250.00", "0", "0", "250.00"},
		{"full rate", "80", "100", "80", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commission, net, err := commissionFor(dec(tt.amount), dec(tt.rate))
			assert.NoError(t, err)
			assert.True(t, commission.Equal(dec(tt.wantCommission)), "commission %s, want %s", commission, tt.wantCommission)
			assert.True(t, net.Equal(dec(tt.wantNet)), "net %s, want %s", net, tt.wantNet)
		})
	}

	t.Run("negative rate rejected", func(t *testing.T) {
		_, _, err := commissionFor(dec("100"), dec("-1"))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("rate above 100 rejected", func(t *testing.T) {
		_, _, err := commissionFor(dec("100"), dec("100.5"))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestNewWalletID(t *testing.T) {
	pattern := regexp.MustCompile(`^WLT-[0-9A-F]{12}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := newWalletID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate wallet id %s", id)
		seen[id] = true
	}
}

func TestLiabilityAccountFor(t *testing.T) {
	code, err := liabilityAccountFor(models.OwnerPatient)
	assert.NoError(t, err)
	assert.Equal(t, models.AccountPatientWallets, code)

	code, err = liabilityAccountFor(models.OwnerSpecialist)
	assert.NoError(t, err)
	assert.Equal(t, models.AccountSpecialistWallets, code)

	_, err = liabilityAccountFor(models.OwnerType("ROBOT"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWalletService_Credit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil, NewAccountingService(db), decimal.Zero)

	t.Run("successful credit", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "50.00", "0", models.WalletActive))

		mock.ExpectQuery("SELECT code, normal_balance, current_balance, version").
			WillReturnRows(accountLockRows(
				[4]any{models.AccountCashPool, "DEBIT", "10000.00", 5},
				[4]any{models.AccountPatientWallets, "CREDIT", "10000.00", 5},
			))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("TB", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(1))
		mock.ExpectExec("INSERT INTO transaction_batches").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("LE", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("LE", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(2))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "250.00", "0", models.WalletActive))

		mock.ExpectCommit()

		result, err := service.Credit(CreditRequest{
			WalletID:    "WLT-AAAAAAAAAAAA",
			Amount:      dec("200.00"),
			Description: "Card top up",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, models.CategoryWalletCredit, result.Batch.Category)
		assert.True(t, result.Wallet.AvailableBalance.Equal(dec("250.00")))
	})

	t.Run("frozen wallet rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-BBBBBBBBBBBB").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "patient-2", models.OwnerPatient, "50.00", "0", models.WalletFrozen))
		mock.ExpectRollback()

		_, err := service.Credit(CreditRequest{
			WalletID: "WLT-BBBBBBBBBBBB",
			Amount:   dec("10.00"),
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "frozen")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected without touching the database", func(t *testing.T) {
		_, err := service.Credit(CreditRequest{
			WalletID: "WLT-AAAAAAAAAAAA",
			Amount:   dec("-5"),
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_Debit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil, NewAccountingService(db), decimal.Zero)

	t.Run("insufficient balance rejects before posting", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "50.00", "0", models.WalletActive))
		mock.ExpectRollback()

		_, err := service.Debit(DebitRequest{
			WalletID: "WLT-AAAAAAAAAAAA",
			Amount:   dec("100.00"),
		})
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.ErrorIs(t, err, ErrValidation)
		// No ledger inserts were expected, so any write would fail the mock.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown wallet", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-CCCCCCCCCCCC").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Debit(DebitRequest{
			WalletID: "WLT-CCCCCCCCCCCC",
			Amount:   dec("10.00"),
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWalletService_Hold(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil, NewAccountingService(db), decimal.Zero)

	t.Run("patient wallets cannot hold", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "500.00", "0", models.WalletActive))
		mock.ExpectRollback()

		_, err := service.Hold(HoldRequest{
			WalletID:  "WLT-AAAAAAAAAAAA",
			Amount:    dec("100.00"),
			Reference: models.Reference{Type: "payout", ID: "p-1"},
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "specialist")
	})

	t.Run("missing reference rejected", func(t *testing.T) {
		_, err := service.Hold(HoldRequest{
			WalletID: "WLT-DDDDDDDDDDDD",
			Amount:   dec("100.00"),
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestWalletService_Release(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil, NewAccountingService(db), decimal.Zero)

	t.Run("release returns the open held amount", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-BBBBBBBBBBBB").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "100.00", "300.00", models.WalletActive))
		mock.ExpectQuery("SELECT COALESCE").
			WithArgs(models.AccountSpecialistHeld, "WLT-BBBBBBBBBBBB", "payout", "p-1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("300.00"))

		mock.ExpectQuery("SELECT code, normal_balance, current_balance, version").
			WillReturnRows(accountLockRows(
				[4]any{models.AccountSpecialistWallets, "CREDIT", "900.00", 2},
				[4]any{models.AccountSpecialistHeld, "CREDIT", "300.00", 2},
			))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("TB", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(4))
		mock.ExpectExec("INSERT INTO transaction_batches").
			WillReturnResult(sqlmock.NewResult(1, 1))
		for i := int64(8); i < 10; i++ {
			mock.ExpectQuery("INSERT INTO id_sequences").
				WithArgs("LE", sqlmock.AnyArg()).
				WillReturnRows(sequenceRows(i))
			mock.ExpectExec("INSERT INTO ledger_entries").
				WillReturnResult(sqlmock.NewResult(1, 1))
		}
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "400.00", "0", models.WalletActive))

		mock.ExpectCommit()

		result, err := service.Release(ReleaseRequest{
			WalletID:  "WLT-BBBBBBBBBBBB",
			Reference: models.Reference{Type: "payout", ID: "p-1"},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, models.CategoryWalletRelease, result.Batch.Category)
		assert.True(t, result.Batch.TotalDebits.Equal(dec("300.00")))
		assert.True(t, result.Wallet.AvailableBalance.Equal(dec("400.00")))
		assert.True(t, result.Wallet.HeldBalance.IsZero())
	})

	t.Run("nothing held for the reference", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-BBBBBBBBBBBB").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "100.00", "0", models.WalletActive))
		mock.ExpectQuery("SELECT COALESCE").
			WithArgs(models.AccountSpecialistHeld, "WLT-BBBBBBBBBBBB", "payout", "p-9").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("0"))
		mock.ExpectRollback()

		_, err := service.Release(ReleaseRequest{
			WalletID:  "WLT-BBBBBBBBBBBB",
			Reference: models.Reference{Type: "payout", ID: "p-9"},
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_SettleHold(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil, NewAccountingService(db), decimal.Zero)

	t.Run("settlement splits payables and commission", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-BBBBBBBBBBBB").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "0", "300.00", models.WalletActive))
		mock.ExpectQuery("SELECT COALESCE").
			WithArgs(models.AccountSpecialistHeld, "WLT-BBBBBBBBBBBB", "payout", "p-1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("300.00"))

		mock.ExpectQuery("SELECT code, normal_balance, current_balance, version").
			WillReturnRows(accountLockRows(
				[4]any{models.AccountSpecialistHeld, "CREDIT", "300.00", 3},
				[4]any{models.AccountProviderPayables, "CREDIT", "0.00", 1},
				[4]any{models.AccountCommissionRevenue, "CREDIT", "80.00", 4},
			))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("TB", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(5))
		mock.ExpectExec("INSERT INTO transaction_batches").
			WillReturnResult(sqlmock.NewResult(1, 1))
		for i := int64(10); i < 13; i++ {
			mock.ExpectQuery("INSERT INTO id_sequences").
				WithArgs("LE", sqlmock.AnyArg()).
				WillReturnRows(sequenceRows(i))
			mock.ExpectExec("INSERT INTO ledger_entries").
				WillReturnResult(sqlmock.NewResult(1, 1))
		}
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "0", "0", models.WalletActive))

		mock.ExpectCommit()

		result, err := service.SettleHold(SettleHoldRequest{
			WalletID:       "WLT-BBBBBBBBBBBB",
			Reference:      models.Reference{Type: "payout", ID: "p-1"},
			CommissionRate: dec("10"),
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, models.CategoryHoldSettle, result.Batch.Category)
		assert.Equal(t, 3, result.Batch.EntryCount)
		assert.True(t, result.Batch.TotalDebits.Equal(dec("300.00")))
		assert.True(t, result.Batch.TotalCredits.Equal(dec("300.00")))
		assert.True(t, result.Wallet.HeldBalance.IsZero())
	})
}

func TestWalletService_Transfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil, NewAccountingService(db), decimal.Zero)

	t.Run("commission is skimmed off the credited side", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "500.00", "0", models.WalletActive))
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-BBBBBBBBBBBB").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "0", "0", models.WalletActive))

		mock.ExpectQuery("SELECT code, normal_balance, current_balance, version").
			WillReturnRows(accountLockRows(
				[4]any{models.AccountPatientWallets, "CREDIT", "500.00", 2},
				[4]any{models.AccountSpecialistWallets, "CREDIT", "900.00", 2},
				[4]any{models.AccountCommissionRevenue, "CREDIT", "80.00", 2},
			))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("TB", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(3))
		mock.ExpectExec("INSERT INTO transaction_batches").
			WillReturnResult(sqlmock.NewResult(1, 1))
		for i := int64(5); i < 8; i++ {
			mock.ExpectQuery("INSERT INTO id_sequences").
				WithArgs("LE", sqlmock.AnyArg()).
				WillReturnRows(sequenceRows(i))
			mock.ExpectExec("INSERT INTO ledger_entries").
				WillReturnResult(sqlmock.NewResult(1, 1))
		}
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "400.00", "0", models.WalletActive))
		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "90.00", "0", models.WalletActive))

		mock.ExpectCommit()

		rate := dec("10")
		result, err := service.Transfer(TransferRequest{
			FromWalletID:   "WLT-AAAAAAAAAAAA",
			ToWalletID:     "WLT-BBBBBBBBBBBB",
			Amount:         dec("100.00"),
			CommissionRate: &rate,
			Description:    "Consultation payment",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, models.CategoryWalletTransfer, result.Batch.Category)
		assert.True(t, result.CommissionAmount.Equal(dec("10.00")))
		assert.True(t, result.NetAmount.Equal(dec("90.00")))
		assert.True(t, result.Batch.TotalDebits.Equal(dec("100.00")))
		assert.True(t, result.Batch.TotalCredits.Equal(dec("100.00")))
		assert.True(t, result.FromWallet.AvailableBalance.Equal(dec("400.00")))
		assert.True(t, result.ToWallet.AvailableBalance.Equal(dec("90.00")))
	})

	t.Run("commission consuming the whole amount still posts", func(t *testing.T) {
		// 0.01 at a 50% rate rounds the commission up to the full amount:
		// the batch is the debit plus the commission credit, with no
		// recipient entry and no recipient balance change.
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "10.00", "0", models.WalletActive))
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-BBBBBBBBBBBB").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "5.00", "0", models.WalletActive))

		mock.ExpectQuery("SELECT code, normal_balance, current_balance, version").
			WillReturnRows(accountLockRows(
				[4]any{models.AccountPatientWallets, "CREDIT", "500.00", 3},
				[4]any{models.AccountCommissionRevenue, "CREDIT", "90.00", 3},
			))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("TB", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(4))
		mock.ExpectExec("INSERT INTO transaction_batches").
			WillReturnResult(sqlmock.NewResult(1, 1))
		for i := int64(8); i < 10; i++ {
			mock.ExpectQuery("INSERT INTO id_sequences").
				WithArgs("LE", sqlmock.AnyArg()).
				WillReturnRows(sequenceRows(i))
			mock.ExpectExec("INSERT INTO ledger_entries").
				WillReturnResult(sqlmock.NewResult(1, 1))
		}
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "9.99", "0", models.WalletActive))
		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "5.00", "0", models.WalletActive))

		mock.ExpectCommit()

		rate := dec("50")
		result, err := service.Transfer(TransferRequest{
			FromWalletID:   "WLT-AAAAAAAAAAAA",
			ToWalletID:     "WLT-BBBBBBBBBBBB",
			Amount:         dec("0.01"),
			CommissionRate: &rate,
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, 2, result.Batch.EntryCount)
		assert.True(t, result.CommissionAmount.Equal(dec("0.01")))
		assert.True(t, result.NetAmount.IsZero())
		assert.True(t, result.Batch.TotalDebits.Equal(dec("0.01")))
		assert.True(t, result.Batch.TotalCredits.Equal(dec("0.01")))
		assert.True(t, result.ToWallet.AvailableBalance.Equal(dec("5.00")))
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		_, err := service.Transfer(TransferRequest{
			FromWalletID: "WLT-AAAAAAAAAAAA",
			ToWalletID:   "WLT-AAAAAAAAAAAA",
			Amount:       dec("10.00"),
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_GetBalance(t *testing.T) {
	t.Run("cache hit skips the database", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		service := NewWalletService(db, redisClient, NewAccountingService(db), decimal.Zero)

		cached := models.WalletBalance{
			WalletID:  "WLT-AAAAAAAAAAAA",
			Available: dec("120.00"),
			Held:      dec("30.00"),
			Pending:   decimal.Zero,
			Total:     dec("150.00"),
			Currency:  "NGN",
			Status:    models.WalletActive,
		}
		raw, err := json.Marshal(&cached)
		assert.NoError(t, err)

		redisMock.ExpectGet("wallet:balance:WLT-AAAAAAAAAAAA").SetVal(string(raw))

		bal, err := service.GetBalance("WLT-AAAAAAAAAAAA")
		assert.NoError(t, err)
		assert.True(t, bal.Available.Equal(dec("120.00")))
		assert.True(t, bal.Total.Equal(dec("150.00")))
		assert.NoError(t, redisMock.ExpectationsWereMet())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("cache miss reads the wallet and caches it", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		service := NewWalletService(db, redisClient, NewAccountingService(db), decimal.Zero)

		redisMock.ExpectGet("wallet:balance:WLT-AAAAAAAAAAAA").RedisNil()

		dbMock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "120.00", "30.00", models.WalletActive))

		expected := models.WalletBalance{
			WalletID:  "WLT-AAAAAAAAAAAA",
			Available: dec("120.00"),
			Held:      dec("30.00"),
			Pending:   dec("0"),
			Total:     dec("150.00"),
			Currency:  "NGN",
			Status:    models.WalletActive,
		}
		expectedRaw, err := json.Marshal(&expected)
		assert.NoError(t, err)
		redisMock.ExpectSet("wallet:balance:WLT-AAAAAAAAAAAA", expectedRaw, balanceCacheTTL).SetVal("OK")

		bal, err := service.GetBalance("WLT-AAAAAAAAAAAA")
		assert.NoError(t, err)
		assert.True(t, bal.Total.Equal(dec("150.00")))
		assert.NoError(t, redisMock.ExpectationsWereMet())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestWalletService_SetWalletStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil, NewAccountingService(db), decimal.Zero)

	t.Run("close requires zero balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "10.00", "0", models.WalletActive))
		mock.ExpectRollback()

		_, err := service.SetWalletStatus("WLT-AAAAAAAAAAAA", models.WalletClosed, "account closure")
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "non-zero balance")
	})

	t.Run("freeze succeeds", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "10.00", "0", models.WalletActive))
		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "10.00", "0", models.WalletFrozen))
		mock.ExpectCommit()

		wallet, err := service.SetWalletStatus("WLT-AAAAAAAAAAAA", models.WalletFrozen, "fraud review")
		assert.NoError(t, err)
		assert.Equal(t, models.WalletFrozen, wallet.Status)
	})

	t.Run("invalid status", func(t *testing.T) {
		_, err := service.SetWalletStatus("WLT-AAAAAAAAAAAA", models.WalletStatus("PAUSED"), "")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestWalletService_AdminAdjustment(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil, NewAccountingService(db), decimal.Zero)

	t.Run("zero amount rejected", func(t *testing.T) {
		_, err := service.AdminAdjustment(AdminAdjustmentRequest{
			WalletID: "WLT-AAAAAAAAAAAA",
			Amount:   decimal.Zero,
			Reason:   "noop",
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

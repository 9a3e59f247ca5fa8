package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/telacare/backend/internal/models"
)

func escrowTermsJSON(t *testing.T, appointmentID, payerWalletID string, consultation, platform, total string) []byte {
	t.Helper()
	raw, err := json.Marshal(&models.BatchMetadata{Escrow: &models.EscrowTerms{
		AppointmentID:   appointmentID,
		PayerWalletID:   payerWalletID,
		PayerType:       models.OwnerPatient,
		PatientID:       "patient-1",
		SpecialistID:    "specialist-1",
		PaymentSource:   "patient_wallet",
		ConsultationFee: dec(consultation),
		PlatformFee:     dec(platform),
		TotalAmount:     dec(total),
	}})
	assert.NoError(t, err)
	return raw
}

func escrowBatchRow(batchID string, category models.BatchCategory, metadata []byte) *sqlmock.Rows {
	return sqlmock.NewRows(batchTestColumns).AddRow(
		batchID, category, "escrow", models.BatchPosted,
		"300.00", "300.00", 2, "NGN", models.ReferenceAppointmentEscrow, "appt-1",
		"", metadata, "", "", "", "", time.Now(), nil, time.Now())
}

func newEscrowService(db *sql.DB) *EscrowService {
	accounting := NewAccountingService(db)
	wallets := NewWalletService(db, nil, accounting, decimal.Zero)
	return NewEscrowService(db, nil, accounting, wallets)
}

func TestEscrowService_HoldAppointmentFunds_Validation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newEscrowService(db)

	base := EscrowHoldRequest{
		AppointmentID:   "appt-1",
		PatientID:       "patient-1",
		SpecialistID:    "specialist-1",
		PaymentSource:   "patient_wallet",
		ConsultationFee: dec("250.00"),
		PlatformFee:     dec("50.00"),
		TotalAmount:     dec("300.00"),
	}

	t.Run("fees must sum to the total", func(t *testing.T) {
		req := base
		req.PlatformFee = dec("60.00")
		_, err := service.HoldAppointmentFunds(req)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "must equal total")
	})

	t.Run("missing appointment id", func(t *testing.T) {
		req := base
		req.AppointmentID = ""
		_, err := service.HoldAppointmentFunds(req)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unsupported payment source", func(t *testing.T) {
		req := base
		req.PaymentSource = "bank_transfer"
		_, err := service.HoldAppointmentFunds(req)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("non-positive total", func(t *testing.T) {
		req := base
		req.ConsultationFee = decimal.Zero
		req.PlatformFee = decimal.Zero
		req.TotalAmount = decimal.Zero
		_, err := service.HoldAppointmentFunds(req)
		assert.ErrorIs(t, err, ErrValidation)
	})

	// None of the rejections above may touch the database.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowService_GetEscrowStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newEscrowService(db)

	t.Run("no hold means not found state", func(t *testing.T) {
		mock.ExpectQuery("category = ANY").
			WillReturnError(sql.ErrNoRows)

		status, err := service.GetEscrowStatus("appt-1")
		assert.NoError(t, err)
		assert.Equal(t, models.EscrowNotFound, status.State)
		assert.Nil(t, status.HoldBatch)
	})

	t.Run("open hold", func(t *testing.T) {
		meta := escrowTermsJSON(t, "appt-1", "WLT-AAAAAAAAAAAA", "250.00", "50.00", "300.00")
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000001", models.CategoryEscrowHold, meta))
		mock.ExpectQuery("category = ANY").
			WillReturnError(sql.ErrNoRows)

		status, err := service.GetEscrowStatus("appt-1")
		assert.NoError(t, err)
		assert.Equal(t, models.EscrowHeld, status.State)
		assert.NotNil(t, status.Terms)
		assert.True(t, status.Terms.TotalAmount.Equal(dec("300.00")))
		assert.Equal(t, "specialist-1", status.Terms.SpecialistID)
	})

	t.Run("refunded", func(t *testing.T) {
		meta := escrowTermsJSON(t, "appt-1", "WLT-AAAAAAAAAAAA", "250.00", "50.00", "300.00")
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000001", models.CategoryEscrowHold, meta))
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000002", models.CategoryEscrowRefund, meta))

		status, err := service.GetEscrowStatus("appt-1")
		assert.NoError(t, err)
		assert.Equal(t, models.EscrowRefunded, status.State)
		assert.NotNil(t, status.SettlementBatch)
	})

	t.Run("no-show settlement counts as settled", func(t *testing.T) {
		meta := escrowTermsJSON(t, "appt-1", "WLT-AAAAAAAAAAAA", "250.00", "50.00", "300.00")
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000001", models.CategoryEscrowHold, meta))
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000003", models.CategoryNoShowSettle, meta))

		status, err := service.GetEscrowStatus("appt-1")
		assert.NoError(t, err)
		assert.Equal(t, models.EscrowSettled, status.State)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowService_RefundAppointmentFunds(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newEscrowService(db)

	t.Run("second disposition conflicts", func(t *testing.T) {
		meta := escrowTermsJSON(t, "appt-1", "WLT-AAAAAAAAAAAA", "250.00", "50.00", "300.00")

		mock.ExpectBegin()
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000001", models.CategoryEscrowHold, meta))
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000002", models.CategoryEscrowSettle, meta))
		mock.ExpectRollback()

		_, err := service.RefundAppointmentFunds("appt-1", "patient cancelled")
		assert.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, err.Error(), "already settled")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing hold", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("category = ANY").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.RefundAppointmentFunds("appt-2", "patient cancelled")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("refund returns the full held amount", func(t *testing.T) {
		meta := escrowTermsJSON(t, "appt-1", "WLT-AAAAAAAAAAAA", "250.00", "50.00", "300.00")

		mock.ExpectBegin()
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000001", models.CategoryEscrowHold, meta))
		mock.ExpectQuery("category = ANY").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-AAAAAAAAAAAA").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "0", "0", models.WalletActive))

		mock.ExpectQuery("SELECT code, normal_balance, current_balance, version").
			WillReturnRows(accountLockRows(
				[4]any{models.AccountPatientWallets, "CREDIT", "700.00", 3},
				[4]any{models.AccountAppointmentEscrow, "CREDIT", "300.00", 3},
			))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("TB", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(2))
		mock.ExpectExec("INSERT INTO transaction_batches").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("LE", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(3))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("LE", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(4))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("UPDATE unified_wallets").
			WillReturnRows(walletRow("WLT-AAAAAAAAAAAA", "patient-1", models.OwnerPatient, "300.00", "0", models.WalletActive))

		mock.ExpectCommit()

		result, err := service.RefundAppointmentFunds("appt-1", "patient cancelled")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, models.CategoryEscrowRefund, result.Batch.Category)
		assert.True(t, result.Batch.TotalDebits.Equal(dec("300.00")))
		assert.True(t, result.Wallet.AvailableBalance.Equal(dec("300.00")))
		assert.Contains(t, result.Batch.Description, "patient cancelled")
	})
}

func TestEscrowService_SettleAppointmentFunds_Validation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newEscrowService(db)

	t.Run("unsupported settlement type", func(t *testing.T) {
		_, err := service.SettleAppointmentFunds("appt-1", "rescheduled")
		assert.ErrorIs(t, err, ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("settling an unknown appointment", func(t *testing.T) {
		mock.ExpectQuery("category = ANY").
			WillReturnError(sql.ErrNoRows)

		_, err := service.SettleAppointmentFunds("appt-9", "completed")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEscrowService_SettleAppointmentFunds(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newEscrowService(db)

	// The mocked flow is identical for both settlement types; only the
	// recorded category and description differ.
	expectSettlement := func(meta []byte) {
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000001", models.CategoryEscrowHold, meta))
		mock.ExpectQuery("category = ANY").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("FROM unified_wallets WHERE owner_id").
			WithArgs("specialist-1", models.OwnerSpecialist).
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "0", "0", models.WalletActive))

		mock.ExpectBegin()
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000001", models.CategoryEscrowHold, meta))
		mock.ExpectQuery("category = ANY").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("FROM unified_wallets WHERE wallet_id").
			WithArgs("WLT-BBBBBBBBBBBB").
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "0", "0", models.WalletActive))

		mock.ExpectQuery("SELECT code, normal_balance, current_balance, version").
			WillReturnRows(accountLockRows(
				[4]any{models.AccountSpecialistWallets, "CREDIT", "900.00", 2},
				[4]any{models.AccountAppointmentEscrow, "CREDIT", "300.00", 5},
				[4]any{models.AccountCommissionRevenue, "CREDIT", "80.00", 2},
			))
		mock.ExpectQuery("INSERT INTO id_sequences").
			WithArgs("TB", sqlmock.AnyArg()).
			WillReturnRows(sequenceRows(6))
		mock.ExpectExec("INSERT INTO transaction_batches").
			WillReturnResult(sqlmock.NewResult(1, 1))
		for i := int64(7); i < 10; i++ {
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
			WillReturnRows(walletRow("WLT-BBBBBBBBBBBB", "specialist-1", models.OwnerSpecialist, "250.00", "0", models.WalletActive))

		mock.ExpectCommit()

		mock.ExpectExec("INSERT INTO specialist_wallet_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}

	t.Run("completed settlement splits specialist and platform", func(t *testing.T) {
		meta := escrowTermsJSON(t, "appt-1", "WLT-AAAAAAAAAAAA", "250.00", "50.00", "300.00")
		expectSettlement(meta)

		result, err := service.SettleAppointmentFunds("appt-1", "completed")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, models.CategoryEscrowSettle, result.Batch.Category)
		assert.Equal(t, "completed", result.SettlementType)
		assert.True(t, result.SpecialistCredit.Equal(dec("250.00")))
		assert.True(t, result.PlatformCredit.Equal(dec("50.00")))
		// The split never creates or destroys money.
		assert.True(t, result.SpecialistCredit.Add(result.PlatformCredit).Equal(dec("300.00")))
		assert.True(t, result.Batch.TotalDebits.Equal(dec("300.00")))
		assert.True(t, result.Batch.TotalCredits.Equal(dec("300.00")))
		assert.True(t, result.SpecialistWallet.AvailableBalance.Equal(dec("250.00")))
	})

	t.Run("no-show pays the specialist the full consultation fee", func(t *testing.T) {
		meta := escrowTermsJSON(t, "appt-1", "WLT-AAAAAAAAAAAA", "250.00", "50.00", "300.00")
		expectSettlement(meta)

		result, err := service.SettleAppointmentFunds("appt-1", "no_show")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, models.CategoryNoShowSettle, result.Batch.Category)
		assert.Equal(t, "no_show", result.SettlementType)
		assert.True(t, result.SpecialistCredit.Equal(dec("250.00")))
		assert.True(t, result.SpecialistCredit.Add(result.PlatformCredit).Equal(dec("300.00")))
	})

	t.Run("hold without stored terms cannot settle", func(t *testing.T) {
		mock.ExpectQuery("category = ANY").
			WillReturnRows(escrowBatchRow("TB-20260830-000001", models.CategoryEscrowHold, nil))
		mock.ExpectQuery("category = ANY").
			WillReturnError(sql.ErrNoRows)

		_, err := service.SettleAppointmentFunds("appt-1", "completed")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing escrow terms")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIsUniqueViolation(t *testing.T) {
	t.Run("pq unique violation", func(t *testing.T) {
		assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	})
	t.Run("wrapped pq unique violation", func(t *testing.T) {
		err := fmt.Errorf("insert hold: %w", &pq.Error{Code: "23505"})
		assert.True(t, isUniqueViolation(err))
	})
	t.Run("other pq error", func(t *testing.T) {
		assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	})
	t.Run("nil and plain errors", func(t *testing.T) {
		assert.False(t, isUniqueViolation(nil))
		assert.False(t, isUniqueViolation(fmt.Errorf("boom")))
	})
}

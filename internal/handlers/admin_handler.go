package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/telacare/backend/internal/middleware"
	"github.com/telacare/backend/internal/models"
	"github.com/telacare/backend/internal/services"
)

// AdminHandler exposes the operational surface: chart-of-accounts
// management, batch reversal, balance recalculation, wallet status and
// adjustments, and the one-time migration. Routes using it sit behind the
// admin identity middleware.
type AdminHandler struct {
	accounting *services.AccountingService
	wallets    *services.WalletService
	migration  *services.MigrationService
	validator  *services.ValidationHelper
}

func NewAdminHandler(accounting *services.AccountingService, wallets *services.WalletService, migration *services.MigrationService) *AdminHandler {
	return &AdminHandler{
		accounting: accounting,
		wallets:    wallets,
		migration:  migration,
		validator:  services.NewValidationHelper(),
	}
}

// AdjustWallet credits or debits a wallet against opening balance equity
// @Summary Admin wallet adjustment
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param walletId path string true "Wallet ID"
// @Param request body object{amount=number,reason=string} true "Signed adjustment"
// @Success 201 {object} services.OperationResult
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/wallets/{walletId}/adjustment [post]
func (h *AdminHandler) AdjustWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Reason string          `json:"reason" validate:"required"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.wallets.AdminAdjustment(services.AdminAdjustmentRequest{
		WalletID: chi.URLParam(r, "walletId"),
		Amount:   req.Amount,
		Reason:   req.Reason,
		AdminID:  middleware.AdminID(r),
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// SetWalletStatus freezes, unfreezes, suspends or closes a wallet
// @Summary Set wallet status
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param walletId path string true "Wallet ID"
// @Param request body object{status=string,reason=string} true "Target status"
// @Success 200 {object} models.UnifiedWallet
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/wallets/{walletId}/status [put]
func (h *AdminHandler) SetWalletStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status" validate:"required,oneof=ACTIVE FROZEN SUSPENDED CLOSED"`
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	wallet, err := h.wallets.SetWalletStatus(chi.URLParam(r, "walletId"), models.WalletStatus(req.Status), req.Reason)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, wallet)
}

// CreateAccount registers a new chart-of-accounts entry
// @Summary Create an account
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{code=string,name=string,type=string} true "Account"
// @Success 201 {object} models.Account
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/accounts [post]
func (h *AdminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code          string `json:"code" validate:"required,account_code"`
		Name          string `json:"name" validate:"required"`
		Type          string `json:"type" validate:"required,oneof=ASSET LIABILITY EQUITY REVENUE EXPENSE"`
		NormalBalance string `json:"normal_balance" validate:"omitempty,oneof=DEBIT CREDIT"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	acc := &models.Account{
		Code:          req.Code,
		Name:          req.Name,
		Type:          models.AccountType(req.Type),
		NormalBalance: models.BalanceSide(req.NormalBalance),
	}
	if err := h.accounting.CreateAccount(acc); err != nil {
		services.SendServiceError(w, err)
		return
	}
	created, err := h.accounting.GetAccount(req.Code)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, created)
}

// ListAccounts returns the chart of accounts
// @Summary List accounts
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Account
// @Router /admin/accounts [get]
func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounting.ListAccounts()
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, accounts)
}

// GetAccount returns one account
// @Summary Get an account
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param code path string true "Account code"
// @Success 200 {object} models.Account
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/accounts/{code} [get]
func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounting.GetAccount(chi.URLParam(r, "code"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, account)
}

// DeleteAccount removes a non-system account with zero balance
// @Summary Delete an account
// @Tags admin
// @Security BearerAuth
// @Param code path string true "Account code"
// @Success 204
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/accounts/{code} [delete]
func (h *AdminHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounting.DeleteAccount(chi.URLParam(r, "code")); err != nil {
		services.SendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecalculateBalance re-derives an account balance from its entries
// @Summary Recalculate an account balance
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param code path string true "Account code"
// @Success 200 {object} object{code=string,balance=number}
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/accounts/{code}/recalculate [post]
func (h *AdminHandler) RecalculateBalance(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	balance, err := h.accounting.RecalculateAccountBalance(code)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"code":    code,
		"balance": balance,
	})
}

// GetBatch returns a batch and its entries
// @Summary Get a transaction batch
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param batchId path string true "Batch ID"
// @Success 200 {object} object{batch=models.TransactionBatch,entries=[]models.LedgerEntry}
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/batches/{batchId} [get]
func (h *AdminHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")
	batch, err := h.accounting.GetBatch(batchID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	entries, err := h.accounting.GetBatchEntries(batchID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"batch":   batch,
		"entries": entries,
	})
}

// ReverseBatch posts a mirror batch undoing a posted batch
// @Summary Reverse a transaction batch
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param batchId path string true "Batch ID"
// @Param request body object{reason=string} true "Reversal reason"
// @Success 201 {object} models.TransactionBatch
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/batches/{batchId}/reverse [post]
func (h *AdminHandler) ReverseBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"required"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	reversal, err := h.accounting.ReverseBatch(chi.URLParam(r, "batchId"), req.Reason)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, reversal)
}

// MigrationStatus reports whether the legacy migration has run
// @Summary Get migration status
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{complete=bool}
// @Router /admin/migration [get]
func (h *AdminHandler) MigrationStatus(w http.ResponseWriter, r *http.Request) {
	complete, err := h.migration.IsMigrationComplete()
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"complete": complete})
}

// RunMigration imports legacy wallet balances into the ledger
// @Summary Run the legacy wallet migration
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 201 {object} services.MigrationResult
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/migration/run [post]
func (h *AdminHandler) RunMigration(w http.ResponseWriter, r *http.Request) {
	result, err := h.migration.RunMigration()
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// VerifyMigration compares legacy and migrated totals
// @Summary Verify the legacy wallet migration
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.MigrationVerification
// @Router /admin/migration/verify [get]
func (h *AdminHandler) VerifyMigration(w http.ResponseWriter, r *http.Request) {
	verification, err := h.migration.VerifyMigration()
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, verification)
}

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/telacare/backend/internal/models"
	"github.com/telacare/backend/internal/services"
)

type WalletHandler struct {
	service   *services.WalletService
	validator *services.ValidationHelper
}

func NewWalletHandler(service *services.WalletService) *WalletHandler {
	return &WalletHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// CreateWallet gets or creates the owner's wallet
// @Summary Get or create a wallet
// @Description Returns the owner's wallet, creating it on first access
// @Tags wallets
// @Accept json
// @Produce json
// @Param request body object{owner_id=string,owner_type=string} true "Wallet owner"
// @Success 200 {object} models.UnifiedWallet
// @Failure 400 {object} services.ErrorResponse
// @Router /wallets [post]
func (h *WalletHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID   string `json:"owner_id" validate:"required"`
		OwnerType string `json:"owner_type" validate:"required,owner_type"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	wallet, err := h.service.GetOrCreateWallet(req.OwnerID, models.OwnerType(req.OwnerType))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, wallet)
}

// GetWallet returns one wallet
// @Summary Get a wallet
// @Tags wallets
// @Produce json
// @Param walletId path string true "Wallet ID"
// @Success 200 {object} models.UnifiedWallet
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{walletId} [get]
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.service.GetWallet(chi.URLParam(r, "walletId"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, wallet)
}

// GetBalance returns the wallet's balance view
// @Summary Get wallet balance
// @Tags wallets
// @Produce json
// @Param walletId path string true "Wallet ID"
// @Success 200 {object} models.WalletBalance
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{walletId}/balance [get]
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetBalance(chi.URLParam(r, "walletId"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, balance)
}

// GetTransactionHistory returns the wallet's ledger entries
// @Summary Get wallet transaction history
// @Tags wallets
// @Produce json
// @Param walletId path string true "Wallet ID"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Param from query string false "From timestamp (RFC3339)"
// @Param to query string false "To timestamp (RFC3339)"
// @Success 200 {object} object{entries=[]models.LedgerEntry,total=int}
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{walletId}/transactions [get]
func (h *WalletHandler) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)

	var from, to *time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			services.SendErrorResponse(w, "Invalid 'from' timestamp", http.StatusBadRequest, nil)
			return
		}
		from = &t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			services.SendErrorResponse(w, "Invalid 'to' timestamp", http.StatusBadRequest, nil)
			return
		}
		to = &t
	}

	entries, total, err := h.service.GetTransactionHistory(chi.URLParam(r, "walletId"), page, limit, from, to)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

type walletAmountRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	ReferenceType     string          `json:"reference_type"`
	ReferenceID       string          `json:"reference_id"`
	ExternalReference string          `json:"external_reference"`
	AllowNegative     bool            `json:"allow_negative"`
}

func (req *walletAmountRequest) reference() *models.Reference {
	if req.ReferenceType == "" {
		return nil
	}
	return &models.Reference{Type: req.ReferenceType, ID: req.ReferenceID}
}

// Credit adds funds to a wallet
// @Summary Credit a wallet
// @Tags wallets
// @Accept json
// @Produce json
// @Param walletId path string true "Wallet ID"
// @Param request body walletAmountRequest true "Credit request"
// @Success 201 {object} services.OperationResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{walletId}/credit [post]
func (h *WalletHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req walletAmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Credit(services.CreditRequest{
		WalletID:          chi.URLParam(r, "walletId"),
		Amount:            req.Amount,
		Description:       req.Description,
		Reference:         req.reference(),
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// Debit removes funds from a wallet
// @Summary Debit a wallet
// @Tags wallets
// @Accept json
// @Produce json
// @Param walletId path string true "Wallet ID"
// @Param request body walletAmountRequest true "Debit request"
// @Success 201 {object} services.OperationResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{walletId}/debit [post]
func (h *WalletHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req walletAmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Debit(services.DebitRequest{
		WalletID:          chi.URLParam(r, "walletId"),
		Amount:            req.Amount,
		Description:       req.Description,
		AllowNegative:     req.AllowNegative,
		Reference:         req.reference(),
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// Hold reserves specialist funds against a reference
// @Summary Hold specialist wallet funds
// @Tags wallets
// @Accept json
// @Produce json
// @Param walletId path string true "Wallet ID"
// @Param request body walletAmountRequest true "Hold request"
// @Success 201 {object} services.OperationResult
// @Failure 400 {object} services.ErrorResponse
// @Router /wallets/{walletId}/hold [post]
func (h *WalletHandler) Hold(w http.ResponseWriter, r *http.Request) {
	var req walletAmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ReferenceType == "" || req.ReferenceID == "" {
		services.SendErrorResponse(w, "reference_type and reference_id are required", http.StatusBadRequest, nil)
		return
	}

	result, err := h.service.Hold(services.HoldRequest{
		WalletID:    chi.URLParam(r, "walletId"),
		Amount:      req.Amount,
		Reference:   models.Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		Description: req.Description,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// Release returns held funds to the available balance
// @Summary Release held wallet funds
// @Tags wallets
// @Accept json
// @Produce json
// @Param walletId path string true "Wallet ID"
// @Param request body object{reference_type=string,reference_id=string} true "Release request"
// @Success 201 {object} services.OperationResult
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{walletId}/release [post]
func (h *WalletHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReferenceType string `json:"reference_type" validate:"required"`
		ReferenceID   string `json:"reference_id" validate:"required"`
		Description   string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.Release(services.ReleaseRequest{
		WalletID:    chi.URLParam(r, "walletId"),
		Reference:   models.Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		Description: req.Description,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// SettleHold confirms a hold, splitting it between payables and commission
// @Summary Settle held wallet funds
// @Tags wallets
// @Accept json
// @Produce json
// @Param walletId path string true "Wallet ID"
// @Param request body object{reference_type=string,reference_id=string,commission_rate=number} true "Settle request"
// @Success 201 {object} services.OperationResult
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{walletId}/settle-hold [post]
func (h *WalletHandler) SettleHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReferenceType  string          `json:"reference_type" validate:"required"`
		ReferenceID    string          `json:"reference_id" validate:"required"`
		CommissionRate decimal.Decimal `json:"commission_rate"`
		Description    string          `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.SettleHold(services.SettleHoldRequest{
		WalletID:       chi.URLParam(r, "walletId"),
		Reference:      models.Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		CommissionRate: req.CommissionRate,
		Description:    req.Description,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// Transfer moves funds between two wallets
// @Summary Transfer between wallets
// @Tags wallets
// @Accept json
// @Produce json
// @Param request body object{from_wallet_id=string,to_wallet_id=string,amount=number,commission_rate=number,description=string} true "Transfer request"
// @Success 201 {object} services.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/transfer [post]
func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromWalletID   string           `json:"from_wallet_id" validate:"required"`
		ToWalletID     string           `json:"to_wallet_id" validate:"required"`
		Amount         decimal.Decimal  `json:"amount"`
		CommissionRate *decimal.Decimal `json:"commission_rate"`
		Description    string           `json:"description"`
		ReferenceType  string           `json:"reference_type"`
		ReferenceID    string           `json:"reference_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var ref *models.Reference
	if req.ReferenceType != "" {
		ref = &models.Reference{Type: req.ReferenceType, ID: req.ReferenceID}
	}

	result, err := h.service.Transfer(services.TransferRequest{
		FromWalletID:   req.FromWalletID,
		ToWalletID:     req.ToWalletID,
		Amount:         req.Amount,
		CommissionRate: req.CommissionRate,
		Description:    req.Description,
		Reference:      ref,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

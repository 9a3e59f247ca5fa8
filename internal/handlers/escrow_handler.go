package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/telacare/backend/internal/services"
)

type EscrowHandler struct {
	service   *services.EscrowService
	validator *services.ValidationHelper
}

func NewEscrowHandler(service *services.EscrowService) *EscrowHandler {
	return &EscrowHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// HoldFunds places appointment funds in escrow
// @Summary Hold appointment funds in escrow
// @Tags escrow
// @Accept json
// @Produce json
// @Param request body object{appointment_id=string,patient_id=string,specialist_id=string,payment_source=string,consultation_fee=number,platform_fee=number,total_amount=number} true "Escrow hold request"
// @Success 201 {object} services.OperationResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /escrow/hold [post]
func (h *EscrowHandler) HoldFunds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppointmentID     string          `json:"appointment_id" validate:"required"`
		PatientID         string          `json:"patient_id" validate:"required"`
		SpecialistID      string          `json:"specialist_id" validate:"required"`
		PaymentSource     string          `json:"payment_source" validate:"required,oneof=patient_wallet specialist_wallet"`
		ConsultationFee   decimal.Decimal `json:"consultation_fee"`
		PlatformFee       decimal.Decimal `json:"platform_fee"`
		TotalAmount       decimal.Decimal `json:"total_amount"`
		ExternalReference string          `json:"external_reference"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.HoldAppointmentFunds(services.EscrowHoldRequest{
		AppointmentID:     req.AppointmentID,
		PatientID:         req.PatientID,
		SpecialistID:      req.SpecialistID,
		PaymentSource:     req.PaymentSource,
		ConsultationFee:   req.ConsultationFee,
		PlatformFee:       req.PlatformFee,
		TotalAmount:       req.TotalAmount,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// Refund returns escrowed funds to the payer
// @Summary Refund escrowed appointment funds
// @Tags escrow
// @Accept json
// @Produce json
// @Param appointmentId path string true "Appointment ID"
// @Param request body object{reason=string} true "Refund reason"
// @Success 201 {object} services.OperationResult
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /escrow/{appointmentId}/refund [post]
func (h *EscrowHandler) Refund(w http.ResponseWriter, r *http.Request) {
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

	result, err := h.service.RefundAppointmentFunds(chi.URLParam(r, "appointmentId"), req.Reason)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// Settle disposes of escrowed funds to the specialist and platform
// @Summary Settle escrowed appointment funds
// @Tags escrow
// @Accept json
// @Produce json
// @Param appointmentId path string true "Appointment ID"
// @Param request body object{settlement_type=string} true "Settlement type: completed or no_show"
// @Success 201 {object} services.SettlementResult
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /escrow/{appointmentId}/settle [post]
func (h *EscrowHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SettlementType string `json:"settlement_type" validate:"required,oneof=completed no_show"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.SettleAppointmentFunds(chi.URLParam(r, "appointmentId"), req.SettlementType)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

// GetStatus returns the derived escrow state for an appointment
// @Summary Get escrow status
// @Tags escrow
// @Produce json
// @Param appointmentId path string true "Appointment ID"
// @Success 200 {object} models.EscrowStatus
// @Router /escrow/{appointmentId} [get]
func (h *EscrowHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetEscrowStatus(chi.URLParam(r, "appointmentId"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, status)
}

package models

type EscrowState string

const (
	EscrowNotFound EscrowState = "NOT_FOUND"
	EscrowHeld     EscrowState = "HELD"
	EscrowRefunded EscrowState = "REFUNDED"
	EscrowSettled  EscrowState = "SETTLED"
)

// EscrowStatus is the derived view of an appointment's escrow, computed
// from which posted batches reference it. Escrow has no collection of its
// own.
type EscrowStatus struct {
	AppointmentID   string            `json:"appointment_id"`
	State           EscrowState       `json:"state"`
	HoldBatch       *TransactionBatch `json:"hold_batch,omitempty"`
	SettlementBatch *TransactionBatch `json:"settlement_batch,omitempty"`
	Terms           *EscrowTerms      `json:"terms,omitempty"`
}

package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

// Error kinds callers are expected to branch on with errors.Is. The ledger
// engine raises validation and not-found errors; wallet and escrow add
// business context and let engine errors bubble unchanged. Nothing in this
// package retries automatically.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// ErrInsufficientFunds is a validation error: errors.Is(err, ErrValidation)
// holds for it too.
var ErrInsufficientFunds = fmt.Errorf("insufficient balance: %w", ErrValidation)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

func notFoundErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func conflictErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505). The escrow terminal-batch index surfaces
// double-settle races this way.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// StatusForError maps the error taxonomy to an HTTP status code.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// SendServiceError writes a service error as a JSON response using the
// taxonomy mapping. Internal errors are not echoed to the client.
func SendServiceError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	SendErrorResponse(w, message, status, nil)
}

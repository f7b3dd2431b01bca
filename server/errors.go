package server

import (
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"sandbank/bank"
)

// Error types admitted on the sandbox HTTP surface.
const (
	TypeForbidden     = "Forbidden"
	TypeUnauthorized  = "Unauthorized"
	TypeNotFound      = "NotFound"
	TypeConflict      = "Conflict"
	TypeUnprocessable = "UnprocessableEntity"
	TypeBadRequest    = "BadRequest"
	TypeInternal      = "InternalServerError"
)

// APIError is a failed request on the access, integration, wire-gateway or
// admin API. It renders as {"error":{"type":...,"description":...}}.
type APIError struct {
	Type        string
	Description string
	Status      int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Description)
}

func apiErrf(status int, errType, format string, args ...any) *APIError {
	return &APIError{Type: errType, Description: fmt.Sprintf(format, args...), Status: status}
}

func forbidden(format string, args ...any) *APIError {
	return apiErrf(http.StatusForbidden, TypeForbidden, format, args...)
}

func unauthorized(format string, args ...any) *APIError {
	return apiErrf(http.StatusUnauthorized, TypeUnauthorized, format, args...)
}

func notFound(format string, args ...any) *APIError {
	return apiErrf(http.StatusNotFound, TypeNotFound, format, args...)
}

func conflict(format string, args ...any) *APIError {
	return apiErrf(http.StatusConflict, TypeConflict, format, args...)
}

func unprocessable(format string, args ...any) *APIError {
	return apiErrf(http.StatusUnprocessableEntity, TypeUnprocessable, format, args...)
}

func badRequest(format string, args ...any) *APIError {
	return apiErrf(http.StatusBadRequest, TypeBadRequest, format, args...)
}

func internal(format string, args ...any) *APIError {
	return apiErrf(http.StatusInternalServerError, TypeInternal, format, args...)
}

// apiErrorOf maps store and ledger failures onto the HTTP envelope. Unknown
// failures stay opaque 500s.
func apiErrorOf(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return notFound("object not found")
	case errors.Is(err, bank.ErrDebtLimitExceeded):
		return forbidden("operation would exceed the debt limit")
	case errors.Is(err, bank.ErrCurrencyMismatch),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrInvalidPayto),
		errors.Is(err, bank.ErrUsernameInvalid),
		errors.Is(err, bank.ErrReservePubRequired):
		return badRequest("%s", err.Error())
	case errors.Is(err, bank.ErrUsernameTaken),
		errors.Is(err, bank.ErrLabelTaken),
		errors.Is(err, bank.ErrHostExists),
		errors.Is(err, bank.ErrSubscriberExists),
		errors.Is(err, bank.ErrWithdrawalConflict),
		errors.Is(err, bank.ErrWithdrawalAborted),
		errors.Is(err, bank.ErrWithdrawalConfirmed),
		errors.Is(err, bank.ErrWithdrawalNotSelected):
		return conflict("%s", err.Error())
	case errors.Is(err, bank.ErrNoSuggestedExchange),
		errors.Is(err, bank.ErrExchangeNotFound):
		return unprocessable("%s", err.Error())
	}
	return internal("bank internal error")
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	if apiErr.Status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", apiErr.Description,
		)
	}
	writeJSON(w, apiErr.Status, errorEnvelope{
		Error: errorBody{Type: apiErr.Type, Description: apiErr.Description},
	})
}

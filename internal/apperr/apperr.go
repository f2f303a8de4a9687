// Package apperr holds the error taxonomy shared by the dispatch services and
// the HTTP layer.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated   = errors.New("authentication required")
	ErrForbidden         = errors.New("insufficient permissions")
	ErrValidation        = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("job already assigned")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrNoEligibleDrivers = errors.New("No suitable drivers available")
	ErrManualDispatch    = errors.New("dispatch mode is manual")
	ErrExternalService   = errors.New("external service unavailable")
)

// HTTPStatus maps an error chain to the response code used by the API.
// Conflicts surface as 400 so the admin UI shows "already assigned" like any
// other rejected request.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrNoEligibleDrivers),
		errors.Is(err, ErrManualDispatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the message safe to show to callers. Unexpected errors are
// collapsed to a generic message.
func Public(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

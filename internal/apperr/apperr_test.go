package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("job j1: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("assign: %w", ErrConflict), http.StatusBadRequest},
		{ErrNoEligibleDrivers, http.StatusBadRequest},
		{ErrManualDispatch, http.StatusBadRequest},
		{ErrValidation, http.StatusBadRequest},
		{ErrExternalService, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "err=%v", tc.err)
	}
}

func TestPublicHidesInternalErrors(t *testing.T) {
	assert.Equal(t, "internal error", Public(errors.New("pq: connection refused")))
	assert.Equal(t, "wrap: job already assigned", Public(fmt.Errorf("wrap: %w", ErrConflict)))
	assert.Equal(t, `role "driver": insufficient permissions`, Public(fmt.Errorf("role %q: %w", "driver", ErrForbidden)))
}

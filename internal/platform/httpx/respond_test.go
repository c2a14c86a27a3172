package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/staffing/internal/platform/lock"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("paysheet 7: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("closed: %w", ErrConflict), http.StatusConflict},
		{fmt.Errorf("not ready: %w", ErrPrecondition), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: payout:paysheet:1:lock", lock.ErrBusy), http.StatusLocked},
		{fmt.Errorf("%w: payout:paysheet:1:lock", lock.ErrLeaseLost), http.StatusLocked},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		var body ProblemDetail
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, tc.status, body.Status)
	}
}

func TestDecodeJSONValidates(t *testing.T) {
	type payload struct {
		WorkerID int64 `json:"worker_id" validate:"required,gt=0"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"worker_id":0}`))
	var p payload
	err := DecodeJSON(req, &p)
	require.ErrorIs(t, err, ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"worker_id":4}`))
	require.NoError(t, DecodeJSON(req, &p))
	require.Equal(t, int64(4), p.WorkerID)
}

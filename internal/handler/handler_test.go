package handler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"withdrawal-service/internal/chains/ethereum"
	"withdrawal-service/internal/domain"
	"withdrawal-service/internal/usecase"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: must be positive", domain.ErrInvalidAmount), http.StatusBadRequest},
		{domain.ErrContractDestination, http.StatusBadRequest},
		{domain.ErrExternalRefRequired, http.StatusBadRequest},
		{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{domain.ErrWithdrawalNotFound, http.StatusNotFound},
		{domain.ErrWithdrawalOutstanding, http.StatusConflict},
		{domain.ErrStaleState, http.StatusConflict},
		{domain.ErrSettlementInProgress, http.StatusConflict},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{&ethereum.EndpointsError{Method: "eth_getCode"}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestAdminAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid", "s3cret", "Bearer s3cret", http.StatusNoContent},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"disabled", "", "Bearer ", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/settlement/pause", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			AdminAuth(tt.token, zap.NewNop())(ok).ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

type fakeControl struct {
	paused bool
	hwErr  error
}

func (c *fakeControl) Pause()  { c.paused = true }
func (c *fakeControl) Resume() { c.paused = false }
func (c *fakeControl) Status() usecase.SettlementStatus {
	return usecase.SettlementStatus{Mode: usecase.ModeAutomatic, Paused: c.paused}
}
func (c *fakeControl) HotWalletStatus(context.Context) (*domain.HotWalletStatus, error) {
	if c.hwErr != nil {
		return nil, c.hwErr
	}
	return &domain.HotWalletStatus{Address: "0xabc", ChainID: 1337, Balance: big.NewInt(1.5e18), PendingNonce: 4}, nil
}

func TestSettlementStatusSurvivesChainOutage(t *testing.T) {
	ctrl := &fakeControl{hwErr: &ethereum.EndpointsError{Method: "eth_getBalance"}}
	h := NewSettlementHandler(ctrl, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/admin/settlement/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"wallet_error"`)
	require.Contains(t, rec.Body.String(), `"mode":"automatic"`)
}

func TestSettlementPauseResume(t *testing.T) {
	ctrl := &fakeControl{}
	h := NewSettlementHandler(ctrl, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Pause(rec, httptest.NewRequest(http.MethodPost, "/admin/settlement/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ctrl.paused)
	require.Contains(t, rec.Body.String(), `"paused":true`)

	rec = httptest.NewRecorder()
	h.Resume(rec, httptest.NewRequest(http.MethodPost, "/admin/settlement/resume", nil))
	require.False(t, ctrl.paused)
}

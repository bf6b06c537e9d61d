// internal/handler/settlement_handler.go
package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
	"withdrawal-service/internal/usecase"
	"withdrawal-service/internal/worker"
	"withdrawal-service/pkg/response"
	"withdrawal-service/pkg/utils"
)

// SettlementControl is the operator surface of the settlement pipeline.
type SettlementControl interface {
	Pause()
	Resume()
	Status() usecase.SettlementStatus
	HotWalletStatus(ctx context.Context) (*domain.HotWalletStatus, error)
}

// PassTrigger runs a reconciliation pass on demand.
type PassTrigger interface {
	RunOnce(ctx context.Context) (*usecase.ReconcileReport, error)
}

type SettlementHandler struct {
	settlement SettlementControl
	trigger    PassTrigger
	logger     *zap.Logger
}

func NewSettlementHandler(settlement SettlementControl, trigger PassTrigger, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlement: settlement,
		trigger:    trigger,
		logger:     logger,
	}
}

// Pause handles POST /admin/settlement/pause
func (h *SettlementHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.settlement.Pause()
	response.JSON(w, http.StatusOK, h.settlement.Status())
}

// Resume handles POST /admin/settlement/resume
func (h *SettlementHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.settlement.Resume()
	response.JSON(w, http.StatusOK, h.settlement.Status())
}

// Reconcile handles POST /admin/settlement/reconcile
func (h *SettlementHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.trigger.RunOnce(r.Context())
	if errors.Is(err, worker.ErrPassInProgress) {
		response.Error(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, report)
}

type hotWalletResponse struct {
	Address      string `json:"address"`
	ChainID      uint64 `json:"chain_id"`
	BalanceWei   string `json:"balance_wei"`
	Balance      string `json:"balance"`
	PendingNonce uint64 `json:"pending_nonce"`
}

type settlementStatusResponse struct {
	usecase.SettlementStatus
	Wallet *hotWalletResponse `json:"wallet,omitempty"`
	Error  string             `json:"wallet_error,omitempty"`
}

// Status handles GET /admin/settlement/status. A chain outage still returns the
// local view with the wallet error attached.
func (h *SettlementHandler) Status(w http.ResponseWriter, r *http.Request) {
	out := settlementStatusResponse{SettlementStatus: h.settlement.Status()}

	hw, err := h.settlement.HotWalletStatus(r.Context())
	if err != nil {
		h.logger.Warn("failed to read hot wallet status", zap.Error(err))
		out.Error = err.Error()
	} else {
		out.Wallet = &hotWalletResponse{
			Address:      hw.Address,
			ChainID:      hw.ChainID,
			BalanceWei:   hw.Balance.String(),
			Balance:      utils.FormatBalance(hw.Balance, 18, "ETH"),
			PendingNonce: hw.PendingNonce,
		}
	}
	response.JSON(w, http.StatusOK, out)
}

// Health handles GET /withdrawals/health
func (h *SettlementHandler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.settlement.Status()
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"mode":   st.Mode,
		"paused": st.Paused,
	})
}

// AdminAuth requires "Authorization: Bearer <token>". An empty token disables
// the admin routes entirely.
func AdminAuth(token string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				response.Error(w, http.StatusServiceUnavailable, "admin API disabled")
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
				logger.Warn("rejected admin request",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				response.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

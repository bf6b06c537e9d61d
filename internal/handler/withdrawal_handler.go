// internal/handler/withdrawal_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"withdrawal-service/internal/chains/ethereum"
	"withdrawal-service/internal/domain"
	"withdrawal-service/pkg/response"
	"withdrawal-service/pkg/utils"
)

// WithdrawalService is the intake and admin surface the handlers call.
type WithdrawalService interface {
	Submit(ctx context.Context, userID string, amount decimal.Decimal, toAddress string) (*domain.Withdrawal, error)
	Status(ctx context.Context, id string) (*domain.Withdrawal, error)
	History(ctx context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error)
	Approve(ctx context.Context, id, by string) (*domain.Withdrawal, error)
	Reject(ctx context.Context, id, by, reason string) (*domain.Withdrawal, error)
	ManualComplete(ctx context.Context, id, externalRef, by string) (*domain.Withdrawal, error)
	ListPending(ctx context.Context, limit, offset int) ([]*domain.Withdrawal, error)
	Stats(ctx context.Context) (*domain.WithdrawalStats, error)
}

type WithdrawalHandler struct {
	withdrawals WithdrawalService
	logger      *zap.Logger
}

func NewWithdrawalHandler(withdrawals WithdrawalService, logger *zap.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{
		withdrawals: withdrawals,
		logger:      logger,
	}
}

type submitRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	ToAddress string `json:"to_address"`
}

// WithdrawalResponse is the public view of a request.
type WithdrawalResponse struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Amount            string     `json:"amount"`
	ToAddress         string     `json:"to_address"`
	Status            string     `json:"status"`
	Phase             string     `json:"phase"`
	TxHash            string     `json:"tx_hash,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	ExternalRef       string     `json:"external_ref,omitempty"`
	BroadcastAttempts int        `json:"broadcast_attempts"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
}

func toResponse(w *domain.Withdrawal) WithdrawalResponse {
	out := WithdrawalResponse{
		ID:                w.ID,
		UserID:            w.UserID,
		Amount:            w.Amount.String(),
		ToAddress:         w.ToAddress,
		Status:            string(w.Status),
		Phase:             string(w.Phase()),
		BroadcastAttempts: w.BroadcastAttempts,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
		ConfirmedAt:       w.ConfirmedAt,
	}
	if w.TxHash != nil {
		out.TxHash = *w.TxHash
	}
	if w.FailureReason != nil {
		out.FailureReason = *w.FailureReason
	}
	if w.ExternalRef != nil {
		out.ExternalRef = *w.ExternalRef
	}
	return out
}

func toResponses(rows []*domain.Withdrawal) []WithdrawalResponse {
	out := make([]WithdrawalResponse, 0, len(rows))
	for _, w := range rows {
		out = append(out, toResponse(w))
	}
	return out
}

// Submit handles POST /withdrawals
func (h *WithdrawalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := utils.ParseAmount(req.Amount)
	if err != nil {
		response.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	wd, err := h.withdrawals.Submit(r.Context(), req.UserID, amount, req.ToAddress)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusCreated, toResponse(wd))
}

// Status handles GET /withdrawals/{id}
func (h *WithdrawalHandler) Status(w http.ResponseWriter, r *http.Request) {
	wd, err := h.withdrawals.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toResponse(wd))
}

// History handles GET /users/{userID}/withdrawals
func (h *WithdrawalHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	rows, err := h.withdrawals.History(r.Context(), chi.URLParam(r, "userID"), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toResponses(rows))
}

// ============================================================================
// ADMIN
// ============================================================================

type reviewRequest struct {
	By          string `json:"by"`
	Reason      string `json:"reason"`
	ExternalRef string `json:"external_ref"`
}

func decodeReview(r *http.Request) (reviewRequest, error) {
	var req reviewRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

// reviewer prefers the body's "by", then the X-Admin-ID header.
func reviewer(r *http.Request, req reviewRequest) string {
	if req.By != "" {
		return req.By
	}
	if v := r.Header.Get("X-Admin-ID"); v != "" {
		return v
	}
	return "admin"
}

// Approve handles POST /admin/withdrawals/{id}/approve
func (h *WithdrawalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	req, err := decodeReview(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wd, err := h.withdrawals.Approve(r.Context(), chi.URLParam(r, "id"), reviewer(r, req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toResponse(wd))
}

// Reject handles POST /admin/withdrawals/{id}/reject
func (h *WithdrawalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	req, err := decodeReview(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wd, err := h.withdrawals.Reject(r.Context(), chi.URLParam(r, "id"), reviewer(r, req), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toResponse(wd))
}

// ManualComplete handles POST /admin/withdrawals/{id}/manual-complete
func (h *WithdrawalHandler) ManualComplete(w http.ResponseWriter, r *http.Request) {
	req, err := decodeReview(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wd, err := h.withdrawals.ManualComplete(r.Context(), chi.URLParam(r, "id"), req.ExternalRef, reviewer(r, req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toResponse(wd))
}

// ListPending handles GET /admin/withdrawals/pending
func (h *WithdrawalHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	rows, err := h.withdrawals.ListPending(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toResponses(rows))
}

type statsResponse struct {
	Total            int    `json:"total"`
	PendingApproval  int    `json:"pending_approval"`
	Approved         int    `json:"approved"`
	AwaitingReceipt  int    `json:"awaiting_receipt"`
	Confirmed        int    `json:"confirmed"`
	Failed           int    `json:"failed"`
	ConfirmedVolume  string `json:"confirmed_volume"`
	OutstandingValue string `json:"outstanding_value"`
}

// Stats handles GET /admin/withdrawals/stats
func (h *WithdrawalHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.withdrawals.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, statsResponse{
		Total:            s.Total,
		PendingApproval:  s.PendingApproval,
		Approved:         s.Approved,
		AwaitingReceipt:  s.AwaitingReceipt,
		Confirmed:        s.Confirmed,
		Failed:           s.Failed,
		ConfirmedVolume:  s.ConfirmedVolume.String(),
		OutstandingValue: s.OutstandingValue.String(),
	})
}

func (h *WithdrawalHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

// ============================================================================
// Helper Functions
// ============================================================================

// StatusFor maps a domain or chain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrAmountBelowMinimum),
		errors.Is(err, domain.ErrAmountAboveMaximum),
		errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, domain.ErrContractDestination),
		errors.Is(err, domain.ErrUserIDRequired),
		errors.Is(err, domain.ErrExternalRefRequired):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrHotWalletUnderfunded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrWithdrawalNotFound),
		errors.Is(err, domain.ErrUserBalanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrWithdrawalOutstanding),
		errors.Is(err, domain.ErrStaleState),
		errors.Is(err, domain.ErrSettlementInProgress),
		errors.Is(err, domain.ErrSettlementPaused),
		errors.Is(err, domain.ErrManualModeOnly):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case ethereum.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			response.Error(w, status, "internal error")
			return
		}
	}
	response.Error(w, status, err.Error())
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

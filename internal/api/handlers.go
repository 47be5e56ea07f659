/**
 * @description
 * HTTP handlers for the settlement service. Handlers decode and validate the
 * request, call the orchestrator and map its errors onto status codes and the
 * machine-readable codes the admin dashboard switches on.
 *
 * @dependencies
 * - internal/app: the settlement orchestrator and its error taxonomy.
 * - github.com/go-playground/validator/v10: request validation.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/husn/settlement-service/internal/app"
	"github.com/husn/settlement-service/internal/domain"
	"github.com/husn/settlement-service/pkg/payoutclient"
	log "github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PayoutService is the orchestrator surface the handlers use.
type PayoutService interface {
	ResolveProfessionalID(ctx context.Context, clerkUserID string) (uuid.UUID, error)
	GeneratePayout(ctx context.Context, professionalID uuid.UUID, weekOf time.Time) (*domain.PayoutLedger, bool, error)
	GenerateWeeklyPayouts(ctx context.Context, weekOf time.Time) (app.GenerationResult, error)
	PreviewWeek(ctx context.Context, professionalID uuid.UUID, weekOf time.Time) (*app.RevenueSummary, error)
	PreviewOwnWeek(ctx context.Context, professionalID uuid.UUID, weekOf time.Time) (*app.RevenueSummary, error)
	ListPending(ctx context.Context, limit int) ([]domain.PayoutLedger, error)
	ListByStatus(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.PayoutLedger, error)
	GetPayout(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error)
	GetHistory(ctx context.Context, professionalID uuid.UUID, limit int) ([]domain.PayoutLedger, error)
	ProcessPayout(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error)
	RetryPayout(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error)
	CancelPayout(ctx context.Context, id uuid.UUID, reason string) (*domain.PayoutLedger, error)
	CheckPayoutStatus(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error)
	ReconcileProcessing(ctx context.Context, staleAfter time.Duration, limit int) (app.ReconcileResult, error)
	HandleGatewayWebhook(ctx context.Context, payload []byte, signature string) (*domain.PayoutLedger, error)
}

// HandlerConfig holds defaults for admin-triggered batch runs.
type HandlerConfig struct {
	ReconcileStaleAfter time.Duration
	ReconcileBatchSize  int
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service  PayoutService
	validate *validator.Validate
	cfg      HandlerConfig
	now      func() time.Time
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service PayoutService, cfg HandlerConfig) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type generatePayoutRequest struct {
	ProfessionalID string `json:"professional_id" validate:"required,uuid"`
	WeekOf         string `json:"week_of" validate:"omitempty,datetime=2006-01-02"`
}

type generateWeekRequest struct {
	WeekOf string `json:"week_of" validate:"omitempty,datetime=2006-01-02"`
}

type cancelPayoutRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type reconcileRequest struct {
	StaleMinutes int `json:"stale_minutes" validate:"omitempty,min=1,max=10080"`
	Limit        int `json:"limit" validate:"omitempty,min=1,max=500"`
}

type generatePayoutResponse struct {
	Payout  *domain.PayoutLedger `json:"payout"`
	Created bool                 `json:"created"`
}

type errorResponse struct {
	Error  string               `json:"error"`
	Code   string               `json:"code"`
	Fields map[string]string    `json:"fields,omitempty"`
	Payout *domain.PayoutLedger `json:"payout,omitempty"`
}

func (h *Handler) handleGeneratePayout(w http.ResponseWriter, r *http.Request) {
	var req generatePayoutRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	professionalID := uuid.MustParse(req.ProfessionalID)
	weekOf := h.lastWeek()
	if req.WeekOf != "" {
		weekOf, _ = time.Parse("2006-01-02", req.WeekOf)
	}

	ledger, created, err := h.service.GeneratePayout(r.Context(), professionalID, weekOf)
	if err != nil {
		h.writeServiceError(w, r, "generate", err, nil)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, generatePayoutResponse{Payout: ledger, Created: created})
}

func (h *Handler) handleGenerateWeek(w http.ResponseWriter, r *http.Request) {
	var req generateWeekRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	weekOf := h.lastWeek()
	if req.WeekOf != "" {
		weekOf, _ = time.Parse("2006-01-02", req.WeekOf)
	}

	result, err := h.service.GenerateWeeklyPayouts(r.Context(), weekOf)
	if err != nil {
		h.writeServiceError(w, r, "generate_week", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	professionalID, err := uuid.Parse(r.URL.Query().Get("professional_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "professional_id must be a UUID")
		return
	}
	weekOf, ok := h.weekOfQuery(w, r)
	if !ok {
		return
	}

	summary, err := h.service.PreviewWeek(r.Context(), professionalID, weekOf)
	if err != nil {
		h.writeServiceError(w, r, "preview", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	ledgers, err := h.service.ListPending(r.Context(), parseLimit(r))
	if err != nil {
		h.writeServiceError(w, r, "list_pending", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ledgers)
}

func (h *Handler) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	status, ok := domain.ParsePayoutStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be one of pending, processing, completed, failed, cancelled")
		return
	}
	ledgers, err := h.service.ListByStatus(r.Context(), status, parseLimit(r))
	if err != nil {
		h.writeServiceError(w, r, "list", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ledgers)
}

func (h *Handler) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutIDParam(w, r)
	if !ok {
		return
	}
	ledger, err := h.service.GetPayout(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "get", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (h *Handler) handleProcessPayout(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, "process", h.service.ProcessPayout)
}

func (h *Handler) handleRetryPayout(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, "retry", h.service.RetryPayout)
}

func (h *Handler) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, "check_status", h.service.CheckPayoutStatus)
}

func (h *Handler) handleCancelPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutIDParam(w, r)
	if !ok {
		return
	}
	var req cancelPayoutRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ledger, err := h.service.CancelPayout(r.Context(), id, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "cancel", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	staleAfter := h.cfg.ReconcileStaleAfter
	if req.StaleMinutes > 0 {
		staleAfter = time.Duration(req.StaleMinutes) * time.Minute
	}
	limit := h.cfg.ReconcileBatchSize
	if req.Limit > 0 {
		limit = req.Limit
	}

	result, err := h.service.ReconcileProcessing(r.Context(), staleAfter, limit)
	if err != nil {
		h.writeServiceError(w, r, "reconcile", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleProfessionalHistory(w http.ResponseWriter, r *http.Request) {
	professionalID, err := uuid.Parse(chi.URLParam(r, "professionalID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "professional ID must be a UUID")
		return
	}
	ledgers, err := h.service.GetHistory(r.Context(), professionalID, parseLimit(r))
	if err != nil {
		h.writeServiceError(w, r, "history", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ledgers)
}

func (h *Handler) handleMyPreview(w http.ResponseWriter, r *http.Request) {
	professionalID, ok := h.currentProfessional(w, r)
	if !ok {
		return
	}
	weekOf, ok := h.weekOfQuery(w, r)
	if !ok {
		return
	}

	summary, err := h.service.PreviewOwnWeek(r.Context(), professionalID, weekOf)
	if err != nil {
		h.writeServiceError(w, r, "my_preview", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleMyHistory(w http.ResponseWriter, r *http.Request) {
	professionalID, ok := h.currentProfessional(w, r)
	if !ok {
		return
	}
	ledgers, err := h.service.GetHistory(r.Context(), professionalID, parseLimit(r))
	if err != nil {
		h.writeServiceError(w, r, "my_history", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ledgers)
}

func (h *Handler) runTransition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID) (*domain.PayoutLedger, error)) {
	id, ok := payoutIDParam(w, r)
	if !ok {
		return
	}
	ledger, err := fn(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, op, err, ledger)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (h *Handler) currentProfessional(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return uuid.Nil, false
	}
	professionalID, err := h.service.ResolveProfessionalID(r.Context(), clerkUserID)
	if err != nil {
		if app.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "No professional profile for this account")
			return uuid.Nil, false
		}
		h.writeServiceError(w, r, "resolve_professional", err, nil)
		return uuid.Nil, false
	}
	return professionalID, true
}

// weekOfQuery reads ?week_of=YYYY-MM-DD, defaulting to the current week.
func (h *Handler) weekOfQuery(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("week_of"))
	if raw == "" {
		return h.now(), true
	}
	weekOf, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "week_of must be a date (YYYY-MM-DD)")
		return time.Time{}, false
	}
	return weekOf, true
}

func (h *Handler) lastWeek() time.Time {
	return h.now().AddDate(0, 0, -7)
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return h.validateRequest(w, dst)
}

// decodeOptional is decodeAndValidate for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return h.validateRequest(w, dst)
}

func (h *Handler) validateRequest(w http.ResponseWriter, dst interface{}) bool {
	if err := h.validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make(map[string]string, len(validationErrors))
			for _, ve := range validationErrors {
				fields[ve.Field()] = ve.Tag()
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request", Code: "invalid_request", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

// writeServiceError maps orchestrator errors onto HTTP. Gateway failures carry the
// failed ledger so the caller sees the recorded reason.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error, ledger *domain.PayoutLedger) {
	logger := log.WithFields(log.Fields{"component": "api", "op": op, "path": r.URL.Path}).WithError(err)

	var rateLimited *app.RateLimitError
	if errors.As(err, &rateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
		return
	}
	if gerr, ok := payoutclient.AsGatewayError(err); ok {
		logger.Warn("payout gateway call failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: gerr.Message, Code: "payout_failed", Payout: ledger})
		return
	}

	switch {
	case app.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrCannotCancelCompleted):
		writeError(w, http.StatusConflict, "cannot_cancel_completed", err.Error())
	case app.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, app.ErrNoEligibleRevenue):
		writeError(w, http.StatusUnprocessableEntity, "not_eligible", err.Error())
	case errors.Is(err, app.ErrBankNotVerified):
		writeError(w, http.StatusUnprocessableEntity, "bank_not_verified", err.Error())
	case errors.Is(err, app.ErrBankDetailsMissing):
		writeError(w, http.StatusUnprocessableEntity, "bank_details_missing", err.Error())
	case errors.Is(err, domain.ErrInvalidWindow):
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("request timed out")
		writeError(w, http.StatusGatewayTimeout, "timeout", "Request timed out")
	default:
		logger.Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func payoutIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "payout ID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

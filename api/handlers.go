/*
handlers.go - HTTP API handlers for the wallet engine

PURPOSE:
  Exposes the mutation gateway and the projector via REST. Handles HTTP
  request/response and JSON serialization; all domain decisions live in
  the ledger package.

ENDPOINTS:
  Mutations (all idempotent via Idempotency-Key header or body field):
    POST /api/accounts/{id}/expenses     Record an expense
    POST /api/accounts/{id}/incomes     Record an income
    POST /api/entries/{id}/reverse      Compensate a prior entry
    POST /api/entries/{id}/amend        Reverse + re-record atomically

  Reads:
    GET  /api/accounts/{id}/balance     Authoritative fold of the ledger
    GET  /api/accounts/{id}/projection  Cached projection (may lag)
    GET  /api/accounts/{id}/entries     Full entry history
    GET  /api/badges/rules              Configured badge thresholds

  Repair:
    POST /api/accounts/{id}/recompute   Replay the ledger, replace cache

ERROR HANDLING:
  The engine's taxonomy maps to status codes here and nowhere else:
  - 400: validation failures (bad amount, missing key, reversal misuse)
  - 404: unknown entry
  - 409: concurrency conflict (retryable with the same key)
  - 422: policy violations, insufficient funds
  - 500: persistence failures (nothing partial was committed)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/wallet-engine/badges"
	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Gateway   *ledger.Gateway
	Projector *ledger.Projector
	Ledger    *ledger.Ledger
	Badges    *badges.Evaluator
	Log       *zap.Logger
}

// NewHandler wires the handler. A nil logger falls back to zap.NewNop.
func NewHandler(gw *ledger.Gateway, proj *ledger.Projector, led *ledger.Ledger, ev *badges.Evaluator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Gateway: gw, Projector: proj, Ledger: led, Badges: ev, Log: log}
}

// =============================================================================
// MUTATIONS
// =============================================================================

// RecordExpense handles POST /api/accounts/{id}/expenses.
func (h *Handler) RecordExpense(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, "expense", h.Gateway.RecordExpense)
}

// RecordIncome handles POST /api/accounts/{id}/incomes.
func (h *Handler) RecordIncome(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, "income", h.Gateway.RecordIncome)
}

type recordFn func(ctx context.Context, accountID ledger.AccountID, amount decimal.Decimal, category ledger.Category, key string) (ledger.MutationResult, error)

func (h *Handler) record(w http.ResponseWriter, r *http.Request, op string, fn recordFn) {

	accountID := ledger.AccountID(chi.URLParam(r, "id"))

	var req MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, op, &ledger.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.fail(w, op, err)
		return
	}

	result, err := fn(r.Context(), accountID, amount, ledger.Category(req.Category), idemKey(r, req.IdempotencyKey))
	if err != nil {
		h.fail(w, op, err)
		return
	}

	metrics.MutationsTotal.WithLabelValues(op, outcome(result)).Inc()
	writeJSON(w, statusForResult(result), toMutationResultDTO(result))
}

// Reverse handles POST /api/entries/{id}/reverse.
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	entryID := ledger.EntryID(chi.URLParam(r, "id"))

	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "reverse", &ledger.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	result, err := h.Gateway.Reverse(r.Context(), entryID, idemKey(r, req.IdempotencyKey))
	if err != nil {
		h.fail(w, "reverse", err)
		return
	}

	metrics.MutationsTotal.WithLabelValues("reverse", outcome(result)).Inc()
	writeJSON(w, statusForResult(result), toMutationResultDTO(result))
}

// Amend handles POST /api/entries/{id}/amend.
func (h *Handler) Amend(w http.ResponseWriter, r *http.Request) {
	entryID := ledger.EntryID(chi.URLParam(r, "id"))

	var req AmendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "amend", &ledger.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.fail(w, "amend", err)
		return
	}

	result, err := h.Gateway.Amend(r.Context(), entryID, amount, ledger.Category(req.Category), idemKey(r, req.IdempotencyKey))
	if err != nil {
		h.fail(w, "amend", err)
		return
	}

	metrics.MutationsTotal.WithLabelValues("amend", outcome(result)).Inc()
	writeJSON(w, statusForResult(result), toMutationResultDTO(result))
}

// =============================================================================
// READS
// =============================================================================

// GetBalance handles GET /api/accounts/{id}/balance: the authoritative
// fold of the ledger, with badges evaluated from it.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "id"))

	proj, err := h.Projector.Project(r.Context(), accountID)
	if err != nil {
		h.fail(w, "balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(accountID),
		Balance:   proj.Balance.String(),
		Points:    proj.Points,
		Badges:    badgeStrings(h.Badges.Evaluate(proj.Balance, proj.Points)),
	})
}

// GetProjection handles GET /api/accounts/{id}/projection: the cached
// record. 404 when the account has never been projected.
func (h *Handler) GetProjection(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "id"))

	rec, err := h.Projector.Cached(r.Context(), accountID)
	if err != nil {
		h.fail(w, "projection", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no projection for account", false)
		return
	}

	writeJSON(w, http.StatusOK, ProjectionDTO{
		AccountID: string(rec.AccountID),
		Balance:   rec.Balance.String(),
		Points:    rec.Points,
		Badges:    badgeStrings(rec.Badges),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ListEntries handles GET /api/accounts/{id}/entries.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "id"))

	entries, err := h.Ledger.EntriesFor(r.Context(), accountID)
	if err != nil {
		h.fail(w, "entries", err)
		return
	}

	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListBadgeRules handles GET /api/badges/rules.
func (h *Handler) ListBadgeRules(w http.ResponseWriter, r *http.Request) {
	rules := h.Badges.Rules()
	dtos := make([]BadgeRuleDTO, 0, len(rules))
	for _, rule := range rules {
		dtos = append(dtos, BadgeRuleDTO{
			Kind:      string(rule.Kind),
			Threshold: rule.Threshold.String(),
			Badge:     string(rule.Badge),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REPAIR
// =============================================================================

// Recompute handles POST /api/accounts/{id}/recompute: full ledger
// replay replacing the cached projection.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	accountID := ledger.AccountID(chi.URLParam(r, "id"))

	proj, err := h.Projector.Recompute(r.Context(), accountID)
	if err != nil {
		h.fail(w, "recompute", err)
		return
	}
	metrics.RecomputesTotal.Inc()

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(accountID),
		Balance:   proj.Balance.String(),
		Points:    proj.Points,
		Badges:    badgeStrings(h.Badges.Evaluate(proj.Balance, proj.Points)),
	})
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, &ledger.ValidationError{Field: "amount", Reason: "missing"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		// Catches non-numeric and non-finite input before the engine
		// ever sees it.
		return decimal.Decimal{}, &ledger.ValidationError{Field: "amount", Reason: "not a finite decimal"}
	}
	return d, nil
}

func idemKey(r *http.Request, bodyKey string) string {
	if h := r.Header.Get("Idempotency-Key"); h != "" {
		return h
	}
	return bodyKey
}

func outcome(result ledger.MutationResult) string {
	if result.Replayed {
		return "replayed"
	}
	return "committed"
}

func statusForResult(result ledger.MutationResult) int {
	if result.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// fail maps an engine error to a response, records metrics, and logs
// server-side failures.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status, label := classify(err)
	metrics.MutationsTotal.WithLabelValues(op, label).Inc()
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	writeError(w, status, err.Error(), ledger.IsRetryable(err))
}

func classify(err error) (status int, label string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case ledger.IsRetryable(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ledger.ErrPolicyViolation):
		return http.StatusUnprocessableEntity, "policy"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, ErrorResponse{Error: msg, Retryable: retryable})
}

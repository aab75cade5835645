/*
handlers.go - HTTP API handlers for the obligation engine

PURPOSE:
  Exposes the obligation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Obligations:
    GET    /api/obligations?user={id}         List a user's obligations
    POST   /api/obligations                   Create obligation
    GET    /api/obligations/{id}              Get obligation
    DELETE /api/obligations/{id}              Delete with instance cascade
    POST   /api/obligations/{id}/terminate    End from a period onward
    POST   /api/obligations/{id}/generate     Materialize due instances
    POST   /api/obligations/{id}/reconcile    Repair currency drift
    GET    /api/obligations/{id}/instances    Generated instances

  Sweep:
    POST   /api/users/{id}/generate           Generate for all of a user's
                                              obligations

  Rates:
    PUT    /api/rates                         Upsert a rate quote
    GET    /api/rates/{date}                  Get the quote for a date

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Obligation or rate not found
  - 409: Unresolved drift (manual review required)
  - 500: Internal errors
  The engine's IsClientError/IsNotFound helpers drive the mapping, so a
  new engine error classifies itself without handler changes.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      engine.TxStore
	Rates      engine.RateStore
	Controller *engine.Controller
	Generator  *engine.Generator
	Reconciler *engine.Reconciler

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewHandler wires the engine components over a shared store and rate
// source. One KeyedLocks instance serializes all per-obligation work.
// The generator consumes the rate source through a RetryingResolver:
// transient lookup failures back off and retry, while a definitive
// missing quote still passes through as ErrRateUnavailable.
func NewHandler(store engine.TxStore, rates engine.RateStore) *Handler {
	locks := engine.NewKeyedLocks()
	resolver := &engine.RetryingResolver{Resolver: rates}
	return &Handler{
		Store:      store,
		Rates:      rates,
		Controller: engine.NewController(store, locks, nil),
		Generator:  engine.NewGenerator(store, resolver, locks, nil),
		Reconciler: engine.NewReconciler(store, locks, nil),
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

// ListObligations returns the obligations owned by ?user=.
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Query parameter 'user' is required", nil)
		return
	}

	obligations, err := h.Store.ObligationsByUser(r.Context(), engine.UserID(userID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list obligations", err)
		return
	}

	dtos := make([]ObligationDTO, len(obligations))
	for i, o := range obligations {
		dtos[i] = toObligationDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetObligation returns a single obligation.
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))

	o, err := h.Store.Obligation(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(o))
}

// CreateObligation creates a new obligation.
func (h *Handler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	var req CreateObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	startDate, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}
	amountUSD, err := parseAmount(req.AmountUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount_usd", err)
		return
	}
	amountARS, err := parseAmount(req.AmountARS)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount_ars", err)
		return
	}
	anchorRate, err := parseAmount(req.AnchorRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid anchor_rate", err)
		return
	}

	o, err := h.Controller.Create(r.Context(), engine.CreateInput{
		UserID:         engine.UserID(req.UserID),
		Description:    req.Description,
		Kind:           engine.Kind(req.Kind),
		Frequency:      engine.Frequency(req.Frequency),
		AmountUSD:      amountUSD,
		AmountARS:      amountARS,
		AnchorRate:     anchorRate,
		CategoryID:     req.CategoryID,
		CounterpartyID: req.CounterpartyID,
		StartDate:      startDate,
	})
	if err != nil {
		writeEngineError(w, "Failed to create obligation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toObligationDTO(o))
}

// TerminateObligation ends the obligation after the given period.
func (h *Handler) TerminateObligation(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))

	var req TerminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	boundary, err := engine.ParsePeriod(req.EndPeriod)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_period format (use YYYY-MM)", err)
		return
	}

	o, err := h.Controller.Terminate(r.Context(), id, boundary)
	if err != nil {
		writeEngineError(w, "Failed to terminate obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(o))
}

// DeleteObligation removes the obligation and all of its instances.
func (h *Handler) DeleteObligation(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))

	if err := h.Controller.Delete(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to delete obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResultDTO{ObligationID: string(id), Deleted: true})
}

// =============================================================================
// GENERATION / RECONCILIATION HANDLERS
// =============================================================================

// GenerateInstances materializes every due, missing instance up to the
// requested horizon (default: today).
func (h *Handler) GenerateInstances(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))

	upTo, ok := h.parseHorizon(w, r)
	if !ok {
		return
	}

	report, err := h.Generator.Generate(r.Context(), id, upTo)
	if err != nil {
		writeEngineError(w, "Failed to generate instances", err)
		return
	}
	writeJSON(w, http.StatusOK, toGenerationReportDTO(report))
}

// ReconcileObligation repairs currency drift on the obligation and its
// instances.
func (h *Handler) ReconcileObligation(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))

	report, err := h.Reconciler.Reconcile(r.Context(), id)
	if err != nil {
		// Unresolved drift maps to 409: the data is inconsistent and the
		// engine refuses to guess.
		writeEngineError(w, "Failed to reconcile obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairReportDTO(report))
}

// ListInstances returns the obligation's generated instances in period order.
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))

	if _, err := h.Store.Obligation(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to get obligation", err)
		return
	}
	instances, err := h.Store.InstancesByObligation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list instances", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTOs(instances))
}

// GenerateForUser runs generation over every obligation the user owns.
// Per-obligation failures are reported, not fatal to the sweep.
func (h *Handler) GenerateForUser(w http.ResponseWriter, r *http.Request) {
	userID := engine.UserID(chi.URLParam(r, "id"))

	upTo, ok := h.parseHorizon(w, r)
	if !ok {
		return
	}

	obligations, err := h.Store.ObligationsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list obligations", err)
		return
	}

	reports := make([]GenerationReportDTO, 0, len(obligations))
	for _, o := range obligations {
		report, err := h.Generator.Generate(r.Context(), o.ID, upTo)
		dto := toGenerationReportDTO(report)
		if err != nil {
			dto.ObligationID = string(o.ID)
			dto.Error = err.Error()
		}
		reports = append(reports, dto)
	}
	writeJSON(w, http.StatusOK, reports)
}

// parseHorizon reads the optional generation horizon from the body.
// An empty body means "up to today".
func (h *Handler) parseHorizon(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req GenerateRequest
	// An empty body decodes to io.EOF; treat it like an empty request.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return time.Time{}, false
	}
	if req.UpTo == "" {
		return h.now(), true
	}
	upTo, err := time.Parse("2006-01-02", req.UpTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid up_to format (use YYYY-MM-DD)", err)
		return time.Time{}, false
	}
	return upTo, true
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// PutRate upserts the ARS-per-USD quote for a date.
func (h *Handler) PutRate(w http.ResponseWriter, r *http.Request) {
	var req PutRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	rate, err := decimal.NewFromString(req.ARSPerUSD)
	if err != nil || !rate.IsPositive() {
		writeError(w, http.StatusBadRequest, "ars_per_usd must be a positive decimal", err)
		return
	}

	if err := h.Rates.PutRate(r.Context(), date, rate); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store rate", err)
		return
	}
	writeJSON(w, http.StatusOK, RateDTO{
		Date:      date.Format("2006-01-02"),
		ARSPerUSD: rate.String(),
	})
}

// GetRate returns the stored quote for a date.
func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	rate, err := h.Rates.RateFor(r.Context(), date)
	if err != nil {
		if errors.Is(err, engine.ErrRateUnavailable) {
			writeError(w, http.StatusNotFound, "No rate for date", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get rate", err)
		return
	}
	writeJSON(w, http.StatusOK, RateDTO{
		Date:      date.Format("2006-01-02"),
		ARSPerUSD: rate.String(),
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// writeEngineError maps engine error categories to HTTP statuses.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, engine.ErrDriftUnresolved):
		writeError(w, http.StatusConflict, message, err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

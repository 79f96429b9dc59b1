package gate_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ms-gatekeeper/internal/logger"
	"ms-gatekeeper/internal/models"
	"ms-gatekeeper/internal/store"
	"ms-gatekeeper/internal/ticketref"
	"ms-gatekeeper/internal/validator"
)

// defaultScanListLimit caps GET /scans when no limit is given.
const defaultScanListLimit = 50

// ValidatorLayer is the slice of the admission validator the API needs.
type ValidatorLayer interface {
	Admit(ctx context.Context, referenceNo string) (validator.Outcome, error)
	GateTag() string
}

// StoreLayer is the slice of the record store the API reads from.
type StoreLayer interface {
	GetTicket(ctx context.Context, referenceNo string) (*models.Ticket, error)
	Stats(ctx context.Context, tag string) (store.Stats, error)
	RecentScans(ctx context.Context, limit int) ([]models.ScanEvent, error)
	AppendScanEvent(ctx context.Context, event models.ScanEvent) error
}

// Handler exposes the gate over local HTTP: the scanner posts codes to
// /scan and the display polls /stats and /scans. It binds to localhost
// in practice; there is no auth layer.
type Handler struct {
	Validator ValidatorLayer
	Store     StoreLayer
	// Parser, when set, requires scanned codes to be full signed payloads.
	// When nil the scanned string is used as the reference number directly.
	Parser *ticketref.Parser
	Log    *logger.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(v ValidatorLayer, st StoreLayer, parser *ticketref.Parser, log *logger.Logger) *Handler {
	return &Handler{
		Validator: v,
		Store:     st,
		Parser:    parser,
		Log:       log,
	}
}

// Routes returns the gate router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/scan", h.Scan)
	r.Get("/stats", h.GetStats)
	r.Get("/tickets/{referenceNo}", h.ViewTicket)
	r.Get("/scans", h.ListScans)
	return r
}

// Scan handles one scanner read.
// Expected POST request body: {"code": "scanned-string"}
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var requestBody struct {
		Code string `json:"code"`
	}

	if err := json.NewDecoder(r.Body).Decode(&requestBody); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if requestBody.Code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	referenceNo := requestBody.Code
	if h.Parser != nil {
		ticket, err := h.Parser.Parse(requestBody.Code)
		if err != nil {
			h.rejectCode(r.Context(), w, requestBody.Code, err)
			return
		}
		referenceNo = ticket.ReferenceNo
	}

	outcome, err := h.Validator.Admit(r.Context(), referenceNo)
	if err != nil {
		h.Log.Error(logger.CategoryAPI, fmt.Sprintf("scan of %s failed: %v", referenceNo, err))
		http.Error(w, "Scan failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

// rejectCode logs and answers a scan whose payload failed parsing or HMAC
// verification. The response is a normal FAILED outcome so the display treats
// it like any other rejection.
func (h *Handler) rejectCode(ctx context.Context, w http.ResponseWriter, code string, parseErr error) {
	reason := "invalid ticket format"
	if errors.Is(parseErr, ticketref.ErrVerification) {
		reason = "invalid ticket code"
	}

	event := models.ScanEvent{
		ReferenceNo: code,
		GateTag:     h.Validator.GateTag(),
		Result:      models.ScanFailed,
		Reason:      reason,
	}
	if err := h.Store.AppendScanEvent(ctx, event); err != nil {
		h.Log.Warn(logger.CategoryAPI, fmt.Sprintf("failed to log rejected code: %v", err))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(validator.Outcome{
		Result: models.ScanFailed,
		Reason: reason,
	})
}

// GetStats returns the counters the display renders.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context(), h.Validator.GateTag())
	if err != nil {
		http.Error(w, "Failed to get stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// ViewTicket returns one ticket's full local state, for operator inspection.
func (h *Handler) ViewTicket(w http.ResponseWriter, r *http.Request) {
	referenceNo := chi.URLParam(r, "referenceNo")
	ticket, err := h.Store.GetTicket(r.Context(), referenceNo)
	if errors.Is(err, store.ErrTicketNotFound) {
		http.Error(w, "Ticket not found: "+referenceNo, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch ticket: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ticket)
}

// ListScans returns the newest scan events, most recent first.
// Optional query parameter: ?limit=N
func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	limit := defaultScanListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "Invalid limit: "+raw, http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := h.Store.RecentScans(r.Context(), limit)
	if err != nil {
		http.Error(w, "Failed to fetch scans: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.ScanEvent{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

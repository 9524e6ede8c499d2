package pledge

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/auth"
	"github.com/poolbuy/pledge-engine/internal/model"
)

// Handler exposes the engine over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates the HTTP handlers for e.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// Routes mounts every pool and pledge route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/pools", h.ListPools)
	r.Post("/pools", h.CreatePool)
	r.Get("/pools/{poolID}", h.GetPool)
	r.Post("/pools/{poolID}/quote", h.Quote)
	r.Get("/pools/{poolID}/lock", h.GetLock)
	r.Get("/pools/{poolID}/pledges", h.ListPledges)
	r.Post("/pools/{poolID}/pledges", h.SubmitPledge)
	r.Get("/buyers/{buyerRef}/pledges", h.ListBuyerPledges)
}

// --- Request/Response types ---

// QuoteRequest is the JSON body for POST /pools/{poolID}/quote.
type QuoteRequest struct {
	Units              decimal.Decimal `json:"units"`
	SelectedSurcharges []string        `json:"selected_surcharges"`
}

// PledgeRequestBody is the JSON body for POST /pools/{poolID}/pledges.
// BuyerRef is ignored when the request carries an authenticated identity.
type PledgeRequestBody struct {
	Units              decimal.Decimal `json:"units"`
	SelectedSurcharges []string        `json:"selected_surcharges"`
	BuyerRef           string          `json:"buyer_ref"`
	ClientRequestID    string          `json:"client_request_id"`
}

// PledgeResponse is the JSON body returned for a recorded pledge.
type PledgeResponse struct {
	model.PledgeRecord
	DisplayTotal string `json:"display_total"`
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error               string `json:"error"`
	Code                string `json:"code,omitempty"`
	Stage               string `json:"stage,omitempty"`
	PoolID              string `json:"pool_id,omitempty"`
	Units               string `json:"units,omitempty"`
	Constraint          string `json:"constraint,omitempty"`
	NeedsReconciliation bool   `json:"needs_reconciliation,omitempty"`
}

// --- HTTP Handlers ---

// CreatePool handles POST /api/v1/pools
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var in CreatePoolInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	view, err := h.engine.CreatePool(r.Context(), in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListPools handles GET /api/v1/pools
// Optional ?state=open|locked_pending_outcome filter.
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	views, err := h.engine.ListPools(r.Context())
	if err != nil {
		writeError(w, "failed to list pools", http.StatusInternalServerError)
		return
	}

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := make([]PoolView, 0, len(views))
		for _, v := range views {
			if string(v.Lock.State) == state {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Quote handles POST /api/v1/pools/{poolID}/quote
// Live price preview; never authorizes or records anything.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := h.engine.Quote(r.Context(), model.PledgeRequest{
		PoolID:             chi.URLParam(r, "poolID"),
		Units:              req.Units,
		SelectedSurcharges: req.SelectedSurcharges,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetLock handles GET /api/v1/pools/{poolID}/lock
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.LockState(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SubmitPledge handles POST /api/v1/pools/{poolID}/pledges
// An Idempotency-Key header is used as the client request id when the body
// does not carry one.
func (h *Handler) SubmitPledge(w http.ResponseWriter, r *http.Request) {
	var body PledgeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	buyerRef := body.BuyerRef
	if ref, ok := auth.BuyerRef(r.Context()); ok {
		buyerRef = ref
	}
	clientID := body.ClientRequestID
	if clientID == "" {
		clientID = r.Header.Get("Idempotency-Key")
	}

	rec, err := h.engine.SubmitPledge(r.Context(), model.PledgeRequest{
		PoolID:             chi.URLParam(r, "poolID"),
		Units:              body.Units,
		SelectedSurcharges: body.SelectedSurcharges,
		BuyerRef:           buyerRef,
		ClientRequestID:    clientID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, PledgeResponse{
		PledgeRecord: *rec,
		DisplayTotal: formatTotal(rec),
	})
}

// ListPledges handles GET /api/v1/pools/{poolID}/pledges
func (h *Handler) ListPledges(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.ListPledges(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// ListBuyerPledges handles GET /api/v1/buyers/{buyerRef}/pledges
// An authenticated buyer may only list their own pledges.
func (h *Handler) ListBuyerPledges(w http.ResponseWriter, r *http.Request) {
	buyerRef := chi.URLParam(r, "buyerRef")
	if ref, ok := auth.BuyerRef(r.Context()); ok && ref != buyerRef {
		writeError(w, "cannot list another buyer's pledges", http.StatusForbidden)
		return
	}

	recs, err := h.engine.ListBuyerPledges(r.Context(), buyerRef)
	if err != nil {
		writeError(w, "failed to list pledges", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeEngineError renders an engine error with its structured context.
func writeEngineError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error(), Code: Code(err)}
	var pe *Error
	if errors.As(err, &pe) {
		resp.Stage = string(pe.Stage)
		resp.PoolID = pe.PoolID
		resp.Constraint = pe.Constraint
		resp.NeedsReconciliation = pe.NeedsReconciliation()
		if !pe.Units.IsZero() {
			resp.Units = pe.Units.String()
		}
	}
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError && resp.Code == "internal" {
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

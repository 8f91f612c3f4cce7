package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/user"
)

// ─── Users ──────────────────────────────────────────────────────────────────

type registerRequest struct {
	ExternalID     string          `json:"external_id"`
	InitialCredits decimal.Decimal `json:"initial_credits"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := s.engine.RegisterUser(r.Context(), req.ExternalID, req.InitialCredits)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	u, err := s.engine.GetUser(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleGetByExternal(w http.ResponseWriter, r *http.Request) {
	u, err := s.engine.GetUserByExternalID(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, offset := page(r)
	txs, err := s.engine.Transactions(r.Context(), uid, user.ListOpts{Limit: limit, Offset: offset})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, offset := page(r)
	hist, err := s.engine.History(r.Context(), uid, fsm.ListOpts{Limit: limit, Offset: offset})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": hist})
}

func (s *Server) handleOverlays(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	list, err := s.engine.Overlays().GetActiveOverlays(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overlays": list})
}

type activateRequest struct {
	ExpiresInHours int               `json:"expires_in_hours"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata"`
	Silent         bool              `json:"silent"`
}

func (s *Server) handleActivateOverlay(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req activateRequest
	if !decode(w, r, &req) {
		return
	}
	opts := funnel.ActivateOpts{Message: req.Message, Metadata: req.Metadata, Silent: req.Silent}
	if req.ExpiresInHours > 0 {
		at := time.Now().UTC().Add(time.Duration(req.ExpiresInHours) * time.Hour)
		opts.ExpiresAt = &at
	}
	o, created, err := s.engine.Overlays().Activate(r.Context(), uid, overlay.Type(chi.URLParam(r, "type")), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, o)
}

func (s *Server) handleDeactivateOverlay(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	found, err := s.engine.Overlays().Deactivate(r.Context(), uid, overlay.Type(chi.URLParam(r, "type")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, funnel.ErrOverlayNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Events ─────────────────────────────────────────────────────────────────

type eventRequest struct {
	Event   string        `json:"event"`
	Payload event.Payload `json:"payload"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if err := s.engine.Trigger(r.Context(), uid, req.Event, req.Payload); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.engine.GetUser(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, u)
}

type paymentFailedRequest struct {
	Method string `json:"method"`
	Reason string `json:"reason"`
}

func (s *Server) handlePaymentFailed(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req paymentFailedRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.RecordPaymentFailure(r.Context(), uid, req.Method, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Credits ────────────────────────────────────────────────────────────────

type creditsRequest struct {
	Amount     decimal.Decimal   `json:"amount"`
	ActualCost decimal.Decimal   `json:"actual_cost"`
	Type       user.TxType       `json:"type"`
	Method     string            `json:"method"`
	RefID      string            `json:"ref_id"`
	Metadata   map[string]string `json:"metadata"`
}

// handleCredits dispatches reserve, commit, release, add and deduct. A
// release is a failed generation; an add without a type is a purchase.
func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req creditsRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var (
		u   *user.User
		err error
	)
	switch op := chi.URLParam(r, "op"); op {
	case "reserve":
		u, err = s.engine.Ledger().Reserve(ctx, uid, req.Amount)
	case "commit":
		u, err = s.engine.CompleteGeneration(ctx, uid, req.Amount, req.ActualCost, req.RefID, req.Metadata)
	case "release":
		u, err = s.engine.FailGeneration(ctx, uid, req.Amount, req.RefID)
	case "add":
		if req.Type == "" || req.Type == user.TxPurchase {
			u, err = s.engine.RecordPayment(ctx, uid, req.Amount, req.Method, req.Metadata)
		} else {
			u, err = s.engine.Ledger().AddCredits(ctx, uid, req.Amount, req.Type, req.Method, req.Metadata)
		}
	case "deduct":
		u, err = s.engine.Ledger().DeductCredits(ctx, uid, req.Amount, req.RefID, req.Metadata)
	default:
		writeError(w, http.StatusNotFound, "unknown credits operation "+op)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ─── Costs ──────────────────────────────────────────────────────────────────

type estimateRequest struct {
	ModelID           string          `json:"model_id"`
	UserID            string          `json:"user_id"`
	Quality           cost.Quality    `json:"quality"`
	UserMargin        decimal.Decimal `json:"user_margin"`
	InputTokens       int64           `json:"input_tokens"`
	OutputTokens      int64           `json:"output_tokens"`
	IsImageGeneration bool            `json:"is_image_generation"`
	NumberOfImages    int             `json:"number_of_images"`
}

// handleEstimate prices exact usage, or sizes a reservation when user_id is
// set.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}

	if req.UserID != "" {
		uid, err := id.ParseUserID(req.UserID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q := req.Quality
		if q == "" {
			q = cost.QualityLow
		}
		res, err := s.engine.EstimateReservation(r.Context(), uid, req.ModelID, q, req.NumberOfImages)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, err := s.engine.CalculateGenerationCost(r.Context(), funnel.GenerationCost{
		ModelID:           req.ModelID,
		UserMargin:        req.UserMargin,
		InputTokens:       req.InputTokens,
		OutputTokens:      req.OutputTokens,
		IsImageGeneration: req.IsImageGeneration,
		NumberOfImages:    req.NumberOfImages,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Sweeps ─────────────────────────────────────────────────────────────────

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sweep")
	n, err := s.engine.Sweep(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sweep": name, "processed": n})
}

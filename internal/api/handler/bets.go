package handler

import (
	"encoding/json"
	"net/http"

	"github.com/ayo6706/minority-rounds/internal/betting"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// BetHandler handles bet placement, cancellation and listing.
type BetHandler struct {
	bets *betting.Service
}

func NewBetHandler(bets *betting.Service) *BetHandler {
	return &BetHandler{bets: bets}
}

// PlaceBetRequest is the body of POST /v1/bets.
type PlaceBetRequest struct {
	InstanceID   string `json:"instance_id"`
	Market       string `json:"market"`
	Selection    string `json:"selection"`
	AmountMicros int64  `json:"amount_micros"`
	Demo         bool   `json:"demo"`
}

// PlaceBet handles POST /v1/bets. The Idempotency-Key header doubles as the
// bet key, so a retried request returns the original bet.
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	userID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		RespondError(w, r, http.StatusBadRequest, "idempotency/missing-key", "Idempotency-Key header is required")
		return
	}

	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	instanceID, err := uuid.Parse(req.InstanceID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-instance-id", "Invalid instance_id")
		return
	}

	res, err := h.bets.PlaceBet(r.Context(), betting.PlaceBetRequest{
		UserID:         userID,
		InstanceID:     instanceID,
		Market:         domain.Market(req.Market),
		Selection:      domain.Selection(req.Selection),
		Amount:         req.AmountMicros,
		Demo:           req.Demo,
		IdempotencyKey: key,
	})
	if err != nil {
		respondServiceError(w, r, err, "bet/place-failed", "Failed to place bet")
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	RespondJSON(w, status, res)
}

// CancelBet handles DELETE /v1/bets/{id}?demo=true.
func (h *BetHandler) CancelBet(w http.ResponseWriter, r *http.Request) {
	userID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	betID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-bet-id", "Invalid bet ID")
		return
	}

	res, err := h.bets.CancelBet(r.Context(), userID, betID, queryDemo(r))
	if err != nil {
		respondServiceError(w, r, err, "bet/cancel-failed", "Failed to cancel bet")
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

// ListBets handles GET /v1/bets?demo=true&page=1&limit=20.
func (h *BetHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	userID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	page, limit := queryInt(r, "page", 1), queryInt(r, "limit", 20)

	bets, err := h.bets.ListBets(r.Context(), userID, queryDemo(r), page, limit)
	if err != nil {
		respondServiceError(w, r, err, "bet/list-failed", "Failed to list bets")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"bets":  bets,
		"page":  page,
		"limit": limit,
	})
}

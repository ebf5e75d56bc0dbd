package handler

import (
	"net/http"

	"github.com/ayo6706/minority-rounds/internal/betting"
	"github.com/ayo6706/minority-rounds/internal/domain"
)

// InstanceHandler exposes the live and settled market instances.
type InstanceHandler struct {
	bets *betting.Service
}

func NewInstanceHandler(bets *betting.Service) *InstanceHandler {
	return &InstanceHandler{bets: bets}
}

// GetOpen handles GET /v1/instances/open?duration=20m&demo=false.
func (h *InstanceHandler) GetOpen(w http.ResponseWriter, r *http.Request) {
	d, err := queryDuration(r)
	if err != nil {
		respondServiceError(w, r, err, "instance/lookup-failed", "Failed to load instance")
		return
	}
	view, err := h.bets.GetOpenInstance(r.Context(), d, queryDemo(r))
	if err != nil {
		respondServiceError(w, r, err, "instance/lookup-failed", "Failed to load instance")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"duration":          domain.DurationLabel(d),
		"instance":          view.Instance,
		"pools":             view.Pools,
		"remaining_seconds": view.RemainingSeconds,
		"server_time":       view.ServerNow,
	})
}

// History handles GET /v1/instances/history?duration=20m&page=1&limit=20.
func (h *InstanceHandler) History(w http.ResponseWriter, r *http.Request) {
	d, err := queryDuration(r)
	if err != nil {
		respondServiceError(w, r, err, "instance/history-failed", "Failed to load history")
		return
	}
	page, limit := queryInt(r, "page", 1), queryInt(r, "limit", 20)

	instances, err := h.bets.GetHistory(r.Context(), d, queryDemo(r), page, limit)
	if err != nil {
		respondServiceError(w, r, err, "instance/history-failed", "Failed to load history")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"duration":  domain.DurationLabel(d),
		"instances": instances,
		"page":      page,
		"limit":     limit,
	})
}

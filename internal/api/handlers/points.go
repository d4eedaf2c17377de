package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/synergy-network/synergy-node/internal/points"
)

// DefaultTopLimit is the leaderboard size when no limit is given.
const DefaultTopLimit = 10

// PointsHandler serves the synergy points ledger.
type PointsHandler struct {
	points *points.Ledger
	logger *slog.Logger
}

// NewPointsHandler creates a new points handler.
func NewPointsHandler(ledger *points.Ledger, logger *slog.Logger) *PointsHandler {
	return &PointsHandler{points: ledger, logger: logger}
}

// BlockRewardRequest is a block reward to split among participants.
type BlockRewardRequest struct {
	Total        uint64   `json:"total"`
	Participants []string `json:"participants"`
}

// Top handles GET /v1/points/top?limit=N.
func (h *PointsHandler) Top(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", DefaultTopLimit)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if limit < 0 {
		WriteBadRequest(w, r, "limit must not be negative")
		return
	}
	WriteJSON(w, http.StatusOK, h.points.GetTopValidators(limit))
}

// Get handles GET /v1/points/{id}. Unknown validators report zero metrics.
func (h *PointsHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.points.Metrics(chi.URLParam(r, "id")))
}

// Rewards handles POST /v1/points/rewards. It returns the split without
// crediting it.
func (h *PointsHandler) Rewards(w http.ResponseWriter, r *http.Request) {
	var req BlockRewardRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if len(req.Participants) == 0 {
		WriteBadRequest(w, r, "participants are required")
		return
	}
	WriteJSON(w, http.StatusOK, h.points.DistributeBlockReward(req.Total, req.Participants))
}

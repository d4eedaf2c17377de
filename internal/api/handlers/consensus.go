package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/engine"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/store"
)

// DefaultResultsLimit is the number of committed results listed by default.
const DefaultResultsLimit = 50

// ConsensusHandler exposes the node's consensus instances and the committed
// results ledger.
type ConsensusHandler struct {
	engine  *engine.Engine
	results store.ResultStore
	logger  *slog.Logger
}

// NewConsensusHandler creates a new consensus handler.
func NewConsensusHandler(eng *engine.Engine, results store.ResultStore, logger *slog.Logger) *ConsensusHandler {
	return &ConsensusHandler{engine: eng, results: results, logger: logger}
}

// InstanceSummary is the state of one hosted instance.
type InstanceSummary struct {
	ClusterID string `json:"cluster_id"`
	consensus.Info
}

// List handles GET /v1/consensus.
func (h *ConsensusHandler) List(w http.ResponseWriter, r *http.Request) {
	out := []InstanceSummary{}
	for _, id := range h.engine.InstanceIDs() {
		info, err := h.engine.InstanceInfo(id)
		if err != nil {
			continue
		}
		out = append(out, InstanceSummary{ClusterID: id, Info: info})
	}
	WriteJSON(w, http.StatusOK, out)
}

// Get handles GET /v1/consensus/{clusterID}.
func (h *ConsensusHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clusterID")
	info, err := h.engine.InstanceInfo(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get instance")
		return
	}
	WriteJSON(w, http.StatusOK, InstanceSummary{ClusterID: id, Info: info})
}

// Results handles GET /v1/consensus/{clusterID}/results?limit=N.
func (h *ConsensusHandler) Results(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", DefaultResultsLimit)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	results, err := h.results.ListCommittedResults(r.Context(), chi.URLParam(r, "clusterID"), limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "list committed results")
		return
	}
	if results == nil {
		results = []*models.CommittedResult{}
	}
	WriteJSON(w, http.StatusOK, results)
}

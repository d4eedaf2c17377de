package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/synergy-network/synergy-node/internal/api/errors"
	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/engine"
	"github.com/synergy-network/synergy-node/internal/models"
)

// ClusterHandler serves cluster formation and inspection.
type ClusterHandler struct {
	engine   *engine.Engine
	clusters *cluster.Manager
	logger   *slog.Logger
}

// NewClusterHandler creates a new cluster handler.
func NewClusterHandler(eng *engine.Engine, clusters *cluster.Manager, logger *slog.Logger) *ClusterHandler {
	return &ClusterHandler{engine: eng, clusters: clusters, logger: logger}
}

// CreateClusterRequest forms a cluster from explicit members.
type CreateClusterRequest struct {
	ValidatorIDs  []string `json:"validator_ids"`
	MinValidators int      `json:"min_validators"`
	MaxValidators int      `json:"max_validators"`
}

// FormClusterRequest forms a cluster from validators meeting requirements.
type FormClusterRequest struct {
	Requirements  models.ResourceRequirements `json:"requirements"`
	MinValidators int                         `json:"min_validators"`
	MaxValidators int                         `json:"max_validators"`
}

// RewardRequest is a reward amount to split.
type RewardRequest struct {
	Total uint64 `json:"total"`
}

func validateBounds(minN, maxN int) apierrors.ValidationErrors {
	var errs apierrors.ValidationErrors
	if minN < 0 {
		errs.Add("min_validators", "must not be negative")
	}
	if maxN < 0 {
		errs.Add("max_validators", "must not be negative")
	}
	if minN > 0 && maxN > 0 && maxN < minN {
		errs.Add("max_validators", "must be at least min_validators")
	}
	return errs
}

// List handles GET /v1/clusters.
func (h *ClusterHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.clusters.Clusters())
}

// Create handles POST /v1/clusters.
func (h *ClusterHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateClusterRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	errs := validateBounds(req.MinValidators, req.MaxValidators)
	if len(req.ValidatorIDs) == 0 {
		errs.Add("validator_ids", "at least one validator is required")
	}
	if errs.HasErrors() {
		writeError(w, r, errs.ToAPIError())
		return
	}

	c, err := h.engine.CreateCluster(req.ValidatorIDs, req.MinValidators, req.MaxValidators)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "create cluster")
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

// Form handles POST /v1/clusters/form.
func (h *ClusterHandler) Form(w http.ResponseWriter, r *http.Request) {
	var req FormClusterRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if errs := validateBounds(req.MinValidators, req.MaxValidators); errs.HasErrors() {
		writeError(w, r, errs.ToAPIError())
		return
	}

	c, err := h.engine.FormCluster(req.Requirements, req.MinValidators, req.MaxValidators)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "form cluster")
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

// Get handles GET /v1/clusters/{id}.
func (h *ClusterHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.clusters.GetCluster(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get cluster")
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// Health handles GET /v1/clusters/health.
func (h *ClusterHandler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.clusters.CheckClusterHealth())
}

// Rewards handles POST /v1/clusters/{id}/rewards. It returns the split
// without crediting it anywhere.
func (h *ClusterHandler) Rewards(w http.ResponseWriter, r *http.Request) {
	var req RewardRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	split, err := h.clusters.DistributeClusterRewards(chi.URLParam(r, "id"), req.Total)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "distribute rewards")
		return
	}
	WriteJSON(w, http.StatusOK, split)
}

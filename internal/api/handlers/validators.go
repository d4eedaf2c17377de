package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/models"
)

// ValidatorHandler serves the validator registry.
type ValidatorHandler struct {
	clusters *cluster.Manager
	logger   *slog.Logger
}

// NewValidatorHandler creates a new validator handler.
func NewValidatorHandler(clusters *cluster.Manager, logger *slog.Logger) *ValidatorHandler {
	return &ValidatorHandler{clusters: clusters, logger: logger}
}

// ValidatorResponse is a validator with its current cluster.
type ValidatorResponse struct {
	*models.Validator
	ClusterID string `json:"cluster_id,omitempty"`
}

// List handles GET /v1/validators. ?active=true restricts the list to
// validators that may join clusters. Any of ?min_cpu, ?min_memory,
// ?min_storage, ?min_bandwidth, ?gpu or ?hardware further restricts it to
// active validators meeting those capabilities.
func (h *ValidatorHandler) List(w http.ResponseWriter, r *http.Request) {
	req, filtered, err := capabilityFilter(r)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	var validators []*models.Validator
	switch {
	case filtered:
		validators = h.clusters.ValidatorsByCapability(req)
	case r.URL.Query().Get("active") == "true":
		validators = h.clusters.ActiveValidators()
	default:
		validators = h.clusters.Validators()
	}
	if validators == nil {
		validators = []*models.Validator{}
	}
	WriteJSON(w, http.StatusOK, validators)
}

// Register handles POST /v1/validators.
func (h *ValidatorHandler) Register(w http.ResponseWriter, r *http.Request) {
	var v models.Validator
	if err := decodeJSON(r, &v); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if err := v.Validate(); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if err := h.clusters.RegisterValidator(&v); err != nil {
		writeDomainError(w, r, h.logger, err, "register validator")
		return
	}
	registered, err := h.clusters.GetValidator(v.ID)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "register validator")
		return
	}
	WriteJSON(w, http.StatusCreated, registered)
}

// Get handles GET /v1/validators/{id}.
func (h *ValidatorHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.clusters.GetValidator(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get validator")
		return
	}
	resp := ValidatorResponse{Validator: v}
	if c, err := h.clusters.GetValidatorCluster(id); err == nil {
		resp.ClusterID = c.ID
	}
	WriteJSON(w, http.StatusOK, resp)
}

// AvailabilityRequest is the body of an availability update.
type AvailabilityRequest struct {
	Availability *float64 `json:"availability"`
}

// UpdateAvailability handles PATCH /v1/validators/{id}/availability. Values
// outside [0, 1] are clamped.
func (h *ValidatorHandler) UpdateAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Availability == nil {
		WriteBadRequest(w, r, "availability is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.clusters.UpdateAvailability(id, *req.Availability); err != nil {
		writeDomainError(w, r, h.logger, err, "update availability")
		return
	}
	v, err := h.clusters.GetValidator(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "update availability")
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// capabilityFilter reads the capability query parameters. filtered is false
// when none is present.
func capabilityFilter(r *http.Request) (req models.ResourceRequirements, filtered bool, err error) {
	q := r.URL.Query()

	minimums := []struct {
		name string
		dst  *int64
	}{
		{"min_memory", &req.MinMemory},
		{"min_storage", &req.MinStorage},
		{"min_bandwidth", &req.MinBandwidth},
	}
	cpu, err := queryInt(r, "min_cpu", 0)
	if err != nil {
		return req, false, err
	}
	if cpu < 0 {
		return req, false, fmt.Errorf("min_cpu must not be negative")
	}
	req.MinCPU = cpu
	filtered = q.Has("min_cpu")

	for _, m := range minimums {
		if !q.Has(m.name) {
			continue
		}
		v, err := strconv.ParseInt(q.Get(m.name), 10, 64)
		if err != nil {
			return req, false, fmt.Errorf("%s must be an integer", m.name)
		}
		if v < 0 {
			return req, false, fmt.Errorf("%s must not be negative", m.name)
		}
		*m.dst = v
		filtered = true
	}

	if q.Has("gpu") {
		gpu, err := strconv.ParseBool(q.Get("gpu"))
		if err != nil {
			return req, false, fmt.Errorf("gpu must be a boolean")
		}
		req.GPURequired = gpu
		filtered = true
	}
	if hw := q["hardware"]; len(hw) > 0 {
		req.SpecialHardware = hw
		filtered = true
	}
	return req, filtered, nil
}

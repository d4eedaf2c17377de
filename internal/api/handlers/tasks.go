package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/engine"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/tasks"
)

// TaskHandler serves task intake and the task pool.
type TaskHandler struct {
	engine   *engine.Engine
	pool     *tasks.Pool
	clusters *cluster.Manager
	logger   *slog.Logger
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(eng *engine.Engine, pool *tasks.Pool, clusters *cluster.Manager, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{engine: eng, pool: pool, clusters: clusters, logger: logger}
}

// SubmitTaskRequest is the body of a task submission. BaselineTime is a Go
// duration string such as "90s".
type SubmitTaskRequest struct {
	ID           string                      `json:"id,omitempty"`
	Type         models.TaskType             `json:"type"`
	Payload      json.RawMessage             `json:"payload,omitempty"`
	Requirements models.ResourceRequirements `json:"requirements"`
	Difficulty   int                         `json:"difficulty,omitempty"`
	Priority     int                         `json:"priority,omitempty"`
	BaselineTime string                      `json:"baseline_time,omitempty"`
}

// FindClusterResponse names the cluster a task would be dispatched to.
type FindClusterResponse struct {
	ClusterID string `json:"cluster_id"`
}

// Submit handles POST /v1/tasks. The task is pooled and queued for dispatch.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	t := &models.Task{
		ID:           req.ID,
		Type:         req.Type,
		Payload:      req.Payload,
		Requirements: req.Requirements,
		Difficulty:   req.Difficulty,
		Priority:     req.Priority,
	}
	if req.BaselineTime != "" {
		d, err := time.ParseDuration(req.BaselineTime)
		if err != nil {
			WriteBadRequest(w, r, "baseline_time must be a duration such as 90s")
			return
		}
		t.BaselineTime = d
	}

	task, err := h.engine.SubmitTask(r.Context(), t)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "submit task")
		return
	}
	WriteJSON(w, http.StatusAccepted, task)
}

// Get handles GET /v1/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.pool.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get task")
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// Stats handles GET /v1/tasks/stats.
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.pool.Stats())
}

// FindCluster handles POST /v1/tasks/find-cluster.
func (h *TaskHandler) FindCluster(w http.ResponseWriter, r *http.Request) {
	var req models.ResourceRequirements
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	id, err := h.clusters.FindClusterForTask(req)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "find cluster")
		return
	}
	WriteJSON(w, http.StatusOK, FindClusterResponse{ClusterID: id})
}

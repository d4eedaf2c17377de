// Package cluster manages the validator registry and the lifecycle of
// validator clusters: formation, task assignment, selection and scheduled
// reshuffling.
package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/pkg/config"
)

// Common errors returned by the manager.
var (
	ErrValidatorNotFound   = errors.New("validator not found")
	ErrClusterNotFound     = errors.New("cluster not found")
	ErrClusterExists       = errors.New("cluster already exists")
	ErrNoClusterFormed     = errors.New("not enough eligible validators to form a cluster")
	ErrNoSuitableCluster   = errors.New("no active cluster can serve the requirements")
	ErrClusterNotActive    = errors.New("cluster is not active")
	ErrTaskAlreadyAssigned = errors.New("task already assigned to cluster")
	ErrTaskNotAssigned     = errors.New("task not assigned to cluster")
	ErrInvalidStatus       = errors.New("invalid validator status")
)

// PointsReader supplies the current synergy points of a validator.
type PointsReader interface {
	Points(validatorID string) uint64
}

// HealthSummary is a read-only census of clusters and validators.
type HealthSummary struct {
	TotalClusters       int `json:"total_clusters"`
	ActiveClusters      int `json:"active_clusters"`
	FormingClusters     int `json:"forming_clusters"`
	ReshufflingClusters int `json:"reshuffling_clusters"`
	DissolvingClusters  int `json:"dissolving_clusters"`
	TotalValidators     int `json:"total_validators"`
	ActiveValidators    int `json:"active_validators"`
	ClusteredValidators int `json:"clustered_validators"`
}

// Manager owns the validator registry, the cluster table and the
// validator-to-cluster map. All mutations are serialized by one lock.
type Manager struct {
	mu sync.RWMutex

	validators map[string]*models.Validator
	clusters   map[string]*models.Cluster
	// validator ID -> cluster ID
	assignments map[string]string

	cfg     config.ClusterConfig
	points  PointsReader
	now     func() time.Time
	newID   func() string
	shuffle func(n int, swap func(i, j int))
	logger  *slog.Logger
}

// NewManager creates an empty manager. points may be nil, in which case the
// registry's own SynergyPoints values are used.
func NewManager(cfg *config.ClusterConfig, points PointsReader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	c := config.ClusterConfig{
		MinValidators:     models.DefaultMinValidators,
		MaxValidators:     models.DefaultMaxValidators,
		ReshuffleInterval: models.DefaultReshuffleInterval,
	}
	if cfg != nil {
		if cfg.MinValidators > 0 {
			c.MinValidators = cfg.MinValidators
		}
		if cfg.MaxValidators > 0 {
			c.MaxValidators = cfg.MaxValidators
		}
		if cfg.ReshuffleInterval > 0 {
			c.ReshuffleInterval = cfg.ReshuffleInterval
		}
	}
	return &Manager{
		validators:  make(map[string]*models.Validator),
		clusters:    make(map[string]*models.Cluster),
		assignments: make(map[string]string),
		cfg:         c,
		points:      points,
		now:         time.Now,
		newID:       uuid.NewString,
		shuffle:     rand.Shuffle,
		logger:      logger.With("component", "cluster"),
	}
}

// RegisterValidator inserts a validator or updates an existing one in place,
// so clusters that already hold it see the new values. An empty status
// registers the validator as active.
func (m *Manager) RegisterValidator(v *models.Validator) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("registering validator: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := v.Clone()
	if c.Status == "" {
		c.Status = models.ValidatorStatusActive
	}
	if c.LastActive.IsZero() {
		c.LastActive = m.now()
	}

	if existing, ok := m.validators[c.ID]; ok {
		*existing = *c
		m.logger.Debug("validator updated", "validator_id", c.ID)
		return nil
	}
	m.validators[c.ID] = c
	m.logger.Info("validator registered", "validator_id", c.ID, "status", c.Status)
	return nil
}

// GetValidator returns a copy of a registered validator with its current
// synergy points.
func (m *Manager) GetValidator(id string) (*models.Validator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.validators[id]
	if !ok {
		return nil, ErrValidatorNotFound
	}
	return m.view(v), nil
}

// UpdateAvailability sets a validator's availability, clamped to [0, 1].
func (m *Manager) UpdateAvailability(id string, availability float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.validators[id]
	if !ok {
		return ErrValidatorNotFound
	}
	v.Availability = min(max(availability, 0), 1)
	return nil
}

// Touch refreshes a validator's last-active timestamp.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.validators[id]
	if !ok {
		return ErrValidatorNotFound
	}
	v.LastActive = m.now()
	return nil
}

// SetStatus transitions a validator to another status.
func (m *Manager) SetStatus(id string, status models.ValidatorStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.validators[id]
	if !ok {
		return ErrValidatorNotFound
	}
	if v.Status != status {
		m.logger.Info("validator status changed", "validator_id", id, "from", v.Status, "to", status)
	}
	v.Status = status
	return nil
}

// Validators returns every registered validator ordered by ID.
func (m *Manager) Validators() []*models.Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(*models.Validator) bool { return true })
}

// ActiveValidators returns the active validators ordered by ID.
func (m *Manager) ActiveValidators() []*models.Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect((*models.Validator).IsActive)
}

// ValidatorsByCapability returns the active validators whose capabilities
// meet the requirements, ordered by ID.
func (m *Manager) ValidatorsByCapability(req models.ResourceRequirements) []*models.Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(v *models.Validator) bool {
		return v.IsActive() && v.Resources.Meets(req)
	})
}

func (m *Manager) collect(keep func(*models.Validator) bool) []*models.Validator {
	out := make([]*models.Validator, 0, len(m.validators))
	for _, id := range sortedIDs(m.validators) {
		if v := m.validators[id]; keep(v) {
			out = append(out, m.view(v))
		}
	}
	return out
}

// view copies a validator and fills in its points from the ledger.
func (m *Manager) view(v *models.Validator) *models.Validator {
	c := v.Clone()
	if m.points != nil {
		c.SynergyPoints = m.points.Points(v.ID)
	}
	return c
}

func (m *Manager) viewCluster(c *models.Cluster) *models.Cluster {
	cp := c.Clone()
	for i, v := range c.Validators {
		cp.Validators[i] = m.view(v)
	}
	return cp
}

func (m *Manager) bounds(minN, maxN int) (int, int) {
	if minN <= 0 {
		minN = m.cfg.MinValidators
	}
	if maxN <= 0 {
		maxN = m.cfg.MaxValidators
	}
	return minN, maxN
}

// CreateCluster builds a cluster from explicit members. Unknown, inactive and
// already clustered validators are skipped. The cluster is registered and
// activated only if enough active members remain; otherwise nothing changes
// and ErrNoClusterFormed is returned. Non-positive bounds use the configured
// defaults.
func (m *Manager) CreateCluster(validatorIDs []string, minN, maxN int) (*models.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCluster(m.newID(), validatorIDs, minN, maxN)
}

// CreateClusterWithID is CreateCluster with a caller-chosen identifier, used
// when bootstrapping from a genesis file.
func (m *Manager) CreateClusterWithID(id string, validatorIDs []string, minN, maxN int) (*models.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clusters[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrClusterExists, id)
	}
	return m.createCluster(id, validatorIDs, minN, maxN)
}

func (m *Manager) createCluster(id string, validatorIDs []string, minN, maxN int) (*models.Cluster, error) {
	minN, maxN = m.bounds(minN, maxN)
	c := models.NewCluster(id, m.now(), m.cfg.ReshuffleInterval, minN, maxN)

	for _, vid := range validatorIDs {
		v, ok := m.validators[vid]
		if !ok || !v.IsActive() {
			continue
		}
		if _, clustered := m.assignments[vid]; clustered {
			continue
		}
		c.AddValidator(v)
	}

	if !c.HasMinimumValidators() {
		m.logger.Warn("cluster formation failed",
			"requested", len(validatorIDs),
			"eligible", len(c.Validators),
			"min_validators", minN,
		)
		return nil, ErrNoClusterFormed
	}
	return m.activate(c), nil
}

// FormClusterByRequirements picks up to maxN validators at random from the
// active, unclustered validators that meet the requirements. It returns
// ErrNoClusterFormed when fewer than minN qualify.
func (m *Manager) FormClusterByRequirements(req models.ResourceRequirements, minN, maxN int) (*models.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	minN, maxN = m.bounds(minN, maxN)

	candidates := make([]*models.Validator, 0)
	for _, id := range sortedIDs(m.validators) {
		v := m.validators[id]
		if !v.IsActive() || !v.Resources.Meets(req) {
			continue
		}
		if _, clustered := m.assignments[id]; clustered {
			continue
		}
		candidates = append(candidates, v)
	}

	if len(candidates) < minN {
		m.logger.Warn("cluster formation failed",
			"eligible", len(candidates),
			"min_validators", minN,
		)
		return nil, ErrNoClusterFormed
	}

	m.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > maxN {
		candidates = candidates[:maxN]
	}

	c := models.NewCluster(m.newID(), m.now(), m.cfg.ReshuffleInterval, minN, maxN)
	for _, v := range candidates {
		c.AddValidator(v)
	}
	return m.activate(c), nil
}

func (m *Manager) activate(c *models.Cluster) *models.Cluster {
	c.Status = models.ClusterStatusActive
	for _, v := range c.Validators {
		m.assignments[v.ID] = c.ID
	}
	m.clusters[c.ID] = c

	m.logger.Info("cluster formed",
		"cluster_id", c.ID,
		"members", len(c.Validators),
		"reshuffle_at", c.ReshuffleAt,
	)
	return m.viewCluster(c)
}

// GetCluster returns a copy of a cluster.
func (m *Manager) GetCluster(id string) (*models.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return m.viewCluster(c), nil
}

// GetValidatorCluster returns the cluster a validator is currently mapped to.
func (m *Manager) GetValidatorCluster(validatorID string) (*models.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.assignments[validatorID]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return m.viewCluster(m.clusters[id]), nil
}

// Clusters returns copies of every cluster ordered by ID.
func (m *Manager) Clusters() []*models.Cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Cluster, 0, len(m.clusters))
	for _, id := range sortedIDs(m.clusters) {
		out = append(out, m.viewCluster(m.clusters[id]))
	}
	return out
}

// AssignTaskToCluster adds a task to an active cluster's assigned set.
func (m *Manager) AssignTaskToCluster(taskID, clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return ErrClusterNotFound
	}
	if !c.IsActive() {
		return ErrClusterNotActive
	}
	if !c.AssignTask(taskID) {
		return ErrTaskAlreadyAssigned
	}
	m.logger.Debug("task assigned", "cluster_id", clusterID, "task_id", taskID)
	return nil
}

// TrackTask records a task that a member saw proposed to a cluster. Unlike
// AssignTaskToCluster it accepts RESHUFFLING clusters and is idempotent, so
// every member holds the in-flight task until its sequence commits.
func (m *Manager) TrackTask(clusterID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return ErrClusterNotFound
	}
	if c.Status != models.ClusterStatusActive && c.Status != models.ClusterStatusReshuffling {
		return ErrClusterNotActive
	}
	if c.HasTask(taskID) {
		return nil
	}
	c.AssignTask(taskID)
	m.logger.Debug("task tracked", "cluster_id", clusterID, "task_id", taskID)
	return nil
}

// FindClusterForTask returns the active cluster with the fewest assigned
// tasks among those where at least two thirds of the members, rounded up, are
// active and meet the requirements. Ties go to the lowest cluster ID.
func (m *Manager) FindClusterForTask(req models.ResourceRequirements) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := ""
	bestLoad := 0
	for _, id := range sortedIDs(m.clusters) {
		c := m.clusters[id]
		if !c.IsActive() {
			continue
		}
		capable := 0
		for _, v := range c.Validators {
			if v.IsActive() && v.Resources.Meets(req) {
				capable++
			}
		}
		if capable == 0 || capable < (2*len(c.Validators)+2)/3 {
			continue
		}
		if load := len(c.AssignedTasks); best == "" || load < bestLoad {
			best, bestLoad = id, load
		}
	}
	if best == "" {
		return "", ErrNoSuitableCluster
	}
	return best, nil
}

// ReshuffleClusters retires every active cluster whose reshuffle deadline has
// passed. Members are released immediately. Clusters with no assigned tasks
// move straight to DISSOLVING and are counted; the rest stay RESHUFFLING until
// their tasks complete.
func (m *Manager) ReshuffleClusters(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, id := range sortedIDs(m.clusters) {
		c := m.clusters[id]
		if !c.IsActive() || !c.ShouldReshuffle(now) {
			continue
		}
		c.Status = models.ClusterStatusReshuffling
		for _, v := range c.Validators {
			if m.assignments[v.ID] == c.ID {
				delete(m.assignments, v.ID)
			}
		}
		if len(c.AssignedTasks) == 0 {
			c.Status = models.ClusterStatusDissolving
			count++
		}
		m.logger.Info("cluster reshuffled",
			"cluster_id", c.ID,
			"status", c.Status,
			"outstanding_tasks", len(c.AssignedTasks),
		)
	}
	return count
}

// DrainReshuffling moves RESHUFFLING clusters whose assigned set has emptied
// to DISSOLVING and returns their IDs.
func (m *Manager) DrainReshuffling() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var drained []string
	for _, id := range sortedIDs(m.clusters) {
		c := m.clusters[id]
		if c.Status == models.ClusterStatusReshuffling && len(c.AssignedTasks) == 0 {
			c.Status = models.ClusterStatusDissolving
			drained = append(drained, id)
			m.logger.Info("cluster drained", "cluster_id", id)
		}
	}
	return drained
}

// CheckClusterHealth counts clusters per status and validators per state.
func (m *Manager) CheckClusterHealth() HealthSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := HealthSummary{
		TotalClusters:       len(m.clusters),
		TotalValidators:     len(m.validators),
		ClusteredValidators: len(m.assignments),
	}
	for _, c := range m.clusters {
		switch c.Status {
		case models.ClusterStatusActive:
			s.ActiveClusters++
		case models.ClusterStatusForming:
			s.FormingClusters++
		case models.ClusterStatusReshuffling:
			s.ReshufflingClusters++
		case models.ClusterStatusDissolving:
			s.DissolvingClusters++
		}
	}
	for _, v := range m.validators {
		if v.IsActive() {
			s.ActiveValidators++
		}
	}
	return s
}

// CompleteTask records a completed task against a cluster and releases it
// from the assigned set. Completion is accepted in any status so that
// RESHUFFLING clusters can drain.
func (m *Manager) CompleteTask(clusterID, taskID string, completion time.Duration, reward uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return ErrClusterNotFound
	}
	if !c.CompleteTask(taskID, completion, reward) {
		return ErrTaskNotAssigned
	}
	return nil
}

// VerifyTask records a verification against a cluster and releases the task
// if this node was tracking it.
func (m *Manager) VerifyTask(clusterID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return ErrClusterNotFound
	}
	c.VerifyTask(taskID)
	return nil
}

// FailTask records a failed task and releases it from the assigned set.
func (m *Manager) FailTask(clusterID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return ErrClusterNotFound
	}
	if !c.FailTask(taskID) {
		return ErrTaskNotAssigned
	}
	return nil
}

// DistributeClusterRewards splits total among a cluster's active members using
// their current synergy points.
func (m *Manager) DistributeClusterRewards(clusterID string, total uint64) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return m.viewCluster(c).DistributeRewards(total), nil
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

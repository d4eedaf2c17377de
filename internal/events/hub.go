// Package events provides in-process publication of engine events to live
// subscribers such as the operator websocket stream.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies an engine event.
type Type string

const (
	TypeCommitted      Type = "committed"
	TypeViewChanged    Type = "view_changed"
	TypeEscalation     Type = "liveness_escalation"
	TypeClusterFormed  Type = "cluster_formed"
	TypeClusterRetired Type = "cluster_retired"
	TypeTaskAssigned   Type = "task_assigned"
	TypeTaskCompleted  Type = "task_completed"
	TypePointsDecayed  Type = "points_decayed"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Event is one published engine event.
type Event struct {
	Type      Type           `json:"type"`
	ClusterID string         `json:"cluster_id,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives events on C until it is unsubscribed.
type Subscriber struct {
	ID        string
	ClusterID string
	Types     map[Type]bool
	C         chan Event
	CreatedAt time.Time
}

func (s *Subscriber) wants(e Event) bool {
	if s.ClusterID != "" && s.ClusterID != e.ClusterID {
		return false
	}
	return len(s.Types) == 0 || s.Types[e.Type]
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	dropped     atomic.Uint64
	logger      *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber. An empty clusterID matches every cluster
// and no types match every type.
func (h *Hub) Subscribe(clusterID string, types ...Type) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		ClusterID: clusterID,
		C:         make(chan Event, DefaultBuffer),
		CreatedAt: time.Now(),
	}
	if len(types) > 0 {
		sub.Types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.Types[t] = true
		}
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "subscriber_id", sub.ID, "cluster_id", clusterID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.ID]; ok {
		close(sub.C)
		delete(h.subscribers, sub.ID)
		h.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish delivers e to every matching subscriber. A zero At is set to now.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.C <- e:
		default:
			h.dropped.Add(1)
			h.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"type", e.Type,
			)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synergy-network/synergy-node/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// EventsHandler streams engine events over a websocket.
type EventsHandler struct {
	hub      *events.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(hub *events.Hub, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Stream handles GET /v1/events. Optional filters: ?cluster_id=c1 and
// ?types=committed,view_changed.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var types []events.Type
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.Type(t))
			}
		}
	}
	clusterID := r.URL.Query().Get("cluster_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(clusterID, types...)
	defer h.hub.Unsubscribe(sub)
	h.logger.Info("event stream opened", "subscriber_id", sub.ID, "cluster_id", clusterID)

	// The read loop only processes control frames and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Info("event stream closed", "subscriber_id", sub.ID)
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("event write failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

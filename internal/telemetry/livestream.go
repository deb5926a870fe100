package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Snapshot is one telemetry frame pushed to connected dashboards: the
// current swap_stats plus per-step timing, adapted from the pack's
// concurrentanalyticsadashboard broadcast-update payloads.
type Snapshot struct {
	Step                 int64   `json:"step"`
	PercentStepsWithSwap float64 `json:"percent_steps_with_swap"`
	DistinctScenesLive   int     `json:"distinct_scenes_live"`
	MeanEnvsPerScene     float64 `json:"mean_envs_per_scene"`
	StepDurationMicros   int64   `json:"step_duration_micros"`
}

// connection is one live WebSocket subscriber.
type connection struct {
	id        string
	conn      *websocket.Conn
	sendQueue chan []byte
}

// Hub fans Snapshot frames out to any number of connected dashboards. It is
// adapted from concurrentanalyticsadashboard's WebSocketConnection/sender
// pattern: each connection gets its own buffered send queue and a ping
// ticker so a slow or dead client never blocks the broadcaster.
type Hub struct {
	log          zerolog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu          sync.Mutex
	connections map[string]*connection
}

// NewHub creates a telemetry Hub. pingInterval defaults to 30s if zero.
func NewHub(log zerolog.Logger, pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		log:          log,
		pingInterval: pingInterval,
		connections:  make(map[string]*connection),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers it as a
// read-only subscriber: the core never reads from these connections, it
// only ever pushes Snapshot frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("telemetry: websocket upgrade failed")
		return
	}

	c := &connection{
		id:        uuid.New().String(),
		conn:      conn,
		sendQueue: make(chan []byte, 32),
	}

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()

	go h.send(c)
}

func (h *Hub) send(c *connection) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer func() {
		h.mu.Lock()
		delete(h.connections, c.id)
		h.mu.Unlock()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.sendQueue:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast pushes a Snapshot to every connected dashboard. Connections with
// a full send queue drop the frame rather than blocking the caller — the
// broadcaster is the scheduler's own telemetry path and must never stall a
// step waiting on a slow dashboard.
func (h *Hub) Broadcast(s Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		h.log.Error().Err(err).Msg("telemetry: marshal snapshot failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.connections {
		select {
		case c.sendQueue <- data:
		default:
			h.log.Warn().Str("connection_id", c.id).Msg("telemetry: dropping snapshot, send queue full")
		}
	}
}

// ConnectionCount returns the number of currently connected dashboards.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

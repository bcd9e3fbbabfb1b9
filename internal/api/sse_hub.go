package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"energyagent/domain/core"
	"energyagent/internal"
)

// DefaultPingInterval is how often an idle stream sends a keep-alive.
const DefaultPingInterval = 30 * time.Second

// SSEHub fans run events out to the clients streaming each run.
type SSEHub struct {
	clients   map[core.RunID]map[chan StreamEvent]bool
	clientsMu sync.RWMutex
	logger    *internal.Logger
	ping      time.Duration
}

// NewSSEHub creates a hub. A nil logger discards output.
func NewSSEHub(logger *internal.Logger) *SSEHub {
	if logger == nil {
		logger = internal.NopLogger()
	}
	return &SSEHub{
		clients: make(map[core.RunID]map[chan StreamEvent]bool),
		logger:  logger,
		ping:    DefaultPingInterval,
	}
}

// Subscribe registers a client for runID. The returned func unregisters it
// and closes the channel.
func (h *SSEHub) Subscribe(runID core.RunID) (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, 32)
	h.clientsMu.Lock()
	if h.clients[runID] == nil {
		h.clients[runID] = make(map[chan StreamEvent]bool)
	}
	h.clients[runID][ch] = true
	h.logger.Debug("[SSE] client registered for run %s (total clients: %d)", runID, len(h.clients[runID]))
	h.clientsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.clientsMu.Lock()
			defer h.clientsMu.Unlock()
			if clients, ok := h.clients[runID]; ok {
				delete(clients, ch)
				if len(clients) == 0 {
					delete(h.clients, runID)
				}
			}
			close(ch)
		})
	}
}

// Broadcast sends ev to every client of its run. Full client buffers drop
// the event rather than block the pipeline.
func (h *SSEHub) Broadcast(ev StreamEvent) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for ch := range h.clients[ev.RunID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("[SSE] client channel full for run %s, dropping %s", ev.RunID, ev.Type)
		}
	}
}

// ClientCount returns the number of clients streaming runID.
func (h *SSEHub) ClientCount(runID core.RunID) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients[runID])
}

// Stream writes history and then live events to c until a terminal event,
// a closed subscription or client disconnect. live must have been
// subscribed before history was read; events already in history are skipped.
func (h *SSEHub) Stream(c *gin.Context, history []StreamEvent, live <-chan StreamEvent) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	last := 0
	for _, ev := range history {
		h.send(c, ev)
		last = ev.Seq
		if ev.Terminal() {
			c.Writer.Flush()
			return
		}
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-live:
			if !ok {
				return false
			}
			if ev.Seq <= last {
				return true
			}
			last = ev.Seq
			h.send(c, ev)
			return !ev.Terminal()
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"status": "alive", "timestamp": time.Now().UTC().Format(time.RFC3339)})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *SSEHub) send(c *gin.Context, ev StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("[SSE] failed to marshal event: %v", err)
		return
	}
	c.SSEvent(string(ev.Type), string(payload))
}

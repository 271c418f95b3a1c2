package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to loopback unless operators opt in, and
		// every connection already passed bearer auth.
		return true
	},
}

const clientSendBuffer = 16

// event is the wire frame pushed to dashboard clients.
type event struct {
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Escalation *types.Escalation `json:"escalation,omitempty"`
	Digest     string            `json:"digest,omitempty"`
}

// Hub fans escalation events out to connected WebSocket clients. It
// implements alerting.Notifier so the sink treats dashboards like any
// other notification target. Slow clients are disconnected rather than
// allowed to stall the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[chan event]struct{}
	closed  bool
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[chan event]struct{}),
		logger:  logger.With().Str("component", "gateway.hub").Logger(),
	}
}

// NotifyEscalation broadcasts a newly enqueued escalation.
func (h *Hub) NotifyEscalation(e *types.Escalation) {
	h.broadcast(event{Type: "escalation", Timestamp: time.Now().UTC(), Escalation: e})
}

// SendDigest broadcasts the periodic queue digest.
func (h *Hub) SendDigest(text string) {
	h.broadcast(event{Type: "digest", Timestamp: time.Now().UTC(), Digest: text})
}

func (h *Hub) broadcast(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Buffer full; drop the client instead of blocking.
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// ClientCount reports the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *Hub) register() (chan event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan event, clientSendBuffer)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *Hub) unregister(ch chan event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// handleUpgrade upgrades the connection and streams events until the
// client goes away or the hub closes.
func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch, ok := h.register()
	if !ok {
		conn.Close()
		return
	}
	h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("dashboard connected")

	// Reader goroutine: the feed is one-way, but reads must be drained
	// to observe close frames from the client.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.unregister(ch)
		conn.Close()
	}()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug().Err(err).Msg("dashboard write failed")
				return
			}
		case <-done:
			return
		}
	}
}

package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
)

const (
	writeWait      = 10 * time.Second
	clientQueueLen = 16
)

// EventHub fans applied device updates out to websocket subscribers. A
// slow client that cannot drain its queue is dropped rather than allowed
// to stall the rest.
type EventHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan model.DeviceRecord]struct{}
}

func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: map[chan model.DeviceRecord]struct{}{},
	}
}

// Broadcast queues one update for every connected subscriber.
func (h *EventHub) Broadcast(record model.DeviceRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- record:
		default:
			// Queue full; the client's writer will notice and close.
			close(ch)
			delete(h.clients, ch)
		}
	}
}

// Serve upgrades the request and streams updates until the client goes
// away.
func (h *EventHub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	ch := make(chan model.DeviceRecord, clientQueueLen)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[ch]; ok {
			close(ch)
			delete(h.clients, ch)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// The server's read deadline predates the hijack; lift it so an idle
	// subscriber is not cut off.
	_ = conn.SetReadDeadline(time.Time{})

	// Drain (and discard) client frames so pings and closes are handled.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for record := range ch {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := conn.WriteJSON(record); err != nil {
			return
		}
	}
}

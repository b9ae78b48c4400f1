package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slotkeeper/slotkeeper/internal/events"
)

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 5 * time.Second
)

// StreamHandler streams limiter decisions over WebSocket.
type StreamHandler struct {
	broker   *events.Broker
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(broker *events.Broker) *StreamHandler {
	return &StreamHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Admin routes are already bearer-authenticated.
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP handles GET /admin/ratelimits/stream. An optional endpoint query
// parameter restricts the stream to one policy.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Server read and write timeouts carry over to the hijacked connection.
	_ = conn.SetReadDeadline(time.Time{})

	decisions, unsubscribe := h.broker.Subscribe()
	defer unsubscribe()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case d, ok := <-decisions:
			if !ok {
				return
			}
			if endpoint != "" && d.Endpoint != endpoint {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(d); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Package bridge is the host-facing websocket endpoint. The telephony host
// connects once per call, pushes one binary capture frame every 20ms, and
// receives playback frames and stream events on the same connection. Each
// inbound capture frame drives one playback tick, so the host's media clock
// paces emission.
package bridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicebridge/server/domain"
	"github.com/voicebridge/server/domain/repositories"
	"github.com/voicebridge/server/usecase"
)

const (
	// Time allowed to write a message to the host.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the host. Capture frames
	// arrive every 20ms, so a quiet connection is a dead one.
	pongWait = 60 * time.Second

	// Send pings to the host with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the host.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Hosts authenticate with a JWT before reaching the upgrade.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WriteData is one outbound websocket message.
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage.
	Type    int
	Payload []byte
}

// Hub tracks the host connection for each live call and routes stream
// events to it. It is the repositories.EventSink for the stream service.
type Hub struct {
	// Registered clients, keyed by call UUID.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	mu sync.RWMutex

	streams *usecase.StreamService
	logger  *zap.Logger
}

var _ repositories.EventSink = (*Hub)(nil)

// NewHub creates a hub. The stream service is attached afterwards because
// the service needs the hub as its event sink.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// AttachStreams binds the stream service the bridge serves.
func (h *Hub) AttachStreams(streams *usecase.StreamService) {
	h.streams = streams
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			old, replaced := h.clients[client.callUUID]
			h.clients[client.callUUID] = client
			h.mu.Unlock()
			if replaced {
				// A reconnecting host takes over its call; the stale
				// connection is told to shut down.
				close(old.done)
				h.logger.Warn("Replacing host connection",
					zap.String("callUUID", client.callUUID))
			}
			h.logger.Info("Host connected", zap.String("callUUID", client.callUUID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.callUUID]; ok && current == client {
				delete(h.clients, client.callUUID)
				close(client.done)
			}
			h.mu.Unlock()
			h.logger.Info("Host disconnected", zap.String("callUUID", client.callUUID))
		}
	}
}

// Publish delivers a stream event to the call's host as a JSON text frame.
// Events for calls without a connected host are dropped.
func (h *Hub) Publish(event domain.Event) {
	h.mu.RLock()
	client, ok := h.clients[event.CallUUID]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("Dropping event for disconnected host",
			zap.String("callUUID", event.CallUUID),
			zap.String("event", string(event.Type)))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	client.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

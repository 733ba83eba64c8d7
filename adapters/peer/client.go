// Package peer implements the websocket client that connects a stream to
// its remote voice peer.
package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicebridge/server/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

// ErrNotConnected is returned when sending before Connect or after Close.
var ErrNotConnected = errors.New("peer: not connected")

type writeData struct {
	// Type is the websocket message type, websocket.TextMessage or
	// websocket.BinaryMessage.
	Type    int
	Payload []byte
}

// Client is a websocket connection to the remote voice peer. Incoming
// traffic is delivered to the repositories.PeerHandler passed to Connect.
type Client struct {
	url    string
	logger *zap.Logger

	// Buffered channel of outbound messages.
	send chan writeData

	mu      sync.Mutex
	conn    *websocket.Conn
	handler repositories.PeerHandler
	closed  bool
}

var _ repositories.PeerTransport = (*Client)(nil)

// NewClient creates an unconnected client for the given ws:// or wss:// URL.
func NewClient(url string, logger *zap.Logger) *Client {
	return &Client{
		url:    url,
		logger: logger,
		send:   make(chan writeData, 256),
	}
}

// NewDialer returns a repositories.PeerDialer backed by NewClient.
func NewDialer(logger *zap.Logger) repositories.PeerDialer {
	return func(url string) repositories.PeerTransport {
		return NewClient(url, logger)
	}
}

// Connect dials the peer and starts the read and write pumps. Traffic is
// delivered to handler until the connection ends.
func (c *Client) Connect(ctx context.Context, handler repositories.PeerHandler) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: writeWait,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.handler = handler
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()

	return nil
}

// SendAudio queues one binary frame for the peer. It never blocks; when the
// outbound buffer is full the frame is dropped.
func (c *Client) SendAudio(data []byte) error {
	payload := make([]byte, len(data))
	copy(payload, data)
	return c.enqueue(writeData{Type: websocket.BinaryMessage, Payload: payload})
}

// SendText queues one JSON text frame for the peer.
func (c *Client) SendText(message string) error {
	return c.enqueue(writeData{Type: websocket.TextMessage, Payload: []byte(message)})
}

func (c *Client) enqueue(msg writeData) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("Peer send buffer full, dropping message",
			zap.Int("type", msg.Type),
			zap.Int("size", len(msg.Payload)))
		return nil
	}
}

// Close tears the connection down. The handler's OnClosed is invoked with a
// nil error once the read pump observes the closure.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	// WriteControl is the only write safe to issue while the write pump may
	// be mid-WriteMessage.
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}

// readPump pumps messages from the websocket connection to the handler.
func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			requested := c.closed
			c.mu.Unlock()
			if requested || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.handler.OnClosed(nil)
			} else {
				c.logger.Error("Peer connection error", zap.Error(err))
				c.handler.OnClosed(err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handler.OnAudio(message)
		case websocket.TextMessage:
			c.handler.OnText(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps queued messages to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.mu.Lock()
				requested := c.closed
				c.mu.Unlock()
				if !requested {
					c.logger.Error("Failed to write message", zap.Error(err))
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

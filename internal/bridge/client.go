package bridge

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voicebridge/server/domain/entities"
	"github.com/voicebridge/server/usecase"
)

// Client is one host connection bound to its call's stream session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Never closed; the hub signals
	// shutdown through done so a concurrent Publish cannot hit a closed
	// channel.
	send chan WriteData

	// done is closed by the hub when the client is unregistered or its
	// call is taken over by a newer connection.
	done chan struct{}

	callUUID string
	session  *usecase.StreamSession

	// playback is the scratch frame reused across ticks.
	playback []byte

	logger *zap.Logger
}

// HandleMediaSocket upgrades an authenticated host connection for the given
// call. The call's stream must already be started through the control API.
func HandleMediaSocket(hub *Hub, c echo.Context, callUUID string, logger *zap.Logger) error {
	session, err := hub.streams.Get(callUUID)
	if err != nil {
		return echo.NewHTTPError(404, "no stream for this call")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan WriteData, 256),
		done:     make(chan struct{}),
		callUUID: callUUID,
		session:  session,
		playback: make([]byte, entities.PlaybackFrameBytes),
		logger:   logger.With(zap.String("callUUID", callUUID)),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return nil
}

// enqueue queues a message without blocking the caller. Messages for a
// client that is already gone, and messages that find the buffer full, are
// dropped rather than stalling the media path.
func (c *Client) enqueue(msg WriteData) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.logger.Warn("Host send buffer full, dropping message",
			zap.Int("type", msg.Type))
	}
}

// readPump pumps capture frames from the host into the stream session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("Host connection error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if done := c.handleCaptureFrame(message); done {
				return
			}
		case websocket.TextMessage:
			// Control traffic belongs on the HTTP API.
			c.logger.Warn("Ignoring text frame from host", zap.Int("size", len(message)))
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// handleCaptureFrame forwards one capture frame to the peer and runs one
// playback tick, writing any emitted frame back to the host. It reports
// true once the session is gone and the connection should end.
func (c *Client) handleCaptureFrame(frame []byte) bool {
	if err := c.session.Capture(frame); err != nil {
		if errors.Is(err, usecase.ErrSessionClosed) {
			return true
		}
		c.logger.Warn("Dropping capture frame", zap.Error(err))
	}

	n, err := c.session.Tick(c.playback)
	if err != nil {
		if errors.Is(err, usecase.ErrSessionClosed) {
			return true
		}
		c.logger.Error("Playback tick failed", zap.Error(err))
		return false
	}
	if n > 0 {
		payload := make([]byte, n)
		copy(payload, c.playback[:n])
		c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: payload})
	}
	return false
}

// writePump pumps queued messages to the host connection.
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
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package domain holds the messages exchanged with the host across the
// bridge boundary.
package domain

import (
	"encoding/json"
	"time"
)

// EventType names a stream event delivered to the host.
type EventType string

const (
	// EventConnect fires once the peer websocket is established.
	EventConnect EventType = "connect"
	// EventDisconnect fires when the peer connection ends, whether by
	// caller request or because the connection dropped.
	EventDisconnect EventType = "disconnect"
	// EventError reports a peer transport failure.
	EventError EventType = "error"
	// EventJSON relays a text frame received from the peer verbatim.
	EventJSON EventType = "json"
	// EventPlay fires when playback warmup completes and audio starts
	// flowing to the host.
	EventPlay EventType = "play"
	// EventPause fires when playback pauses to refill its buffer.
	EventPause EventType = "pause"
)

// Event is a typed notification published towards the host. Payload holds
// the peer's JSON for EventJSON, the error text for EventError, and the
// optional final text for a caller-requested EventDisconnect.
type Event struct {
	Type      EventType       `json:"event"`
	CallUUID  string          `json:"call_uuid"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, callUUID string, payload []byte) Event {
	return Event{
		Type:      eventType,
		CallUUID:  callUUID,
		Timestamp: time.Now().Format(time.RFC3339),
		Payload:   payload,
	}
}

package repositories

import "context"

// PeerHandler receives traffic from the remote voice peer. Implementations
// must not block: audio handling feeds a queue, text handling publishes
// events.
type PeerHandler interface {
	// OnAudio delivers one binary payload of playback audio. The slice is
	// only valid for the duration of the call.
	OnAudio(data []byte)

	// OnText delivers one JSON text frame from the peer.
	OnText(message []byte)

	// OnClosed reports that the connection ended. err is nil for a local
	// Close and non-nil when the peer dropped the connection.
	OnClosed(err error)
}

// PeerTransport is a full-duplex connection to the remote voice peer.
type PeerTransport interface {
	// Connect dials the peer and starts delivering traffic to handler.
	Connect(ctx context.Context, handler PeerHandler) error

	// SendAudio queues one binary frame of capture audio for the peer.
	SendAudio(data []byte) error

	// SendText queues one JSON text frame for the peer.
	SendText(message string) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// PeerDialer creates a transport for the given websocket URL. Injected so
// tests can substitute an in-process peer.
type PeerDialer func(url string) PeerTransport

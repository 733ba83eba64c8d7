package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voicebridge/server/domain"
	"github.com/voicebridge/server/domain/entities"
	"github.com/voicebridge/server/domain/repositories"
	"github.com/voicebridge/server/usecase"
)

type stubTransport struct {
	mu      sync.Mutex
	handler repositories.PeerHandler
	audio   [][]byte
	texts   []string
}

func (s *stubTransport) Connect(ctx context.Context, handler repositories.PeerHandler) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.audio = append(s.audio, buf)
	return nil
}

func (s *stubTransport) SendText(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, message)
	return nil
}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler.OnClosed(nil)
	}
	return nil
}

func (s *stubTransport) peerHandler() repositories.PeerHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *stubTransport) capturedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func newBridgeFixture(t *testing.T) (*httptest.Server, *usecase.StreamService, *stubTransport) {
	t.Helper()
	logger := zap.NewNop()
	transport := &stubTransport{}
	dialer := func(url string) repositories.PeerTransport { return transport }

	hub := NewHub(logger)
	svc := usecase.NewStreamService(dialer, hub, logger)
	hub.AttachStreams(svc)
	go hub.Run()

	e := echo.New()
	e.GET("/ws/:uuid", func(c echo.Context) error {
		return HandleMediaSocket(hub, c, c.Param("uuid"), logger)
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, svc, transport
}

func dialHost(t *testing.T, server *httptest.Server, callUUID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + callUUID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_PublishAfterHostDisconnect(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	go hub.Run()

	client := &Client{
		hub:      hub,
		send:     make(chan WriteData, 1),
		done:     make(chan struct{}),
		callUUID: uuid.NewString(),
		logger:   logger,
	}
	hub.register <- client
	hub.unregister <- client

	select {
	case <-client.done:
	case <-time.After(time.Second):
		t.Fatal("unregister never signalled the client")
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("delivering to a disconnected host panicked: %v", r)
		}
	}()

	// The peer keeps producing events after the host drops; both the direct
	// enqueue path and Publish must degrade to a silent drop.
	client.enqueue(WriteData{Type: websocket.TextMessage, Payload: []byte("{}")})
	hub.Publish(domain.NewEvent(domain.EventJSON, client.callUUID, nil))
}

func TestHub_ReconnectTakesOverCall(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	go hub.Run()

	callUUID := uuid.NewString()
	stale := &Client{
		hub:      hub,
		send:     make(chan WriteData, 1),
		done:     make(chan struct{}),
		callUUID: callUUID,
		logger:   logger,
	}
	hub.register <- stale

	replacement := &Client{
		hub:      hub,
		send:     make(chan WriteData, 1),
		done:     make(chan struct{}),
		callUUID: callUUID,
		logger:   logger,
	}
	hub.register <- replacement

	select {
	case <-stale.done:
	case <-time.After(time.Second):
		t.Fatal("stale connection was not told to shut down")
	}

	hub.Publish(domain.NewEvent(domain.EventJSON, callUUID, nil))
	select {
	case <-replacement.send:
	case <-time.After(time.Second):
		t.Fatal("event did not reach the replacement connection")
	}

	// The stale connection's unregister must not evict the replacement.
	hub.unregister <- stale
	hub.Publish(domain.NewEvent(domain.EventJSON, callUUID, nil))
	select {
	case <-replacement.send:
	case <-time.After(time.Second):
		t.Fatal("replacement was evicted by the stale unregister")
	}
	select {
	case <-replacement.done:
		t.Fatal("replacement was shut down by the stale unregister")
	default:
	}
}

func TestBridge_RejectsUnknownCall(t *testing.T) {
	server, _, _ := newBridgeFixture(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + uuid.NewString()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded for a call with no stream")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("expected 404 handshake rejection, got %v", resp)
	}
}

func TestBridge_CaptureDrivesPlayback(t *testing.T) {
	server, svc, transport := newBridgeFixture(t)

	cfg := entities.StreamConfig{
		CallUUID:   uuid.NewString(),
		PeerURL:    "wss://peer.example.com/media",
		Format:     entities.FormatPCMU,
		SampleRate: 8000,
		MixType:    entities.MixMono,
	}
	if _, err := svc.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := dialHost(t, server, cfg.CallUUID)

	// Peer delivers enough audio to complete warmup.
	transport.peerHandler().OnAudio(make([]byte, 40*160))

	// One capture frame from the host triggers one tick.
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("write capture frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var gotPlayback, gotPlayEvent bool
	for !gotPlayback || !gotPlayEvent {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read from bridge: %v (playback=%v event=%v)", err, gotPlayback, gotPlayEvent)
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(message) != entities.PlaybackFrameBytes {
				t.Fatalf("playback frame of %d bytes", len(message))
			}
			gotPlayback = true
		case websocket.TextMessage:
			var event domain.Event
			if err := json.Unmarshal(message, &event); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if event.Type == domain.EventPlay {
				gotPlayEvent = true
			}
		}
	}

	// The capture frame reached the peer, companded to one 160-byte frame.
	deadline := time.Now().Add(2 * time.Second)
	for transport.capturedFrames() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("capture frame never reached the peer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBridge_RelaysPeerJSON(t *testing.T) {
	server, svc, transport := newBridgeFixture(t)

	cfg := entities.StreamConfig{
		CallUUID:   uuid.NewString(),
		PeerURL:    "wss://peer.example.com/media",
		Format:     entities.FormatL16,
		SampleRate: 8000,
		MixType:    entities.MixMono,
	}
	if _, err := svc.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := dialHost(t, server, cfg.CallUUID)

	// Give the hub a moment to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	transport.peerHandler().OnText([]byte(`{"type":"transcript","text":"hello"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read from bridge: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", messageType)
	}

	var event domain.Event
	if err := json.Unmarshal(message, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Type != domain.EventJSON {
		t.Errorf("event type = %s, want json", event.Type)
	}
	if event.CallUUID != cfg.CallUUID {
		t.Errorf("event call uuid = %s, want %s", event.CallUUID, cfg.CallUUID)
	}
	if !strings.Contains(string(event.Payload), "transcript") {
		t.Errorf("event payload %s lost the peer message", event.Payload)
	}
}

package usecase

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicebridge/server/domain"
	"github.com/voicebridge/server/domain/entities"
	"github.com/voicebridge/server/domain/repositories"
	"github.com/voicebridge/server/internal/audio"
)

// fakeTransport stands in for the peer websocket. Close synchronously
// reports the closure back through the handler, the way the real client's
// read pump does.
type fakeTransport struct {
	mu      sync.Mutex
	handler repositories.PeerHandler
	audio   [][]byte
	texts   []string
	closed  bool

	connectErr error
}

func (f *fakeTransport) Connect(ctx context.Context, handler repositories.PeerHandler) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendAudio(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.audio = append(f.audio, buf)
	return nil
}

func (f *fakeTransport) SendText(message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, message)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler.OnClosed(nil)
	}
	return nil
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeTransport) sentAudio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

// collectorSink records every published event.
type collectorSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collectorSink) Publish(event domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *collectorSink) types() []domain.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]domain.EventType, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}

func validConfig() entities.StreamConfig {
	return entities.StreamConfig{
		CallUUID:   uuid.NewString(),
		PeerURL:    "wss://peer.example.com/media",
		Format:     entities.FormatPCMU,
		SampleRate: 8000,
		MixType:    entities.MixMono,
	}
}

func newTestService(transport *fakeTransport) (*StreamService, *collectorSink) {
	sink := &collectorSink{}
	dialer := func(url string) repositories.PeerTransport { return transport }
	return NewStreamService(dialer, sink, zap.NewNop()), sink
}

func TestStreamService_StartValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *entities.StreamConfig)
	}{
		{
			name:   "invalid call uuid",
			mutate: func(cfg *entities.StreamConfig) { cfg.CallUUID = "not-a-uuid" },
		},
		{
			name:   "http peer url",
			mutate: func(cfg *entities.StreamConfig) { cfg.PeerURL = "https://peer.example.com" },
		},
		{
			name:   "sample rate not a multiple of 8000",
			mutate: func(cfg *entities.StreamConfig) { cfg.SampleRate = 44100 },
		},
		{
			name: "companded format above 8000",
			mutate: func(cfg *entities.StreamConfig) {
				cfg.Format = entities.FormatPCMA
				cfg.SampleRate = 16000
			},
		},
		{
			name: "low water above warmup",
			mutate: func(cfg *entities.StreamConfig) {
				cfg.WarmupFrames = 10
				cfg.LowWaterFrames = 20
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(&fakeTransport{})
			cfg := validConfig()
			tt.mutate(&cfg)
			if _, err := svc.Start(context.Background(), cfg); err == nil {
				t.Error("Start accepted invalid config")
			}
		})
	}
}

func TestStreamService_StartSendsMetadataAndEvent(t *testing.T) {
	transport := &fakeTransport{}
	svc, sink := newTestService(transport)

	cfg := validConfig()
	cfg.Metadata = `{"caller":"+15550100"}`
	if _, err := svc.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	texts := transport.sentTexts()
	if len(texts) != 1 || texts[0] != cfg.Metadata {
		t.Errorf("metadata not sent as first text frame, got %v", texts)
	}
	if types := sink.types(); len(types) != 1 || types[0] != domain.EventConnect {
		t.Errorf("events after start = %v, want [connect]", types)
	}

	if _, err := svc.Start(context.Background(), cfg); !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate Start returned %v, want ErrSessionExists", err)
	}
}

func TestStreamService_StartConnectFailureReleasesSlot(t *testing.T) {
	transport := &fakeTransport{connectErr: errors.New("connection refused")}
	svc, _ := newTestService(transport)

	cfg := validConfig()
	if _, err := svc.Start(context.Background(), cfg); err == nil {
		t.Fatal("Start succeeded despite connect failure")
	}

	// The slot is free again, so a retry is not treated as a duplicate.
	transport.connectErr = nil
	if _, err := svc.Start(context.Background(), cfg); err != nil {
		t.Fatalf("retry after failed connect: %v", err)
	}
}

func TestStreamService_StopSendsFinalTextAndCleansUp(t *testing.T) {
	transport := &fakeTransport{}
	svc, sink := newTestService(transport)

	cfg := validConfig()
	if _, err := svc.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := `{"type":"goodbye"}`
	if err := svc.Stop(cfg.CallUUID, final); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	texts := transport.sentTexts()
	if len(texts) != 1 || texts[0] != final {
		t.Errorf("final text not delivered, got %v", texts)
	}

	types := sink.types()
	want := []domain.EventType{domain.EventConnect, domain.EventDisconnect}
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] {
		t.Errorf("events = %v, want %v", types, want)
	}

	if _, err := svc.Get(cfg.CallUUID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after stop returned %v, want ErrSessionNotFound", err)
	}
	if err := svc.Stop(cfg.CallUUID, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Stop returned %v, want ErrSessionNotFound", err)
	}
}

func TestStreamService_PeerDropPublishesError(t *testing.T) {
	transport := &fakeTransport{}
	svc, sink := newTestService(transport)

	cfg := validConfig()
	if _, err := svc.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	transport.handler.OnClosed(errors.New("connection reset"))

	types := sink.types()
	want := []domain.EventType{domain.EventConnect, domain.EventError, domain.EventDisconnect}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	if _, err := svc.Get(cfg.CallUUID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session still registered after peer drop")
	}
}

func TestStreamSession_CaptureCompandsAndRespectsPause(t *testing.T) {
	transport := &fakeTransport{}
	svc, _ := newTestService(transport)

	cfg := validConfig()
	session, err := svc.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One 20ms frame of linear silence compands to 160 bytes of 0xFF.
	if err := session.Capture(make([]byte, 320)); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	sent := transport.sentAudio()
	if len(sent) != 1 {
		t.Fatalf("sent %d audio frames, want 1", len(sent))
	}
	if len(sent[0]) != 160 || !bytes.Equal(sent[0], bytes.Repeat([]byte{audio.UlawSilence}, 160)) {
		t.Errorf("companded capture frame wrong: len=%d first=%#02x", len(sent[0]), sent[0][0])
	}

	session.Pause()
	if err := session.Capture(make([]byte, 320)); err != nil {
		t.Fatalf("Capture while paused: %v", err)
	}
	if got := len(transport.sentAudio()); got != 1 {
		t.Errorf("paused capture still reached the peer, %d frames sent", got)
	}

	session.Resume()
	if err := session.Capture(make([]byte, 320)); err != nil {
		t.Fatalf("Capture after resume: %v", err)
	}
	if got := len(transport.sentAudio()); got != 2 {
		t.Errorf("capture after resume did not reach the peer, %d frames sent", got)
	}
}

func TestStreamSession_TickPublishesPlay(t *testing.T) {
	transport := &fakeTransport{}
	svc, sink := newTestService(transport)

	cfg := validConfig()
	session, err := svc.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Enough peer audio to satisfy the default warmup threshold.
	transport.handler.OnAudio(make([]byte, 40*160))

	dst := make([]byte, entities.PlaybackFrameBytes)
	n, err := session.Tick(dst)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != entities.PlaybackFrameBytes {
		t.Fatalf("Tick emitted %d bytes", n)
	}

	types := sink.types()
	found := false
	for _, tp := range types {
		if tp == domain.EventPlay {
			found = true
		}
	}
	if !found {
		t.Errorf("no play event after warmup completion, events = %v", types)
	}
}

func TestStreamSession_PeerBargeInFlushesPlayback(t *testing.T) {
	transport := &fakeTransport{}
	svc, sink := newTestService(transport)

	cfg := validConfig()
	session, err := svc.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	transport.handler.OnAudio(make([]byte, 40*160))
	transport.handler.OnText([]byte(`{"type":"clearAudio"}`))

	stats := session.Stats()
	if stats.QueuedBytes != 0 || stats.BufferedBytes != 0 {
		t.Errorf("barge-in left queued=%d buffered=%d", stats.QueuedBytes, stats.BufferedBytes)
	}

	// The control frame is still relayed to the host as a JSON event.
	foundJSON := false
	for _, tp := range sink.types() {
		if tp == domain.EventJSON {
			foundJSON = true
		}
	}
	if !foundJSON {
		t.Error("peer text frame was not relayed as a json event")
	}
}

func TestStreamSession_AudioAfterCloseIsDropped(t *testing.T) {
	transport := &fakeTransport{}
	svc, _ := newTestService(transport)

	cfg := validConfig()
	session, err := svc.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	handler := transport.handler
	if err := svc.Stop(cfg.CallUUID, ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	handler.OnAudio(make([]byte, 160))
	handler.OnAudio(make([]byte, 160))
	if got := session.Stats().DroppedPushes; got != 2 {
		t.Errorf("dropped pushes = %d, want 2", got)
	}

	if _, err := session.Tick(make([]byte, entities.PlaybackFrameBytes)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Tick after close returned %v, want ErrSessionClosed", err)
	}
	if err := session.Capture(make([]byte, 320)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Capture after close returned %v, want ErrSessionClosed", err)
	}
}

package usecase

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicebridge/server/domain"
	"github.com/voicebridge/server/domain/entities"
	"github.com/voicebridge/server/domain/repositories"
	"github.com/voicebridge/server/internal/audio"
	"github.com/voicebridge/server/internal/playback"
)

// StreamSession is one live media stream: the peer connection, the playback
// engine feeding frames back to the host, and the capture path towards the
// peer. A single mutex serializes the capture tick against the network
// receive path.
type StreamSession struct {
	callUUID string
	cfg      entities.StreamConfig

	engine    *playback.Engine
	transport repositories.PeerTransport
	sink      repositories.EventSink
	logger    *zap.Logger

	// onTerminate detaches the session from its registry. Set by the
	// service before Connect so peer-initiated closures also clean up.
	onTerminate func()

	mu             sync.Mutex
	paused         bool
	closed         bool
	closeRequested bool
	droppedPushes  uint32
	captureBuf     []byte
	startedAt      time.Time
}

var _ repositories.PeerHandler = (*StreamSession)(nil)

func newStreamSession(
	cfg entities.StreamConfig,
	transport repositories.PeerTransport,
	sink repositories.EventSink,
	logger *zap.Logger,
) *StreamSession {
	return &StreamSession{
		callUUID: cfg.CallUUID,
		cfg:      cfg,
		engine: playback.NewEngine(playback.Config{
			Format:          cfg.Format,
			WarmupThreshold: cfg.WarmupThresholdBytes(),
			LowWaterMark:    cfg.LowWaterMarkBytes(),
			GraceFrames:     uint32(cfg.GraceFrames),
		}),
		transport:  transport,
		sink:       sink,
		logger:     logger.With(zap.String("callUUID", cfg.CallUUID)),
		captureBuf: make([]byte, cfg.CaptureFrameBytes()/2),
		startedAt:  time.Now(),
	}
}

// Capture forwards one frame of host audio to the peer, companding it first
// when the stream runs a G.711 format. Linear streams pass through as-is.
// While paused, capture audio is dropped without touching the peer.
func (s *StreamSession) Capture(linear []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.paused {
		s.mu.Unlock()
		return nil
	}

	payload := linear
	if s.cfg.Format.Companded() {
		if len(linear)%2 != 0 {
			s.mu.Unlock()
			return fmt.Errorf("capture payload of %d bytes is not 16-bit aligned", len(linear))
		}
		if cap(s.captureBuf) < len(linear)/2 {
			s.captureBuf = make([]byte, len(linear)/2)
		}
		dst := s.captureBuf[:len(linear)/2]
		var err error
		if s.cfg.Format == entities.FormatPCMA {
			err = audio.EncodeAlawFrame(dst, linear)
		} else {
			err = audio.EncodeUlawFrame(dst, linear)
		}
		if err != nil {
			s.mu.Unlock()
			return err
		}
		payload = dst
	}
	s.mu.Unlock()

	return s.transport.SendAudio(payload)
}

// Tick advances playback by one 20ms step and writes at most one frame of
// peer audio into dst. The host calls this once per capture frame so the
// host's media clock drives emission.
func (s *StreamSession) Tick(dst []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	n, ev, err := s.engine.Tick(dst)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if ev != nil {
		s.publishPlaybackEvent(ev)
	}
	return n, nil
}

func (s *StreamSession) publishPlaybackEvent(ev *playback.Event) {
	switch ev.Type {
	case playback.EventStarted:
		payload, _ := json.Marshal(map[string]interface{}{
			"buffered_bytes": ev.BufferedBytes,
			"warmup_ms":      ev.WarmupLatency.Milliseconds(),
		})
		s.sink.Publish(domain.NewEvent(domain.EventPlay, s.callUUID, payload))
		s.logger.Info("Playback started",
			zap.Int("bufferedBytes", ev.BufferedBytes),
			zap.Duration("warmupLatency", ev.WarmupLatency))
	case playback.EventUnderrun:
		s.logger.Warn("Playback underrun",
			zap.Int("bufferedBytes", ev.BufferedBytes))
	case playback.EventPaused:
		payload, _ := json.Marshal(map[string]interface{}{
			"buffered_bytes": ev.BufferedBytes,
		})
		s.sink.Publish(domain.NewEvent(domain.EventPause, s.callUUID, payload))
		s.logger.Info("Playback paused to refill",
			zap.Int("bufferedBytes", ev.BufferedBytes))
	}
}

// SendText forwards one JSON text frame to the peer.
func (s *StreamSession) SendText(message string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()
	return s.transport.SendText(message)
}

// Pause stops forwarding capture audio to the peer. Playback continues so
// already-buffered peer audio still drains.
func (s *StreamSession) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restores capture forwarding after Pause.
func (s *StreamSession) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Stop ends the stream at the caller's request, optionally sending one
// final text frame first.
func (s *StreamSession) Stop(finalText string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closeRequested = true
	s.mu.Unlock()

	if finalText != "" {
		if err := s.transport.SendText(finalText); err != nil {
			s.logger.Warn("Failed to send final text", zap.Error(err))
		}
	}
	return s.transport.Close()
}

// Stats returns a diagnostics snapshot of the session.
func (s *StreamSession) Stats() entities.StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.engine.Stats()
	stats.DroppedPushes = s.droppedPushes
	return stats
}

// Config returns the stream's immutable configuration.
func (s *StreamSession) Config() entities.StreamConfig {
	return s.cfg
}

// OnAudio queues one payload of peer audio for playback. Audio arriving
// after closure is counted and dropped.
func (s *StreamSession) OnAudio(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.droppedPushes++
		return
	}
	s.engine.Enqueue(data)
}

// OnText relays a peer text frame to the host. A "clearAudio" or
// "stopAudio" control message additionally flushes buffered playback so the
// peer can barge in over its own earlier audio.
func (s *StreamSession) OnText(message []byte) {
	var control struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &control); err == nil {
		switch control.Type {
		case "clearAudio", "stopAudio":
			s.mu.Lock()
			s.engine.Clear()
			s.mu.Unlock()
			s.logger.Info("Peer flushed playback buffer",
				zap.String("type", control.Type))
		}
	}

	payload := make([]byte, len(message))
	copy(payload, message)
	s.sink.Publish(domain.NewEvent(domain.EventJSON, s.callUUID, payload))
}

// OnClosed finalizes the session once the peer connection ends, from either
// side. It publishes the terminal event and logs the stream's counters.
func (s *StreamSession) OnClosed(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	requested := s.closeRequested
	stats := s.engine.Stats()
	stats.DroppedPushes = s.droppedPushes
	s.mu.Unlock()

	if err != nil {
		s.sink.Publish(domain.NewEvent(domain.EventError, s.callUUID,
			[]byte(fmt.Sprintf("%q", err.Error()))))
	}
	s.sink.Publish(domain.NewEvent(domain.EventDisconnect, s.callUUID, nil))

	s.logger.Info("Stream closed",
		zap.Bool("requested", requested),
		zap.Uint32("overruns", stats.Overruns),
		zap.Uint32("underruns", stats.Underruns),
		zap.Int("maxUsed", stats.MaxUsed),
		zap.Uint32("droppedPushes", stats.DroppedPushes),
		zap.Duration("duration", time.Since(s.startedAt)))

	if s.onTerminate != nil {
		s.onTerminate()
	}
}

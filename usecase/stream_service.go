// Package usecase wires stream sessions together: validation, the session
// registry, and the control operations exposed through the API.
package usecase

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/voicebridge/server/domain"
	"github.com/voicebridge/server/domain/entities"
	"github.com/voicebridge/server/domain/repositories"
)

var (
	// ErrSessionExists means a stream is already running for the call.
	ErrSessionExists = errors.New("stream session already exists for this call")
	// ErrSessionNotFound means no stream is running for the call.
	ErrSessionNotFound = errors.New("no stream session for this call")
	// ErrSessionClosed means the stream has already terminated.
	ErrSessionClosed = errors.New("stream session is closed")
)

// StreamService manages the set of live stream sessions, keyed by call UUID.
type StreamService struct {
	dialer repositories.PeerDialer
	sink   repositories.EventSink
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*StreamSession
}

// NewStreamService creates a stream service using dialer to reach peers and
// sink to deliver stream events.
func NewStreamService(
	dialer repositories.PeerDialer,
	sink repositories.EventSink,
	logger *zap.Logger,
) *StreamService {
	return &StreamService{
		dialer:   dialer,
		sink:     sink,
		logger:   logger,
		sessions: make(map[string]*StreamSession),
	}
}

// Start validates cfg, connects to the peer, and registers the new session.
// The first text frame sent to the peer carries the caller's metadata, when
// present.
func (svc *StreamService) Start(ctx context.Context, cfg entities.StreamConfig) (*StreamSession, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	svc.mu.Lock()
	if _, exists := svc.sessions[cfg.CallUUID]; exists {
		svc.mu.Unlock()
		return nil, ErrSessionExists
	}
	// Reserve the slot before dialing so concurrent starts for the same
	// call cannot race past the existence check.
	svc.sessions[cfg.CallUUID] = nil
	svc.mu.Unlock()

	transport := svc.dialer(cfg.PeerURL)
	session := newStreamSession(cfg, transport, svc.sink, svc.logger)
	session.onTerminate = func() { svc.remove(cfg.CallUUID) }

	if err := transport.Connect(ctx, session); err != nil {
		svc.remove(cfg.CallUUID)
		svc.logger.Error("Failed to connect to peer",
			zap.String("callUUID", cfg.CallUUID),
			zap.String("peerURL", cfg.PeerURL),
			zap.Error(err))
		return nil, err
	}

	if cfg.Metadata != "" {
		if err := transport.SendText(cfg.Metadata); err != nil {
			svc.logger.Warn("Failed to send initial metadata",
				zap.String("callUUID", cfg.CallUUID),
				zap.Error(err))
		}
	}

	svc.mu.Lock()
	svc.sessions[cfg.CallUUID] = session
	svc.mu.Unlock()

	svc.sink.Publish(domain.NewEvent(domain.EventConnect, cfg.CallUUID, nil))
	svc.logger.Info("Stream started",
		zap.String("callUUID", cfg.CallUUID),
		zap.String("peerURL", cfg.PeerURL),
		zap.String("format", string(cfg.Format)),
		zap.Int("sampleRate", cfg.SampleRate),
		zap.String("mix", string(cfg.MixType)))
	return session, nil
}

// Get returns the live session for the call.
func (svc *StreamService) Get(callUUID string) (*StreamSession, error) {
	svc.mu.RLock()
	session, ok := svc.sessions[callUUID]
	svc.mu.RUnlock()
	if !ok || session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Stop ends the call's stream, optionally sending finalText to the peer
// before closing.
func (svc *StreamService) Stop(callUUID string, finalText string) error {
	session, err := svc.Get(callUUID)
	if err != nil {
		return err
	}
	return session.Stop(finalText)
}

// Pause suspends capture forwarding for the call.
func (svc *StreamService) Pause(callUUID string) error {
	session, err := svc.Get(callUUID)
	if err != nil {
		return err
	}
	session.Pause()
	return nil
}

// Resume restores capture forwarding for the call.
func (svc *StreamService) Resume(callUUID string) error {
	session, err := svc.Get(callUUID)
	if err != nil {
		return err
	}
	session.Resume()
	return nil
}

// SendText forwards one JSON text frame to the call's peer.
func (svc *StreamService) SendText(callUUID string, message string) error {
	session, err := svc.Get(callUUID)
	if err != nil {
		return err
	}
	return session.SendText(message)
}

// Stats returns the call's diagnostics snapshot.
func (svc *StreamService) Stats(callUUID string) (entities.StreamStats, error) {
	session, err := svc.Get(callUUID)
	if err != nil {
		return entities.StreamStats{}, err
	}
	return session.Stats(), nil
}

// CloseAll stops every live session. Used during shutdown.
func (svc *StreamService) CloseAll() {
	svc.mu.RLock()
	sessions := make([]*StreamSession, 0, len(svc.sessions))
	for _, session := range svc.sessions {
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	svc.mu.RUnlock()

	for _, session := range sessions {
		if err := session.Stop(""); err != nil && !errors.Is(err, ErrSessionClosed) {
			svc.logger.Warn("Failed to stop session during shutdown",
				zap.String("callUUID", session.callUUID),
				zap.Error(err))
		}
	}
}

func (svc *StreamService) remove(callUUID string) {
	svc.mu.Lock()
	delete(svc.sessions, callUUID)
	svc.mu.Unlock()
}

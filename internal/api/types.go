package api

import (
	"time"

	"github.com/voicebridge/server/domain/entities"
)

// HostAuthRequest represents the request payload for host authentication
type HostAuthRequest struct {
	HostID    string `json:"host_id" validate:"required"`
	SecretKey string `json:"secret_key" validate:"required"`
}

// HostAuthResponse represents the response payload for host authentication
type HostAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	HostID    string    `json:"host_id"`
}

// StartStreamRequest starts a stream towards a remote voice peer.
type StartStreamRequest struct {
	PeerURL    string `json:"peer_url" validate:"required"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Mix        string `json:"mix"`
	Metadata   string `json:"metadata,omitempty"`

	// Optional threshold overrides, in 20ms frames. Zero keeps defaults.
	WarmupFrames   int `json:"warmup_frames,omitempty"`
	LowWaterFrames int `json:"low_water_frames,omitempty"`
	GraceFrames    int `json:"grace_frames,omitempty"`
}

// StartStreamResponse echoes the effective stream configuration.
type StartStreamResponse struct {
	CallUUID   string `json:"call_uuid"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Mix        string `json:"mix"`
}

// StopStreamRequest optionally carries one last text frame for the peer.
type StopStreamRequest struct {
	FinalText string `json:"final_text,omitempty"`
}

// SendTextRequest forwards a JSON text frame to the peer.
type SendTextRequest struct {
	Message string `json:"message" validate:"required"`
}

// StatsResponse wraps a stream's counters.
type StatsResponse struct {
	CallUUID string               `json:"call_uuid"`
	Stats    entities.StreamStats `json:"stats"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

package entities

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// AudioFormat identifies the wire format negotiated for a stream.
type AudioFormat string

const (
	// FormatL16 is linear 16-bit PCM, little-endian.
	FormatL16 AudioFormat = "l16"
	// FormatPCMU is G.711 μ-law companded PCM.
	FormatPCMU AudioFormat = "pcmu"
	// FormatPCMA is G.711 A-law companded PCM.
	FormatPCMA AudioFormat = "pcma"
)

// MixType selects which call legs are captured.
type MixType string

const (
	MixMono   MixType = "mono"
	MixMixed  MixType = "mixed"
	MixStereo MixType = "stereo"
)

const (
	// SampleRateBase is the G.711 base rate. Playback emission always runs
	// at this rate; companded formats are only valid at this rate.
	SampleRateBase = 8000

	// TickMillis is the audio tick period. One playback frame is emitted
	// per tick while the stream is active.
	TickMillis = 20

	// PlaybackFrameBytes is the size of one emitted companded frame:
	// 160 samples of 8-bit G.711 at 8kHz over 20ms.
	PlaybackFrameBytes = 160
)

// Default buffering thresholds, in playback frames. The warmup bar sits well
// above the low-water bar so that jitter spikes drain headroom instead of
// flapping playback on and off.
const (
	DefaultWarmupFrames   = 40 // ≈800ms of buffered audio before starting
	DefaultLowWaterFrames = 20 // ≈400ms; pause below this once grace is spent
	DefaultGraceFrames    = 5  // silence-filled ticks tolerated before pausing
)

// ParseAudioFormat maps a format name (including the aliases accepted on the
// wire) to an AudioFormat.
func ParseAudioFormat(s string) (AudioFormat, error) {
	switch s {
	case "l16", "linear", "pcm":
		return FormatL16, nil
	case "pcmu", "ulaw", "mulaw":
		return FormatPCMU, nil
	case "pcma", "alaw":
		return FormatPCMA, nil
	}
	return "", fmt.Errorf("unknown audio format %q", s)
}

// Companded reports whether the format is already 8-bit G.711.
func (f AudioFormat) Companded() bool {
	return f == FormatPCMU || f == FormatPCMA
}

// SilenceByte returns the companded silence value emitted during underrun
// grace ticks. Note this is the encoded zero sample, not byte zero.
func (f AudioFormat) SilenceByte() byte {
	if f == FormatPCMA {
		return 0xD5
	}
	return 0xFF // μ-law; also what L16 streams emit after conversion
}

// BufferFrameBytes returns the byte size of one 20ms frame as held in the
// playback buffer: 320 bytes of L16 or 160 bytes of companded audio.
func (f AudioFormat) BufferFrameBytes() int {
	if f.Companded() {
		return PlaybackFrameBytes
	}
	return 2 * PlaybackFrameBytes
}

// StreamConfig is the immutable per-stream configuration fixed at start.
type StreamConfig struct {
	// CallUUID identifies the host call leg this stream is attached to.
	CallUUID string `json:"call_uuid"`

	// PeerURL is the ws:// or wss:// endpoint of the remote voice peer.
	PeerURL string `json:"peer_url"`

	Format     AudioFormat `json:"format"`
	SampleRate int         `json:"sample_rate"`
	MixType    MixType     `json:"mix_type"`

	// Buffering knobs, in playback frames. Zero means default.
	WarmupFrames   int `json:"warmup_frames,omitempty"`
	LowWaterFrames int `json:"low_water_frames,omitempty"`
	GraceFrames    int `json:"grace_frames,omitempty"`

	// Metadata is an optional JSON document forwarded to the peer as the
	// first text frame after connecting.
	Metadata string `json:"metadata,omitempty"`
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *StreamConfig) ApplyDefaults() {
	if c.Format == "" {
		c.Format = FormatL16
	}
	if c.SampleRate == 0 {
		c.SampleRate = SampleRateBase
	}
	if c.MixType == "" {
		c.MixType = MixMono
	}
	if c.WarmupFrames == 0 {
		c.WarmupFrames = DefaultWarmupFrames
	}
	if c.LowWaterFrames == 0 {
		c.LowWaterFrames = DefaultLowWaterFrames
	}
	if c.GraceFrames == 0 {
		c.GraceFrames = DefaultGraceFrames
	}
}

// Validate rejects misconfigured streams before any buffer is created.
func (c *StreamConfig) Validate() error {
	if _, err := uuid.Parse(c.CallUUID); err != nil {
		return fmt.Errorf("invalid call uuid %q: %w", c.CallUUID, err)
	}
	u, err := url.Parse(c.PeerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid websocket uri %q", c.PeerURL)
	}
	switch c.Format {
	case FormatL16, FormatPCMU, FormatPCMA:
	default:
		return fmt.Errorf("unknown audio format %q", c.Format)
	}
	switch c.MixType {
	case MixMono, MixMixed, MixStereo:
	default:
		return fmt.Errorf("invalid mix type %q, must be mono, mixed, or stereo", c.MixType)
	}
	if c.SampleRate <= 0 || c.SampleRate%SampleRateBase != 0 {
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	if c.Format.Companded() && c.SampleRate != SampleRateBase {
		return errors.New("G.711 (pcmu/pcma) only supports 8000 Hz sample rate")
	}
	if c.WarmupFrames <= 0 || c.LowWaterFrames <= 0 || c.GraceFrames < 0 {
		return errors.New("buffering thresholds must be positive")
	}
	if c.LowWaterFrames >= c.WarmupFrames {
		return errors.New("low water mark must be below the warmup threshold")
	}
	return nil
}

// Channels returns the captured channel count.
func (c *StreamConfig) Channels() int {
	if c.MixType == MixStereo {
		return 2
	}
	return 1
}

// CaptureFrameBytes is the size of one 20ms L16 capture frame delivered by
// the host at the configured rate.
func (c *StreamConfig) CaptureFrameBytes() int {
	samples := c.SampleRate / 1000 * TickMillis
	return samples * 2 * c.Channels()
}

// WarmupThresholdBytes is the warmup threshold in playback-buffer bytes.
func (c *StreamConfig) WarmupThresholdBytes() int {
	return c.WarmupFrames * c.Format.BufferFrameBytes()
}

// LowWaterMarkBytes is the low-water mark in playback-buffer bytes.
func (c *StreamConfig) LowWaterMarkBytes() int {
	return c.LowWaterFrames * c.Format.BufferFrameBytes()
}

// StreamStats is a read-only diagnostics snapshot of one stream. Consumed by
// logging and the stats endpoint, never by engine logic.
type StreamStats struct {
	Active        bool   `json:"active"`
	Overruns      uint32 `json:"overruns"`
	Underruns     uint32 `json:"underruns"`
	MaxUsed       int    `json:"max_used"`
	BufferedBytes int    `json:"buffered_bytes"`
	QueuedBytes   int    `json:"queued_bytes"`
	ChunkCount    int    `json:"chunk_count"`
	Pulls         uint64 `json:"pulls"`
	DroppedPushes uint32 `json:"dropped_pushes"`
}

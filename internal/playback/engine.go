// Package playback implements the jitter-absorbing playback engine: it
// drains the chunk queue into a contiguous emission buffer and emits one
// fixed-size companded frame per tick, injecting silence or pausing when
// the buffer runs dry.
package playback

import (
	"errors"
	"time"

	"github.com/voicebridge/server/domain/entities"
	"github.com/voicebridge/server/internal/audio"
)

// EventType identifies a playback state transition.
type EventType string

const (
	// EventStarted fires when warmup completes and frames begin flowing.
	EventStarted EventType = "started"
	// EventUnderrun fires on the first tick of an underrun streak.
	EventUnderrun EventType = "underrun"
	// EventPaused fires when the buffer drops below the low-water mark
	// and playback stops to refill.
	EventPaused EventType = "paused"
)

// Event is a playback state transition reported to the stream's sink.
type Event struct {
	Type          EventType
	BufferedBytes int
	// WarmupLatency is the delay between the first queued audio and the
	// first emitted frame. Only set on the session's first EventStarted.
	WarmupLatency time.Duration
}

// Config fixes the engine's format and thresholds for the stream lifetime.
// All byte thresholds are derived from the format's buffer frame size.
type Config struct {
	Format entities.AudioFormat

	// WarmupThreshold arms playback; LowWaterMark pauses it. Keeping the
	// warmup bar above the low-water bar gives the hysteresis that stops
	// active/paused flapping under jitter.
	WarmupThreshold int
	LowWaterMark    int

	// GraceFrames is how many consecutive underrun ticks are masked with
	// silence before the engine considers pausing.
	GraceFrames uint32

	// MaxPullPerTick bounds how many queued bytes one tick may drain, so
	// a burst arrival cannot stall the tick. Zero means one second.
	MaxPullPerTick int

	// SoftCapBytes is the queue depth beyond which pushes are counted as
	// overruns. Data is never discarded here; bounding is caller policy.
	// Zero means five seconds of audio.
	SoftCapBytes int
}

// ErrFrameSize reports a destination buffer that does not hold exactly one
// emitted frame.
var ErrFrameSize = errors.New("destination must hold exactly one 160-byte frame")

// Engine owns the emission buffer fed by its chunk queue and runs the
// warmup/active/grace/paused state machine once per tick.
//
// Engine is not safe for concurrent use; the owning stream serializes
// Enqueue and Tick under its mutex.
type Engine struct {
	cfg       Config
	frameSize int // bytes consumed from buf per emitted frame
	silence   byte

	queue *audio.ChunkQueue
	buf   []byte
	pull  []byte

	active        bool
	started       bool // first activation already happened
	underrunStrk  uint32
	firstAudioAt  time.Time
	playbackStart time.Time

	overruns  uint32
	underruns uint32
	maxUsed   int
}

// NewEngine creates an engine for the given configuration.
func NewEngine(cfg Config) *Engine {
	frameSize := cfg.Format.BufferFrameBytes()
	if cfg.MaxPullPerTick == 0 {
		cfg.MaxPullPerTick = frameSize * 50
	}
	if cfg.SoftCapBytes == 0 {
		cfg.SoftCapBytes = frameSize * 250
	}
	return &Engine{
		cfg:       cfg,
		frameSize: frameSize,
		silence:   cfg.Format.SilenceByte(),
		queue:     audio.NewChunkQueue(),
		buf:       make([]byte, 0, cfg.WarmupThreshold+frameSize),
		pull:      make([]byte, cfg.MaxPullPerTick),
	}
}

// Enqueue hands a payload from the network receive path to the engine.
// The first payload timestamps the start of warmup-latency measurement.
func (e *Engine) Enqueue(data []byte) {
	if len(data) == 0 {
		return
	}
	if e.firstAudioAt.IsZero() {
		e.firstAudioAt = time.Now()
	}
	if e.queue.TotalBytes()+len(e.buf)+len(data) > e.cfg.SoftCapBytes {
		e.overruns++
	}
	e.queue.Push(data)
}

// Tick runs one step of the state machine and writes at most one emitted
// frame into dst. It returns the number of bytes written (0 or 160) and
// any state transition that occurred. Tick never blocks: missing data is
// answered with silence or a pause, never by waiting.
func (e *Engine) Tick(dst []byte) (int, *Event, error) {
	if len(dst) != entities.PlaybackFrameBytes {
		return 0, nil, ErrFrameSize
	}

	e.drain()
	available := len(e.buf)

	var ev *Event
	if !e.active && available >= e.cfg.WarmupThreshold {
		e.active = true
		e.underrunStrk = 0
		e.playbackStart = time.Now()
		ev = &Event{Type: EventStarted, BufferedBytes: available}
		if !e.started && !e.firstAudioAt.IsZero() {
			ev.WarmupLatency = e.playbackStart.Sub(e.firstAudioAt)
		}
		e.started = true
	}

	emitted := 0
	switch {
	case e.active && available >= e.frameSize:
		if e.cfg.Format.Companded() {
			copy(dst, e.buf[:e.frameSize])
		} else {
			// Conversion cannot fail here: frame sizes are fixed by
			// construction.
			audio.EncodeUlawFrame(dst, e.buf[:e.frameSize])
		}
		e.consume(e.frameSize)
		e.underrunStrk = 0
		emitted = entities.PlaybackFrameBytes

	case e.active:
		e.underruns++
		e.underrunStrk++
		if e.underrunStrk == 1 && ev == nil {
			ev = &Event{Type: EventUnderrun, BufferedBytes: available}
		}
		if e.underrunStrk <= e.cfg.GraceFrames {
			// Mask the gap with companded silence instead of pausing.
			audio.FillSilence(dst, e.silence)
			emitted = entities.PlaybackFrameBytes
		} else if available < e.cfg.LowWaterMark {
			e.active = false
			e.underrunStrk = 0
			ev = &Event{Type: EventPaused, BufferedBytes: available}
		}
	}

	if available > e.maxUsed {
		e.maxUsed = available
	}
	return emitted, ev, nil
}

// drain moves queued bytes into the emission buffer, bounded per tick.
func (e *Engine) drain() {
	room := e.cfg.MaxPullPerTick
	n := e.queue.PullInto(e.pull[:room])
	if n > 0 {
		e.buf = append(e.buf, e.pull[:n]...)
	}
}

func (e *Engine) consume(n int) {
	remaining := copy(e.buf, e.buf[n:])
	e.buf = e.buf[:remaining]
}

// Clear discards all buffered and queued audio immediately (barge-in).
// The state machine observes the empty buffer on the next tick.
func (e *Engine) Clear() {
	e.queue.Clear()
	e.buf = e.buf[:0]
}

// Active reports whether the engine is currently emitting real frames.
func (e *Engine) Active() bool {
	return e.active
}

// Stats returns a diagnostics snapshot.
func (e *Engine) Stats() entities.StreamStats {
	return entities.StreamStats{
		Active:        e.active,
		Overruns:      e.overruns,
		Underruns:     e.underruns,
		MaxUsed:       e.maxUsed,
		BufferedBytes: len(e.buf),
		QueuedBytes:   e.queue.TotalBytes(),
		ChunkCount:    e.queue.Len(),
		Pulls:         e.queue.Pulls(),
	}
}

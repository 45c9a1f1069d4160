// Package vad provides frame-level voice activity detection and the
// hysteresis gate that turns per-frame speech probabilities into speech
// events for the ASR chunker and the diarization embedder.
//
// An Engine wraps a frame-level classifier (the bundled Silero ONNX model,
// or the energy fallback) and surfaces it as a stateful, per-stream session.
// Each session maintains its own internal state (RNN hidden state, noise
// floor estimate) so that multiple concurrent audio streams can be processed
// independently.
//
// Detection is synchronous: SpeechProbability returns immediately,
// making it suitable for the low-latency pipeline stage that gates ASR input.
package vad

import "time"

// SessionConfig holds the parameters for a VAD session.
type SessionConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline always runs
	// VAD at 16 kHz; engines may additionally support 8 kHz.
	SampleRate int

	// FrameSize is the number of samples per SpeechProbability call. The Silero
	// model requires exactly 512 samples (32 ms) at 16 kHz.
	FrameSize int
}

// Session is an active VAD session for a single audio stream. A Session must
// not be shared between goroutines unless the implementation explicitly
// documents otherwise.
type Session interface {
	// SpeechProbability classifies one frame of float32 mono PCM and
	// returns the speech probability in [0, 1]. The frame length must
	// match the configured FrameSize. It must not block.
	SpeechProbability(frame []float32) (float64, error)

	// Reset clears accumulated detection state without closing the
	// session. Use when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
// Implementations must be safe for concurrent NewSession calls.
type Engine interface {
	NewSession(cfg SessionConfig) (Session, error)
}

// EventKind enumerates speech-event types emitted by the Gate.
type EventKind int

const (
	// SpeechStart marks the confirmed beginning of a speech segment.
	SpeechStart EventKind = iota

	// SpeechExtend reports that a confirmed segment is still running; the
	// chunker uses it to open sliding decode windows during long speech.
	SpeechExtend

	// SpeechEnd marks the end of a speech segment.
	SpeechEnd
)

// String returns the event kind name for logs.
func (k EventKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechExtend:
		return "speech_extend"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is a speech-activity event in absolute sample coordinates.
type Event struct {
	Kind EventKind

	// StartSample is the absolute index of the segment start, including
	// the leading pad.
	StartSample uint64

	// EndSample is the absolute index one past the segment end (including
	// the trailing pad for SpeechEnd; the current frame end for
	// SpeechExtend).
	EndSample uint64

	// MeanProb is the running mean speech probability over the segment's
	// speech frames.
	MeanProb float64
}

// GateConfig tunes the hysteresis segmenter. Zero values select defaults.
type GateConfig struct {
	// OnThreshold is the probability above which frames count toward
	// speech onset. Default 0.5. Must exceed OffThreshold to prevent
	// chattering.
	OnThreshold float64

	// OffThreshold is the probability below which frames count toward
	// silence. Default 0.35.
	OffThreshold float64

	// MinSpeech is the minimum run of on-frames before SpeechStart is
	// emitted. Default 500 ms.
	MinSpeech time.Duration

	// MinSilence is the run of off-frames that ends a segment.
	// Default 500 ms.
	MinSilence time.Duration

	// SpeechPad widens each confirmed segment on both sides.
	// Default 400 ms.
	SpeechPad time.Duration

	// MaxSpeech forces a split in continuous speech. Default 30 s.
	MaxSpeech time.Duration

	// ExtendEvery throttles SpeechExtend emission. Default 1 s.
	ExtendEvery time.Duration
}

func (c *GateConfig) applyDefaults() {
	if c.OnThreshold == 0 {
		c.OnThreshold = 0.5
	}
	if c.OffThreshold == 0 {
		c.OffThreshold = 0.35
	}
	if c.MinSpeech == 0 {
		c.MinSpeech = 500 * time.Millisecond
	}
	if c.MinSilence == 0 {
		c.MinSilence = 500 * time.Millisecond
	}
	if c.SpeechPad == 0 {
		c.SpeechPad = 400 * time.Millisecond
	}
	if c.MaxSpeech == 0 {
		c.MaxSpeech = 30 * time.Second
	}
	if c.ExtendEvery == 0 {
		c.ExtendEvery = time.Second
	}
}

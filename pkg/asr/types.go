// Package asr turns speech regions into timed transcript segments. It
// contains the chunker that converts VAD events into decode windows, the
// Engine abstraction over Whisper-family models, and the two-pass refiner
// that re-decodes recent audio during pauses and reconciles the result with
// the live output.
package asr

import (
	"time"

	"github.com/google/uuid"
)

// Pass identifies which decoding pass produced a segment.
type Pass int

const (
	// PassLive is the low-latency streaming pass.
	PassLive Pass = 1

	// PassRefine is the wider-context refinement pass.
	PassRefine Pass = 2
)

// Tier selects the speed/quality trade-off of the ASR model.
type Tier string

const (
	TierTurbo        Tier = "turbo"
	TierStandard     Tier = "standard"
	TierHighAccuracy Tier = "high-accuracy"
)

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierTurbo, TierStandard, TierHighAccuracy:
		return true
	}
	return false
}

// Downgrade returns the next-faster tier and true, or t and false when
// already at the bottom. Used by the thermal governor and the backpressure
// ladder.
func (t Tier) Downgrade() (Tier, bool) {
	switch t {
	case TierHighAccuracy:
		return TierStandard, true
	case TierStandard:
		return TierTurbo, true
	}
	return t, false
}

// Word is a single recognized word with timing and confidence.
type Word struct {
	Text string

	// Start and End are offsets from the session start.
	Start time.Duration
	End   time.Duration

	// Confidence is the token-probability-derived score in [0, 1].
	Confidence float64
}

// Segment is one decoded transcript segment. Pass-2 segments reuse the ID of
// the Pass-1 segment they subsume; consumers replace by ID.
type Segment struct {
	ID uuid.UUID

	// Start and End are offsets from the session start. Words are strictly
	// non-overlapping and lie within [Start, End].
	Start time.Duration
	End   time.Duration

	Text     string
	Language string
	Words    []Word

	// Confidence is the mean word confidence.
	Confidence float64

	Pass      Pass
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Window is one unit of decode work: a span of 16 kHz mono audio plus the
// conditioning context.
type Window struct {
	// StartSample is the absolute index of Samples[0] in the session
	// stream.
	StartSample uint64

	Samples []float32

	// PromptContext is the tail of the transcript so far, used as the
	// initial prompt to condition decoding across window boundaries.
	PromptContext string

	// Language pins decoding to a language code; empty means auto-detect.
	Language string

	Pass Pass
}

// Duration returns the window length at the pipeline rate.
func (w Window) Duration() time.Duration {
	return time.Duration(len(w.Samples)) * time.Second / 16000
}

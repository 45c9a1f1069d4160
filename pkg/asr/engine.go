package asr

import (
	"context"
	"errors"
)

// Decode failure sentinels. ErrModelLoad is fatal to the session;
// ErrDecodeTimeout and ErrCorruptOutput are per-window and recoverable.
var (
	ErrModelLoad     = errors.New("asr: model load failed")
	ErrDecodeTimeout = errors.New("asr: decode timed out")
	ErrCorruptOutput = errors.New("asr: decoder produced corrupt output")
)

// Engine decodes audio windows into transcript segments.
//
// Decode is blocking compute: it runs on a dedicated worker and completes
// before the next window is dequeued. Cancellation is granular at window
// boundaries — implementations check ctx between windows, not mid-decode.
// Implementations must tolerate concurrent Decode calls from distinct
// workers (the live and refinement passes may overlap).
type Engine interface {
	// Decode transcribes one window. The returned segment has a fresh ID,
	// word-level timings in absolute session time, the detected or pinned
	// language, and Pass copied from the window.
	Decode(ctx context.Context, w Window) (Segment, error)

	// Tier reports the engine's quality tier.
	Tier() Tier

	// Close releases the model. No Decode may be in flight.
	Close() error
}

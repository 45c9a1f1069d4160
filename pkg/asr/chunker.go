package asr

import (
	"time"

	"github.com/loquatlabs/loquat/pkg/audio"
	"github.com/loquatlabs/loquat/pkg/vad"
)

// Span is a half-open sample range [Start, End) scheduled for decoding.
type Span struct {
	Start uint64
	End   uint64
}

// Duration returns the span length at the pipeline rate.
func (s Span) Duration() time.Duration {
	return audio.SamplesToDuration(s.End - s.Start)
}

// ChunkerConfig tunes decode-window generation. Zero values select defaults.
type ChunkerConfig struct {
	// Window is the sliding decode window length. Default 10 s.
	Window time.Duration

	// Overlap is how much consecutive sliding windows share. Default 2 s.
	Overlap time.Duration
}

// Chunker converts speech events into decode spans. Short utterances become
// one span per SpeechEnd; speech that outgrows the window length is decoded
// with sliding, overlapping windows so the live pass never waits for the
// speaker to stop.
//
// Chunker is not safe for concurrent use; it lives on the ASR worker.
type Chunker struct {
	window  uint64
	overlap uint64

	active  bool
	cursor  uint64 // next window start
	lastEnd uint64 // end of the last emitted span
}

// NewChunker creates a chunker. cfg.Overlap must be smaller than cfg.Window;
// invalid combinations fall back to the defaults.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Overlap <= 0 || cfg.Overlap >= cfg.Window {
		cfg.Overlap = 2 * time.Second
	}
	if cfg.Overlap >= cfg.Window {
		cfg.Window, cfg.Overlap = 10*time.Second, 2*time.Second
	}
	return &Chunker{
		window:  audio.DurationToSamples(cfg.Window),
		overlap: audio.DurationToSamples(cfg.Overlap),
	}
}

// Push feeds one speech event and returns any decode spans that are now due,
// in audio order.
func (c *Chunker) Push(ev vad.Event) []Span {
	var out []Span
	switch ev.Kind {
	case vad.SpeechStart:
		c.active = true
		c.cursor = ev.StartSample

	case vad.SpeechExtend:
		if !c.active {
			return nil
		}
		for ev.EndSample >= c.cursor+c.window {
			out = append(out, Span{Start: c.cursor, End: c.cursor + c.window})
			c.lastEnd = c.cursor + c.window
			c.cursor += c.window - c.overlap
		}

	case vad.SpeechEnd:
		if !c.active {
			return nil
		}
		c.active = false
		// Decode whatever the sliding windows have not fully covered. The
		// cursor sits overlap samples before the last emitted end, so the
		// tail span always carries context from the previous window.
		if ev.EndSample > c.lastEnd {
			out = append(out, Span{Start: c.cursor, End: ev.EndSample})
			c.lastEnd = ev.EndSample
		}
	}
	return out
}

// Active reports whether a speech region is currently open.
func (c *Chunker) Active() bool { return c.active }

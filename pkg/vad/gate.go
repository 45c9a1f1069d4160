package vad

import (
	"fmt"
	"log/slog"

	"github.com/loquatlabs/loquat/pkg/audio"
)

// DowngradeFunc is called once when the gate abandons model inference and
// switches to the energy fallback. It must not block.
type DowngradeFunc func(err error)

// Gate turns per-frame speech probabilities into speech events with
// hysteresis: a segment opens only after MinSpeech of on-frames, closes only
// after MinSilence of off-frames, is padded on both sides, and is force-split
// after MaxSpeech of continuous speech.
//
// A Gate owns one classifier Session and, optionally, a fallback. If the
// primary session starts failing at runtime the gate downgrades to the
// fallback permanently for the stream and reports it once — a dead VAD model
// must degrade the gate, not kill the session.
//
// Gate is not safe for concurrent use; each pipeline worker owns its own.
type Gate struct {
	cfg      GateConfig
	session  Session
	fallback Session
	onDown   DowngradeFunc

	minSpeech  uint64
	minSilence uint64
	pad        uint64
	maxSpeech  uint64
	extendGap  uint64

	inSpeech bool

	// onset tracking (outside a segment)
	onsetStart uint64
	onsetDur   uint64

	// active segment state
	segStart       uint64
	probSum        float64
	probFrames     int
	lastSpeechEnd  uint64
	silenceDur     uint64
	lastExtendAt   uint64
	lastEmittedEnd uint64

	downgraded bool
}

// NewGate creates a gate over the given classifier session. fallback and
// onDowngrade may be nil; without a fallback, inference errors propagate to
// the caller.
func NewGate(cfg GateConfig, session Session, fallback Session, onDowngrade DowngradeFunc) *Gate {
	cfg.applyDefaults()
	return &Gate{
		cfg:        cfg,
		session:    session,
		fallback:   fallback,
		onDown:     onDowngrade,
		minSpeech:  audio.DurationToSamples(cfg.MinSpeech),
		minSilence: audio.DurationToSamples(cfg.MinSilence),
		pad:        audio.DurationToSamples(cfg.SpeechPad),
		maxSpeech:  audio.DurationToSamples(cfg.MaxSpeech),
		extendGap:  audio.DurationToSamples(cfg.ExtendEvery),
	}
}

// Degraded reports whether the gate has fallen back to energy mode.
func (g *Gate) Degraded() bool { return g.downgraded }

// Push classifies one fixed-size frame and returns any speech events it
// triggers. Frames must be contiguous: f.Index must equal the previous
// frame's end.
func (g *Gate) Push(f audio.Frame) ([]Event, error) {
	prob, err := g.probability(f.Samples)
	if err != nil {
		return nil, err
	}

	start := f.Index
	end := f.Index + uint64(len(f.Samples))
	var events []Event

	if !g.inSpeech {
		switch {
		case prob >= g.cfg.OnThreshold:
			if g.onsetDur == 0 {
				g.onsetStart = start
				g.probSum = 0
				g.probFrames = 0
			}
			g.onsetDur += uint64(len(f.Samples))
			g.probSum += prob
			g.probFrames++
			if g.onsetDur >= g.minSpeech {
				g.openSegment(end, &events)
			}
		case prob <= g.cfg.OffThreshold:
			g.onsetDur = 0
		}
		// Between thresholds: onset neither extends nor resets.
		return events, nil
	}

	// Active segment.
	switch {
	case prob >= g.cfg.OnThreshold:
		g.lastSpeechEnd = end
		g.silenceDur = 0
		g.probSum += prob
		g.probFrames++
	case prob <= g.cfg.OffThreshold:
		g.silenceDur += uint64(len(f.Samples))
	default:
		g.lastSpeechEnd = end
		g.silenceDur = 0
	}

	switch {
	case g.silenceDur >= g.minSilence:
		events = append(events, g.closeSegment())
	case g.lastSpeechEnd-g.segStart >= g.maxSpeech:
		// Forced split: close at the current edge and continue in a fresh
		// segment with no pad between the halves.
		ev := g.closeSegmentAt(g.lastSpeechEnd)
		events = append(events, ev)
		g.inSpeech = true
		g.segStart = g.lastSpeechEnd
		g.probSum = prob
		g.probFrames = 1
		g.silenceDur = 0
		g.lastExtendAt = end
		events = append(events, Event{
			Kind:        SpeechStart,
			StartSample: g.segStart,
			EndSample:   end,
			MeanProb:    prob,
		})
	case end-g.lastExtendAt >= g.extendGap:
		g.lastExtendAt = end
		events = append(events, Event{
			Kind:        SpeechExtend,
			StartSample: g.segStart,
			EndSample:   end,
			MeanProb:    g.meanProb(),
		})
	}
	return events, nil
}

// Flush closes any open segment at end-of-stream and returns the final
// events.
func (g *Gate) Flush() []Event {
	if !g.inSpeech {
		return nil
	}
	return []Event{g.closeSegment()}
}

func (g *Gate) openSegment(curEnd uint64, events *[]Event) {
	segStart := g.onsetStart
	if segStart > g.pad {
		segStart -= g.pad
	} else {
		segStart = 0
	}
	// Never pad back into the previous segment.
	if segStart < g.lastEmittedEnd {
		segStart = g.lastEmittedEnd
	}
	g.inSpeech = true
	g.segStart = segStart
	g.lastSpeechEnd = curEnd
	g.silenceDur = 0
	g.lastExtendAt = curEnd
	g.onsetDur = 0
	*events = append(*events, Event{
		Kind:        SpeechStart,
		StartSample: segStart,
		EndSample:   curEnd,
		MeanProb:    g.meanProb(),
	})
}

func (g *Gate) closeSegment() Event {
	return g.closeSegmentAt(g.lastSpeechEnd + g.pad)
}

func (g *Gate) closeSegmentAt(end uint64) Event {
	g.inSpeech = false
	g.onsetDur = 0
	g.lastEmittedEnd = end
	return Event{
		Kind:        SpeechEnd,
		StartSample: g.segStart,
		EndSample:   end,
		MeanProb:    g.meanProb(),
	}
}

func (g *Gate) meanProb() float64 {
	if g.probFrames == 0 {
		return 0
	}
	return g.probSum / float64(g.probFrames)
}

var errNoFallback = fmt.Errorf("vad: inference failed and no fallback configured")

func (g *Gate) probability(frame []float32) (float64, error) {
	prob, err := g.session.SpeechProbability(frame)
	if err == nil {
		return prob, nil
	}
	if g.fallback == nil {
		return 0, fmt.Errorf("%w: %v", errNoFallback, err)
	}
	if !g.downgraded {
		g.downgraded = true
		slog.Warn("vad: model inference failed, downgrading gate to energy mode", "err", err)
		if g.onDown != nil {
			g.onDown(err)
		}
		g.session = g.fallback
	}
	return g.session.SpeechProbability(frame)
}

package diar

import (
	"time"

	"github.com/loquatlabs/loquat/pkg/audio"
)

// SpeakerSegment is a span of audio attributed to one speaker. Segments are
// non-overlapping per speaker; simultaneous speech across speakers is
// recorded in OverlapWith rather than by overlapping spans.
type SpeakerSegment struct {
	Start time.Duration
	End   time.Duration

	SpeakerID string

	// Confidence is the centroid similarity of the segment's embeddings
	// (minimum over merged windows).
	Confidence float64

	// OverlapWith lists other speaker IDs talking during part of this
	// segment.
	OverlapWith []string
}

// SegmentBuilder merges per-window speaker assignments into speaker
// segments. Consecutive windows from the same speaker extend one segment;
// a change of speaker closes the previous segment, and — because embedding
// windows overlap by the hop — a cross-speaker window overlap is recorded in
// OverlapWith when overlap detection is enabled.
//
// Not safe for concurrent use; it lives on the diarization worker.
type SegmentBuilder struct {
	minSegment     time.Duration
	detectOverlaps bool

	open    *SpeakerSegment
	openEnd uint64
}

// NewSegmentBuilder creates a builder. minSegment filters out segments
// shorter than the configured floor (default 1 s when zero).
func NewSegmentBuilder(minSegment time.Duration, detectOverlaps bool) *SegmentBuilder {
	if minSegment == 0 {
		minSegment = time.Second
	}
	return &SegmentBuilder{minSegment: minSegment, detectOverlaps: detectOverlaps}
}

// Push records one window assignment and returns any segment that is now
// complete.
func (b *SegmentBuilder) Push(speakerID string, confidence float64, startSample, endSample uint64) []SpeakerSegment {
	start := audio.SamplesToDuration(startSample)
	end := audio.SamplesToDuration(endSample)

	if b.open != nil && b.open.SpeakerID == speakerID {
		// Same speaker: extend.
		b.open.End = end
		b.openEnd = endSample
		if confidence < b.open.Confidence {
			b.open.Confidence = confidence
		}
		return nil
	}

	var out []SpeakerSegment
	if b.open != nil {
		closed := *b.open
		if b.detectOverlaps && start < closed.End {
			// The new speaker's window begins before the previous
			// speaker's last window ended: simultaneous speech.
			closed.OverlapWith = appendUnique(closed.OverlapWith, speakerID)
		} else if start < closed.End {
			closed.End = start
		}
		if closed.End-closed.Start >= b.minSegment {
			out = append(out, closed)
		}
	}

	next := &SpeakerSegment{Start: start, End: end, SpeakerID: speakerID, Confidence: confidence}
	if b.detectOverlaps && b.open != nil && start < b.open.End {
		next.OverlapWith = appendUnique(next.OverlapWith, b.open.SpeakerID)
	}
	b.open = next
	b.openEnd = endSample
	return out
}

// Flush closes and returns the open segment, if any.
func (b *SegmentBuilder) Flush() []SpeakerSegment {
	if b.open == nil {
		return nil
	}
	closed := *b.open
	b.open = nil
	if closed.End-closed.Start < b.minSegment {
		return nil
	}
	return []SpeakerSegment{closed}
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

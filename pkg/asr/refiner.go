package asr

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loquatlabs/loquat/pkg/audio"
)

// RefinerConfig tunes the second decoding pass. Zero values select defaults.
type RefinerConfig struct {
	// Tail is how much trailing audio a refinement window covers.
	// Default 30 s.
	Tail time.Duration

	// MinLull is the silence required before a refinement may start.
	// Default 500 ms.
	MinLull time.Duration

	// MinInterval rate-limits refinement windows. Default 3 s.
	MinInterval time.Duration
}

// Refiner schedules the refinement pass and reconciles its output with the
// live transcript. It remembers recently committed segments; when a pass-2
// decode of the trailing audio arrives, each covered segment is rebuilt from
// the pass-2 words under its original ID so downstream consumers can replace
// in place.
//
// Refiner is not safe for concurrent use; it lives on the ASR worker.
type Refiner struct {
	cfg        RefinerConfig
	lastRefine time.Time
	segments   []Segment
}

// NewRefiner creates a refiner with the given configuration.
func NewRefiner(cfg RefinerConfig) *Refiner {
	if cfg.Tail <= 0 {
		cfg.Tail = 30 * time.Second
	}
	if cfg.MinLull <= 0 {
		cfg.MinLull = 500 * time.Millisecond
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 3 * time.Second
	}
	return &Refiner{cfg: cfg}
}

// Observe records a committed live segment so later refinements can replace
// it. Segments older than twice the tail are forgotten.
func (r *Refiner) Observe(seg Segment) {
	r.segments = append(r.segments, seg)
	sort.SliceStable(r.segments, func(i, j int) bool {
		return r.segments[i].Start < r.segments[j].Start
	})
	if len(r.segments) == 0 {
		return
	}
	horizon := r.segments[len(r.segments)-1].End - 2*r.cfg.Tail
	kept := r.segments[:0]
	for _, s := range r.segments {
		if s.End >= horizon {
			kept = append(kept, s)
		}
	}
	r.segments = kept
}

// Due reports whether a refinement window should run now. silence is the
// time since the last speech frame; audioEnd is the current write position.
// When due, the returned span covers the trailing Tail of audio and the rate
// limiter is armed.
func (r *Refiner) Due(now time.Time, silence time.Duration, audioEnd uint64) (Span, bool) {
	if silence < r.cfg.MinLull {
		return Span{}, false
	}
	if !r.lastRefine.IsZero() && now.Sub(r.lastRefine) < r.cfg.MinInterval {
		return Span{}, false
	}
	if len(r.segments) == 0 {
		return Span{}, false
	}
	tail := audio.DurationToSamples(r.cfg.Tail)
	start := uint64(0)
	if audioEnd > tail {
		start = audioEnd - tail
	}
	// Nothing to refine if no remembered segment intersects the window.
	winStart := audio.SamplesToDuration(start)
	any := false
	for _, s := range r.segments {
		if s.End > winStart {
			any = true
			break
		}
	}
	if !any {
		return Span{}, false
	}
	r.lastRefine = now
	return Span{Start: start, End: audioEnd}, true
}

// Reconcile splits a pass-2 decode of span into per-segment replacements.
// A remembered segment is replaced only when the window covers at least half
// of it; each replacement keeps the original ID and carries UpdatedAt.
// Replacements are returned in start order and are non-overlapping. The
// internal record is updated so repeated refinements stay ID-stable.
func (r *Refiner) Reconcile(pass2 Segment, span Span) []Segment {
	winStart := audio.SamplesToDuration(span.Start)
	winEnd := audio.SamplesToDuration(span.End)

	// Segments eligible for replacement: ≥ 50% covered by the window.
	var targets []*Segment
	for i := range r.segments {
		s := &r.segments[i]
		dur := s.End - s.Start
		if dur <= 0 {
			continue
		}
		if overlap(s.Start, s.End, winStart, winEnd)*2 >= dur {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	// Assign each pass-2 word to the target with the largest time overlap,
	// falling back to the nearest target so no word is dropped.
	wordsFor := make(map[int][]Word, len(targets))
	for _, w := range pass2.Words {
		best, bestOv := -1, time.Duration(-1)
		for ti, t := range targets {
			if ov := overlap(w.Start, w.End, t.Start, t.End); ov > bestOv {
				best, bestOv = ti, ov
			}
		}
		if bestOv <= 0 {
			best = nearestTarget(targets, w)
		}
		wordsFor[best] = append(wordsFor[best], w)
	}

	now := time.Now().UTC()
	replacements := make([]Segment, 0, len(targets))
	for ti, t := range targets {
		ws := wordsFor[ti]
		rep := Segment{
			ID:        t.ID,
			Start:     t.Start,
			End:       t.End,
			Language:  pass2.Language,
			Words:     ws,
			Pass:      PassRefine,
			CreatedAt: t.CreatedAt,
			UpdatedAt: now,
		}
		if len(ws) > 0 {
			rep.Start = ws[0].Start
			rep.End = ws[len(ws)-1].End
			rep.Text = joinWords(ws)
			rep.Confidence = meanConfidence(ws)
		}
		replacements = append(replacements, rep)
	}

	sort.SliceStable(replacements, func(i, j int) bool {
		return replacements[i].Start < replacements[j].Start
	})
	// Post-reconciliation segments must not overlap.
	for i := 1; i < len(replacements); i++ {
		if replacements[i].Start < replacements[i-1].End {
			replacements[i].Start = replacements[i-1].End
			if replacements[i].End < replacements[i].Start {
				replacements[i].End = replacements[i].Start
			}
		}
	}

	// Remember the refined versions under the same IDs.
	byID := make(map[uuid.UUID]Segment, len(replacements))
	for _, rep := range replacements {
		byID[rep.ID] = rep
	}
	for i := range r.segments {
		if rep, ok := byID[r.segments[i].ID]; ok {
			r.segments[i] = rep
		}
	}
	return replacements
}

func overlap(aStart, aEnd, bStart, bEnd time.Duration) time.Duration {
	start := max(aStart, bStart)
	end := min(aEnd, bEnd)
	if end <= start {
		return 0
	}
	return end - start
}

func nearestTarget(targets []*Segment, w Word) int {
	best, bestDist := 0, time.Duration(1<<62)
	mid := w.Start + (w.End-w.Start)/2
	for i, t := range targets {
		var d time.Duration
		switch {
		case mid < t.Start:
			d = t.Start - mid
		case mid > t.End:
			d = mid - t.End
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func joinWords(ws []Word) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = w.Text
	}
	return strings.Join(parts, " ")
}

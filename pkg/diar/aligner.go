package diar

import (
	"sort"
	"strings"
	"time"

	"github.com/loquatlabs/loquat/pkg/asr"
)

// FinalSegment is the aligner's output: a run of transcript words attributed
// to a single speaker. SpeakerID is always set; when no speaker evidence
// covers a word, the previous word's speaker is carried forward (the
// nearest-in-time speaker for a leading word) with SpeakerConfidence zero,
// and "speaker-unknown" is used while the session has no speaker evidence.
type FinalSegment struct {
	Start time.Duration
	End   time.Duration

	Text  string
	Words []asr.Word

	SpeakerID         string
	SpeakerConfidence float64

	// HasOverlap marks segments spanning a speaker change inside one ASR
	// segment, or words covered by overlapping speaker segments.
	HasOverlap bool

	Language string
	Pass     asr.Pass
}

// AlignResult carries the aligned segments plus how many words had no
// speaker coverage and were attributed by carry-forward or nearest-speaker.
type AlignResult struct {
	Segments       []FinalSegment
	UncoveredWords int
}

// Align merges ASR segments with speaker segments. Every ASR word lands in
// exactly one FinalSegment; consecutive words with the same speaker group
// together and a speaker change splits the output.
//
// Attribution per word: the speaker segment with the largest overlap of the
// word's span wins, ties broken by higher segment confidence. A word with no
// intersecting speaker segment inherits the previous word's speaker with
// confidence zero, or the nearest-in-time speaker for a leading word.
func Align(asrSegs []asr.Segment, speakers []SpeakerSegment) AlignResult {
	var res AlignResult

	for _, seg := range asrSegs {
		var (
			cur       *FinalSegment
			curConfs  []float64
			prevID    string
			seenIDs   = map[string]bool{}
			segOutput []FinalSegment
		)

		flush := func() {
			if cur == nil {
				return
			}
			cur.Text = joinWordTexts(cur.Words)
			cur.SpeakerConfidence = minConf(curConfs)
			segOutput = append(segOutput, *cur)
			cur = nil
			curConfs = nil
		}

		for _, w := range seg.Words {
			speakerID, conf, overlapping, covered := attributeWord(w, speakers)
			if !covered {
				res.UncoveredWords++
				if prevID != "" {
					speakerID = prevID
				} else {
					speakerID = nearestSpeaker(w, speakers)
				}
				conf = 0
			}
			if speakerID == "" {
				// No diarization evidence at all in this session yet.
				speakerID = unknownSpeakerID
			}

			if cur == nil || cur.SpeakerID != speakerID {
				flush()
				cur = &FinalSegment{
					Start:     w.Start,
					End:       w.End,
					SpeakerID: speakerID,
					Language:  seg.Language,
					Pass:      seg.Pass,
				}
			}
			cur.Words = append(cur.Words, w)
			cur.End = w.End
			curConfs = append(curConfs, conf)
			if overlapping {
				cur.HasOverlap = true
			}
			prevID = speakerID
			seenIDs[speakerID] = true
		}
		flush()

		// An ASR segment split across speakers marks every piece that
		// borders the change.
		if len(seenIDs) > 1 {
			for i := range segOutput {
				segOutput[i].HasOverlap = true
			}
		}
		res.Segments = append(res.Segments, segOutput...)
	}
	return res.normalized()
}

// unknownSpeakerID attributes words decoded before any speaker evidence
// exists (e.g. the first second of a session).
const unknownSpeakerID = "speaker-unknown"

func attributeWord(w asr.Word, speakers []SpeakerSegment) (id string, conf float64, overlapping, covered bool) {
	bestOverlap := time.Duration(0)
	for _, s := range speakers {
		ov := overlapDur(w.Start, w.End, s.Start, s.End)
		if ov <= 0 {
			continue
		}
		covered = true
		if len(s.OverlapWith) > 0 {
			overlapping = true
		}
		if ov > bestOverlap || (ov == bestOverlap && s.Confidence > conf) {
			bestOverlap = ov
			id = s.SpeakerID
			conf = s.Confidence
		}
	}
	return id, conf, overlapping, covered
}

func nearestSpeaker(w asr.Word, speakers []SpeakerSegment) string {
	mid := w.Start + (w.End-w.Start)/2
	bestID := ""
	bestDist := time.Duration(1<<62 - 1)
	for _, s := range speakers {
		var d time.Duration
		switch {
		case mid < s.Start:
			d = s.Start - mid
		case mid > s.End:
			d = mid - s.End
		}
		if d < bestDist {
			bestDist = d
			bestID = s.SpeakerID
		}
	}
	return bestID
}

func overlapDur(aStart, aEnd, bStart, bEnd time.Duration) time.Duration {
	start := max(aStart, bStart)
	end := min(aEnd, bEnd)
	if end <= start {
		return 0
	}
	return end - start
}

func joinWordTexts(words []asr.Word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Text
	}
	return strings.Join(parts, " ")
}

func minConf(confs []float64) float64 {
	if len(confs) == 0 {
		return 0
	}
	m := confs[0]
	for _, c := range confs[1:] {
		if c < m {
			m = c
		}
	}
	return m
}

// normalized orders segments by start time.
func (r AlignResult) normalized() AlignResult {
	sort.SliceStable(r.Segments, func(i, j int) bool {
		return r.Segments[i].Start < r.Segments[j].Start
	})
	return r
}

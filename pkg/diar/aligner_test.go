package diar

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loquatlabs/loquat/pkg/asr"
)

func asrSeg(start, end time.Duration, words ...asr.Word) asr.Segment {
	return asr.Segment{
		ID:       uuid.New(),
		Start:    start,
		End:      end,
		Words:    words,
		Language: "en",
		Pass:     asr.PassLive,
	}
}

func w(text string, start, end time.Duration) asr.Word {
	return asr.Word{Text: text, Start: start, End: end, Confidence: 0.9}
}

func spk(id string, start, end time.Duration, conf float64, overlap ...string) SpeakerSegment {
	return SpeakerSegment{SpeakerID: id, Start: start, End: end, Confidence: conf, OverlapWith: overlap}
}

func TestAlign_SplitsOnSpeakerChange(t *testing.T) {
	segs := []asr.Segment{asrSeg(0, 4*time.Second,
		w("hello", 0, time.Second),
		w("there", time.Second, 2*time.Second),
		w("general", 2*time.Second, 3*time.Second),
		w("kenobi", 3*time.Second, 4*time.Second),
	)}
	speakers := []SpeakerSegment{
		spk("alice", 0, 2*time.Second, 0.9),
		spk("bob", 2*time.Second, 4*time.Second, 0.8),
	}

	res := Align(segs, speakers)
	if len(res.Segments) != 2 {
		t.Fatalf("got %d final segments, want 2", len(res.Segments))
	}
	if res.Segments[0].SpeakerID != "alice" || res.Segments[1].SpeakerID != "bob" {
		t.Errorf("speakers = %s/%s", res.Segments[0].SpeakerID, res.Segments[1].SpeakerID)
	}
	if res.Segments[0].Text != "hello there" || res.Segments[1].Text != "general kenobi" {
		t.Errorf("texts = %q / %q", res.Segments[0].Text, res.Segments[1].Text)
	}
	// A speaker change inside one ASR segment marks both pieces.
	for _, s := range res.Segments {
		if !s.HasOverlap {
			t.Error("segment spanning a speaker change not marked HasOverlap")
		}
	}
	if res.UncoveredWords != 0 {
		t.Errorf("uncovered words = %d, want 0", res.UncoveredWords)
	}
}

func TestAlign_EveryWordInExactlyOneSegment(t *testing.T) {
	words := []asr.Word{
		w("a", 0, time.Second),
		w("b", time.Second, 2*time.Second),
		w("c", 2*time.Second, 3*time.Second),
		w("d", 3*time.Second, 4*time.Second),
		w("e", 4*time.Second, 5*time.Second),
	}
	segs := []asr.Segment{asrSeg(0, 5*time.Second, words...)}
	speakers := []SpeakerSegment{
		spk("alice", 0, 2500*time.Millisecond, 0.9),
		spk("bob", 2500*time.Millisecond, 5*time.Second, 0.9),
	}

	res := Align(segs, speakers)
	total := 0
	for _, s := range res.Segments {
		total += len(s.Words)
	}
	if total != len(words) {
		t.Fatalf("aligned word count = %d, want %d", total, len(words))
	}
	// Union of final segment intervals equals the ASR interval.
	if res.Segments[0].Start != 0 || res.Segments[len(res.Segments)-1].End != 5*time.Second {
		t.Error("final segments do not cover the ASR segment span")
	}
}

func TestAlign_LargestOverlapWins(t *testing.T) {
	// Word [1 s, 2 s): alice covers 250 ms of it, bob covers 750 ms.
	segs := []asr.Segment{asrSeg(time.Second, 2*time.Second, w("contested", time.Second, 2*time.Second))}
	speakers := []SpeakerSegment{
		spk("alice", 0, 1250*time.Millisecond, 0.99),
		spk("bob", 1250*time.Millisecond, 3*time.Second, 0.6),
	}
	res := Align(segs, speakers)
	if len(res.Segments) != 1 || res.Segments[0].SpeakerID != "bob" {
		t.Fatalf("attribution = %+v, want bob by overlap duration", res.Segments)
	}
}

func TestAlign_CarryForwardWhenUncovered(t *testing.T) {
	segs := []asr.Segment{asrSeg(0, 3*time.Second,
		w("covered", 0, time.Second),
		w("orphan", 2*time.Second, 3*time.Second),
	)}
	speakers := []SpeakerSegment{spk("alice", 0, time.Second, 0.9)}

	res := Align(segs, speakers)
	if res.UncoveredWords != 1 {
		t.Fatalf("uncovered = %d, want 1", res.UncoveredWords)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("segments = %d, want 1 (carry-forward keeps the speaker)", len(res.Segments))
	}
	if res.Segments[0].SpeakerConfidence != 0 {
		t.Errorf("confidence = %f, want 0 for carry-forward attribution", res.Segments[0].SpeakerConfidence)
	}
}

func TestAlign_NearestSpeakerForLeadingOrphan(t *testing.T) {
	segs := []asr.Segment{asrSeg(0, time.Second, w("early", 0, time.Second))}
	speakers := []SpeakerSegment{spk("bob", 5*time.Second, 8*time.Second, 0.9)}

	res := Align(segs, speakers)
	if len(res.Segments) != 1 || res.Segments[0].SpeakerID != "bob" {
		t.Fatalf("leading orphan = %+v, want nearest speaker bob", res.Segments)
	}
	if res.Segments[0].SpeakerConfidence != 0 {
		t.Error("nearest-speaker attribution must carry zero confidence")
	}
}

func TestAlign_OverlappingSpeakersMarked(t *testing.T) {
	segs := []asr.Segment{asrSeg(0, 2*time.Second, w("both", 0, 2*time.Second))}
	speakers := []SpeakerSegment{
		spk("alice", 0, 2*time.Second, 0.9, "bob"),
		spk("bob", time.Second, 2*time.Second, 0.5, "alice"),
	}
	res := Align(segs, speakers)
	if len(res.Segments) != 1 || !res.Segments[0].HasOverlap {
		t.Fatalf("overlap not marked: %+v", res.Segments)
	}
}

func TestAlign_NoSpeakersAtAll(t *testing.T) {
	segs := []asr.Segment{asrSeg(0, time.Second, w("alone", 0, time.Second))}
	res := Align(segs, nil)
	if len(res.Segments) != 1 {
		t.Fatal("no output for uncovered transcript")
	}
	if res.Segments[0].SpeakerID == "" {
		t.Fatal("FinalSegment.SpeakerID must be non-empty")
	}
}

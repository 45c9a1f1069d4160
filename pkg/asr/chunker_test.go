package asr

import (
	"testing"
	"time"

	"github.com/loquatlabs/loquat/pkg/vad"
)

const sec = 16000 // samples per second

func TestChunker_ShortUtteranceSingleWindow(t *testing.T) {
	c := NewChunker(ChunkerConfig{})

	if spans := c.Push(vad.Event{Kind: vad.SpeechStart, StartSample: 2 * sec, EndSample: 3 * sec}); len(spans) != 0 {
		t.Fatalf("SpeechStart produced %d spans, want 0", len(spans))
	}
	spans := c.Push(vad.Event{Kind: vad.SpeechEnd, StartSample: 2 * sec, EndSample: 6 * sec})
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Start != 2*sec || spans[0].End != 6*sec {
		t.Errorf("span = [%d, %d), want [%d, %d)", spans[0].Start, spans[0].End, 2*sec, 6*sec)
	}
}

func TestChunker_SlidingWindowsWithOverlap(t *testing.T) {
	c := NewChunker(ChunkerConfig{})
	c.Push(vad.Event{Kind: vad.SpeechStart, StartSample: 0, EndSample: sec})

	// 25 s of continuous speech delivered via extend events.
	var spans []Span
	for s := uint64(2); s <= 25; s++ {
		spans = append(spans, c.Push(vad.Event{Kind: vad.SpeechExtend, StartSample: 0, EndSample: s * sec})...)
	}
	spans = append(spans, c.Push(vad.Event{Kind: vad.SpeechEnd, StartSample: 0, EndSample: 25 * sec})...)

	// Windows: [0,10), [8,18), then the tail [16,25) on SpeechEnd.
	if len(spans) != 3 {
		t.Fatalf("got %d spans: %v, want 3", len(spans), spans)
	}
	if spans[0].Start != 0 || spans[0].End != 10*sec {
		t.Errorf("span 0 = %+v, want [0, 10s)", spans[0])
	}
	if spans[1].Start != 8*sec || spans[1].End != 18*sec {
		t.Errorf("span 1 = %+v, want [8s, 18s)", spans[1])
	}
	if spans[2].End != 25*sec {
		t.Errorf("tail span end = %d, want 25s", spans[2].End)
	}
	// Consecutive sliding windows share exactly the configured overlap.
	if got := spans[0].End - spans[1].Start; got != 2*sec {
		t.Errorf("overlap = %d samples, want 2s", got)
	}
}

func TestChunker_NoTailWhenFullyCovered(t *testing.T) {
	c := NewChunker(ChunkerConfig{Window: 10 * time.Second, Overlap: 2 * time.Second})
	c.Push(vad.Event{Kind: vad.SpeechStart, StartSample: 0, EndSample: sec})
	spans := c.Push(vad.Event{Kind: vad.SpeechExtend, StartSample: 0, EndSample: 10 * sec})
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	// SpeechEnd exactly at the last window end adds nothing.
	if spans := c.Push(vad.Event{Kind: vad.SpeechEnd, StartSample: 0, EndSample: 10 * sec}); len(spans) != 0 {
		t.Fatalf("got %d tail spans, want 0", len(spans))
	}
}

func TestChunker_EventsOutsideSegmentIgnored(t *testing.T) {
	c := NewChunker(ChunkerConfig{})
	if spans := c.Push(vad.Event{Kind: vad.SpeechExtend, EndSample: 20 * sec}); spans != nil {
		t.Fatal("extend without start produced spans")
	}
	if spans := c.Push(vad.Event{Kind: vad.SpeechEnd, EndSample: 20 * sec}); spans != nil {
		t.Fatal("end without start produced spans")
	}
}

func TestContextTracker_KeepsTail(t *testing.T) {
	ct := NewContextTracker(5)
	ct.Add([]Word{{Text: "the"}, {Text: "quick"}, {Text: "brown"}})
	ct.Add([]Word{{Text: "fox"}, {Text: "jumps"}, {Text: "over"}})
	if got, want := ct.Prompt(), "quick brown fox jumps over"; got != want {
		t.Errorf("Prompt = %q, want %q", got, want)
	}
	ct.Reset()
	if ct.Prompt() != "" {
		t.Error("Prompt after Reset is not empty")
	}
}

func TestContextTracker_DefaultLimit(t *testing.T) {
	ct := NewContextTracker(0)
	words := make([]Word, 80)
	for i := range words {
		words[i] = Word{Text: "w"}
	}
	ct.Add(words)
	if got := len(ct.words); got != defaultContextWords {
		t.Errorf("kept %d words, want %d", got, defaultContextWords)
	}
}

package diar

import (
	"math"
	"testing"
	"time"
)

const sr = 16000

func TestSegmentBuilder_MergesSameSpeakerWindows(t *testing.T) {
	b := NewSegmentBuilder(time.Second, false)

	// Three overlapping windows of the same speaker (3 s window, 1.5 s hop).
	if out := b.Push("alice", 0.9, 0, 3*sr); len(out) != 0 {
		t.Fatal("segment closed early")
	}
	b.Push("alice", 0.85, 3*sr/2, 3*sr/2+3*sr)
	b.Push("alice", 0.95, 3*sr, 6*sr)

	out := b.Flush()
	if len(out) != 1 {
		t.Fatalf("got %d segments, want 1", len(out))
	}
	s := out[0]
	if s.Start != 0 || s.End != 6*time.Second {
		t.Errorf("span = [%v, %v], want [0, 6s]", s.Start, s.End)
	}
	if math.Abs(s.Confidence-0.85) > 1e-9 {
		t.Errorf("confidence = %f, want the minimum 0.85", s.Confidence)
	}
}

func TestSegmentBuilder_SpeakerChangeClosesSegment(t *testing.T) {
	b := NewSegmentBuilder(time.Second, false)
	b.Push("alice", 0.9, 0, 3*sr)
	out := b.Push("bob", 0.8, 4*sr, 7*sr)
	if len(out) != 1 || out[0].SpeakerID != "alice" {
		t.Fatalf("speaker change did not close the previous segment: %+v", out)
	}
	out = b.Flush()
	if len(out) != 1 || out[0].SpeakerID != "bob" {
		t.Fatalf("flush = %+v, want bob's segment", out)
	}
}

func TestSegmentBuilder_OverlapDetection(t *testing.T) {
	b := NewSegmentBuilder(time.Second, true)
	b.Push("alice", 0.9, 0, 3*sr)
	// Bob's window starts before alice's last window ends.
	out := b.Push("bob", 0.8, 2*sr, 5*sr)
	if len(out) != 1 {
		t.Fatalf("got %d closed segments, want 1", len(out))
	}
	if len(out[0].OverlapWith) != 1 || out[0].OverlapWith[0] != "bob" {
		t.Errorf("alice OverlapWith = %v, want [bob]", out[0].OverlapWith)
	}
	rest := b.Flush()
	if len(rest) != 1 || len(rest[0].OverlapWith) != 1 || rest[0].OverlapWith[0] != "alice" {
		t.Errorf("bob OverlapWith = %+v, want [alice]", rest)
	}
}

func TestSegmentBuilder_ClipsWithoutOverlapDetection(t *testing.T) {
	b := NewSegmentBuilder(time.Second, false)
	b.Push("alice", 0.9, 0, 3*sr)
	out := b.Push("bob", 0.8, 2*sr, 5*sr)
	if len(out) != 1 {
		t.Fatal("no closed segment")
	}
	if out[0].End != 2*time.Second {
		t.Errorf("alice end = %v, want clipped to 2s", out[0].End)
	}
	if len(out[0].OverlapWith) != 0 {
		t.Error("overlap recorded with detection disabled")
	}
}

func TestSegmentBuilder_DropsShortSegments(t *testing.T) {
	b := NewSegmentBuilder(time.Second, false)
	b.Push("alice", 0.9, 0, sr/2) // 0.5 s
	out := b.Push("bob", 0.8, sr, 3*sr)
	if len(out) != 0 {
		t.Fatalf("sub-minimum segment emitted: %+v", out)
	}
}

func TestWindowPlanner_Defaults(t *testing.T) {
	p := NewWindowPlanner(0, 0, 0)
	p.Begin(0)

	// Below the 1.5 s minimum: nothing.
	if wins := p.Extend(sr); wins != nil {
		t.Fatalf("windows before min speech: %v", wins)
	}
	// At 3 s: one full window.
	wins := p.Extend(3 * sr)
	if len(wins) != 1 || wins[0] != [2]uint64{0, 3 * sr} {
		t.Fatalf("wins = %v, want one [0, 3s) window", wins)
	}
	// At 6 s: windows at 1.5 s and 3 s.
	wins = p.Extend(6 * sr)
	if len(wins) != 2 {
		t.Fatalf("wins = %v, want 2", wins)
	}
	if wins[0][0] != 3*sr/2 || wins[1][0] != 3*sr {
		t.Errorf("window starts = %d, %d, want hop spacing", wins[0][0], wins[1][0])
	}
	// End with a 2 s tail (≥ min speech): one final short window.
	wins = p.End(6*sr + 2*sr)
	found := false
	for _, w := range wins {
		if w[1] == 8*sr && w[1]-w[0] < 3*sr {
			found = true
		}
	}
	if !found {
		t.Errorf("End windows = %v, want a tail window ending at 8s", wins)
	}
}

func TestWindowPlanner_ShortRegionProducesNothing(t *testing.T) {
	p := NewWindowPlanner(0, 0, 0)
	p.Begin(0)
	if wins := p.End(sr); wins != nil { // 1 s < 1.5 s minimum
		t.Fatalf("short region produced windows: %v", wins)
	}
}

func TestWindowQuality_Ordering(t *testing.T) {
	// Speech-like: a loud tone with leading room tone, so the noise floor
	// is well below the voiced frames.
	clean := make([]float32, 3*sr)
	for i := range clean {
		if i < sr/3 {
			clean[i] = float32(0.0005 * math.Sin(2*math.Pi*60*float64(i)/sr))
			continue
		}
		clean[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/sr))
	}
	noisy := make([]float32, 3*sr)
	for i := range noisy {
		noisy[i] = float32(0.001 * math.Sin(2*math.Pi*60*float64(i)/sr))
	}

	qClean := WindowQuality(clean)
	qNoisy := WindowQuality(noisy)
	if qClean <= qNoisy {
		t.Fatalf("quality(clean)=%f ≤ quality(quiet)=%f", qClean, qNoisy)
	}
	if qClean < 0 || qClean > 1 || qNoisy < 0 || qNoisy > 1 {
		t.Fatal("quality out of [0, 1]")
	}
}

func TestNormalize_Invariant(t *testing.T) {
	v := []float32{3, 4, 0, 0}
	if err := Normalize(v); err != nil {
		t.Fatal(err)
	}
	if !CheckNorm(v) {
		t.Fatal("normalized vector fails the norm invariant")
	}
	if err := Normalize(make([]float32, 4)); err == nil {
		t.Fatal("zero vector normalized without error")
	}
}

func TestEstimatePitch_Tone(t *testing.T) {
	tone := make([]float32, sr)
	for i := range tone {
		tone[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/sr))
	}
	p := EstimatePitch(tone, sr)
	if p < 200 || p > 240 {
		t.Fatalf("pitch = %f Hz, want ≈220", p)
	}
	if p := EstimatePitch(make([]float32, sr), sr); p != 0 {
		t.Fatalf("pitch of silence = %f, want 0", p)
	}
}

func TestMelFrontend_Shape(t *testing.T) {
	m := NewMelFrontend(DefaultMelConfig())
	spec := m.Compute(make([]float32, sr)) // 1 s
	wantFrames := (sr-400)/160 + 1
	if len(spec) != wantFrames {
		t.Fatalf("frames = %d, want %d", len(spec), wantFrames)
	}
	if len(spec[0]) != 80 {
		t.Fatalf("mels = %d, want 80", len(spec[0]))
	}
}

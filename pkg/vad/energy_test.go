package vad

import (
	"math"
	"testing"
)

func tone(amplitude float64, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*200*float64(i)/16000))
	}
	return out
}

func TestEnergySession_LoudVsQuiet(t *testing.T) {
	sess, err := (&EnergyEngine{}).NewSession(SessionConfig{FrameSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	loud, err := sess.SpeechProbability(tone(0.3, 512))
	if err != nil {
		t.Fatal(err)
	}
	sess.Reset()
	quiet, err := sess.SpeechProbability(tone(0.001, 512))
	if err != nil {
		t.Fatal(err)
	}

	if loud <= quiet {
		t.Fatalf("prob(loud)=%f ≤ prob(quiet)=%f", loud, quiet)
	}
	if loud < 0.8 {
		t.Errorf("prob(loud) = %f, want ≥0.8", loud)
	}
	if quiet > 0.35 {
		t.Errorf("prob(quiet) = %f, want ≤ off threshold", quiet)
	}
}

func TestEnergySession_EmptyFrame(t *testing.T) {
	sess, _ := (&EnergyEngine{}).NewSession(SessionConfig{})
	p, err := sess.SpeechProbability(nil)
	if err != nil || p != 0 {
		t.Fatalf("empty frame = (%f, %v), want (0, nil)", p, err)
	}
}

func TestEnergySession_FloorAdapts(t *testing.T) {
	sess, _ := (&EnergyEngine{}).NewSession(SessionConfig{})
	// A long quiet stretch drags the floor down…
	for range 100 {
		if _, err := sess.SpeechProbability(tone(0.002, 512)); err != nil {
			t.Fatal(err)
		}
	}
	after, _ := sess.SpeechProbability(tone(0.02, 512))
	sess.Reset()
	fresh, _ := sess.SpeechProbability(tone(0.02, 512))
	// …so the same moderate signal scores higher than against the
	// default floor.
	if after <= fresh {
		t.Fatalf("adapted prob %f ≤ fresh prob %f", after, fresh)
	}
}

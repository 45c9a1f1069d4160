package asr

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTier_Downgrade(t *testing.T) {
	tests := []struct {
		from Tier
		want Tier
		ok   bool
	}{
		{TierHighAccuracy, TierStandard, true},
		{TierStandard, TierTurbo, true},
		{TierTurbo, TierTurbo, false},
	}
	for _, tt := range tests {
		got, ok := tt.from.Downgrade()
		if got != tt.want || ok != tt.ok {
			t.Errorf("Downgrade(%s) = (%s, %v), want (%s, %v)", tt.from, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTier_IsValid(t *testing.T) {
	if !TierTurbo.IsValid() || !TierStandard.IsValid() || !TierHighAccuracy.IsValid() {
		t.Error("known tiers reported invalid")
	}
	if Tier("warp").IsValid() {
		t.Error("unknown tier reported valid")
	}
}

func TestValidateOutput_CorruptDetection(t *testing.T) {
	loud := make([]float32, 16000)
	for i := range loud {
		loud[i] = float32(0.3 * math.Sin(float64(i)/10))
	}
	quiet := make([]float32, 16000)

	// Empty text over loud audio is corrupt.
	if err := validateOutput("", nil, loud); !errors.Is(err, ErrCorruptOutput) {
		t.Fatalf("err = %v, want ErrCorruptOutput for empty transcript of loud audio", err)
	}
	// Empty text over silence is fine.
	if err := validateOutput("", nil, quiet); err != nil {
		t.Fatalf("unexpected error for silent window: %v", err)
	}
	// NaN confidence is corrupt.
	words := []Word{{Text: "x", Confidence: math.NaN()}}
	if err := validateOutput("x", words, loud); !errors.Is(err, ErrCorruptOutput) {
		t.Fatalf("err = %v, want ErrCorruptOutput for NaN confidence", err)
	}
}

func TestMeanConfidence(t *testing.T) {
	if got := meanConfidence(nil); got != 0 {
		t.Errorf("meanConfidence(nil) = %f", got)
	}
	words := []Word{{Confidence: 0.8}, {Confidence: 0.6}}
	if got := meanConfidence(words); math.Abs(got-0.7) > 1e-9 {
		t.Errorf("meanConfidence = %f, want 0.7", got)
	}
}

func TestWindow_Duration(t *testing.T) {
	w := Window{Samples: make([]float32, 32000)}
	if w.Duration() != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", w.Duration())
	}
}

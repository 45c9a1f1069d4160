package observe

import (
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestGovernor_DowngradeAtFirstThreshold(t *testing.T) {
	g := NewGovernor(GovernorConfig{})
	now := time.Unix(1000, 0)

	if acts := g.Evaluate(now, Readings{Temperature: 75}); len(acts) != 0 {
		t.Fatalf("actions at 75°C: %v", acts)
	}

	acts := g.Evaluate(now, Readings{Temperature: 82})
	if len(acts) != 1 || acts[0] != ActionDowngradeTier {
		t.Fatalf("actions at 82°C = %v, want [downgrade_tier]", acts)
	}

	// Still hot 5 s later: spacing suppresses a second downgrade.
	if acts := g.Evaluate(now.Add(5*time.Second), Readings{Temperature: 83}); len(acts) != 0 {
		t.Fatalf("downgrade repeated within spacing: %v", acts)
	}
	// After the spacing, the next level may drop.
	if acts := g.Evaluate(now.Add(20*time.Second), Readings{Temperature: 83}); len(acts) != 1 {
		t.Fatalf("no downgrade after spacing: %v", acts)
	}
}

func TestGovernor_PauseAtSecondThreshold(t *testing.T) {
	g := NewGovernor(GovernorConfig{})
	now := time.Unix(2000, 0)

	acts := g.Evaluate(now, Readings{Temperature: 91})
	if len(acts) != 1 || acts[0] != ActionPauseASR {
		t.Fatalf("actions at 91°C = %v, want [pause_asr]", acts)
	}
	if !g.ASRPaused(now.Add(10 * time.Second)) {
		t.Fatal("ASR not paused 10 s into the cool-down")
	}
	if g.ASRPaused(now.Add(31 * time.Second)) {
		t.Fatal("ASR still paused after the 30 s cool-down")
	}
	// Re-evaluating while paused does not restart the pause.
	if acts := g.Evaluate(now.Add(5*time.Second), Readings{Temperature: 95}); len(acts) != 0 {
		t.Fatalf("pause re-issued mid-cooldown: %v", acts)
	}
}

func TestGovernor_MemoryPressureCompresses(t *testing.T) {
	g := NewGovernor(GovernorConfig{MaxMemoryMB: 500})
	now := time.Unix(3000, 0)

	acts := g.Evaluate(now, Readings{MemoryMB: 600, FreeMemoryMB: 4096})
	if len(acts) != 1 || acts[0] != ActionCompressEmbeddings {
		t.Fatalf("actions over budget = %v, want [compress_embeddings]", acts)
	}

	// Low system free memory triggers it too.
	g2 := NewGovernor(GovernorConfig{})
	acts = g2.Evaluate(now, Readings{MemoryMB: 200, FreeMemoryMB: 512})
	if len(acts) != 1 || acts[0] != ActionCompressEmbeddings {
		t.Fatalf("actions under low free memory = %v", acts)
	}
}

func TestRTFTracker(t *testing.T) {
	var tr RTFTracker
	tr.AddWork(10*time.Second, 5*time.Second)
	if got := tr.RTF(); got != 0.5 {
		t.Fatalf("RTF = %f, want 0.5", got)
	}
	tr.AddWork(10*time.Second, 15*time.Second)
	if got := tr.RTF(); got != 1.0 {
		t.Fatalf("RTF = %f, want 1.0", got)
	}
	if tr.ProcessedAudio() != 20*time.Second {
		t.Fatalf("processed = %v, want 20s", tr.ProcessedAudio())
	}

	tr.ObserveLatency(time.Second)
	tr.ObserveLatency(2 * time.Second)
	if l := tr.Latency(); l <= 1.0 || l >= 2.0 {
		t.Fatalf("latency EWMA = %f, want between the samples", l)
	}
}

func TestNewMetrics_AllInstruments(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	if m.DecodeDuration == nil || m.RTF == nil || m.SamplesLost == nil {
		t.Fatal("instruments not initialised")
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loquatlabs/loquat/pkg/asr"
)

// stubEngine is a minimal asr.Engine for ladder tests.
type stubEngine struct {
	tier   asr.Tier
	closed bool
}

func (s *stubEngine) Decode(context.Context, asr.Window) (asr.Segment, error) {
	return asr.Segment{}, nil
}
func (s *stubEngine) Tier() asr.Tier { return s.tier }
func (s *stubEngine) Close() error   { s.closed = true; return nil }

func threeTiers() map[asr.Tier]asr.Engine {
	return map[asr.Tier]asr.Engine{
		asr.TierTurbo:        &stubEngine{tier: asr.TierTurbo},
		asr.TierStandard:     &stubEngine{tier: asr.TierStandard},
		asr.TierHighAccuracy: &stubEngine{tier: asr.TierHighAccuracy},
	}
}

func TestTierLadder_DowngradeWalksDown(t *testing.T) {
	l, err := NewTierLadder(threeTiers(), asr.TierHighAccuracy)
	if err != nil {
		t.Fatal(err)
	}
	if l.Tier() != asr.TierHighAccuracy {
		t.Fatalf("start tier = %s", l.Tier())
	}

	tier, err := l.Downgrade("thermal")
	if err != nil || tier != asr.TierStandard {
		t.Fatalf("first downgrade = %s, %v", tier, err)
	}
	tier, err = l.Downgrade("thermal")
	if err != nil || tier != asr.TierTurbo {
		t.Fatalf("second downgrade = %s, %v", tier, err)
	}
	if _, err := l.Downgrade("thermal"); !errors.Is(err, ErrLadderExhausted) {
		t.Fatalf("bottom downgrade err = %v, want ErrLadderExhausted", err)
	}
	if l.Engine().Tier() != asr.TierTurbo {
		t.Fatal("current engine does not match current tier")
	}
}

func TestTierLadder_BestStaysHigh(t *testing.T) {
	l, err := NewTierLadder(threeTiers(), asr.TierStandard)
	if err != nil {
		t.Fatal(err)
	}
	l.Downgrade("load")
	if l.Best().Tier() != asr.TierHighAccuracy {
		t.Fatalf("Best = %s, want high-accuracy for refinement", l.Best().Tier())
	}
}

func TestTierLadder_MissingTiersSkipped(t *testing.T) {
	engines := map[asr.Tier]asr.Engine{
		asr.TierStandard: &stubEngine{tier: asr.TierStandard},
	}
	l, err := NewTierLadder(engines, asr.TierStandard)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Downgrade("x"); !errors.Is(err, ErrLadderExhausted) {
		t.Fatal("single-tier ladder should be exhausted immediately")
	}

	if _, err := NewTierLadder(engines, asr.TierTurbo); err == nil {
		t.Fatal("starting at a missing tier did not fail")
	}
}

func TestTierLadder_CloseClosesAll(t *testing.T) {
	engines := threeTiers()
	l, _ := NewTierLadder(engines, asr.TierStandard)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	for tier, e := range engines {
		if !e.(*stubEngine).closed {
			t.Errorf("engine %s not closed", tier)
		}
	}
}

func TestBreaker_TripsAndRecovers(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "sink", MaxFailures: 3, RetryAfter: 50 * time.Millisecond})
	boom := errors.New("boom")

	for range 3 {
		_ = b.Execute(func() error { return boom })
	}
	if !b.Open() {
		t.Fatal("breaker not open after MaxFailures")
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen while open", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if b.Open() {
		t.Fatal("breaker still open after successful probe")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 3})
	boom := errors.New("boom")
	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return boom })
	if b.Open() {
		t.Fatal("breaker opened despite an intervening success")
	}
}

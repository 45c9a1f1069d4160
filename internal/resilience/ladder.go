// Package resilience holds the degradation machinery of the core: the ASR
// tier ladder that steps decoding quality down under thermal or backpressure
// load, and a circuit breaker guarding the external event sink.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/loquatlabs/loquat/pkg/asr"
)

// ErrLadderExhausted is returned by Downgrade when the ladder is already at
// its fastest tier.
var ErrLadderExhausted = errors.New("resilience: already at the fastest tier")

// TierLadder owns one ASR engine per available tier and tracks which one is
// current. Downgrades step toward faster tiers; the session controller and
// the thermal governor both drive it, possibly from different goroutines.
type TierLadder struct {
	mu      sync.Mutex
	order   []asr.Tier // fastest first
	engines map[asr.Tier]asr.Engine
	current int // index into order
}

// ladderOrder is the fixed tier ordering, fastest first.
var ladderOrder = []asr.Tier{asr.TierTurbo, asr.TierStandard, asr.TierHighAccuracy}

// NewTierLadder builds a ladder from the available engines, starting at
// start. Tiers without an engine are skipped; start must have one.
func NewTierLadder(engines map[asr.Tier]asr.Engine, start asr.Tier) (*TierLadder, error) {
	l := &TierLadder{engines: map[asr.Tier]asr.Engine{}}
	for _, t := range ladderOrder {
		if e, ok := engines[t]; ok && e != nil {
			l.order = append(l.order, t)
			l.engines[t] = e
		}
	}
	if len(l.order) == 0 {
		return nil, errors.New("resilience: no engines available")
	}
	l.current = -1
	for i, t := range l.order {
		if t == start {
			l.current = i
		}
	}
	if l.current < 0 {
		return nil, errors.New("resilience: no engine for starting tier " + string(start))
	}
	return l, nil
}

// Engine returns the engine for the current tier.
func (l *TierLadder) Engine() asr.Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[l.order[l.current]]
}

// Tier returns the current tier.
func (l *TierLadder) Tier() asr.Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order[l.current]
}

// Best returns the highest-quality engine at or above the current tier,
// used by the refinement pass.
func (l *TierLadder) Best() asr.Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[l.order[len(l.order)-1]]
}

// Downgrade steps one tier down and returns the new tier. Returns
// ErrLadderExhausted at the bottom.
func (l *TierLadder) Downgrade(reason string) (asr.Tier, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == 0 {
		return l.order[0], ErrLadderExhausted
	}
	from := l.order[l.current]
	l.current--
	to := l.order[l.current]
	slog.Warn("asr tier downgraded", "from", from, "to", to, "reason", reason)
	return to, nil
}

// Close releases every engine in the ladder.
func (l *TierLadder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, e := range l.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

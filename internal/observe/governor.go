package observe

import (
	"sync"
	"time"
)

// Governor thresholds and defaults.
const (
	defaultTempDowngrade   = 80.0
	defaultTempPause       = 90.0
	defaultCooldown        = 30 * time.Second
	defaultMinFreeMemoryMB = 1024.0

	// downgradeSpacing prevents the governor from stepping through every
	// tier on a single hot reading.
	downgradeSpacing = 15 * time.Second
)

// Readings is one sample of system state fed to the governor. Fields the
// platform cannot measure are left at zero and ignored.
type Readings struct {
	CPUPercent   float64
	MemoryMB     float64
	FreeMemoryMB float64
	Temperature  float64
}

// Action is a resource-pressure response the session controller must apply.
type Action int

const (
	// ActionDowngradeTier steps the ASR tier one level down.
	ActionDowngradeTier Action = iota

	// ActionPauseASR suspends decoding for the cool-down period; VAD keeps
	// running and committed segments still flow.
	ActionPauseASR

	// ActionCompressEmbeddings tells the clusterer to drop non-centroid
	// embeddings beyond half the reservoir.
	ActionCompressEmbeddings
)

// String returns the action name for logs.
func (a Action) String() string {
	switch a {
	case ActionDowngradeTier:
		return "downgrade_tier"
	case ActionPauseASR:
		return "pause_asr"
	case ActionCompressEmbeddings:
		return "compress_embeddings"
	default:
		return "unknown"
	}
}

// GovernorConfig tunes the governor. Zero values select defaults.
type GovernorConfig struct {
	// TempDowngrade is the temperature (°C) that triggers a tier
	// downgrade. Default 80.
	TempDowngrade float64

	// TempPause is the temperature that forces an ASR pause. Default 90.
	TempPause float64

	// Cooldown is how long a forced pause lasts. Default 30 s.
	Cooldown time.Duration

	// MaxMemoryMB is the configured session memory ceiling; zero disables
	// the check.
	MaxMemoryMB float64

	// MinFreeMemoryMB triggers embedding compression when system free
	// memory drops below it. Default 1024.
	MinFreeMemoryMB float64
}

func (c *GovernorConfig) applyDefaults() {
	if c.TempDowngrade == 0 {
		c.TempDowngrade = defaultTempDowngrade
	}
	if c.TempPause == 0 {
		c.TempPause = defaultTempPause
	}
	if c.Cooldown == 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MinFreeMemoryMB == 0 {
		c.MinFreeMemoryMB = defaultMinFreeMemoryMB
	}
}

// Governor turns system readings into adaptive actions: tier downgrades at
// the first thermal threshold, a timed ASR pause at the second, and
// embedding-cache compression under memory pressure. Safe for concurrent
// use; Evaluate is called from the metrics sampler while ASRPaused is read
// by the ASR worker.
type Governor struct {
	cfg GovernorConfig

	mu            sync.Mutex
	pausedUntil   time.Time
	lastDowngrade time.Time
	lastCompress  time.Time
}

// NewGovernor creates a governor with the given thresholds.
func NewGovernor(cfg GovernorConfig) *Governor {
	cfg.applyDefaults()
	return &Governor{cfg: cfg}
}

// Evaluate inspects one reading and returns the actions to apply now.
func (g *Governor) Evaluate(now time.Time, r Readings) []Action {
	g.mu.Lock()
	defer g.mu.Unlock()

	var actions []Action

	if r.Temperature >= g.cfg.TempPause {
		if now.After(g.pausedUntil) {
			g.pausedUntil = now.Add(g.cfg.Cooldown)
			actions = append(actions, ActionPauseASR)
		}
	} else if r.Temperature >= g.cfg.TempDowngrade {
		if now.Sub(g.lastDowngrade) >= downgradeSpacing {
			g.lastDowngrade = now
			actions = append(actions, ActionDowngradeTier)
		}
	}

	memPressure := (g.cfg.MaxMemoryMB > 0 && r.MemoryMB > g.cfg.MaxMemoryMB) ||
		(r.FreeMemoryMB > 0 && r.FreeMemoryMB < g.cfg.MinFreeMemoryMB)
	if memPressure && now.Sub(g.lastCompress) >= downgradeSpacing {
		g.lastCompress = now
		actions = append(actions, ActionCompressEmbeddings)
	}

	return actions
}

// ASRPaused reports whether decoding is inside a forced cool-down.
func (g *Governor) ASRPaused(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Before(g.pausedUntil)
}

// RTFTracker measures the real-time factor: processing wall time divided by
// processed audio time. Safe for concurrent use.
type RTFTracker struct {
	mu        sync.Mutex
	audio     time.Duration
	busy      time.Duration
	latencyMA float64
}

// AddWork records one unit of processing: audio seconds handled and the wall
// time it took.
func (t *RTFTracker) AddWork(audio, wall time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio += audio
	t.busy += wall
}

// ObserveLatency folds one end-to-end latency sample into an exponential
// moving average.
func (t *RTFTracker) ObserveLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := d.Seconds()
	if t.latencyMA == 0 {
		t.latencyMA = s
		return
	}
	t.latencyMA = 0.9*t.latencyMA + 0.1*s
}

// RTF returns the cumulative real-time factor; values below 1.0 mean the
// pipeline runs faster than real time.
func (t *RTFTracker) RTF() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.audio == 0 {
		return 0
	}
	return t.busy.Seconds() / t.audio.Seconds()
}

// Latency returns the smoothed end-to-end latency in seconds.
func (t *RTFTracker) Latency() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latencyMA
}

// ProcessedAudio returns the total audio time accounted so far.
func (t *RTFTracker) ProcessedAudio() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audio
}

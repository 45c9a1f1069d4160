package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loquatlabs/loquat/internal/config"
	"github.com/loquatlabs/loquat/internal/faults"
	"github.com/loquatlabs/loquat/internal/profile"
)

// Controller is the control surface exposed to external collaborators. It
// owns all live sessions and the speaker-profile store shared between them.
// All exported methods are safe for concurrent use.
type Controller struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewController creates a controller over the given collaborators. When
// deps.TempProbe is nil a platform probe is installed where available.
func NewController(deps Deps) *Controller {
	if deps.TempProbe == nil {
		deps.TempProbe = sysTempProbe()
	}
	return &Controller{deps: deps, sessions: make(map[string]*Session)}
}

// StartSession validates cfg, loads all required model artifacts, starts the
// pipeline workers, and returns the new session ID. Configuration or
// artifact problems surface here, before any audio is accepted.
func (c *Controller) StartSession(ctx context.Context, cfg *config.Config) (string, error) {
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return "", faults.Wrap(faults.CodeInvalidConfig, err, "configuration rejected")
	}
	if err := checkResources(cfg); err != nil {
		return "", err
	}

	id := fmt.Sprintf("session-%s", uuid.NewString())
	sess, err := newSession(ctx, id, cfg, c.deps)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessions[id] = sess
	c.mu.Unlock()

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Add(ctx, 1)
	}
	sess.Run(context.Background())
	return id, nil
}

// StopSession drains and stops one session, returning everything committed.
func (c *Controller) StopSession(ctx context.Context, id string) (FinalResult, error) {
	sess, err := c.take(id)
	if err != nil {
		return FinalResult{}, err
	}
	if c.deps.Metrics != nil {
		defer c.deps.Metrics.ActiveSessions.Add(ctx, -1)
	}
	return sess.Stop(ctx), nil
}

// EmergencyStopAll force-stops every live session and returns how many were
// stopped. Idempotent: an empty controller returns zero.
func (c *Controller) EmergencyStopAll(ctx context.Context) int {
	c.mu.Lock()
	var all []*Session
	for id, sess := range c.sessions {
		all = append(all, sess)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, sess := range all {
		sess.Stop(ctx)
		if c.deps.Metrics != nil {
			c.deps.Metrics.ActiveSessions.Add(ctx, -1)
		}
	}
	if len(all) > 0 {
		slog.Warn("emergency stop", "sessions", len(all))
	}
	return len(all)
}

// ProcessAudio feeds externally captured PCM into a session.
func (c *Controller) ProcessAudio(id string, pcm []float32, sampleRate, channels int, ts time.Time) error {
	sess, err := c.get(id)
	if err != nil {
		return err
	}
	return sess.ProcessAudio(pcm, sampleRate, channels, ts)
}

// Statistics returns a live statistics snapshot for one session.
func (c *Controller) Statistics(id string) (Stats, error) {
	sess, err := c.get(id)
	if err != nil {
		return Stats{}, err
	}
	return sess.Statistics(), nil
}

// UpdateSpeaker renames or recolors a speaker in a live session.
func (c *Controller) UpdateSpeaker(ctx context.Context, id, speakerID, name, color string) (profile.Profile, error) {
	reply, err := c.command(ctx, id, diarCommand{kind: cmdUpdateSpeaker, a: speakerID, name: name, color: color})
	if err != nil {
		return profile.Profile{}, err
	}
	return reply.profiles[0], nil
}

// MergeSpeakers folds speaker b into a for the session, rewriting all past
// attributions, and returns the surviving profile.
func (c *Controller) MergeSpeakers(ctx context.Context, id, a, b string) (profile.Profile, error) {
	reply, err := c.command(ctx, id, diarCommand{kind: cmdMergeSpeakers, a: a, b: b})
	if err != nil {
		return profile.Profile{}, err
	}
	return reply.profiles[0], nil
}

// SplitSpeaker partitions a speaker's history about the session offset t and
// returns both resulting profiles.
func (c *Controller) SplitSpeaker(ctx context.Context, id, speakerID string, t time.Duration) (profile.Profile, profile.Profile, error) {
	reply, err := c.command(ctx, id, diarCommand{kind: cmdSplitSpeaker, a: speakerID, at: t})
	if err != nil {
		return profile.Profile{}, profile.Profile{}, err
	}
	return reply.profiles[0], reply.profiles[1], nil
}

// ExportProfiles bundles the persistent speaker profiles.
func (c *Controller) ExportProfiles(ctx context.Context, includeEmbeddings bool) (profile.Payload, error) {
	if c.deps.Profiles == nil {
		return profile.Payload{}, faults.New(faults.CodeProfileImportInvalid, "no profile store configured")
	}
	return profile.Export(ctx, c.deps.Profiles, includeEmbeddings)
}

// ImportProfiles applies an exported bundle to the profile store.
func (c *Controller) ImportProfiles(ctx context.Context, payload profile.Payload, mode profile.ImportMode) (int, error) {
	if c.deps.Profiles == nil {
		return 0, faults.New(faults.CodeProfileImportInvalid, "no profile store configured")
	}
	n, err := profile.Import(ctx, c.deps.Profiles, payload, mode)
	if err != nil {
		return n, faults.Wrap(faults.CodeProfileImportInvalid, err, "import rejected")
	}
	return n, nil
}

// ClearAllSpeakerData permanently wipes every stored profile and embedding.
// Live sessions keep their in-memory clusters until they stop.
func (c *Controller) ClearAllSpeakerData(ctx context.Context) error {
	if c.deps.Profiles == nil {
		return nil
	}
	return c.deps.Profiles.Clear(ctx)
}

// command routes a speaker operation to a session's diarization worker and
// waits for the reply.
func (c *Controller) command(ctx context.Context, id string, cmd diarCommand) (diarReply, error) {
	sess, err := c.get(id)
	if err != nil {
		return diarReply{}, err
	}
	cmd.reply = make(chan diarReply, 1)
	select {
	case sess.diarCmd <- cmd:
	case <-ctx.Done():
		return diarReply{}, ctx.Err()
	case <-sess.done:
		return diarReply{}, faults.New(faults.CodeSessionNotFound, "session %s has stopped", id)
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return diarReply{}, ctx.Err()
	}
}

func (c *Controller) get(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		return nil, faults.New(faults.CodeSessionNotFound, "session %s", id)
	}
	return sess, nil
}

func (c *Controller) take(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		return nil, faults.New(faults.CodeSessionNotFound, "session %s", id)
	}
	delete(c.sessions, id)
	return sess, nil
}

// checkResources enforces the fatal startup constraints of §7: a usable
// memory budget and an honourable hardware-acceleration request.
func checkResources(cfg *config.Config) error {
	if cfg.Resources.MaxMemoryMB > 0 && cfg.Resources.MaxMemoryMB < 256 {
		return faults.New(faults.CodeInsufficientMemory,
			"max_memory_mb %d is below the 256 MB minimum for the smallest model set", cfg.Resources.MaxMemoryMB).
			WithHints("raise resources.max_memory_mb to at least 256")
	}
	switch cfg.Resources.HardwareAcceleration {
	case "metal":
		if runtime.GOOS != "darwin" {
			return faults.New(faults.CodeHardwareAccel, "metal acceleration requested on %s", runtime.GOOS).
				WithHints("use hardware_acceleration: auto")
		}
	case "gpu":
		if runtime.GOOS == "darwin" {
			return faults.New(faults.CodeHardwareAccel, "gpu acceleration is not available on darwin; use metal").
				WithHints("use hardware_acceleration: metal or auto")
		}
	}
	return nil
}

// sysTempProbe returns a Linux sysfs thermal-zone reader, or nil when the
// platform exposes none.
func sysTempProbe() func() float64 {
	const zone = "/sys/class/thermal/thermal_zone0/temp"
	if _, err := os.Stat(zone); err != nil {
		return nil
	}
	return func() float64 {
		raw, err := os.ReadFile(zone)
		if err != nil {
			return 0
		}
		milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return 0
		}
		return float64(milli) / 1000
	}
}

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loquatlabs/loquat/internal/artifacts"
	"github.com/loquatlabs/loquat/internal/config"
	"github.com/loquatlabs/loquat/internal/events"
	"github.com/loquatlabs/loquat/internal/faults"
	"github.com/loquatlabs/loquat/internal/observe"
	"github.com/loquatlabs/loquat/internal/profile"
	"github.com/loquatlabs/loquat/internal/resilience"
	"github.com/loquatlabs/loquat/pkg/asr"
	"github.com/loquatlabs/loquat/pkg/audio"
	"github.com/loquatlabs/loquat/pkg/diar"
	"github.com/loquatlabs/loquat/pkg/vad"
)

// ringCapacitySeconds sizes the shared ring buffer: enough for the 30 s
// refinement tail plus headroom for a stalled worker.
const ringCapacitySeconds = 45

// stopGrace is how long Stop waits for in-flight decode windows before
// abandoning them.
const stopGrace = 2 * time.Second

// Deps are the external collaborators a session consumes.
type Deps struct {
	Artifacts artifacts.Provider
	Profiles  profile.Store
	Sink      events.Sink
	Metrics   *observe.Metrics

	// TempProbe reads the device temperature in °C; nil when the platform
	// offers none.
	TempProbe func() float64
}

// asrUpdate travels from the ASR worker to the coordinator.
type asrUpdate struct {
	segments   []asr.Segment
	updateType events.UpdateType
}

// diarUpdate travels from the diarization worker to the coordinator.
type diarUpdate struct {
	segments []diar.SpeakerSegment

	// rewriteFrom/rewriteTo rewires historical attributions after a merge.
	rewriteFrom, rewriteTo string

	// reassign moves history after a split: segments of reassignID with
	// midpoint at or after reassignAt move to reassignTo.
	reassignID, reassignTo string
	reassignAt             time.Duration
}

// Session is one live transcription pipeline.
type Session struct {
	id        string
	cfg       *config.Config
	deps      Deps
	startedAt time.Time

	ring    *audio.Ring
	ladder  *resilience.TierLadder
	vadEng  vad.Engine
	energy  vad.Engine
	embed   diar.Embedder
	batcher *events.Batcher
	breaker *resilience.Breaker
	gov     *observe.Governor
	rtf     *observe.RTFTracker

	asrOut  chan asrUpdate
	diarOut chan diarUpdate
	diarCmd chan diarCommand

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	// resampler state for external ProcessAudio feeding.
	resMu       sync.Mutex
	resampler   *audio.Resampler
	asrPaused   atomic.Bool
	samplesLost atomic.Uint64

	// Backpressure ladder state: 0 none, 1 refinement shed, 2 embedder
	// quality floor raised, 3 tier downgraded.
	pressureLevel atomic.Int32
	lastDropped   uint64

	mu           sync.Mutex
	status       Status
	failure      *faults.Fault
	asrSegs      map[uuid.UUID]asr.Segment
	asrOrder     []uuid.UUID
	aligned      map[uuid.UUID][]diar.FinalSegment
	speakerSegs  []diar.SpeakerSegment
	speakerNames map[string]string
	counters     counters
}

type counters struct {
	windowsDecoded  int
	windowsTimedOut int
	segmentsEmitted int
	uncoveredWords  int
	refinements     int
	vadDegraded     bool
}

// newSession loads all model artifacts and wires the pipeline; the caller
// has already validated the configuration. The session is Ready afterwards; Run starts the workers.
func newSession(ctx context.Context, id string, cfg *config.Config, deps Deps) (*Session, error) {
	s := &Session{
		id:           id,
		cfg:          cfg,
		deps:         deps,
		status:       StatusInitializing,
		asrOut:       make(chan asrUpdate, 4),
		diarOut:      make(chan diarUpdate, 4),
		diarCmd:      make(chan diarCommand, 4),
		done:         make(chan struct{}),
		asrSegs:      make(map[uuid.UUID]asr.Segment),
		aligned:      make(map[uuid.UUID][]diar.FinalSegment),
		speakerNames: make(map[string]string),
		rtf:          &observe.RTFTracker{},
	}

	ring, err := audio.NewRing(ringCapacitySeconds*audio.SampleRate, s.onLag)
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidConfig, err, "ring buffer")
	}
	s.ring = ring

	// ASR engines: one per tier available in the artifact catalogue. The
	// configured tier must load; missing higher tiers only disable
	// upgrades for refinement.
	engines := make(map[asr.Tier]asr.Engine)
	for _, tier := range []asr.Tier{asr.TierTurbo, asr.TierStandard, asr.TierHighAccuracy} {
		art, err := deps.Artifacts.Locate(artifacts.KindASR, tier)
		if err != nil {
			if tier == asr.Tier(cfg.ASR.Tier) {
				return nil, faults.Wrap(faults.CodeModelLoad, err, "asr model for tier %s", tier).
					WithHints("download the model for the configured tier or pick another tier")
			}
			continue
		}
		eng, err := asr.NewWhisperEngine(art.Path, tier)
		if err != nil {
			return nil, faults.Wrap(faults.CodeModelLoad, err, "load asr model %s", art.Path)
		}
		engines[tier] = eng
	}
	ladder, err := resilience.NewTierLadder(engines, asr.Tier(cfg.ASR.Tier))
	if err != nil {
		return nil, faults.Wrap(faults.CodeModelLoad, err, "asr tier ladder")
	}
	s.ladder = ladder

	// VAD: the Silero model is fatal when missing (the gate cannot start
	// without it); runtime failures later downgrade to energy mode.
	vadArt, err := deps.Artifacts.Locate(artifacts.KindVAD, "")
	if err != nil {
		return nil, faults.Wrap(faults.CodeModelLoad, err, "vad model")
	}
	sileroEng, err := vad.NewSileroEngine(vadArt.Path)
	if err != nil {
		return nil, faults.Wrap(faults.CodeModelLoad, err, "load vad model")
	}
	s.vadEng = sileroEng
	s.energy = &vad.EnergyEngine{}

	embArt, err := deps.Artifacts.Locate(artifacts.KindEmbedder, "")
	if err != nil {
		return nil, faults.Wrap(faults.CodeModelLoad, err, "embedder model")
	}
	embedder, err := diar.NewONNXEmbedder(embArt.Path, diar.DefaultMelConfig())
	if err != nil {
		return nil, faults.Wrap(faults.CodeModelLoad, err, "load embedder model")
	}
	if embArt.Dim != 0 && embArt.Dim != embedder.Dim() {
		embedder.Close()
		return nil, faults.New(faults.CodeModelLoad,
			"embedder dimension mismatch: manifest says %d, model produces %d", embArt.Dim, embedder.Dim())
	}
	s.embed = embedder

	s.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "event-sink"})
	s.gov = observe.NewGovernor(observe.GovernorConfig{
		MaxMemoryMB: float64(cfg.Resources.MaxMemoryMB),
	})

	s.status = StatusReady
	return s, nil
}

// Run starts the pipeline workers and transitions the session to Active.
func (s *Session) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	guarded := events.SinkFunc(func(ev events.Event) error {
		return s.breaker.Execute(func() error { return s.deps.Sink.Publish(ev) })
	})
	s.batcher = events.NewBatcher(ctx, guarded, events.BatcherConfig{
		OnDrop: func(n uint64) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.EventsDropped.Add(context.Background(), int64(n))
			}
		},
	})

	s.mu.Lock()
	s.status = StatusActive
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	group.Go(func() error { return s.runASRWorker(gctx) })
	group.Go(func() error { return s.runDiarWorker(gctx) })
	group.Go(func() error { return s.runCoordinator(gctx) })

	s.emit(events.TypeSessionStarted, events.SessionStartedData{
		Tier:      s.ladder.Tier(),
		Languages: s.cfg.ASR.Languages,
	})
	slog.Info("session started", "session_id", s.id, "tier", s.ladder.Tier())

	go func() {
		err := group.Wait()
		if err != nil && ctx.Err() == nil {
			s.fail(err)
		}
		close(s.done)
	}()
}

// ProcessAudio ingests device PCM from an external capture source. The
// format must stay consistent for the session; the first call fixes it.
func (s *Session) ProcessAudio(pcm []float32, sampleRate, channels int, ts time.Time) error {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	if s.resampler == nil {
		r, err := audio.NewResampler(sampleRate, channels)
		if err != nil {
			return faults.Wrap(faults.CodeUnsupportedFormat, err, "audio format %d Hz / %d ch", sampleRate, channels)
		}
		s.resampler = r
	}
	if s.resampler.SourceRate() != sampleRate || s.resampler.Channels() != channels {
		return faults.New(faults.CodeUnsupportedFormat,
			"audio format changed mid-session: got %d Hz / %d ch, session uses %d Hz / %d ch",
			sampleRate, channels, s.resampler.SourceRate(), s.resampler.Channels())
	}

	frame, err := s.resampler.Process(pcm, ts)
	if err != nil {
		return faults.Wrap(faults.CodeUnsupportedFormat, err, "resample")
	}
	s.ring.Write(frame)
	return nil
}

// Stop drains the pipeline with a bounded grace period and returns the final
// result. Safe to call more than once.
func (s *Session) Stop(ctx context.Context) FinalResult {
	s.mu.Lock()
	if s.status == StatusStopped || s.status == StatusStopping {
		s.mu.Unlock()
		<-s.done
		return s.finalResult()
	}
	s.status = StatusStopping
	s.mu.Unlock()

	s.cancel()
	drained := false
	select {
	case <-s.done:
		drained = true
	case <-time.After(stopGrace):
		slog.Warn("session stop grace expired, abandoning in-flight windows", "session_id", s.id)
	case <-ctx.Done():
	}

	s.persistProfiles(context.Background())
	s.batcher.Close()
	if drained {
		s.closeEngines()
	} else {
		// An abandoned decode may still hold the model; closing it under a
		// running cgo call would crash. Leak the engines instead and let
		// process exit reclaim them.
		go func() {
			<-s.done
			s.closeEngines()
		}()
	}

	s.mu.Lock()
	if s.status != StatusFailed {
		s.status = StatusStopped
	}
	s.mu.Unlock()

	result := s.finalResult()
	s.emitDirect(events.TypeSessionStopped, events.SessionStoppedData{Final: result, Fault: s.failure})
	slog.Info("session stopped", "session_id", s.id, "segments", len(result.Segments), "speakers", len(result.Speakers))
	return result
}

// fail records a fatal fault, marks the session Failed, and stops workers.
// Committed segments stay in memory; no final result is assembled and no
// SessionStopped event is emitted until Stop is called.
func (s *Session) fail(err error) {
	var f *faults.Fault
	if !errors.As(err, &f) {
		f = faults.Wrap(faults.CodeModelLoad, err, "pipeline failure")
	}
	s.mu.Lock()
	s.status = StatusFailed
	s.failure = f
	s.mu.Unlock()
	slog.Error("session failed", "session_id", s.id, "err", err)
	s.cancel()
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// onLag runs on the capture path when a consumer is forcibly advanced.
// It must not block.
func (s *Session) onLag(consumer string, lost uint64) {
	s.samplesLost.Add(lost)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordLag(context.Background(), consumer, int64(lost))
	}
	s.emit(events.TypeDiarizationWarning, events.WarningData{
		Fault: faults.New(faults.CodeConsumerLagged,
			"consumer %s lost %d samples (%.1f s) to backpressure", consumer, lost,
			float64(lost)/audio.SampleRate).
			WithHints("reduce quality tier or close other applications"),
	})
}

// emit queues an event through the batcher.
func (s *Session) emit(t events.Type, data any) {
	if s.batcher == nil {
		return
	}
	s.batcher.Enqueue(events.Event{Type: t, SessionID: s.id, Timestamp: time.Now().UTC(), Data: data})
}

// emitDirect publishes immediately, bypassing batching; used for terminal
// events after the batcher has closed.
func (s *Session) emitDirect(t events.Type, data any) {
	_ = s.breaker.Execute(func() error {
		return s.deps.Sink.Publish(events.Event{Type: t, SessionID: s.id, Timestamp: time.Now().UTC(), Data: data})
	})
}

func (s *Session) closeEngines() {
	if err := s.ladder.Close(); err != nil {
		slog.Warn("closing asr engines", "err", err)
	}
	if err := s.embed.Close(); err != nil {
		slog.Warn("closing embedder", "err", err)
	}
}

// finalResult assembles the committed transcript. Callers must not hold mu.
func (s *Session) finalResult() FinalResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var segs []diar.FinalSegment
	for _, id := range s.asrOrder {
		segs = append(segs, s.aligned[id]...)
	}

	bySpeaker := map[string]*SpeakerSummary{}
	for _, fs := range segs {
		sum, ok := bySpeaker[fs.SpeakerID]
		if !ok {
			sum = &SpeakerSummary{SpeakerID: fs.SpeakerID, DisplayName: s.speakerNames[fs.SpeakerID]}
			bySpeaker[fs.SpeakerID] = sum
		}
		sum.SpeakingTime += fs.End - fs.Start
		sum.SegmentCount++
		sum.AvgConfidence += fs.SpeakerConfidence
	}
	var speakers []SpeakerSummary
	for _, sum := range bySpeaker {
		if sum.SegmentCount > 0 {
			sum.AvgConfidence /= float64(sum.SegmentCount)
		}
		speakers = append(speakers, *sum)
	}

	res := FinalResult{
		SessionID:     s.id,
		StartedAt:     s.startedAt,
		StoppedAt:     time.Now().UTC(),
		AudioDuration: audio.SamplesToDuration(s.ring.Written()),
		Segments:      segs,
		Speakers:      speakers,
	}
	if s.failure != nil {
		res.Error = string(s.failure.Code)
	}
	return res
}

// Statistics returns a live stats snapshot.
func (s *Session) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		SessionID:        s.id,
		Status:           s.status.String(),
		Uptime:           time.Since(s.startedAt),
		AudioDuration:    audio.SamplesToDuration(s.ring.Written()),
		RTF:              s.rtf.RTF(),
		LatencySeconds:   s.rtf.Latency(),
		Tier:             s.ladder.Tier(),
		SegmentsEmitted:  s.counters.segmentsEmitted,
		WindowsDecoded:   s.counters.windowsDecoded,
		WindowsTimedOut:  s.counters.windowsTimedOut,
		SpeakerCount:     len(s.speakerNames),
		SamplesLost:      s.samplesLost.Load(),
		VADDegraded:      s.counters.vadDegraded,
		TwoPassEnabled:   s.cfg.ASR.EnableTwoPass != nil && *s.cfg.ASR.EnableTwoPass,
		UncoveredWords:   s.counters.uncoveredWords,
		RefinementPasses: s.counters.refinements,
	}
	if s.batcher != nil {
		st.EventsDropped = s.batcher.Dropped()
	}
	return st
}

// persistProfiles writes per-speaker session outcomes to the profile store.
func (s *Session) persistProfiles(ctx context.Context) {
	if s.deps.Profiles == nil {
		return
	}
	res := s.finalResult()
	for _, sp := range res.Speakers {
		uid, err := uuid.Parse(sp.SpeakerID)
		if err != nil {
			continue
		}
		ms := profile.MeetingSpeaker{
			MeetingID:     s.id,
			SpeakerID:     uid,
			DisplayName:   sp.DisplayName,
			SpeakingTime:  sp.SpeakingTime,
			SegmentCount:  sp.SegmentCount,
			AvgConfidence: sp.AvgConfidence,
			FirstSpokenAt: res.StartedAt,
			LastSpokenAt:  res.StoppedAt,
		}
		if err := s.deps.Profiles.UpsertMeetingSpeaker(ctx, ms); err != nil {
			slog.Warn("persist meeting speaker", "speaker", sp.SpeakerID, "err", err)
		}
	}
}

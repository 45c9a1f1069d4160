package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loquatlabs/loquat/internal/events"
	"github.com/loquatlabs/loquat/internal/faults"
	"github.com/loquatlabs/loquat/internal/profile"
	"github.com/loquatlabs/loquat/pkg/audio"
	"github.com/loquatlabs/loquat/pkg/diar"
	"github.com/loquatlabs/loquat/pkg/vad"
)

// diarCommand is a user-initiated speaker operation routed to the
// diarization worker, which owns the clusterer.
type diarCommand struct {
	kind  diarCommandKind
	a, b  string
	at    time.Duration
	name  string
	color string
	reply chan diarReply
}

type diarCommandKind int

const (
	cmdMergeSpeakers diarCommandKind = iota
	cmdSplitSpeaker
	cmdUpdateSpeaker
	cmdCompress
	cmdListSpeakers
)

type diarReply struct {
	profiles []profile.Profile
	err      error
}

// runDiarWorker is the diarization loop: ring → VAD gate → embedding windows
// → clusterer → speaker segments, plus the command handler for merge, split,
// and rename.
func (s *Session) runDiarWorker(ctx context.Context) error {
	cursor, err := s.ring.Register("diar")
	if err != nil {
		return err
	}

	primary, err := s.vadEng.NewSession(vad.SessionConfig{SampleRate: audio.SampleRate, FrameSize: vadFrameSize})
	if err != nil {
		return faults.Wrap(faults.CodeModelLoad, err, "diar vad session")
	}
	defer primary.Close()
	fallback, err := s.energy.NewSession(vad.SessionConfig{FrameSize: vadFrameSize})
	if err != nil {
		return err
	}
	defer fallback.Close()
	gate := vad.NewGate(s.gateConfig(), primary, fallback, nil)

	d := s.cfg.Diarization
	windowSamples := uint64(d.EmbeddingWindowMs) * audio.SampleRate / 1000
	planner := diar.NewWindowPlanner(windowSamples, windowSamples/2, 0)
	clusterer := diar.NewClusterer(diar.ClustererConfig{
		Threshold:   d.SimilarityThreshold,
		MaxSpeakers: d.MaxSpeakers,
		Adaptive:    d.AdaptiveClustering,
	}, s.embed.Dim())
	builder := diar.NewSegmentBuilder(
		time.Duration(d.MinSegmentSeconds*float64(time.Second)), d.DetectOverlaps)

	w := &diarState{
		s:         s,
		clusterer: clusterer,
		builder:   builder,
		chars:     map[string]*diar.VoiceCharsAccumulator{},
		profiles:  map[string]profile.Profile{},
	}

	tail := newTailBuffer(asrTailSeconds * audio.SampleRate)
	frame := make([]float32, vadFrameSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.diarCmd:
			w.handleCommand(ctx, cmd)
			continue
		default:
		}

		if cursor.Available() < vadFrameSize {
			select {
			case <-ctx.Done():
				return nil
			case cmd := <-s.diarCmd:
				w.handleCommand(ctx, cmd)
			case <-time.After(idlePoll):
			}
			continue
		}

		n, start := cursor.Read(frame)
		tail.append(start, frame[:n])
		evs, err := gate.Push(audio.Frame{Samples: frame[:n], Index: start})
		if err != nil {
			return faults.Wrap(faults.CodeModelLoad, err, "diar vad inference")
		}

		for _, ev := range evs {
			var windows [][2]uint64
			switch ev.Kind {
			case vad.SpeechStart:
				planner.Begin(ev.StartSample)
			case vad.SpeechExtend:
				windows = planner.Extend(ev.EndSample)
			case vad.SpeechEnd:
				windows = planner.End(ev.EndSample)
			}
			for _, win := range windows {
				w.processWindow(ctx, tail, win[0], win[1])
			}
			if ev.Kind == vad.SpeechEnd {
				w.flushSegments(ctx)
			}
		}
	}
}

// diarState bundles the worker-owned diarization state.
type diarState struct {
	s         *Session
	clusterer *diar.Clusterer
	builder   *diar.SegmentBuilder
	chars     map[string]*diar.VoiceCharsAccumulator
	profiles  map[string]profile.Profile

	activeSpeaker string
	activeStart   time.Duration
	speakerSeq    int
}

// processWindow embeds one speech window and routes it to a speaker.
func (w *diarState) processWindow(ctx context.Context, tail *tailBuffer, start, end uint64) {
	s := w.s
	samples, realStart := tail.slice(start, end)
	if len(samples) == 0 {
		return
	}

	began := time.Now()
	emb, err := s.embed.Embed(samples, realStart)
	if s.deps.Metrics != nil {
		s.deps.Metrics.EmbeddingDuration.Record(ctx, time.Since(began).Seconds())
	}
	if err != nil {
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.Wrap(faults.CodeEmbeddingFailed, err, "embedding window skipped"),
		})
		return
	}
	qMin := s.cfg.Diarization.MinEmbeddingQuality
	if s.pressureLevel.Load() >= 2 {
		// Under backpressure only the cleanest windows are worth clustering.
		qMin += 0.2
	}
	if emb.Quality < qMin {
		return
	}

	assignment, err := w.clusterer.Assign(emb)
	if err != nil {
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.Wrap(faults.CodeEmbeddingFailed, err, "cluster assignment failed"),
		})
		return
	}
	if assignment.Saturated {
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.New(faults.CodeClusterSaturated,
				"speaker limit %d reached; attributing to the nearest speaker with low confidence",
				s.cfg.Diarization.MaxSpeakers).
				WithHints("raise diarization.max_speakers or merge speakers"),
		})
	}

	speakerID := assignment.SpeakerID
	if assignment.NewSpeaker {
		speakerID = w.onNewSpeaker(ctx, assignment.SpeakerID, emb)
	}

	acc, ok := w.chars[speakerID]
	if !ok {
		acc = &diar.VoiceCharsAccumulator{}
		w.chars[speakerID] = acc
	}
	acc.Observe(samples, audio.SampleRate)

	w.trackActivity(speakerID, audio.SamplesToDuration(realStart))

	closed := w.builder.Push(speakerID, assignment.Confidence, realStart, realStart+uint64(len(samples)))
	w.sendSegments(ctx, closed)
	w.maybePersistEmbedding(ctx, speakerID, emb)
}

// onNewSpeaker handles a fresh cluster: cross-session re-identification,
// profile creation, and the SpeakerDetected event. Returns the final
// speaker ID (the persistent profile ID when re-identification matched).
func (w *diarState) onNewSpeaker(ctx context.Context, clusterID string, emb diar.Embedding) string {
	s := w.s
	id := clusterID

	if s.cfg.Diarization.CrossSessionReid && s.deps.Profiles != nil {
		matches, err := s.deps.Profiles.FindSimilar(ctx, emb.Vector, s.cfg.Diarization.PersistThreshold, 1)
		if err == nil && len(matches) > 0 {
			id = matches[0].Profile.ID.String()
			if err := w.clusterer.AdoptID(clusterID, id); err == nil {
				w.profiles[id] = matches[0].Profile
				s.setSpeakerName(id, matches[0].Profile.DisplayName)
				s.emit(events.TypeSpeakerDetected, events.SpeakerDetectedData{
					SpeakerID: id,
					At:        audio.SamplesToDuration(emb.AtSample),
				})
				return id
			}
		}
	}

	w.speakerSeq++
	name := fmt.Sprintf("Speaker %d", w.speakerSeq)
	p := profile.NewProfile(name, pickColor(w.speakerSeq))
	// Cluster IDs are UUIDs; the profile adopts the cluster's identity so
	// segments and stored embeddings share one key.
	if parsed, err := uuid.Parse(id); err == nil {
		p.ID = parsed
	}
	w.profiles[id] = p
	s.setSpeakerName(id, name)

	if s.deps.Profiles != nil {
		if err := s.deps.Profiles.Create(ctx, p); err != nil {
			s.emit(events.TypeDiarizationWarning, events.WarningData{
				Fault: faults.Wrap(faults.CodeEmbeddingFailed, err, "profile creation failed"),
			})
		}
	}

	s.emit(events.TypeSpeakerDetected, events.SpeakerDetectedData{
		SpeakerID: id,
		At:        audio.SamplesToDuration(emb.AtSample),
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveSpeakers.Add(ctx, 1)
	}
	return id
}

// trackActivity emits SpeakerActivity pairs: active=true on a speaker's
// first window of a burst, active=false when another speaker takes over.
func (w *diarState) trackActivity(speakerID string, start time.Duration) {
	if w.activeSpeaker == speakerID {
		return
	}
	if w.activeSpeaker != "" {
		w.s.emit(events.TypeSpeakerActivity, events.SpeakerActivityData{
			SpeakerID: w.activeSpeaker,
			Active:    false,
			Start:     w.activeStart,
			End:       start,
		})
	}
	w.activeSpeaker = speakerID
	w.activeStart = start
	w.s.emit(events.TypeSpeakerActivity, events.SpeakerActivityData{
		SpeakerID: speakerID,
		Active:    true,
		Start:     start,
	})
}

// flushSegments closes the open speaker segment at a speech boundary.
func (w *diarState) flushSegments(ctx context.Context) {
	w.sendSegments(ctx, w.builder.Flush())
	if w.activeSpeaker != "" {
		w.s.emit(events.TypeSpeakerActivity, events.SpeakerActivityData{
			SpeakerID: w.activeSpeaker,
			Active:    false,
			Start:     w.activeStart,
		})
		w.activeSpeaker = ""
	}
}

func (w *diarState) sendSegments(ctx context.Context, segs []diar.SpeakerSegment) {
	if len(segs) == 0 {
		return
	}
	select {
	case w.s.diarOut <- diarUpdate{segments: segs}:
	case <-ctx.Done():
	}
}

// maybePersistEmbedding stores high-quality embeddings on the speaker's
// profile for future re-identification.
func (w *diarState) maybePersistEmbedding(ctx context.Context, speakerID string, emb diar.Embedding) {
	s := w.s
	if s.deps.Profiles == nil || emb.Quality < 0.5 {
		return
	}
	uid, err := uuid.Parse(speakerID)
	if err != nil {
		return
	}
	stored := profile.StoredEmbedding{
		ID:              uuid.New(),
		SpeakerID:       uid,
		Vector:          emb.Vector,
		Dim:             len(emb.Vector),
		ModelName:       "wespeaker-resnet34",
		Quality:         emb.Quality,
		DurationSeconds: float64(emb.WindowSamples) / audio.SampleRate,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.deps.Profiles.AddEmbedding(ctx, speakerID, stored); err != nil && !errors.Is(err, profile.ErrNotFound) {
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.Wrap(faults.CodeEmbeddingFailed, err, "embedding not persisted"),
		})
	}
}

// handleCommand executes a user command against worker-owned state.
func (w *diarState) handleCommand(ctx context.Context, cmd diarCommand) {
	s := w.s
	switch cmd.kind {
	case cmdMergeSpeakers:
		merged, err := w.clusterer.Merge(cmd.a, cmd.b)
		if err != nil {
			cmd.reply <- diarReply{err: faults.Wrap(faults.CodeSpeakerNotFound, err, "merge speakers")}
			return
		}
		if s.deps.Profiles != nil {
			if _, err := s.deps.Profiles.Merge(ctx, cmd.a, cmd.b); err != nil && !errors.Is(err, profile.ErrNotFound) {
				s.emit(events.TypeDiarizationWarning, events.WarningData{
					Fault: faults.Wrap(faults.CodeSpeakerNotFound, err, "profile merge incomplete"),
				})
			}
		}
		delete(w.profiles, cmd.b)
		s.dropSpeakerName(cmd.b)
		// Rewrite the coordinator's history.
		select {
		case s.diarOut <- diarUpdate{rewriteFrom: cmd.b, rewriteTo: cmd.a}:
		case <-ctx.Done():
		}
		p, ok := w.profiles[cmd.a]
		if !ok {
			p = profile.Profile{DisplayName: s.speakerName(cmd.a)}
		}
		p.SegmentCount = merged.Count
		cmd.reply <- diarReply{profiles: []profile.Profile{p}}

	case cmdSplitSpeaker:
		at := audio.DurationToSamples(cmd.at)
		first, second, err := w.clusterer.Split(cmd.a, at)
		if err != nil {
			cmd.reply <- diarReply{err: faults.Wrap(faults.CodeSpeakerNotFound, err, "split speaker")}
			return
		}
		w.speakerSeq++
		name := fmt.Sprintf("Speaker %d", w.speakerSeq)
		np := profile.NewProfile(name, pickColor(w.speakerSeq))
		if err := w.clusterer.AdoptID(second.ID, np.ID.String()); err == nil {
			second.ID = np.ID.String()
		}
		w.profiles[second.ID] = np
		s.setSpeakerName(second.ID, name)
		if s.deps.Profiles != nil {
			if err := s.deps.Profiles.Create(ctx, np); err != nil {
				s.emit(events.TypeDiarizationWarning, events.WarningData{
					Fault: faults.Wrap(faults.CodeSpeakerNotFound, err, "split profile creation failed"),
				})
			}
		}
		select {
		case s.diarOut <- diarUpdate{reassignID: first.ID, reassignTo: second.ID, reassignAt: cmd.at}:
		case <-ctx.Done():
		}
		cmd.reply <- diarReply{profiles: []profile.Profile{w.profiles[first.ID], np}}

	case cmdUpdateSpeaker:
		p, ok := w.profiles[cmd.a]
		if !ok {
			cmd.reply <- diarReply{err: faults.New(faults.CodeSpeakerNotFound, "speaker %s", cmd.a)}
			return
		}
		if cmd.name != "" {
			p.DisplayName = cmd.name
			s.setSpeakerName(cmd.a, cmd.name)
		}
		if cmd.color != "" {
			p.Color = cmd.color
		}
		w.profiles[cmd.a] = p
		if s.deps.Profiles != nil {
			if err := s.deps.Profiles.Update(ctx, p); err != nil && !errors.Is(err, profile.ErrNotFound) {
				cmd.reply <- diarReply{err: err}
				return
			}
		}
		cmd.reply <- diarReply{profiles: []profile.Profile{p}}

	case cmdCompress:
		w.clusterer.Compress()
		cmd.reply <- diarReply{}

	case cmdListSpeakers:
		var out []profile.Profile
		for _, p := range w.profiles {
			out = append(out, p)
		}
		cmd.reply <- diarReply{profiles: out}
	}
}

// speakerPalette cycles display colors for auto-created speakers.
var speakerPalette = []string{
	"#4e79a7", "#f28e2b", "#e15759", "#76b7b2", "#59a14f",
	"#edc948", "#b07aa1", "#ff9da7", "#9c755f", "#bab0ac",
}

func pickColor(seq int) string {
	return speakerPalette[(seq-1)%len(speakerPalette)]
}

// setSpeakerName records a display name for summaries and events.
func (s *Session) setSpeakerName(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakerNames[id] = name
}

func (s *Session) dropSpeakerName(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.speakerNames, id)
}

func (s *Session) speakerName(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerNames[id]
}

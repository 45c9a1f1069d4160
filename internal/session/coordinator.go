package session

import (
	"context"
	"runtime"
	"time"

	"github.com/loquatlabs/loquat/internal/events"
	"github.com/loquatlabs/loquat/internal/faults"
	"github.com/loquatlabs/loquat/internal/observe"
	"github.com/loquatlabs/loquat/pkg/asr"
	"github.com/loquatlabs/loquat/pkg/diar"
)

// statusEvery is the cadence of SystemStatus / ProcessingProgress events and
// governor evaluations.
const statusEvery = time.Second

// realignHorizon bounds how far back new speaker evidence re-attributes
// already-published transcript segments.
const realignHorizon = 30 * time.Second

// runCoordinator merges ASR and diarization outputs, owns the aligner, and
// publishes transcript events. It is the only goroutine that touches the
// committed transcript map.
func (s *Session) runCoordinator(ctx context.Context) error {
	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case up := <-s.asrOut:
			s.applyASRUpdate(up)

		case du := <-s.diarOut:
			s.applyDiarUpdate(du)

		case <-ticker.C:
			s.publishStatus(ctx)
		}
	}
}

// applyASRUpdate aligns new or corrected ASR segments against the current
// speaker evidence and publishes transcript updates.
func (s *Session) applyASRUpdate(up asrUpdate) {
	s.mu.Lock()
	speakers := append([]diar.SpeakerSegment(nil), s.speakerSegs...)
	for _, seg := range up.segments {
		if _, known := s.asrSegs[seg.ID]; !known {
			s.asrOrder = append(s.asrOrder, seg.ID)
		}
		s.asrSegs[seg.ID] = seg
	}
	s.mu.Unlock()

	for _, seg := range up.segments {
		res := diar.Align([]asr.Segment{seg}, speakers)

		s.mu.Lock()
		s.aligned[seg.ID] = res.Segments
		s.counters.uncoveredWords += res.UncoveredWords
		s.counters.segmentsEmitted += len(res.Segments)
		s.mu.Unlock()

		updatedAt := seg.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = seg.CreatedAt
		}
		for _, fs := range res.Segments {
			s.emit(events.TypeTranscriptionUpdate, events.TranscriptionUpdateData{
				SegmentID:  seg.ID.String(),
				Segment:    fs,
				UpdateType: up.updateType,
				Pass:       seg.Pass,
				UpdatedAt:  updatedAt,
			})
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.SegmentsEmitted.Add(context.Background(), int64(len(res.Segments)))
		}
	}
}

// applyDiarUpdate folds new speaker segments into the evidence set and
// re-aligns recent transcript segments they may re-attribute. Merge and
// split commands arrive on the same channel and rewrite history instead.
func (s *Session) applyDiarUpdate(du diarUpdate) {
	if du.rewriteFrom != "" {
		s.rewriteSpeaker(du.rewriteFrom, du.rewriteTo)
		return
	}
	if du.reassignID != "" {
		s.reassignSpeaker(du.reassignID, du.reassignTo, du.reassignAt)
		return
	}

	s.mu.Lock()
	s.speakerSegs = append(s.speakerSegs, du.segments...)
	speakers := append([]diar.SpeakerSegment(nil), s.speakerSegs...)

	// Transcript segments whose span touches the new evidence get a fresh
	// alignment pass.
	var horizon time.Duration
	for _, sg := range du.segments {
		if sg.Start > horizon {
			horizon = sg.Start
		}
	}
	if horizon > realignHorizon {
		horizon -= realignHorizon
	} else {
		horizon = 0
	}
	var stale []asr.Segment
	for _, id := range s.asrOrder {
		seg := s.asrSegs[id]
		if seg.End >= horizon {
			stale = append(stale, seg)
		}
	}
	s.mu.Unlock()

	for _, seg := range stale {
		res := diar.Align([]asr.Segment{seg}, speakers)
		s.mu.Lock()
		prev := s.aligned[seg.ID]
		changed := len(prev) != len(res.Segments)
		if !changed {
			for i := range prev {
				if prev[i].SpeakerID != res.Segments[i].SpeakerID ||
					prev[i].HasOverlap != res.Segments[i].HasOverlap {
					changed = true
					break
				}
			}
		}
		if changed {
			s.aligned[seg.ID] = res.Segments
		}
		s.mu.Unlock()

		if changed {
			for _, fs := range res.Segments {
				s.emit(events.TypeTranscriptionUpdate, events.TranscriptionUpdateData{
					SegmentID:  seg.ID.String(),
					Segment:    fs,
					UpdateType: events.UpdateRevision,
					Pass:       seg.Pass,
					UpdatedAt:  time.Now().UTC(),
				})
			}
		}
	}
}

// rewriteSpeaker rewires all historical attributions after a merge.
func (s *Session) rewriteSpeaker(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.speakerSegs {
		if s.speakerSegs[i].SpeakerID == from {
			s.speakerSegs[i].SpeakerID = to
		}
		for j, ow := range s.speakerSegs[i].OverlapWith {
			if ow == from {
				s.speakerSegs[i].OverlapWith[j] = to
			}
		}
	}
	for id, segs := range s.aligned {
		for i := range segs {
			if segs[i].SpeakerID == from {
				segs[i].SpeakerID = to
			}
		}
		s.aligned[id] = segs
	}
}

// reassignSpeaker moves a split speaker's later history to the new identity.
func (s *Session) reassignSpeaker(id, to string, at time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.speakerSegs {
		sg := &s.speakerSegs[i]
		if sg.SpeakerID != id {
			continue
		}
		mid := sg.Start + (sg.End-sg.Start)/2
		if mid >= at {
			sg.SpeakerID = to
		}
	}
	for key, segs := range s.aligned {
		for i := range segs {
			if segs[i].SpeakerID != id {
				continue
			}
			mid := segs[i].Start + (segs[i].End-segs[i].Start)/2
			if mid >= at {
				segs[i].SpeakerID = to
			}
		}
		s.aligned[key] = segs
	}
}

// publishStatus samples system state, runs the governor, and emits the
// periodic status events.
func (s *Session) publishStatus(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	readings := observe.Readings{
		MemoryMB: float64(mem.HeapAlloc) / (1 << 20),
	}
	if s.deps.TempProbe != nil {
		readings.Temperature = s.deps.TempProbe()
	}

	now := time.Now()
	for _, action := range s.gov.Evaluate(now, readings) {
		s.applyGovernorAction(ctx, action, readings)
	}
	if s.asrPaused.Load() && !s.gov.ASRPaused(now) {
		s.asrPaused.Store(false)
	}

	s.applyBackpressure(ctx)

	rtf := s.rtf.RTF()
	if s.deps.Metrics != nil {
		s.deps.Metrics.RTF.Record(ctx, rtf)
		if readings.Temperature > 0 {
			s.deps.Metrics.Temperature.Record(ctx, readings.Temperature)
		}
	}
	s.emit(events.TypeProcessingProgress, events.ProgressData{
		ProcessedAudio: s.rtf.ProcessedAudio(),
		RTF:            rtf,
	})
	s.emit(events.TypeSystemStatus, events.SystemStatusData{
		MemoryMB:     readings.MemoryMB,
		RTF:          rtf,
		Temperature:  readings.Temperature,
		Tier:         s.ladder.Tier(),
		EventBacklog: s.batcher.Backlog(),
	})
}

// applyBackpressure escalates when the event sink or the ring keeps losing
// data: first the refinement pass is shed, then the embedder quality floor
// rises, then the ASR tier drops. Pressure releases one level per quiet
// status interval.
func (s *Session) applyBackpressure(ctx context.Context) {
	if s.batcher == nil {
		return
	}
	dropped := s.batcher.Dropped() + s.samplesLost.Load()
	growing := dropped > s.lastDropped
	s.lastDropped = dropped

	level := s.pressureLevel.Load()
	switch {
	case growing && level < 3:
		level = s.pressureLevel.Add(1)
		if level == 3 {
			if _, err := s.ladder.Downgrade("backpressure"); err == nil && s.deps.Metrics != nil {
				s.deps.Metrics.RecordDowngrade(ctx, "backpressure")
			}
		}
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.New(faults.CodeQueueFull,
				"pipeline is falling behind (pressure level %d); output quality reduced", level).
				WithHints("close other applications or lower the quality tier"),
		})
	case !growing && level > 0:
		s.pressureLevel.Add(-1)
	}
}

// applyGovernorAction executes one adaptive response.
func (s *Session) applyGovernorAction(ctx context.Context, action observe.Action, r observe.Readings) {
	switch action {
	case observe.ActionDowngradeTier:
		tier, err := s.ladder.Downgrade("thermal")
		if err != nil {
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordDowngrade(ctx, "thermal")
		}
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.New(faults.CodeThermalThrottle,
				"device at %.0f°C, quality reduced to %s tier", r.Temperature, tier).
				WithHints("improve ventilation or lower the configured tier"),
		})

	case observe.ActionPauseASR:
		s.asrPaused.Store(true)
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.New(faults.CodeThermalThrottle,
				"device at %.0f°C, transcription paused for cool-down; audio capture continues", r.Temperature),
		})

	case observe.ActionCompressEmbeddings:
		reply := make(chan diarReply, 1)
		select {
		case s.diarCmd <- diarCommand{kind: cmdCompress, reply: reply}:
			<-reply
		case <-ctx.Done():
		}
	}
}

package session

import (
	"context"
	"errors"
	"time"

	"github.com/loquatlabs/loquat/internal/events"
	"github.com/loquatlabs/loquat/internal/faults"
	"github.com/loquatlabs/loquat/pkg/asr"
	"github.com/loquatlabs/loquat/pkg/audio"
	"github.com/loquatlabs/loquat/pkg/vad"
)

// vadFrameSize is the Silero window: 512 samples (32 ms) at 16 kHz.
const vadFrameSize = 512

// asrTailSeconds is how much recent audio the worker keeps locally so decode
// windows and refinement spans can be sliced without re-reading the ring.
const asrTailSeconds = 45

// idlePoll is the sleep between ring polls when no audio is pending.
const idlePoll = 10 * time.Millisecond

// runASRWorker is the live transcription loop: ring → VAD gate → chunker →
// engine → coordinator, with opportunistic refinement during lulls.
func (s *Session) runASRWorker(ctx context.Context) error {
	cursor, err := s.ring.Register("asr")
	if err != nil {
		return err
	}

	primary, err := s.vadEng.NewSession(vad.SessionConfig{SampleRate: audio.SampleRate, FrameSize: vadFrameSize})
	if err != nil {
		return faults.Wrap(faults.CodeModelLoad, err, "vad session")
	}
	defer primary.Close()
	fallback, err := s.energy.NewSession(vad.SessionConfig{FrameSize: vadFrameSize})
	if err != nil {
		return err
	}
	defer fallback.Close()

	gate := vad.NewGate(s.gateConfig(), primary, fallback, func(cause error) {
		s.mu.Lock()
		s.counters.vadDegraded = true
		s.mu.Unlock()
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.Wrap(faults.CodeModelFallback, cause, "vad downgraded to energy mode").
				WithHints("restart the session to retry model inference"),
		})
	})

	chunker := asr.NewChunker(asr.ChunkerConfig{})
	refiner := asr.NewRefiner(asr.RefinerConfig{})
	tracker := asr.NewContextTracker(0)
	tail := newTailBuffer(asrTailSeconds * audio.SampleRate)
	twoPass := s.cfg.ASR.EnableTwoPass != nil && *s.cfg.ASR.EnableTwoPass

	frame := make([]float32, vadFrameSize)
	lastSpeech := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if cursor.Available() < vadFrameSize {
			// Not enough audio yet: an idle moment, which is exactly when
			// refinement is cheapest.
			if twoPass && !s.asrPaused.Load() && s.pressureLevel.Load() < 1 {
				s.maybeRefine(ctx, refiner, tail, time.Since(lastSpeech))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idlePoll):
			}
			continue
		}

		n, start := cursor.Read(frame)
		tail.append(start, frame[:n])
		evs, err := gate.Push(audio.Frame{Samples: frame[:n], Index: start})
		if err != nil {
			return faults.Wrap(faults.CodeModelLoad, err, "vad inference")
		}

		for _, ev := range evs {
			if ev.Kind != vad.SpeechEnd {
				lastSpeech = time.Now()
			}
			for _, span := range chunker.Push(ev) {
				if s.asrPaused.Load() {
					continue // thermal cool-down: capture and VAD continue, decoding rests
				}
				s.decodeSpan(ctx, span, asr.PassLive, tracker, refiner, tail)
			}
		}
	}
}

// gateConfig translates the session configuration into gate parameters.
func (s *Session) gateConfig() vad.GateConfig {
	return vad.GateConfig{
		OnThreshold:  s.cfg.ASR.VADThresholdOn,
		OffThreshold: s.cfg.ASR.VADThresholdOff,
		MinSpeech:    time.Duration(s.cfg.ASR.MinSpeechMs) * time.Millisecond,
		MinSilence:   time.Duration(s.cfg.ASR.MinSilenceMs) * time.Millisecond,
		SpeechPad:    time.Duration(s.cfg.ASR.SpeechPadMs) * time.Millisecond,
	}
}

// decodeSpan decodes one live window and forwards the segment.
func (s *Session) decodeSpan(ctx context.Context, span asr.Span, pass asr.Pass, tracker *asr.ContextTracker, refiner *asr.Refiner, tail *tailBuffer) {
	samples, start := tail.slice(span.Start, span.End)
	if len(samples) == 0 {
		return
	}
	w := asr.Window{
		StartSample:   start,
		Samples:       samples,
		PromptContext: tracker.Prompt(),
		Language:      s.pinnedLanguage(),
		Pass:          pass,
	}

	eng := s.ladder.Engine()
	began := time.Now()
	seg, err := s.decodeWithTimeout(ctx, eng, w)
	wall := time.Since(began)
	s.rtf.AddWork(w.Duration(), wall)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordWindow(ctx, passName(pass), string(eng.Tier()), statusOf(err), wall.Seconds())
	}
	if err != nil {
		s.recordDecodeFailure(err)
		return
	}

	tracker.Add(seg.Words)
	refiner.Observe(seg)
	s.mu.Lock()
	s.counters.windowsDecoded++
	s.mu.Unlock()

	select {
	case s.asrOut <- asrUpdate{segments: []asr.Segment{seg}, updateType: events.UpdateNew}:
	case <-ctx.Done():
	}
}

// maybeRefine runs the second pass over the trailing audio when the refiner
// deems it due.
func (s *Session) maybeRefine(ctx context.Context, refiner *asr.Refiner, tail *tailBuffer, silence time.Duration) {
	span, due := refiner.Due(time.Now(), silence, s.ring.Written())
	if !due {
		return
	}
	samples, start := tail.slice(span.Start, span.End)
	if len(samples) == 0 {
		return
	}
	w := asr.Window{
		StartSample: start,
		Samples:     samples,
		Language:    s.pinnedLanguage(),
		Pass:        asr.PassRefine,
	}

	eng := s.ladder.Best()
	began := time.Now()
	seg, err := s.decodeWithTimeout(ctx, eng, w)
	wall := time.Since(began)
	s.rtf.AddWork(w.Duration(), wall)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordWindow(ctx, "refine", string(eng.Tier()), statusOf(err), wall.Seconds())
	}
	if err != nil {
		s.recordDecodeFailure(err)
		return
	}

	replacements := refiner.Reconcile(seg, asr.Span{Start: start, End: start + uint64(len(samples))})
	if len(replacements) == 0 {
		return
	}
	s.mu.Lock()
	s.counters.refinements++
	s.mu.Unlock()

	select {
	case s.asrOut <- asrUpdate{segments: replacements, updateType: events.UpdateCorrection}:
	case <-ctx.Done():
	}
}

// decodeWithTimeout enforces the per-window budget of 3× the window's
// duration. whisper.cpp cannot be interrupted mid-decode, so on timeout the
// window is abandoned and its goroutine left to finish into the void.
func (s *Session) decodeWithTimeout(ctx context.Context, eng asr.Engine, w asr.Window) (asr.Segment, error) {
	budget := 3 * w.Duration()
	if budget < time.Second {
		budget = time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		seg asr.Segment
		err error
	}
	ch := make(chan result, 1)
	go func() {
		seg, err := eng.Decode(dctx, w)
		ch <- result{seg, err}
	}()

	select {
	case r := <-ch:
		return r.seg, r.err
	case <-dctx.Done():
		return asr.Segment{}, asr.ErrDecodeTimeout
	}
}

// recordDecodeFailure turns a per-window error into a warning; corrupt
// output and timeouts skip the window rather than failing the session.
func (s *Session) recordDecodeFailure(err error) {
	switch {
	case errors.Is(err, asr.ErrDecodeTimeout):
		s.mu.Lock()
		s.counters.windowsTimedOut++
		s.mu.Unlock()
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.Wrap(faults.CodeDecodeTimeout, err, "decode window abandoned").
				WithHints("lower the quality tier if this keeps happening"),
		})
	case errors.Is(err, asr.ErrCorruptOutput):
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.Wrap(faults.CodeLowAudioQuality, err, "decoder produced unusable output, window skipped"),
		})
	case errors.Is(err, context.Canceled):
	default:
		s.emit(events.TypeDiarizationWarning, events.WarningData{
			Fault: faults.Wrap(faults.CodeDecodeTimeout, err, "decode failed, window skipped"),
		})
	}
}

// pinnedLanguage returns the configured language when exactly one is pinned;
// otherwise empty for auto-detection.
func (s *Session) pinnedLanguage() string {
	if len(s.cfg.ASR.Languages) == 1 && s.cfg.ASR.Languages[0] != "auto" {
		return s.cfg.ASR.Languages[0]
	}
	return ""
}

func passName(p asr.Pass) string {
	if p == asr.PassRefine {
		return "refine"
	}
	return "live"
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// tailBuffer keeps the most recent stretch of the sample stream in memory,
// addressed by absolute sample index.
type tailBuffer struct {
	buf  []float32
	base uint64
	cap  int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

// append adds samples that begin at absolute index start. A gap (after a
// forced cursor advance) resets the buffer to the new position.
func (t *tailBuffer) append(start uint64, samples []float32) {
	if t.base+uint64(len(t.buf)) != start {
		t.buf = t.buf[:0]
		t.base = start
	}
	t.buf = append(t.buf, samples...)
	if len(t.buf) > t.cap {
		drop := len(t.buf) - t.cap
		t.buf = append(t.buf[:0], t.buf[drop:]...)
		t.base += uint64(drop)
	}
}

// slice copies the samples in [start, end), clamped to what the buffer still
// holds. The returned start reflects the clamp.
func (t *tailBuffer) slice(start, end uint64) ([]float32, uint64) {
	if start < t.base {
		start = t.base
	}
	limit := t.base + uint64(len(t.buf))
	if end > limit {
		end = limit
	}
	if end <= start {
		return nil, start
	}
	out := make([]float32, end-start)
	copy(out, t.buf[start-t.base:end-t.base])
	return out, start
}

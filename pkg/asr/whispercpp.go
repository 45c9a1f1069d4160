// This file contains the Engine implementation backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/google/uuid"

	"github.com/loquatlabs/loquat/pkg/audio"
)

// Compile-time assertion that WhisperEngine satisfies Engine.
var _ Engine = (*WhisperEngine)(nil)

// corruptRMSFloor is the window RMS above which an empty decode result is
// treated as corrupt output rather than genuine silence.
const corruptRMSFloor = 0.02

// WhisperEngine implements Engine using the whisper.cpp Go bindings. The
// model is loaded once at construction and shared across decodes; each
// Decode creates its own whisper context, so the live and refinement passes
// can run concurrently against the same model.
type WhisperEngine struct {
	model   whisperlib.Model
	tier    Tier
	threads uint
}

// WhisperOption is a functional option for configuring a WhisperEngine.
type WhisperOption func(*WhisperEngine)

// WithThreads sets the decoder thread count. Zero lets whisper.cpp choose.
func WithThreads(n uint) WhisperOption {
	return func(e *WhisperEngine) { e.threads = n }
}

// NewWhisperEngine loads the whisper.cpp model at modelPath for the given
// tier. Load failures are wrapped in ErrModelLoad: a missing or incompatible
// model is fatal to the session, not a per-window condition.
func NewWhisperEngine(modelPath string, tier Tier, opts ...WhisperOption) (*WhisperEngine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("%w: model path must not be empty", ErrModelLoad)
	}
	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrModelLoad, tier)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, modelPath, err)
	}
	e := &WhisperEngine{model: model, tier: tier}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Tier reports the engine's quality tier.
func (e *WhisperEngine) Tier() Tier { return e.tier }

// Close releases the whisper model. No Decode may be in flight.
func (e *WhisperEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// Decode transcribes one window with deterministic decoding (temperature 0,
// greedy or low-beam search depending on tier) and word-level timestamps.
func (e *WhisperEngine) Decode(ctx context.Context, w Window) (Segment, error) {
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}
	if len(w.Samples) == 0 {
		return Segment{}, errors.New("asr: empty window")
	}

	// Each decode gets a fresh whisper context. Contexts are not
	// thread-safe, but the model may be shared across goroutines.
	wctx, err := e.model.NewContext()
	if err != nil {
		return Segment{}, fmt.Errorf("asr: create whisper context: %w", err)
	}

	lang := w.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return Segment{}, fmt.Errorf("asr: set language %q: %w", lang, err)
	}
	wctx.SetTranslate(false)
	wctx.SetTokenTimestamps(true)
	wctx.SetTemperature(0)
	wctx.SetBeamSize(e.beamSize())
	if e.threads > 0 {
		wctx.SetThreads(e.threads)
	}
	if w.PromptContext != "" {
		wctx.SetInitialPrompt(w.PromptContext)
	}

	if err := wctx.Process(w.Samples, nil, nil, nil); err != nil {
		return Segment{}, fmt.Errorf("asr: process window: %w", err)
	}

	base := audio.SamplesToDuration(w.StartSample)
	var (
		words []Word
		texts []string
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Segment{}, fmt.Errorf("asr: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			texts = append(texts, text)
		}
		words = appendWords(words, wctx, seg, base)
	}

	text := strings.Join(texts, " ")
	if err := validateOutput(text, words, w.Samples); err != nil {
		return Segment{}, err
	}

	detected := wctx.DetectedLanguage()
	if detected == "" || w.Language != "" {
		detected = w.Language
	}

	now := time.Now().UTC()
	return Segment{
		ID:         uuid.New(),
		Start:      base,
		End:        base + w.Duration(),
		Text:       text,
		Language:   detected,
		Words:      words,
		Confidence: meanConfidence(words),
		Pass:       w.Pass,
		CreatedAt:  now,
	}, nil
}

func (e *WhisperEngine) beamSize() int {
	switch e.tier {
	case TierHighAccuracy:
		return 5
	case TierStandard:
		return 2
	default:
		return 1
	}
}

// appendWords regroups whisper's subword tokens into whole words. A token
// starting with a space (or following a completed word boundary) opens a new
// word; special tokens are skipped via IsText.
func appendWords(words []Word, wctx whisperlib.Context, seg whisperlib.Segment, base time.Duration) []Word {
	tokens := 0 // tokens folded into the last word in this call
	for _, tok := range seg.Tokens {
		if !wctx.IsText(tok) {
			continue
		}
		piece := tok.Text
		if piece == "" {
			continue
		}
		startsWord := strings.HasPrefix(piece, " ") || len(words) == 0
		trimmed := strings.TrimSpace(piece)
		if trimmed == "" {
			continue
		}
		if startsWord {
			words = append(words, Word{
				Text:       trimmed,
				Start:      base + tok.Start,
				End:        base + tok.End,
				Confidence: float64(tok.P),
			})
			tokens = 1
			continue
		}
		last := &words[len(words)-1]
		last.Text += trimmed
		last.End = base + tok.End
		// Running mean over the word's tokens. A word continued from an
		// earlier segment enters with its confidence weighted as one token.
		if tokens == 0 {
			tokens = 1
		}
		last.Confidence = (last.Confidence*float64(tokens) + float64(tok.P)) / float64(tokens+1)
		tokens++
	}
	// Clamp to strict non-overlap; token timestamps can touch.
	for i := 1; i < len(words); i++ {
		if words[i].Start < words[i-1].End {
			words[i].Start = words[i-1].End
		}
		if words[i].End < words[i].Start {
			words[i].End = words[i].Start
		}
	}
	return words
}

// validateOutput rejects NaN confidences and empty transcripts for
// high-energy audio, both symptoms of a corrupted decode.
func validateOutput(text string, words []Word, samples []float32) error {
	for _, w := range words {
		if math.IsNaN(w.Confidence) || math.IsInf(w.Confidence, 0) {
			return fmt.Errorf("%w: non-finite word confidence", ErrCorruptOutput)
		}
	}
	if text == "" {
		var sumSq float64
		for _, s := range samples {
			sumSq += float64(s) * float64(s)
		}
		rms := math.Sqrt(sumSq / float64(len(samples)))
		if rms > corruptRMSFloor {
			return fmt.Errorf("%w: empty transcript for high-energy window (rms=%.4f)", ErrCorruptOutput, rms)
		}
	}
	return nil
}

func meanConfidence(words []Word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

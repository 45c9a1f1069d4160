package vad

import (
	"fmt"
	"math"
)

// defaultNoiseFloor is the RMS level of near-silence in float32 PCM units.
// 0.01 corresponds to roughly 300/32767 in 16-bit terms, the level below
// which meeting-room ambience sits on typical laptop microphones.
const defaultNoiseFloor = 0.01

// EnergyEngine is the fallback Engine used when model inference is
// unavailable or failing mid-session. It scores frames by RMS energy against
// an adaptive noise floor; crude next to the Silero model but dependency-free
// and good enough to keep the chunker segmenting.
type EnergyEngine struct {
	// NoiseFloor overrides the initial RMS noise floor. Zero selects the
	// default.
	NoiseFloor float64
}

// NewSession creates an energy-based session. Any frame size is accepted.
func (e *EnergyEngine) NewSession(cfg SessionConfig) (Session, error) {
	if cfg.FrameSize < 0 {
		return nil, fmt.Errorf("vad: invalid frame size %d", cfg.FrameSize)
	}
	floor := e.NoiseFloor
	if floor == 0 {
		floor = defaultNoiseFloor
	}
	return &energySession{floor: floor, initialFloor: floor}, nil
}

// energySession tracks an exponentially-decayed noise floor so the pseudo
// probability adapts to room tone.
type energySession struct {
	floor        float64
	initialFloor float64
}

// SpeechProbability maps frame RMS to a pseudo probability. The mapping is
// rms/(rms+2·floor): 1/3 at the floor, 0.5 at twice the floor, saturating
// toward 1 for loud speech.
func (s *energySession) SpeechProbability(frame []float32) (float64, error) {
	if len(frame) == 0 {
		return 0, nil
	}
	var sumSq float64
	for _, v := range frame {
		sumSq += float64(v) * float64(v)
	}
	rms := math.Sqrt(sumSq / float64(len(frame)))

	// Track the quietest recent level as the floor, recovering slowly so a
	// long loud stretch doesn't poison it.
	if rms < s.floor {
		s.floor = 0.9*s.floor + 0.1*rms
	} else {
		s.floor += (s.initialFloor - s.floor) * 0.001
	}
	floor := math.Max(s.floor, 1e-4)

	return rms / (rms + 2*floor), nil
}

func (s *energySession) Reset() { s.floor = s.initialFloor }

func (s *energySession) Close() error { return nil }

var _ Engine = (*EnergyEngine)(nil)
var _ Session = (*energySession)(nil)

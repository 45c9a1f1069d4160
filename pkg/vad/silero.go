package vad

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// sileroWindowSize is the number of float32 samples per inference call.
	// Silero VAD v5 at 16 kHz requires exactly 512 samples (32 ms).
	sileroWindowSize = 512

	// sileroStateSize is the hidden state dimension per RNN layer; the
	// combined state tensor has shape [2, 1, 128].
	sileroStateSize = 128

	sileroSampleRate = 16000
)

// ortInitOnce ensures the ONNX Runtime environment is initialised exactly
// once. The error is kept at package scope so later constructor calls surface
// the original failure instead of proceeding with a dead environment.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initORT() error {
	ortInitOnce.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// SileroEngine is an Engine backed by the Silero VAD v5 ONNX model. The model
// file is read per session; sessions are independent and each carries its own
// RNN state.
type SileroEngine struct {
	modelPath string
}

// NewSileroEngine creates a SileroEngine loading the model at modelPath.
// The file must exist; inference sessions are created lazily per stream.
func NewSileroEngine(modelPath string) (*SileroEngine, error) {
	if modelPath == "" {
		return nil, errors.New("vad: silero model path must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("vad: silero model: %w", err)
	}
	if err := initORT(); err != nil {
		return nil, fmt.Errorf("vad: initialise onnxruntime: %w", err)
	}
	return &SileroEngine{modelPath: modelPath}, nil
}

// NewSession creates an independent Silero session. cfg.FrameSize must be 512
// and cfg.SampleRate 16000 (or zero for the defaults).
func (e *SileroEngine) NewSession(cfg SessionConfig) (Session, error) {
	if cfg.SampleRate != 0 && cfg.SampleRate != sileroSampleRate {
		return nil, fmt.Errorf("vad: silero supports %d Hz only, got %d", sileroSampleRate, cfg.SampleRate)
	}
	if cfg.FrameSize != 0 && cfg.FrameSize != sileroWindowSize {
		return nil, fmt.Errorf("vad: silero frame size must be %d samples, got %d", sileroWindowSize, cfg.FrameSize)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, sileroWindowSize))
	if err != nil {
		return nil, fmt.Errorf("vad: create input tensor: %w", err)
	}
	stateTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("vad: create state tensor: %w", err)
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{sileroSampleRate})
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		return nil, fmt.Errorf("vad: create sr tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		return nil, fmt.Errorf("vad: create output tensor: %w", err)
	}
	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("vad: create stateN tensor: %w", err)
	}

	clearFloat32(stateTensor.GetData())
	clearFloat32(stateNTensor.GetData())

	session, err := ort.NewAdvancedSession(
		e.modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateNTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		stateNTensor.Destroy()
		return nil, fmt.Errorf("vad: create onnx session: %w", err)
	}

	return &sileroSession{
		session:      session,
		inputTensor:  inputTensor,
		stateTensor:  stateTensor,
		srTensor:     srTensor,
		outputTensor: outputTensor,
		stateNTensor: stateNTensor,
	}, nil
}

// sileroSession holds one stream's inference session and RNN state. Tensors
// are reused between calls.
type sileroSession struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	stateTensor  *ort.Tensor[float32]
	srTensor     *ort.Tensor[int64]
	outputTensor *ort.Tensor[float32]
	stateNTensor *ort.Tensor[float32]
}

// SpeechProbability runs one 512-sample window through the model and carries
// the RNN state forward.
func (s *sileroSession) SpeechProbability(frame []float32) (float64, error) {
	if s.session == nil {
		return 0, errors.New("vad: session is closed")
	}
	if len(frame) != sileroWindowSize {
		return 0, fmt.Errorf("vad: frame must be %d samples, got %d", sileroWindowSize, len(frame))
	}

	copy(s.inputTensor.GetData(), frame)
	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("vad: inference: %w", err)
	}
	copy(s.stateTensor.GetData(), s.stateNTensor.GetData())

	prob := float64(s.outputTensor.GetData()[0])
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}
	return prob, nil
}

// Reset zeroes the RNN state.
func (s *sileroSession) Reset() {
	if s.session == nil {
		return
	}
	clearFloat32(s.stateTensor.GetData())
	clearFloat32(s.stateNTensor.GetData())
}

// Close releases ONNX Runtime resources. Safe to call multiple times.
func (s *sileroSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	for _, t := range []interface{ Destroy() error }{
		s.inputTensor, s.stateTensor, s.srTensor, s.outputTensor, s.stateNTensor,
	} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	s.inputTensor, s.stateTensor, s.srTensor, s.outputTensor, s.stateNTensor = nil, nil, nil, nil, nil
	return nil
}

func clearFloat32(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

var _ Engine = (*SileroEngine)(nil)
var _ Session = (*sileroSession)(nil)

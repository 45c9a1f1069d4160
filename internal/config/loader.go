package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loquatlabs/loquat/pkg/asr"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.ASR.Tier == "" {
		cfg.ASR.Tier = string(asr.TierStandard)
	}
	if cfg.ASR.EnableTwoPass == nil {
		v := true
		cfg.ASR.EnableTwoPass = &v
	}
	if cfg.ASR.VADThresholdOn == 0 {
		cfg.ASR.VADThresholdOn = 0.5
	}
	if cfg.ASR.VADThresholdOff == 0 {
		cfg.ASR.VADThresholdOff = 0.35
	}
	if cfg.ASR.MinSpeechMs == 0 {
		cfg.ASR.MinSpeechMs = 500
	}
	if cfg.ASR.MinSilenceMs == 0 {
		cfg.ASR.MinSilenceMs = 500
	}
	if cfg.ASR.SpeechPadMs == 0 {
		cfg.ASR.SpeechPadMs = 400
	}
	if cfg.Diarization.MaxSpeakers == 0 {
		cfg.Diarization.MaxSpeakers = 8
	}
	if cfg.Diarization.SimilarityThreshold == 0 {
		cfg.Diarization.SimilarityThreshold = 0.7
	}
	if cfg.Diarization.MinSegmentSeconds == 0 {
		cfg.Diarization.MinSegmentSeconds = 1.0
	}
	if cfg.Diarization.EmbeddingWindowMs == 0 {
		cfg.Diarization.EmbeddingWindowMs = 3000
	}
	if cfg.Diarization.MinEmbeddingQuality == 0 {
		cfg.Diarization.MinEmbeddingQuality = 0.3
	}
	if cfg.Diarization.PersistThreshold == 0 {
		cfg.Diarization.PersistThreshold = 0.78
	}
	if cfg.Resources.HardwareAcceleration == "" {
		cfg.Resources.HardwareAcceleration = "auto"
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !asr.Tier(cfg.ASR.Tier).IsValid() {
		errs = append(errs, fmt.Errorf("asr.tier %q is invalid; valid values: turbo, standard, high-accuracy", cfg.ASR.Tier))
	}
	if cfg.ASR.VADThresholdOn <= cfg.ASR.VADThresholdOff {
		errs = append(errs, fmt.Errorf("asr.vad_threshold_on %.2f must exceed vad_threshold_off %.2f",
			cfg.ASR.VADThresholdOn, cfg.ASR.VADThresholdOff))
	}
	for _, bound := range []struct {
		name  string
		value float64
	}{
		{"asr.vad_threshold_on", cfg.ASR.VADThresholdOn},
		{"asr.vad_threshold_off", cfg.ASR.VADThresholdOff},
	} {
		if bound.value < 0 || bound.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", bound.name, bound.value))
		}
	}
	for _, lang := range cfg.ASR.Languages {
		if lang == "" {
			errs = append(errs, errors.New("asr.languages must not contain empty entries"))
		}
	}

	d := cfg.Diarization
	if d.MaxSpeakers < 1 || d.MaxSpeakers > 10 {
		errs = append(errs, fmt.Errorf("diarization.max_speakers %d is out of range [1, 10]", d.MaxSpeakers))
	}
	if d.MinSpeakers < 0 || d.MinSpeakers > d.MaxSpeakers {
		errs = append(errs, fmt.Errorf("diarization.min_speakers %d must be in [0, max_speakers=%d]", d.MinSpeakers, d.MaxSpeakers))
	}
	if d.SimilarityThreshold < 0.5 || d.SimilarityThreshold > 0.9 {
		errs = append(errs, fmt.Errorf("diarization.similarity_threshold %.2f is out of range [0.5, 0.9]", d.SimilarityThreshold))
	}
	if d.CrossSessionReid && (d.PersistThreshold < 0.5 || d.PersistThreshold > 1) {
		errs = append(errs, fmt.Errorf("diarization.persist_threshold %.2f is out of range [0.5, 1]", d.PersistThreshold))
	}
	if d.MinSegmentSeconds < 0 {
		errs = append(errs, fmt.Errorf("diarization.min_segment_seconds %.2f must not be negative", d.MinSegmentSeconds))
	}

	if cfg.Resources.MaxMemoryMB < 0 {
		errs = append(errs, fmt.Errorf("resources.max_memory_mb %d must not be negative", cfg.Resources.MaxMemoryMB))
	}
	if !validAccel[cfg.Resources.HardwareAcceleration] {
		errs = append(errs, fmt.Errorf("resources.hardware_acceleration %q is invalid; valid values: auto, cpu, gpu, metal", cfg.Resources.HardwareAcceleration))
	}

	return errors.Join(errs...)
}

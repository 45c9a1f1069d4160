package config

import (
	"strings"
	"testing"
)

const validYAML = `
server:
  log_level: debug
models:
  dir: /opt/models
asr:
  tier: turbo
  languages: [en, de]
diarization:
  max_speakers: 4
  similarity_threshold: 0.75
  detect_overlaps: true
storage:
  postgres_dsn: postgres://localhost/loquat
resources:
  max_memory_mb: 2048
  hardware_acceleration: cpu
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ASR.Tier != "turbo" {
		t.Errorf("tier = %q", cfg.ASR.Tier)
	}
	if cfg.Diarization.MaxSpeakers != 4 {
		t.Errorf("max_speakers = %d", cfg.Diarization.MaxSpeakers)
	}
	// Defaults fill the rest.
	if cfg.ASR.VADThresholdOn != 0.5 || cfg.ASR.VADThresholdOff != 0.35 {
		t.Errorf("vad thresholds = %f/%f, want defaults", cfg.ASR.VADThresholdOn, cfg.ASR.VADThresholdOff)
	}
	if cfg.ASR.EnableTwoPass == nil || !*cfg.ASR.EnableTwoPass {
		t.Error("enable_two_pass default is not true")
	}
	if cfg.Diarization.PersistThreshold != 0.78 {
		t.Errorf("persist_threshold = %f, want 0.78", cfg.Diarization.PersistThreshold)
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ASR.Tier != "standard" {
		t.Errorf("default tier = %q, want standard", cfg.ASR.Tier)
	}
	if cfg.Diarization.MaxSpeakers != 8 {
		t.Errorf("default max_speakers = %d, want 8", cfg.Diarization.MaxSpeakers)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("nonsense: 1\n")); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad tier",
			mutate: func(c *Config) { c.ASR.Tier = "ludicrous" },
			want:   "asr.tier",
		},
		{
			name:   "inverted vad thresholds",
			mutate: func(c *Config) { c.ASR.VADThresholdOn = 0.3; c.ASR.VADThresholdOff = 0.5 },
			want:   "vad_threshold_on",
		},
		{
			name:   "max speakers too high",
			mutate: func(c *Config) { c.Diarization.MaxSpeakers = 20 },
			want:   "max_speakers",
		},
		{
			name:   "min above max speakers",
			mutate: func(c *Config) { c.Diarization.MinSpeakers = 9; c.Diarization.MaxSpeakers = 4 },
			want:   "min_speakers",
		},
		{
			name:   "similarity out of range",
			mutate: func(c *Config) { c.Diarization.SimilarityThreshold = 0.95 },
			want:   "similarity_threshold",
		},
		{
			name:   "bad acceleration",
			mutate: func(c *Config) { c.Resources.HardwareAcceleration = "quantum" },
			want:   "hardware_acceleration",
		},
		{
			name:   "empty language entry",
			mutate: func(c *Config) { c.ASR.Languages = []string{"en", ""} },
			want:   "languages",
		},
		{
			name:   "negative memory",
			mutate: func(c *Config) { c.Resources.MaxMemoryMB = -1 },
			want:   "max_memory_mb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.ASR.Tier = "bad"
	cfg.Diarization.MaxSpeakers = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"asr.tier", "max_speakers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

// Package config provides the configuration schema, loader, and validation
// for the transcription core.
package config

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Models      ModelsConfig      `yaml:"models"`
	ASR         ASRConfig         `yaml:"asr"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Storage     StorageConfig     `yaml:"storage"`
	Resources   ResourcesConfig   `yaml:"resources"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Valid values: "debug", "info", "warn",
	// "error".
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the address the Prometheus /metrics endpoint listens
	// on. Empty disables the endpoint; metrics are still recorded.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogLevel is a validated log verbosity name.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the known names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ModelsConfig locates model artifacts on disk.
type ModelsConfig struct {
	// Dir is the model directory containing manifest.yaml. See the
	// artifacts package for the manifest format.
	Dir string `yaml:"dir"`
}

// ASRConfig tunes transcription.
type ASRConfig struct {
	// Tier selects the speed/quality trade-off: "turbo", "standard", or
	// "high-accuracy". Default "standard".
	Tier string `yaml:"tier"`

	// Languages pins recognition to the listed BCP-47 codes. An empty
	// list (or the single entry "auto") enables auto-detection.
	Languages []string `yaml:"languages"`

	// EnableTwoPass turns the refinement pass on. Default true.
	EnableTwoPass *bool `yaml:"enable_two_pass"`

	// VADThresholdOn and VADThresholdOff are the speech-gate hysteresis
	// thresholds. On must exceed Off. Defaults 0.5 / 0.35.
	VADThresholdOn  float64 `yaml:"vad_threshold_on"`
	VADThresholdOff float64 `yaml:"vad_threshold_off"`

	// MinSpeechMs, MinSilenceMs, and SpeechPadMs tune speech segmentation.
	// Defaults 500 / 500 / 400.
	MinSpeechMs  int `yaml:"min_speech_ms"`
	MinSilenceMs int `yaml:"min_silence_ms"`
	SpeechPadMs  int `yaml:"speech_pad_ms"`
}

// DiarizationConfig tunes speaker separation.
type DiarizationConfig struct {
	// MaxSpeakers caps concurrent speaker identities, range 1–10.
	// Default 8.
	MaxSpeakers int `yaml:"max_speakers"`

	// MinSpeakers is a lower hint for the expected speaker count; must not
	// exceed MaxSpeakers.
	MinSpeakers int `yaml:"min_speakers"`

	// SimilarityThreshold is the clustering cosine threshold, range
	// 0.5–0.9. Default 0.7.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MinSegmentSeconds filters out speaker segments shorter than this.
	// Default 1.0.
	MinSegmentSeconds float64 `yaml:"min_segment_seconds"`

	// EmbeddingWindowMs is the speaker-embedding window length.
	// Default 3000.
	EmbeddingWindowMs int `yaml:"embedding_window_ms"`

	// MinEmbeddingQuality discards embeddings scoring below it.
	// Default 0.3.
	MinEmbeddingQuality float64 `yaml:"min_embedding_quality"`

	// DetectOverlaps records cross-speaker overlap instead of clipping.
	DetectOverlaps bool `yaml:"detect_overlaps"`

	// AdaptiveClustering lets the similarity threshold track observed
	// within-cluster similarity.
	AdaptiveClustering bool `yaml:"adaptive_clustering"`

	// CrossSessionReid matches new clusters against persisted profiles at
	// PersistThreshold similarity. Off by default; enabling it is a
	// privacy decision for the caller.
	CrossSessionReid bool    `yaml:"cross_session_reid"`
	PersistThreshold float64 `yaml:"persist_threshold"`
}

// StorageConfig configures the speaker-profile store.
type StorageConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the pgvector
	// profile store. Empty selects the in-memory store: profiles then
	// live only for the process lifetime.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ResourcesConfig bounds resource usage.
type ResourcesConfig struct {
	// MaxMemoryMB is the session memory ceiling; zero disables the check.
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// HardwareAcceleration selects the compute device: "auto", "cpu",
	// "gpu", or "metal". Default "auto". Requesting an unavailable device
	// explicitly is a fatal startup error.
	HardwareAcceleration string `yaml:"hardware_acceleration"`
}

// Accel values accepted by ResourcesConfig.HardwareAcceleration.
var validAccel = map[string]bool{"": true, "auto": true, "cpu": true, "gpu": true, "metal": true}

// Package session orchestrates the transcription pipeline: it owns the
// shared ring buffer, the ASR and diarization workers, the coordinator that
// aligns their outputs, and the public control surface for starting,
// feeding, and stopping sessions.
package session

import (
	"time"

	"github.com/loquatlabs/loquat/pkg/asr"
	"github.com/loquatlabs/loquat/pkg/diar"
)

// Status is the session lifecycle state.
type Status int

const (
	StatusInitializing Status = iota
	StatusReady
	StatusActive
	StatusStopping
	StatusStopped
	StatusFailed
)

// String returns the status name for logs and events.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusActive:
		return "active"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SpeakerSummary aggregates one speaker's activity in a finished session.
type SpeakerSummary struct {
	SpeakerID     string        `json:"speaker_id"`
	DisplayName   string        `json:"display_name"`
	SpeakingTime  time.Duration `json:"speaking_time"`
	SegmentCount  int           `json:"segment_count"`
	AvgConfidence float64       `json:"avg_confidence"`
}

// FinalResult is returned by StopSession: everything committed up to the
// stop, even when the session ended in failure.
type FinalResult struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`

	// AudioDuration is the amount of audio ingested.
	AudioDuration time.Duration `json:"audio_duration"`

	Segments []diar.FinalSegment `json:"segments"`
	Speakers []SpeakerSummary    `json:"speakers"`

	// Error is the fault code when the session failed; empty otherwise.
	Error string `json:"error,omitempty"`
}

// Stats is a live statistics snapshot.
type Stats struct {
	SessionID string        `json:"session_id"`
	Status    string        `json:"status"`
	Uptime    time.Duration `json:"uptime"`

	AudioDuration    time.Duration `json:"audio_duration"`
	RTF              float64       `json:"rtf"`
	LatencySeconds   float64       `json:"latency_seconds"`
	Tier             asr.Tier      `json:"tier"`
	SegmentsEmitted  int           `json:"segments_emitted"`
	WindowsDecoded   int           `json:"windows_decoded"`
	WindowsTimedOut  int           `json:"windows_timed_out"`
	SpeakerCount     int           `json:"speaker_count"`
	EventsDropped    uint64        `json:"events_dropped"`
	SamplesLost      uint64        `json:"samples_lost"`
	VADDegraded      bool          `json:"vad_degraded"`
	TwoPassEnabled   bool          `json:"two_pass_enabled"`
	UncoveredWords   int           `json:"uncovered_words"`
	RefinementPasses int           `json:"refinement_passes"`
}

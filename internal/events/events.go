// Package events defines the typed event surface of the transcription core
// and the batching dispatcher that feeds the external event sink without
// ever blocking the pipeline.
package events

import (
	"time"

	"github.com/loquatlabs/loquat/internal/faults"
	"github.com/loquatlabs/loquat/pkg/asr"
	"github.com/loquatlabs/loquat/pkg/diar"
)

// Type identifies an event kind.
type Type string

const (
	TypeSessionStarted      Type = "session.started"
	TypeSessionStopped      Type = "session.stopped"
	TypeTranscriptionUpdate Type = "transcription.update"
	TypeSpeakerDetected     Type = "speaker.detected"
	TypeSpeakerActivity     Type = "speaker.activity"
	TypeDiarizationWarning  Type = "diarization.warning"
	TypeDiarizationError    Type = "diarization.error"
	TypeProcessingProgress  Type = "processing.progress"
	TypeSystemStatus        Type = "system.status"
)

// UpdateType distinguishes transcription update semantics.
type UpdateType string

const (
	UpdateNew        UpdateType = "new"
	UpdateRevision   UpdateType = "update"
	UpdateCorrection UpdateType = "correction"
)

// Event is one published event. Delivery is at-least-once and ordered per
// session; subscribers must tolerate duplicate TranscriptionUpdates with
// identical SegmentID and UpdatedAt.
type Event struct {
	Type      Type
	SessionID string
	Timestamp time.Time
	Data      any
}

// SessionStartedData accompanies TypeSessionStarted.
type SessionStartedData struct {
	Tier      asr.Tier
	Languages []string
}

// SessionStoppedData accompanies TypeSessionStopped. Fault is non-nil when
// the session ended in failure; the committed transcript is still included.
type SessionStoppedData struct {
	Final any
	Fault *faults.Fault
}

// TranscriptionUpdateData accompanies TypeTranscriptionUpdate.
type TranscriptionUpdateData struct {
	// SegmentID is the stable ASR segment identity; corrections reuse it.
	SegmentID string

	Segment    diar.FinalSegment
	UpdateType UpdateType
	Pass       asr.Pass
	UpdatedAt  time.Time
}

// SpeakerDetectedData accompanies TypeSpeakerDetected, emitted once per new
// speaker identity.
type SpeakerDetectedData struct {
	SpeakerID string
	At        time.Duration
}

// SpeakerActivityData accompanies TypeSpeakerActivity. The Active=true event
// for a burst always precedes its Active=false.
type SpeakerActivityData struct {
	SpeakerID string
	Active    bool
	Start     time.Duration
	End       time.Duration // zero while Active
}

// WarningData accompanies TypeDiarizationWarning and TypeDiarizationError.
type WarningData struct {
	Fault *faults.Fault
}

// ProgressData accompanies TypeProcessingProgress.
type ProgressData struct {
	ProcessedAudio time.Duration
	RTF            float64
}

// SystemStatusData accompanies TypeSystemStatus.
type SystemStatusData struct {
	CPUPercent   float64
	MemoryMB     float64
	RTF          float64
	Temperature  float64
	Tier         asr.Tier
	EventBacklog int
}

// Sink is the external event consumer. Publish must not block the core for
// more than a few milliseconds; a slow or failing sink triggers the
// controller's degradation ladder.
type Sink interface {
	Publish(ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ev Event) error { return f(ev) }

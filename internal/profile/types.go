// Package profile persists speaker profiles and their embeddings across
// sessions. Embeddings are the only voice artifact ever stored; raw audio
// never leaves the session. Two Store implementations are provided: a
// PostgreSQL/pgvector store for durable cross-session identity and an
// in-memory store for database-free operation and tests.
package profile

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loquatlabs/loquat/pkg/diar"
)

// MaxEmbeddingsPerProfile bounds stored embeddings per speaker; an addition
// beyond the cap replaces the lowest-quality entry when it scores higher and
// is dropped otherwise.
const MaxEmbeddingsPerProfile = 32

// Store errors.
var (
	ErrNotFound      = errors.New("profile: speaker not found")
	ErrEmptyName     = errors.New("profile: display name must not be empty")
	ErrDimMismatch   = errors.New("profile: embedding dimension mismatch")
	ErrInvalidImport = errors.New("profile: invalid import payload")
)

// Profile is one persistent speaker identity.
type Profile struct {
	ID          uuid.UUID       `json:"id"`
	DisplayName string          `json:"display_name"`
	Color       string          `json:"color"`
	VoiceChars  diar.VoiceChars `json:"voice_chars"`

	Embeddings []StoredEmbedding `json:"embeddings,omitempty"`

	TotalSpeechSeconds float64 `json:"total_speech_seconds"`
	SegmentCount       int     `json:"segment_count"`

	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`

	// IsActive is cleared instead of deleting rows; embeddings cascade
	// only on hard clears.
	IsActive bool `json:"is_active"`
}

// StoredEmbedding is one persisted voice embedding. Dim is recorded per row
// because encoder models with different output sizes coexist.
type StoredEmbedding struct {
	ID        uuid.UUID `json:"id"`
	SpeakerID uuid.UUID `json:"speaker_id"`

	Vector []float32 `json:"vector"`
	Dim    int       `json:"dim"`

	ModelName       string    `json:"model_name"`
	Quality         float64   `json:"quality"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// Match pairs a profile with its similarity to a query vector.
type Match struct {
	Profile    Profile
	Similarity float64
}

// MeetingSpeaker links a speaker profile to one meeting with per-meeting
// statistics. Unique per (MeetingID, SpeakerID).
type MeetingSpeaker struct {
	MeetingID     string        `json:"meeting_id"`
	SpeakerID     uuid.UUID     `json:"speaker_id"`
	DisplayName   string        `json:"display_name"`
	SpeakingTime  time.Duration `json:"speaking_time"`
	SegmentCount  int           `json:"segment_count"`
	AvgConfidence float64       `json:"avg_confidence"`
	FirstSpokenAt time.Time     `json:"first_spoken_at"`
	LastSpokenAt  time.Time     `json:"last_spoken_at"`
	IsVerified    bool          `json:"is_verified"`
	Notes         string        `json:"notes"`
}

// ImportMode selects collision handling during import.
type ImportMode string

const (
	// ImportMerge updates existing profiles on ID collision and appends
	// embeddings up to the cap.
	ImportMerge ImportMode = "merge"

	// ImportReplace overwrites existing profiles on ID collision.
	ImportReplace ImportMode = "replace"
)

// PayloadVersion is the current export format version.
const PayloadVersion = 1

// Payload is the exported profile bundle.
type Payload struct {
	Version            int       `json:"version"`
	ExportedAt         time.Time `json:"exported_at"`
	IncludesEmbeddings bool      `json:"includes_embeddings"`
	Profiles           []Profile `json:"profiles"`
}

// Package faults defines the error taxonomy shared by the transcription
// core. Every failure mode is a value: a stable machine-readable code, a
// short human message, a recoverable flag, and optional recovery hints.
// Fatal faults abort or refuse a session; recoverable faults downgrade a
// subsystem and surface as warnings.
package faults

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable fault identifier.
type Code string

// Fatal faults: the session fails to start or aborts.
const (
	CodeModelLoad          Code = "model_load_error"
	CodeInvalidConfig      Code = "invalid_config"
	CodeInsufficientMemory Code = "insufficient_memory"
	CodeUnsupportedFormat  Code = "unsupported_audio_format"
	CodeHardwareAccel      Code = "hardware_accel_not_available"
)

// Recoverable faults: warning plus a degraded mode.
const (
	CodeDecodeTimeout    Code = "decode_timeout"
	CodeEmbeddingFailed  Code = "embedding_extraction_failed"
	CodeClusterSaturated Code = "clustering_saturated"
	CodeConsumerLagged   Code = "consumer_lagged"
	CodeThermalThrottle  Code = "thermal_throttle"
	CodeQueueFull        Code = "processing_queue_full"
	CodeModelFallback    Code = "model_fallback"
	CodeLowAudioQuality  Code = "low_audio_quality"
)

// Command faults: user or caller errors.
const (
	CodeSpeakerNotFound      Code = "speaker_not_found"
	CodeSessionNotFound      Code = "session_not_found"
	CodeSessionAlreadyExists Code = "session_already_exists"
	CodeProfileImportInvalid Code = "profile_import_invalid"
)

// recoverableCodes lists the codes the core survives in degraded mode.
var recoverableCodes = map[Code]bool{
	CodeDecodeTimeout:    true,
	CodeEmbeddingFailed:  true,
	CodeClusterSaturated: true,
	CodeConsumerLagged:   true,
	CodeThermalThrottle:  true,
	CodeQueueFull:        true,
	CodeModelFallback:    true,
	CodeLowAudioQuality:  true,
}

// Fault is the error value carried through the core and published to the
// event sink.
type Fault struct {
	// Code identifies the failure mode.
	Code Code

	// Message is a short human-readable description.
	Message string

	// Recoverable reports whether the core continues in degraded mode.
	Recoverable bool

	// RecoveryOptions are free-text hints shown to the user.
	RecoveryOptions []string

	// Err is the wrapped cause, if any.
	Err error
}

// New creates a Fault with the recoverability implied by its code.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: recoverableCodes[code],
	}
}

// Wrap creates a Fault around an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Fault {
	f := New(code, format, args...)
	f.Err = err
	return f
}

// WithHints attaches recovery hints and returns f.
func (f *Fault) WithHints(hints ...string) *Fault {
	f.RecoveryOptions = append(f.RecoveryOptions, hints...)
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap returns the wrapped cause.
func (f *Fault) Unwrap() error { return f.Err }

// Is matches two faults by code, so errors.Is works against sentinel faults.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Code == other.Code
	}
	return false
}

// CodeOf extracts the fault code from an error chain, or "" when the error
// carries no Fault.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsFatal reports whether err carries a non-recoverable Fault. Errors
// without a Fault are treated as fatal.
func IsFatal(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return !f.Recoverable
	}
	return err != nil
}

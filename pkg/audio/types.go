// Package audio provides the shared audio plumbing for the transcription
// core: the pipeline frame type, a stateful resampler that converts arbitrary
// device PCM to the internal 16 kHz mono float32 format, and a
// single-producer / multi-consumer ring buffer with per-consumer cursors.
package audio

import "time"

// SampleRate is the internal sample rate of the pipeline in Hz. Everything
// downstream of the resampler (VAD, ASR, embedder) operates on 16 kHz mono
// float32 samples.
const SampleRate = 16000

// Frame is a contiguous run of 16 kHz mono float32 PCM flowing through the
// pipeline. Frames produced by the resampler never overlap and never skip:
// Index of frame N+1 always equals Index+len(Samples) of frame N. Gaps in the
// source (device stalls) are represented as explicit silence-fill frames with
// Fill set.
type Frame struct {
	// Samples is the PCM payload, one float32 per sample in [-1, 1].
	Samples []float32

	// Index is the absolute index of Samples[0], counted in samples since
	// the start of the stream.
	Index uint64

	// Timestamp is the wall-clock time of the oldest sample in the frame.
	Timestamp time.Time

	// Fill marks a synthetic silence frame inserted to cover a gap in the
	// source stream.
	Fill bool
}

// Duration returns the frame length as a time.Duration at the pipeline rate.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / SampleRate
}

// SamplesToDuration converts a sample count at the pipeline rate to a duration.
func SamplesToDuration(n uint64) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// DurationToSamples converts a duration to a sample count at the pipeline rate.
func DurationToSamples(d time.Duration) uint64 {
	return uint64(d * SampleRate / time.Second)
}

package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnsupportedFormat is returned for device formats outside the supported
// range (sample rate 8–96 kHz, 1–8 channels).
var ErrUnsupportedFormat = errors.New("audio: unsupported device format")

// Supported device format bounds.
const (
	minDeviceRate     = 8000
	maxDeviceRate     = 96000
	maxDeviceChannels = 8
)

// filterTaps is the number of sinc taps on each side of the interpolation
// point. 8 taps per side keeps aliasing below the noise floor of speech
// recordings while staying cheap enough for real-time mono streams.
const filterTaps = 8

// Resampler converts device PCM at an arbitrary rate and channel count into
// 16 kHz mono float32 frames. It is stateful: the tail of each submission is
// retained so that consecutive calls concatenate sample-accurately with no
// discontinuity at the boundary. One Resampler serves one device stream and
// must not be shared across goroutines.
type Resampler struct {
	srcRate  int
	channels int

	// history holds the last filterTaps*2 downmixed source samples so the
	// sinc window can straddle call boundaries.
	history []float32

	// pos is the fractional read position into the virtual source stream
	// formed by history + the current submission.
	pos float64

	// step is srcRate/SampleRate: how far the source position advances per
	// output sample.
	step float64

	// outIndex is the absolute index of the next output sample.
	outIndex uint64

	// streamStart anchors output timestamps; set on the first Process call.
	streamStart time.Time
	started     bool
}

// NewResampler creates a resampler for a device stream with the given sample
// rate and channel count. Returns ErrUnsupportedFormat if the rate is outside
// 8–96 kHz or the channel count is outside 1–8.
func NewResampler(srcRate, channels int) (*Resampler, error) {
	if srcRate < minDeviceRate || srcRate > maxDeviceRate {
		return nil, fmt.Errorf("%w: sample rate %d Hz (supported: %d–%d Hz)",
			ErrUnsupportedFormat, srcRate, minDeviceRate, maxDeviceRate)
	}
	if channels < 1 || channels > maxDeviceChannels {
		return nil, fmt.Errorf("%w: %d channels (supported: 1–%d)",
			ErrUnsupportedFormat, channels, maxDeviceChannels)
	}
	return &Resampler{
		srcRate:  srcRate,
		channels: channels,
		step:     float64(srcRate) / float64(SampleRate),
		history:  make([]float32, 0, filterTaps*2),
	}, nil
}

// SourceRate returns the configured device sample rate in Hz.
func (r *Resampler) SourceRate() int { return r.srcRate }

// Channels returns the configured device channel count.
func (r *Resampler) Channels() int { return r.channels }

// Process converts one submission of interleaved float32 device PCM and
// returns the resulting 16 kHz mono frame. The returned frame may be empty
// when the submission is too short to advance the output position. ts is the
// capture wall-clock time of the first sample in pcm; it anchors the stream
// clock on the first call and is otherwise informational.
//
// The input length must be a multiple of the channel count.
func (r *Resampler) Process(pcm []float32, ts time.Time) (Frame, error) {
	if len(pcm)%r.channels != 0 {
		return Frame{}, fmt.Errorf("audio: pcm length %d is not a multiple of %d channels", len(pcm), r.channels)
	}
	if !r.started {
		r.streamStart = ts
		r.started = true
	}

	mono := downmix(pcm, r.channels)

	// The virtual source stream for this call is history + mono. Output
	// samples are produced while the sinc window fits entirely inside it.
	src := append(r.history, mono...)
	n := len(src)

	var out []float32
	for {
		center := int(r.pos)
		if center+filterTaps >= n {
			break
		}
		out = append(out, sincInterp(src, r.pos))
		r.pos += r.step
	}

	frame := Frame{
		Samples:   out,
		Index:     r.outIndex,
		Timestamp: r.streamStart.Add(SamplesToDuration(r.outIndex)),
	}
	r.outIndex += uint64(len(out))

	// Retain the tail needed by the next call's window and rebase pos.
	keepFrom := int(r.pos) - filterTaps
	if keepFrom < 0 {
		keepFrom = 0
	}
	r.history = append(r.history[:0], src[keepFrom:]...)
	r.pos -= float64(keepFrom)

	return frame, nil
}

// ProcessInt16 converts 16-bit signed little-endian device PCM, scaling to
// [-1, 1] before resampling.
func (r *Resampler) ProcessInt16(pcm []int16, ts time.Time) (Frame, error) {
	f := make([]float32, len(pcm))
	for i, s := range pcm {
		f[i] = float32(s) / 32768.0
	}
	return r.Process(f, ts)
}

// SilenceFill produces a synthetic silence frame covering n output samples.
// Used by the capture layer to report device gaps explicitly rather than
// letting the stream skip.
func (r *Resampler) SilenceFill(n int) Frame {
	frame := Frame{
		Samples:   make([]float32, n),
		Index:     r.outIndex,
		Timestamp: r.streamStart.Add(SamplesToDuration(r.outIndex)),
		Fill:      true,
	}
	r.outIndex += uint64(n)
	return frame
}

// downmix averages interleaved channels into mono. For channels == 1 the
// input is returned as-is.
func downmix(pcm []float32, channels int) []float32 {
	if channels == 1 {
		return pcm
	}
	frames := len(pcm) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += pcm[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// sincInterp evaluates a Hann-windowed sinc interpolation of src at the
// fractional position pos. The caller guarantees the window fits in src.
func sincInterp(src []float32, pos float64) float32 {
	center := int(pos)
	frac := pos - float64(center)

	var acc, norm float64
	for k := -filterTaps + 1; k <= filterTaps; k++ {
		idx := center + k
		if idx < 0 {
			continue
		}
		x := float64(k) - frac
		w := windowedSinc(x)
		acc += float64(src[idx]) * w
		norm += w
	}
	if norm == 0 {
		return 0
	}
	v := acc / norm
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return float32(v)
}

// windowedSinc is sinc(x) shaped by a Hann window over [-filterTaps, filterTaps].
func windowedSinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	ax := math.Abs(x)
	if ax >= filterTaps {
		return 0
	}
	px := math.Pi * x
	sinc := math.Sin(px) / px
	hann := 0.5 * (1 + math.Cos(math.Pi*ax/filterTaps))
	return sinc * hann
}

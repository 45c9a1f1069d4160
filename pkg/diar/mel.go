// Package diar provides the speaker-diarization pipeline: log-mel feature
// extraction, speaker-embedding inference, online centroid clustering, and
// the aligner that merges speaker segments with transcript words.
package diar

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MelConfig describes the log-mel frontend expected by the speaker encoder.
// The defaults match WeSpeaker-style ResNet encoders: 80 mels, 25 ms windows,
// 10 ms hop.
type MelConfig struct {
	SampleRate int
	NumMels    int
	HopLength  int
	WinLength  int
	NFFT       int
}

// DefaultMelConfig returns the frontend configuration for the bundled
// encoder models at 16 kHz.
func DefaultMelConfig() MelConfig {
	return MelConfig{
		SampleRate: 16000,
		NumMels:    80,
		HopLength:  160, // 10 ms
		WinLength:  400, // 25 ms
		NFFT:       512,
	}
}

// MelFrontend computes log-mel spectrograms. The FFT plan, Hann window, and
// filterbank are built once; Compute is allocation-heavy but stateless, so a
// frontend may be shared by sequential calls on one goroutine.
type MelFrontend struct {
	cfg     MelConfig
	filters [][]float64
	window  []float64
	fft     *fourier.FFT
}

// NewMelFrontend builds the filterbank and FFT plan for cfg.
func NewMelFrontend(cfg MelConfig) *MelFrontend {
	return &MelFrontend{
		cfg:     cfg,
		filters: melFilterbank(cfg.NFFT, cfg.NumMels, cfg.SampleRate),
		window:  hannWindow(cfg.WinLength),
		fft:     fourier.NewFFT(cfg.NFFT),
	}
}

// Compute returns the log-mel spectrogram of samples as [frames][mels],
// frames left-aligned (no centering).
func (m *MelFrontend) Compute(samples []float32) [][]float32 {
	numFrames := 1
	if len(samples) >= m.cfg.WinLength {
		numFrames = (len(samples)-m.cfg.WinLength)/m.cfg.HopLength + 1
	}

	spec := make([][]float32, numFrames)
	frameData := make([]float64, m.cfg.NFFT)
	power := make([]float64, m.cfg.NFFT/2+1)

	for frame := range numFrames {
		start := frame * m.cfg.HopLength
		for i := range frameData {
			frameData[i] = 0
		}
		for i := 0; i < m.cfg.WinLength; i++ {
			if idx := start + i; idx < len(samples) {
				frameData[i] = float64(samples[idx]) * m.window[i]
			}
		}

		coeffs := m.fft.Coefficients(nil, frameData)
		for i := range power {
			re, im := real(coeffs[i]), imag(coeffs[i])
			power[i] = re*re + im*im
		}

		row := make([]float32, m.cfg.NumMels)
		for mel := range row {
			var sum float64
			for k, p := range power {
				sum += p * m.filters[mel][k]
			}
			if sum < 1e-9 {
				sum = 1e-9
			}
			row[mel] = float32(math.Log(sum))
		}
		spec[frame] = row
	}
	return spec
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// melFilterbank builds triangular mel filters using the HTK mel scale,
// compatible with torchaudio/librosa filterbanks.
func melFilterbank(nFFT, numMels, sampleRate int) [][]float64 {
	hzToMel := func(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
	melToHz := func(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

	nBins := nFFT/2 + 1
	lowMel := hzToMel(0)
	highMel := hzToMel(float64(sampleRate) / 2)

	// numMels+2 equally spaced points on the mel scale.
	points := make([]float64, numMels+2)
	for i := range points {
		mel := lowMel + (highMel-lowMel)*float64(i)/float64(numMels+1)
		points[i] = melToHz(mel)
	}

	binHz := float64(sampleRate) / float64(nFFT)
	filters := make([][]float64, numMels)
	for m := range filters {
		f := make([]float64, nBins)
		left, center, right := points[m], points[m+1], points[m+2]
		for k := range f {
			hz := float64(k) * binHz
			switch {
			case hz < left, hz > right:
			case hz <= center:
				if center > left {
					f[k] = (hz - left) / (center - left)
				}
			default:
				if right > center {
					f[k] = (right - hz) / (right - center)
				}
			}
		}
		filters[m] = f
	}
	return filters
}

package diar

import (
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
)

// VoiceChars summarises the acoustic character of a speaker's voice.
// Accumulated across a session and persisted with the speaker profile.
type VoiceChars struct {
	// PitchHz is the median fundamental frequency.
	PitchHz float64 `json:"pitch_hz"`

	// F1Hz and F2Hz are coarse first/second formant estimates.
	F1Hz float64 `json:"f1_hz"`
	F2Hz float64 `json:"f2_hz"`

	// SpeakingRate is words per second, filled in from aligned transcript
	// counts rather than from audio.
	SpeakingRate float64 `json:"speaking_rate"`
}

// pitch search range for adult speech.
const (
	minPitchHz = 60
	maxPitchHz = 400
)

// EstimatePitch returns the fundamental frequency of a speech window via
// autocorrelation, or 0 when no periodicity is found. sampleRate is in Hz.
func EstimatePitch(samples []float32, sampleRate int) float64 {
	minLag := sampleRate / maxPitchHz
	maxLag := sampleRate / minPitchHz
	if len(samples) < maxLag*2 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	if energy/float64(len(samples)) < 1e-6 {
		return 0
	}

	bestLag, bestCorr := 0, 0.0
	corrs := make([]float64, maxLag+1)
	for lag := minLag; lag <= maxLag; lag++ {
		var corr, norm float64
		for i := 0; i+lag < len(samples); i++ {
			corr += float64(samples[i]) * float64(samples[i+lag])
			norm += float64(samples[i]) * float64(samples[i])
		}
		if norm == 0 {
			continue
		}
		corr /= norm
		corrs[lag] = corr
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}
	if bestLag == 0 || bestCorr < 0.3 {
		return 0
	}
	// The global maximum can land on a multiple of the period; take the
	// first peak that comes within 90% of it.
	for lag := minLag; lag <= maxLag; lag++ {
		if corrs[lag] >= 0.9*bestCorr {
			for lag < maxLag && corrs[lag+1] > corrs[lag] {
				lag++
			}
			bestLag = lag
			break
		}
	}
	return float64(sampleRate) / float64(bestLag)
}

// EstimateFormants returns coarse F1/F2 estimates from smoothed spectral
// peaks of a speech window. Zero values mean no stable peak was found.
func EstimateFormants(samples []float32, sampleRate int) (f1, f2 float64) {
	const nfft = 1024
	if len(samples) < nfft {
		return 0, 0
	}

	fft := fourier.NewFFT(nfft)
	in := make([]float64, nfft)
	window := hannWindow(nfft)
	for i := range in {
		in[i] = float64(samples[i]) * window[i]
	}
	coeffs := fft.Coefficients(nil, in)

	bins := nfft/2 + 1
	power := make([]float64, bins)
	for i := range power {
		re, im := real(coeffs[i]), imag(coeffs[i])
		power[i] = re*re + im*im
	}

	// Smooth with a short moving average so harmonics merge into formant
	// humps.
	smooth := make([]float64, bins)
	const halfWin = 4
	for i := range smooth {
		var sum float64
		n := 0
		for j := i - halfWin; j <= i+halfWin; j++ {
			if j >= 0 && j < bins {
				sum += power[j]
				n++
			}
		}
		smooth[i] = sum / float64(n)
	}

	binHz := float64(sampleRate) / nfft
	lo := int(200 / binHz)
	hi := int(3500 / binHz)
	if hi >= bins {
		hi = bins - 1
	}

	var peaks []float64
	for i := lo + 1; i < hi; i++ {
		if smooth[i] > smooth[i-1] && smooth[i] >= smooth[i+1] {
			peaks = append(peaks, float64(i)*binHz)
			i += int(150 / binHz) // skip past the hump
		}
	}
	if len(peaks) > 0 {
		f1 = peaks[0]
	}
	if len(peaks) > 1 {
		f2 = peaks[1]
	}
	return f1, f2
}

// VoiceCharsAccumulator maintains running voice characteristics for one
// speaker across many windows.
type VoiceCharsAccumulator struct {
	pitches []float64
	f1s     []float64
	f2s     []float64

	words         int
	speechSeconds float64
}

// Observe folds one speech window into the accumulator.
func (a *VoiceCharsAccumulator) Observe(samples []float32, sampleRate int) {
	if p := EstimatePitch(samples, sampleRate); p > 0 {
		a.pitches = append(a.pitches, p)
	}
	if f1, f2 := EstimateFormants(samples, sampleRate); f1 > 0 {
		a.f1s = append(a.f1s, f1)
		if f2 > 0 {
			a.f2s = append(a.f2s, f2)
		}
	}
	a.speechSeconds += float64(len(samples)) / float64(sampleRate)
}

// AddWords counts aligned words for the speaking-rate estimate.
func (a *VoiceCharsAccumulator) AddWords(n int) { a.words += n }

// Chars returns the accumulated characteristics.
func (a *VoiceCharsAccumulator) Chars() VoiceChars {
	vc := VoiceChars{
		PitchHz: median(a.pitches),
		F1Hz:    median(a.f1s),
		F2Hz:    median(a.f2s),
	}
	if a.speechSeconds > 0 {
		vc.SpeakingRate = float64(a.words) / a.speechSeconds
	}
	return vc
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	if n := len(sorted); n%2 == 1 {
		return sorted[n/2]
	} else {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
}

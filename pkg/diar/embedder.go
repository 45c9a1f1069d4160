package diar

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/stat"

	"github.com/loquatlabs/loquat/pkg/audio"
)

// ErrEmbeddingFailed wraps per-window inference failures; they are
// recoverable — the window is dropped and the pipeline continues.
var ErrEmbeddingFailed = errors.New("diar: embedding extraction failed")

// normTolerance is the allowed deviation of an emitted embedding's L2 norm
// from 1.
const normTolerance = 1e-4

// Embedding is one speaker-embedding vector extracted from a speech window.
// The vector is L2-normalized; dimension is whatever the encoder model
// produces (192, 256, and 512 are all in circulation) and is propagated
// rather than assumed.
type Embedding struct {
	Vector []float32

	// AtSample is the absolute index of the window start.
	AtSample uint64

	// WindowSamples is the window length the vector was extracted from.
	WindowSamples int

	// Quality is the SNR/voicing-derived score in [0, 1]. Windows below
	// the configured floor are discarded before clustering.
	Quality float64
}

// Embedder extracts speaker embeddings from speech windows.
type Embedder interface {
	// Embed produces one embedding from a window of 16 kHz mono PCM.
	Embed(samples []float32, atSample uint64) (Embedding, error)

	// Dim reports the encoder's output dimension.
	Dim() int

	Close() error
}

// ONNXEmbedder runs a WeSpeaker-style encoder through ONNX Runtime. The
// log-mel frontend feeds a [1, frames, mels] tensor; the output embedding is
// L2-normalized before it leaves this package. Safe for use from a single
// goroutine (the diarization worker).
type ONNXEmbedder struct {
	mu       sync.Mutex
	session  *ort.DynamicAdvancedSession
	frontend *MelFrontend
	cfg      MelConfig
	dim      int

	inputNames  []string
	outputNames []string
}

// NewONNXEmbedder loads the encoder at modelPath and inspects its output
// shape to learn the embedding dimension.
func NewONNXEmbedder(modelPath string, cfg MelConfig) (*ONNXEmbedder, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("diar: encoder model: %w", err)
	}
	if err := initORT(); err != nil {
		return nil, fmt.Errorf("diar: initialise onnxruntime: %w", err)
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("diar: read model info: %w", err)
	}
	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}
	if len(outputInfo) == 0 {
		return nil, errors.New("diar: encoder model has no outputs")
	}

	// The last static dimension of the first output is the embedding size.
	dim := 0
	outDims := outputInfo[0].Dimensions
	for i := len(outDims) - 1; i >= 0; i-- {
		if outDims[i] > 1 {
			dim = int(outDims[i])
			break
		}
	}
	if dim == 0 {
		return nil, errors.New("diar: cannot determine embedding dimension from model")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("diar: session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("diar: create onnx session: %w", err)
	}

	return &ONNXEmbedder{
		session:     session,
		frontend:    NewMelFrontend(cfg),
		cfg:         cfg,
		dim:         dim,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// Dim reports the model's embedding dimension.
func (e *ONNXEmbedder) Dim() int { return e.dim }

// Embed computes the log-mel features, runs the encoder, and returns the
// normalized vector with its quality score.
func (e *ONNXEmbedder) Embed(samples []float32, atSample uint64) (Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Embedding{}, fmt.Errorf("%w: embedder is closed", ErrEmbeddingFailed)
	}
	if len(samples) < e.cfg.SampleRate/10 {
		return Embedding{}, fmt.Errorf("%w: window too short (%d samples)", ErrEmbeddingFailed, len(samples))
	}

	spec := e.frontend.Compute(samples)
	frames := len(spec)
	flat := make([]float32, frames*e.cfg.NumMels)
	for t, row := range spec {
		copy(flat[t*e.cfg.NumMels:], row)
	}

	inputShape := ort.NewShape(1, int64(frames), int64(e.cfg.NumMels))
	inputTensor, err := ort.NewTensor(inputShape, flat)
	if err != nil {
		return Embedding{}, fmt.Errorf("%w: input tensor: %v", ErrEmbeddingFailed, err)
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.Value, len(e.outputNames))
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return Embedding{}, fmt.Errorf("%w: inference: %v", ErrEmbeddingFailed, err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return Embedding{}, fmt.Errorf("%w: unexpected output type", ErrEmbeddingFailed)
	}
	raw := outTensor.GetData()
	if len(raw) < e.dim {
		return Embedding{}, fmt.Errorf("%w: output has %d values, want ≥%d", ErrEmbeddingFailed, len(raw), e.dim)
	}

	vec := make([]float32, e.dim)
	copy(vec, raw[:e.dim])
	if err := Normalize(vec); err != nil {
		return Embedding{}, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	return Embedding{
		Vector:        vec,
		AtSample:      atSample,
		WindowSamples: len(samples),
		Quality:       WindowQuality(samples),
	}, nil
}

// Close releases the ONNX session.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	return nil
}

var _ Embedder = (*ONNXEmbedder)(nil)

// Normalize scales v to unit L2 norm in place. Zero vectors are an error.
func Normalize(v []float32) error {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-8 {
		return errors.New("diar: zero-norm embedding")
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return nil
}

// CheckNorm verifies the embedding invariant |‖v‖₂ − 1| < 1e-4.
func CheckNorm(v []float32) bool {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	return math.Abs(math.Sqrt(sumSq)-1) < normTolerance
}

// CosineSimilarity computes the cosine similarity of two vectors of equal
// dimension. For unit vectors this is the plain dot product, but the full
// form is kept so imported profile vectors with drifted norms still compare
// correctly.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// WindowQuality scores a speech window in [0, 1] from an SNR estimate and
// the voiced-frame ratio. Quiet, mostly-unvoiced windows produce unstable
// embeddings and are filtered out upstream of clustering.
func WindowQuality(samples []float32) float64 {
	const frame = 320 // 20 ms
	if len(samples) < 2*frame {
		return 0
	}

	energies := make([]float64, 0, len(samples)/frame)
	for i := 0; i+frame <= len(samples); i += frame {
		var sumSq float64
		for _, s := range samples[i : i+frame] {
			sumSq += float64(s) * float64(s)
		}
		energies = append(energies, sumSq/frame)
	}

	sorted := append([]float64(nil), energies...)
	sort.Float64s(sorted)
	floor := stat.Quantile(0.1, stat.Empirical, sorted, nil)
	if floor < 1e-10 {
		floor = 1e-10
	}

	var speechSum float64
	voiced := 0
	for _, e := range energies {
		speechSum += e
		if e > 4*floor {
			voiced++
		}
	}
	meanEnergy := speechSum / float64(len(energies))

	snrDB := 10 * math.Log10(meanEnergy/floor)
	snrTerm := snrDB / 30 // 30 dB and above counts as fully clean
	if snrTerm > 1 {
		snrTerm = 1
	} else if snrTerm < 0 {
		snrTerm = 0
	}
	voicedRatio := float64(voiced) / float64(len(energies))

	return 0.5*snrTerm + 0.5*voicedRatio
}

// ortOnce, ortErr and initORT mirror the VAD package's one-shot ONNX Runtime
// initialisation.
var (
	ortOnce sync.Once
	ortErr  error
)

func initORT() error {
	ortOnce.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// WindowPlanner slices confirmed speech regions into embedding windows:
// fixed-size windows advancing by the hop, starting once a region reaches
// the minimum speech length.
type WindowPlanner struct {
	window    uint64
	hop       uint64
	minSpeech uint64

	regionStart uint64
	next        uint64
	active      bool
}

// NewWindowPlanner creates a planner; zero values select the defaults of a
// 3 s window, 1.5 s hop, and 1.5 s minimum speech.
func NewWindowPlanner(window, hop, minSpeech uint64) *WindowPlanner {
	if window == 0 {
		window = 3 * audio.SampleRate
	}
	if hop == 0 {
		hop = window / 2
	}
	if minSpeech == 0 {
		minSpeech = 3 * audio.SampleRate / 2
	}
	return &WindowPlanner{window: window, hop: hop, minSpeech: minSpeech}
}

// Begin opens a speech region at the given sample.
func (p *WindowPlanner) Begin(start uint64) {
	p.regionStart = start
	p.next = start
	p.active = true
}

// Extend reports windows due now that the region reaches end. Each returned
// pair is a [start, start+window) span; the final short window of a region
// is produced by End.
func (p *WindowPlanner) Extend(end uint64) [][2]uint64 {
	if !p.active || end < p.regionStart+p.minSpeech {
		return nil
	}
	var out [][2]uint64
	for p.next+p.window <= end {
		out = append(out, [2]uint64{p.next, p.next + p.window})
		p.next += p.hop
	}
	return out
}

// End closes the region, emitting a final window over the tail when the
// remaining speech is at least the minimum length.
func (p *WindowPlanner) End(end uint64) [][2]uint64 {
	if !p.active {
		return nil
	}
	out := p.Extend(end)
	if end > p.next && end-p.next >= p.minSpeech {
		out = append(out, [2]uint64{p.next, end})
	}
	p.active = false
	return out
}

package diar

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// Clusterer errors.
var (
	ErrSpeakerNotFound = errors.New("diar: speaker not found")
	ErrDimMismatch     = errors.New("diar: embedding dimension mismatch")
)

// ClustererConfig tunes online speaker clustering. Zero values select
// defaults.
type ClustererConfig struct {
	// Threshold is the cosine similarity above which an embedding joins an
	// existing cluster. Default 0.7; sensible range 0.5–0.9.
	Threshold float64

	// MaxSpeakers caps the number of clusters. Default 8.
	MaxSpeakers int

	// MaxEmbeddingsPerSpeaker bounds each cluster's retained embeddings
	// (quality-weighted replacement once full). Default 32.
	MaxEmbeddingsPerSpeaker int

	// Adaptive lets the threshold track the 25th percentile of
	// within-cluster similarities minus 0.05, clamped to [0.55, 0.85].
	Adaptive bool
}

func (c *ClustererConfig) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 0.7
	}
	if c.MaxSpeakers == 0 {
		c.MaxSpeakers = 8
	}
	if c.MaxEmbeddingsPerSpeaker == 0 {
		c.MaxEmbeddingsPerSpeaker = 32
	}
}

// tieBreakBand is the similarity margin within which two clusters are
// considered tied and broken by recency, then size.
const tieBreakBand = 0.02

// adaptiveWindow is how many recent within-cluster similarities feed the
// adaptive threshold.
const adaptiveWindow = 256

// Cluster is one speaker hypothesis: a running centroid plus a bounded,
// quality-weighted reservoir of supporting embeddings.
type Cluster struct {
	ID         string
	Centroid   []float32
	Count      int
	LastActive uint64 // absolute sample index of the latest assignment
	Embeddings []Embedding
}

// Assignment is the result of routing one embedding.
type Assignment struct {
	SpeakerID string

	// Confidence is the cosine similarity to the assigned centroid; 1.0
	// for a freshly created cluster.
	Confidence float64

	// NewSpeaker is set when a new cluster was created.
	NewSpeaker bool

	// Saturated is set when MaxSpeakers was reached and the embedding was
	// assigned to the nearest cluster despite falling below the threshold.
	Saturated bool
}

// Clusterer assigns speaker embeddings to identities online: nearest
// centroid above a similarity threshold wins and updates the centroid
// incrementally, otherwise a new cluster is created. Clusters live for the
// whole session, so a speaker returning after a long silence re-matches the
// same identity.
//
// Clusterer is not safe for concurrent use. It lives on the diarization
// worker; merge/split commands from other goroutines must be routed there.
type Clusterer struct {
	cfg      ClustererConfig
	dim      int
	clusters []*Cluster

	// withinSims is a bounded history of accepted similarities driving the
	// adaptive threshold.
	withinSims []float64
}

// NewClusterer creates a clusterer for embeddings of the given dimension.
func NewClusterer(cfg ClustererConfig, dim int) *Clusterer {
	cfg.applyDefaults()
	return &Clusterer{cfg: cfg, dim: dim}
}

// Threshold returns the similarity threshold currently in force (adaptive or
// configured).
func (c *Clusterer) Threshold() float64 {
	if !c.cfg.Adaptive || len(c.withinSims) < 20 {
		return c.cfg.Threshold
	}
	sorted := append([]float64(nil), c.withinSims...)
	sort.Float64s(sorted)
	t := stat.Quantile(0.25, stat.Empirical, sorted, nil) - 0.05
	if t < 0.55 {
		t = 0.55
	} else if t > 0.85 {
		t = 0.85
	}
	return t
}

// Assign routes one embedding to a speaker identity.
func (c *Clusterer) Assign(e Embedding) (Assignment, error) {
	if len(e.Vector) != c.dim {
		return Assignment{}, fmt.Errorf("%w: got %d, want %d", ErrDimMismatch, len(e.Vector), c.dim)
	}

	best, bestSim := c.nearest(e.Vector)
	threshold := c.Threshold()

	if best != nil && bestSim >= threshold {
		c.updateCluster(best, e, bestSim)
		return Assignment{SpeakerID: best.ID, Confidence: bestSim}, nil
	}

	if len(c.clusters) < c.cfg.MaxSpeakers {
		cl := &Cluster{
			ID:         uuid.NewString(),
			Centroid:   append([]float32(nil), e.Vector...),
			Count:      1,
			LastActive: e.AtSample,
			Embeddings: []Embedding{e},
		}
		c.clusters = append(c.clusters, cl)
		return Assignment{SpeakerID: cl.ID, Confidence: 1, NewSpeaker: true}, nil
	}

	// Saturated: attach to the nearest cluster with low confidence.
	if best == nil {
		return Assignment{}, errors.New("diar: no clusters and max_speakers is zero")
	}
	c.updateCluster(best, e, bestSim)
	return Assignment{SpeakerID: best.ID, Confidence: bestSim, Saturated: true}, nil
}

// nearest finds the best cluster for v, applying the tie-break rule: when
// two similarities differ by less than 0.02, prefer the more recently active
// cluster, then the one with more embeddings.
func (c *Clusterer) nearest(v []float32) (*Cluster, float64) {
	if len(c.clusters) == 0 {
		return nil, -1
	}
	sims := make([]float64, len(c.clusters))
	maxSim := -1.0
	for i, cl := range c.clusters {
		sims[i] = CosineSimilarity(v, cl.Centroid)
		if sims[i] > maxSim {
			maxSim = sims[i]
		}
	}
	var best *Cluster
	bestSim := -1.0
	for i, cl := range c.clusters {
		if maxSim-sims[i] >= tieBreakBand {
			continue
		}
		if best == nil ||
			cl.LastActive > best.LastActive ||
			(cl.LastActive == best.LastActive && len(cl.Embeddings) > len(best.Embeddings)) {
			best, bestSim = cl, sims[i]
		}
	}
	return best, bestSim
}

func (c *Clusterer) updateCluster(cl *Cluster, e Embedding, sim float64) {
	// Incremental centroid: normalize((n·c + e)/(n+1)).
	n := float64(cl.Count)
	for i := range cl.Centroid {
		cl.Centroid[i] = float32((n*float64(cl.Centroid[i]) + float64(e.Vector[i])) / (n + 1))
	}
	_ = Normalize(cl.Centroid)
	cl.Count++
	if e.AtSample > cl.LastActive {
		cl.LastActive = e.AtSample
	}
	c.addToReservoir(cl, e)

	c.withinSims = append(c.withinSims, sim)
	if len(c.withinSims) > adaptiveWindow {
		c.withinSims = c.withinSims[len(c.withinSims)-adaptiveWindow:]
	}
}

// addToReservoir keeps at most MaxEmbeddingsPerSpeaker embeddings per
// cluster, evicting the lowest-quality entry when a better one arrives.
func (c *Clusterer) addToReservoir(cl *Cluster, e Embedding) {
	if len(cl.Embeddings) < c.cfg.MaxEmbeddingsPerSpeaker {
		cl.Embeddings = append(cl.Embeddings, e)
		return
	}
	worst, worstQ := -1, e.Quality
	for i, ex := range cl.Embeddings {
		if ex.Quality < worstQ {
			worst, worstQ = i, ex.Quality
		}
	}
	if worst >= 0 {
		cl.Embeddings[worst] = e
	}
}

// Clusters returns snapshots of the current clusters, ordered by creation.
func (c *Clusterer) Clusters() []Cluster {
	out := make([]Cluster, len(c.clusters))
	for i, cl := range c.clusters {
		out[i] = Cluster{
			ID:         cl.ID,
			Centroid:   append([]float32(nil), cl.Centroid...),
			Count:      cl.Count,
			LastActive: cl.LastActive,
			Embeddings: append([]Embedding(nil), cl.Embeddings...),
		}
	}
	return out
}

// Lookup returns the cluster with the given ID.
func (c *Clusterer) Lookup(id string) (*Cluster, bool) {
	for _, cl := range c.clusters {
		if cl.ID == id {
			return cl, true
		}
	}
	return nil, false
}

// AdoptID renames a cluster, used when cross-session re-identification maps
// a fresh cluster onto a persistent profile.
func (c *Clusterer) AdoptID(oldID, newID string) error {
	cl, ok := c.Lookup(oldID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSpeakerNotFound, oldID)
	}
	cl.ID = newID
	return nil
}

// Merge combines cluster b into a: centroids weighted by count, reservoirs
// concatenated under the quality cap. Returns the surviving cluster.
// Rewriting past segments from b to a is the caller's job.
func (c *Clusterer) Merge(a, b string) (Cluster, error) {
	ca, ok := c.Lookup(a)
	if !ok {
		return Cluster{}, fmt.Errorf("%w: %s", ErrSpeakerNotFound, a)
	}
	cb, ok := c.Lookup(b)
	if !ok {
		return Cluster{}, fmt.Errorf("%w: %s", ErrSpeakerNotFound, b)
	}
	if a == b {
		return Cluster{}, errors.New("diar: cannot merge a speaker with itself")
	}

	na, nb := float64(ca.Count), float64(cb.Count)
	for i := range ca.Centroid {
		ca.Centroid[i] = float32((na*float64(ca.Centroid[i]) + nb*float64(cb.Centroid[i])) / (na + nb))
	}
	_ = Normalize(ca.Centroid)
	ca.Count += cb.Count
	if cb.LastActive > ca.LastActive {
		ca.LastActive = cb.LastActive
	}

	merged := append(ca.Embeddings, cb.Embeddings...)
	if len(merged) > c.cfg.MaxEmbeddingsPerSpeaker {
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Quality > merged[j].Quality })
		merged = merged[:c.cfg.MaxEmbeddingsPerSpeaker]
	}
	ca.Embeddings = merged

	c.remove(b)
	return c.snapshot(ca), nil
}

// Split partitions a cluster's embeddings about the sample index at and
// rebuilds two clusters from the halves. Embeddings extracted before at stay
// under the original ID; later ones form a new cluster. Past segments are
// not reassigned here: the session moves those whose midpoint lies at or
// after the split time to the new cluster, without comparing them to either
// centroid.
func (c *Clusterer) Split(id string, at uint64) (Cluster, Cluster, error) {
	cl, ok := c.Lookup(id)
	if !ok {
		return Cluster{}, Cluster{}, fmt.Errorf("%w: %s", ErrSpeakerNotFound, id)
	}

	var before, after []Embedding
	for _, e := range cl.Embeddings {
		if e.AtSample < at {
			before = append(before, e)
		} else {
			after = append(after, e)
		}
	}
	if len(before) == 0 || len(after) == 0 {
		return Cluster{}, Cluster{}, fmt.Errorf("diar: split point leaves an empty side (%d before, %d after)", len(before), len(after))
	}

	rebuild := func(id string, embs []Embedding) *Cluster {
		centroid := make([]float32, c.dim)
		for _, e := range embs {
			for i := range centroid {
				centroid[i] += e.Vector[i]
			}
		}
		_ = Normalize(centroid)
		last := uint64(0)
		for _, e := range embs {
			if e.AtSample > last {
				last = e.AtSample
			}
		}
		return &Cluster{ID: id, Centroid: centroid, Count: len(embs), LastActive: last, Embeddings: embs}
	}

	first := rebuild(id, before)
	second := rebuild(uuid.NewString(), after)

	for i, existing := range c.clusters {
		if existing.ID == id {
			c.clusters[i] = first
		}
	}
	c.clusters = append(c.clusters, second)
	return c.snapshot(first), c.snapshot(second), nil
}

// Compress drops the lowest-quality half of each cluster's reservoir,
// keeping the centroid intact. Invoked by the resource governor under
// memory pressure.
func (c *Clusterer) Compress() {
	keep := c.cfg.MaxEmbeddingsPerSpeaker / 2
	for _, cl := range c.clusters {
		if len(cl.Embeddings) <= keep {
			continue
		}
		sort.SliceStable(cl.Embeddings, func(i, j int) bool {
			return cl.Embeddings[i].Quality > cl.Embeddings[j].Quality
		})
		cl.Embeddings = append([]Embedding(nil), cl.Embeddings[:keep]...)
	}
}

func (c *Clusterer) remove(id string) {
	out := c.clusters[:0]
	for _, cl := range c.clusters {
		if cl.ID != id {
			out = append(out, cl)
		}
	}
	c.clusters = out
}

func (c *Clusterer) snapshot(cl *Cluster) Cluster {
	return Cluster{
		ID:         cl.ID,
		Centroid:   append([]float32(nil), cl.Centroid...),
		Count:      cl.Count,
		LastActive: cl.LastActive,
		Embeddings: append([]Embedding(nil), cl.Embeddings...),
	}
}

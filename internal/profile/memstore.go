package profile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loquatlabs/loquat/pkg/diar"
)

// MemStore is an in-memory Store. It backs database-free sessions and
// tests; profiles live only as long as the process.
type MemStore struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]*Profile
	meetings map[string]MeetingSpeaker // keyed by meetingID+speakerID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		profiles: make(map[uuid.UUID]*Profile),
		meetings: make(map[string]MeetingSpeaker),
	}
}

// Create implements Store.
func (m *MemStore) Create(_ context.Context, p Profile) error {
	if p.DisplayName == "" {
		return ErrEmptyName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.profiles[p.ID]; exists {
		return fmt.Errorf("profile: id %s already exists", p.ID)
	}
	cp := cloneProfile(p)
	capEmbeddings(&cp)
	m.profiles[p.ID] = &cp
	return nil
}

// Update implements Store.
func (m *MemStore) Update(_ context.Context, p Profile) error {
	if p.DisplayName == "" {
		return ErrEmptyName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.profiles[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	cp := cloneProfile(p)
	if cp.Embeddings == nil {
		cp.Embeddings = existing.Embeddings
	}
	capEmbeddings(&cp)
	m.profiles[p.ID] = &cp
	return nil
}

// Delete implements Store (soft delete).
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(id)
	if err != nil {
		return err
	}
	p.IsActive = false
	return nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, id string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.lookup(id)
	if err != nil {
		return Profile{}, err
	}
	return cloneProfile(*p), nil
}

// List implements Store.
func (m *MemStore) List(_ context.Context, includeInactive bool) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		if !includeInactive && !p.IsActive {
			continue
		}
		out = append(out, cloneProfile(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddEmbedding implements Store.
func (m *MemStore) AddEmbedding(_ context.Context, speakerID string, e StoredEmbedding) error {
	if len(e.Vector) != e.Dim {
		return fmt.Errorf("%w: dim %d, vector length %d", ErrDimMismatch, e.Dim, len(e.Vector))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(speakerID)
	if err != nil {
		return err
	}
	if len(p.Embeddings) < MaxEmbeddingsPerProfile {
		p.Embeddings = append(p.Embeddings, e)
		return nil
	}
	worst, worstQ := -1, e.Quality
	for i, ex := range p.Embeddings {
		if ex.Quality < worstQ {
			worst, worstQ = i, ex.Quality
		}
	}
	if worst >= 0 {
		p.Embeddings[worst] = e
	}
	return nil
}

// FindSimilar implements Store: a profile's similarity is its best stored
// embedding's cosine similarity to the query.
func (m *MemStore) FindSimilar(_ context.Context, vector []float32, threshold float64, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []Match
	for _, p := range m.profiles {
		if !p.IsActive {
			continue
		}
		best := -1.0
		for _, e := range p.Embeddings {
			if len(e.Vector) != len(vector) {
				continue
			}
			if sim := diar.CosineSimilarity(vector, e.Vector); sim > best {
				best = sim
			}
		}
		if best >= threshold {
			matches = append(matches, Match{Profile: cloneProfile(*p), Similarity: best})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Merge implements Store.
func (m *MemStore) Merge(_ context.Context, a, b string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, err := m.lookup(a)
	if err != nil {
		return Profile{}, err
	}
	pb, err := m.lookup(b)
	if err != nil {
		return Profile{}, err
	}
	if pa.ID == pb.ID {
		return Profile{}, fmt.Errorf("profile: cannot merge %s with itself", a)
	}

	pa.TotalSpeechSeconds += pb.TotalSpeechSeconds
	pa.SegmentCount += pb.SegmentCount
	if pb.LastActive.After(pa.LastActive) {
		pa.LastActive = pb.LastActive
	}
	pa.Embeddings = append(pa.Embeddings, pb.Embeddings...)
	for i := range pa.Embeddings {
		pa.Embeddings[i].SpeakerID = pa.ID
	}
	capEmbeddings(pa)
	pb.IsActive = false
	return cloneProfile(*pa), nil
}

// UpsertMeetingSpeaker implements Store.
func (m *MemStore) UpsertMeetingSpeaker(_ context.Context, ms MeetingSpeaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meetings[ms.MeetingID+"/"+ms.SpeakerID.String()] = ms
	return nil
}

// MeetingSpeakers returns the recorded participants of a meeting.
func (m *MemStore) MeetingSpeakers(meetingID string) []MeetingSpeaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MeetingSpeaker
	for _, ms := range m.meetings {
		if ms.MeetingID == meetingID {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSpokenAt.Before(out[j].FirstSpokenAt) })
	return out
}

// Clear implements Store.
func (m *MemStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = make(map[uuid.UUID]*Profile)
	m.meetings = make(map[string]MeetingSpeaker)
	return nil
}

// Close implements Store.
func (m *MemStore) Close() {}

func (m *MemStore) lookup(id string) (*Profile, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id %q", ErrNotFound, id)
	}
	p, ok := m.profiles[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func cloneProfile(p Profile) Profile {
	cp := p
	if p.Embeddings != nil {
		cp.Embeddings = make([]StoredEmbedding, len(p.Embeddings))
		for i, e := range p.Embeddings {
			ce := e
			ce.Vector = append([]float32(nil), e.Vector...)
			cp.Embeddings[i] = ce
		}
	}
	return cp
}

// capEmbeddings enforces the per-profile cap, preferring higher quality.
func capEmbeddings(p *Profile) {
	if len(p.Embeddings) <= MaxEmbeddingsPerProfile {
		return
	}
	sort.SliceStable(p.Embeddings, func(i, j int) bool {
		return p.Embeddings[i].Quality > p.Embeddings[j].Quality
	})
	p.Embeddings = p.Embeddings[:MaxEmbeddingsPerProfile]
}

var _ Store = (*MemStore)(nil)

// NewProfile is a convenience constructor filling IDs and timestamps.
func NewProfile(displayName, color string) Profile {
	now := time.Now().UTC()
	return Profile{
		ID:          uuid.New(),
		DisplayName: displayName,
		Color:       color,
		CreatedAt:   now,
		LastActive:  now,
		IsActive:    true,
	}
}

package profile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEmbedding(speakerID uuid.UUID, quality float64, seed float32) StoredEmbedding {
	vec := make([]float32, 8)
	vec[0] = 1
	vec[1] = seed
	return StoredEmbedding{
		ID:              uuid.New(),
		SpeakerID:       speakerID,
		Vector:          vec,
		Dim:             8,
		ModelName:       "wespeaker-resnet34",
		Quality:         quality,
		DurationSeconds: 3,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestMemStore_CreateGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	p := NewProfile("Alice", "#ff7700")
	require.NoError(t, s.Create(ctx, p))

	require.ErrorIs(t, s.Create(ctx, Profile{ID: uuid.New()}), ErrEmptyName)

	got, err := s.Get(ctx, p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.True(t, got.IsActive)

	require.NoError(t, s.Delete(ctx, p.ID.String()))
	got, err = s.Get(ctx, p.ID.String())
	require.NoError(t, err, "soft-deleted profiles stay readable")
	assert.False(t, got.IsActive)

	active, err := s.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemStore_EmbeddingCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	p := NewProfile("Bob", "")
	require.NoError(t, s.Create(ctx, p))

	for i := range MaxEmbeddingsPerProfile + 10 {
		e := testEmbedding(p.ID, float64(i)/50, float32(i))
		require.NoError(t, s.AddEmbedding(ctx, p.ID.String(), e))
	}

	got, err := s.Get(ctx, p.ID.String())
	require.NoError(t, err)
	assert.Len(t, got.Embeddings, MaxEmbeddingsPerProfile)

	// Quality-weighted replacement keeps the better entries.
	for _, e := range got.Embeddings {
		assert.GreaterOrEqual(t, e.Quality, 0.2)
	}
}

func TestMemStore_AddEmbeddingValidatesDim(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	p := NewProfile("Cara", "")
	require.NoError(t, s.Create(ctx, p))

	bad := testEmbedding(p.ID, 0.5, 0)
	bad.Dim = 16 // vector is length 8
	require.ErrorIs(t, s.AddEmbedding(ctx, p.ID.String(), bad), ErrDimMismatch)
}

func TestMemStore_FindSimilar(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	alice := NewProfile("Alice", "")
	bob := NewProfile("Bob", "")
	require.NoError(t, s.Create(ctx, alice))
	require.NoError(t, s.Create(ctx, bob))

	aliceVec := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	bobVec := []float32{0, 1, 0, 0, 0, 0, 0, 0}
	require.NoError(t, s.AddEmbedding(ctx, alice.ID.String(), StoredEmbedding{
		ID: uuid.New(), SpeakerID: alice.ID, Vector: aliceVec, Dim: 8, Quality: 0.9, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AddEmbedding(ctx, bob.ID.String(), StoredEmbedding{
		ID: uuid.New(), SpeakerID: bob.ID, Vector: bobVec, Dim: 8, Quality: 0.9, CreatedAt: time.Now(),
	}))

	matches, err := s.FindSimilar(ctx, aliceVec, 0.78, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, alice.ID, matches[0].Profile.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)

	// Soft-deleted profiles never match.
	require.NoError(t, s.Delete(ctx, alice.ID.String()))
	matches, err = s.FindSimilar(ctx, aliceVec, 0.5, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemStore_Merge(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := NewProfile("Alice", "")
	a.TotalSpeechSeconds = 10
	a.SegmentCount = 3
	b := NewProfile("Bob", "")
	b.TotalSpeechSeconds = 5
	b.SegmentCount = 2
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.AddEmbedding(ctx, b.ID.String(), testEmbedding(b.ID, 0.8, 1)))

	merged, err := s.Merge(ctx, a.ID.String(), b.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 15.0, merged.TotalSpeechSeconds)
	assert.Equal(t, 5, merged.SegmentCount)
	require.Len(t, merged.Embeddings, 1)
	assert.Equal(t, a.ID, merged.Embeddings[0].SpeakerID, "embeddings are re-owned by the surviving profile")

	gotB, err := s.Get(ctx, b.ID.String())
	require.NoError(t, err)
	assert.False(t, gotB.IsActive)

	_, err = s.Merge(ctx, a.ID.String(), a.ID.String())
	require.Error(t, err)
}

func TestImportExport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewMemStore()

	a := NewProfile("Alice", "#123456")
	a.TotalSpeechSeconds = 42
	a.SegmentCount = 7
	require.NoError(t, src.Create(ctx, a))
	require.NoError(t, src.AddEmbedding(ctx, a.ID.String(), testEmbedding(a.ID, 0.9, 0.5)))
	require.NoError(t, src.AddEmbedding(ctx, a.ID.String(), testEmbedding(a.ID, 0.7, 0.25)))

	b := NewProfile("Bob", "#654321")
	require.NoError(t, src.Create(ctx, b))

	payload, err := Export(ctx, src, true)
	require.NoError(t, err)
	assert.Equal(t, PayloadVersion, payload.Version)
	assert.True(t, payload.IncludesEmbeddings)
	require.Len(t, payload.Profiles, 2)

	dst := NewMemStore()
	n, err := Import(ctx, dst, payload, ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// import(export(P)) == P up to embedding ordering and last_active.
	for _, want := range payload.Profiles {
		got, err := dst.Get(ctx, want.ID.String())
		require.NoError(t, err)
		assert.Equal(t, want.DisplayName, got.DisplayName)
		assert.Equal(t, want.Color, got.Color)
		assert.Equal(t, want.TotalSpeechSeconds, got.TotalSpeechSeconds)
		assert.Equal(t, want.SegmentCount, got.SegmentCount)
		assert.Len(t, got.Embeddings, len(want.Embeddings))
	}
}

func TestImport_MergeAppendsEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	p := NewProfile("Alice", "")
	require.NoError(t, s.Create(ctx, p))
	require.NoError(t, s.AddEmbedding(ctx, p.ID.String(), testEmbedding(p.ID, 0.5, 0)))

	incoming := p
	incoming.DisplayName = "Alice Renamed"
	incoming.TotalSpeechSeconds = 10
	incoming.Embeddings = []StoredEmbedding{testEmbedding(p.ID, 0.8, 1)}

	n, err := Import(ctx, s, Payload{
		Version:            PayloadVersion,
		ExportedAt:         time.Now(),
		IncludesEmbeddings: true,
		Profiles:           []Profile{incoming},
	}, ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Alice Renamed", got.DisplayName)
	assert.Len(t, got.Embeddings, 2, "merge appends embeddings")
}

func TestImport_RejectsBadPayloads(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := Import(ctx, s, Payload{Version: 99}, ImportMerge)
	require.ErrorIs(t, err, ErrInvalidImport)

	_, err = Import(ctx, s, Payload{Version: 1}, ImportMode("sideways"))
	require.ErrorIs(t, err, ErrInvalidImport)

	bad := NewProfile("", "")
	_, err = Import(ctx, s, Payload{Version: 1, Profiles: []Profile{bad}}, ImportMerge)
	require.ErrorIs(t, err, ErrInvalidImport)

	withBadEmb := NewProfile("Eve", "")
	e := testEmbedding(withBadEmb.ID, 0.5, 0)
	e.Dim = 3
	withBadEmb.Embeddings = []StoredEmbedding{e}
	_, err = Import(ctx, s, Payload{Version: 1, Profiles: []Profile{withBadEmb}}, ImportMerge)
	require.ErrorIs(t, err, ErrInvalidImport)
}

func TestMemStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Create(ctx, NewProfile("Alice", "")))
	require.NoError(t, s.Clear(ctx))
	all, err := s.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, all)
}

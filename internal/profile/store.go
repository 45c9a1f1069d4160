package profile

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Store is the persistent speaker-profile repository. All writes are
// serialized by the session coordinator; implementations must nevertheless
// be safe for concurrent use because exports and lookups may run from
// command handlers.
type Store interface {
	// Create persists a new profile. DisplayName must be non-empty; a
	// profile may be created with zero embeddings.
	Create(ctx context.Context, p Profile) error

	// Update overwrites mutable profile fields (name, color, voice chars,
	// counters, activity timestamps). When p.Embeddings is non-nil the
	// stored embeddings are replaced wholesale.
	Update(ctx context.Context, p Profile) error

	// Delete soft-deletes a profile by clearing IsActive.
	Delete(ctx context.Context, id string) error

	// Get returns one profile with its embeddings.
	Get(ctx context.Context, id string) (Profile, error)

	// List returns profiles, optionally including inactive ones.
	List(ctx context.Context, includeInactive bool) ([]Profile, error)

	// AddEmbedding appends an embedding to a profile. Once the per-profile
	// cap is reached, the new embedding replaces the lowest-quality entry if
	// its quality is higher; otherwise it is dropped.
	AddEmbedding(ctx context.Context, speakerID string, e StoredEmbedding) error

	// FindSimilar returns the top-k active profiles whose stored
	// embeddings best match the query vector, filtered by a minimum
	// cosine similarity.
	FindSimilar(ctx context.Context, vector []float32, threshold float64, k int) ([]Match, error)

	// Merge folds profile b into a: counters sum, embeddings concatenate
	// under the cap, b is soft-deleted. Returns the merged profile.
	Merge(ctx context.Context, a, b string) (Profile, error)

	// UpsertMeetingSpeaker records or updates a speaker's participation in
	// a meeting.
	UpsertMeetingSpeaker(ctx context.Context, ms MeetingSpeaker) error

	// Clear permanently removes all speaker data, including embeddings.
	Clear(ctx context.Context) error

	Close()
}

// Export bundles all active profiles from s into a payload. When
// includeEmbeddings is false, vectors are stripped and only profile metadata
// travels.
func Export(ctx context.Context, s Store, includeEmbeddings bool) (Payload, error) {
	profiles, err := s.List(ctx, false)
	if err != nil {
		return Payload{}, fmt.Errorf("profile: export: %w", err)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].CreatedAt.Before(profiles[j].CreatedAt)
	})
	if !includeEmbeddings {
		for i := range profiles {
			profiles[i].Embeddings = nil
		}
	}
	return Payload{
		Version:            PayloadVersion,
		ExportedAt:         time.Now().UTC(),
		IncludesEmbeddings: includeEmbeddings,
		Profiles:           profiles,
	}, nil
}

// Import applies a payload to s. Mode merge updates colliding profiles and
// appends their embeddings up to the cap; mode replace overwrites them.
// Returns the number of profiles imported or updated.
func Import(ctx context.Context, s Store, p Payload, mode ImportMode) (int, error) {
	if p.Version <= 0 || p.Version > PayloadVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidImport, p.Version)
	}
	if mode != ImportMerge && mode != ImportReplace {
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidImport, mode)
	}

	count := 0
	for _, in := range p.Profiles {
		if in.DisplayName == "" {
			return count, fmt.Errorf("%w: profile %s has an empty display name", ErrInvalidImport, in.ID)
		}
		for _, e := range in.Embeddings {
			if len(e.Vector) != e.Dim {
				return count, fmt.Errorf("%w: embedding %s dim %d does not match vector length %d",
					ErrInvalidImport, e.ID, e.Dim, len(e.Vector))
			}
		}

		existing, err := s.Get(ctx, in.ID.String())
		switch {
		case err == nil && mode == ImportMerge:
			merged := existing
			merged.DisplayName = in.DisplayName
			merged.Color = in.Color
			merged.VoiceChars = in.VoiceChars
			merged.TotalSpeechSeconds += in.TotalSpeechSeconds
			merged.SegmentCount += in.SegmentCount
			if in.LastActive.After(merged.LastActive) {
				merged.LastActive = in.LastActive
			}
			merged.IsActive = true
			merged.Embeddings = nil // existing embeddings stay; new ones append below
			if err := s.Update(ctx, merged); err != nil {
				return count, fmt.Errorf("profile: import update %s: %w", in.ID, err)
			}
			for _, e := range in.Embeddings {
				if err := s.AddEmbedding(ctx, in.ID.String(), e); err != nil {
					return count, fmt.Errorf("profile: import embedding: %w", err)
				}
			}

		case err == nil && mode == ImportReplace:
			if err := s.Update(ctx, in); err != nil {
				return count, fmt.Errorf("profile: import replace %s: %w", in.ID, err)
			}

		default:
			if err := s.Create(ctx, in); err != nil {
				return count, fmt.Errorf("profile: import create %s: %w", in.ID, err)
			}
		}
		count++
	}
	return count, nil
}

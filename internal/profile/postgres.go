package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/loquatlabs/loquat/pkg/diar"
)

// schemaVersion is the current profile schema; recorded in schema_info and
// migrated forward on startup.
const schemaVersion = 1

// PostgresStore is the durable Store backed by PostgreSQL with the pgvector
// extension. Vector similarity queries run on an HNSW cosine index; all
// other state lives in plain relational tables. Safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgresStore connects to dsn, registers pgvector types on every
// connection, and migrates the schema. dim must match the embedder model's
// output dimension; changing it after the first migration requires a manual
// schema change.
func NewPostgresStore(ctx context.Context, dsn string, dim int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("profile store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("profile store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: ping: %w", err)
	}
	if err := migrate(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool, dim: dim}, nil
}

func ddl(dim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,

		`CREATE TABLE IF NOT EXISTS schema_info (
    version INT NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS speaker_profiles (
    id                    UUID             PRIMARY KEY,
    name                  TEXT             NOT NULL,
    color                 TEXT             NOT NULL DEFAULT '',
    voice_chars           JSONB            NOT NULL DEFAULT '{}',
    total_speech_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
    segment_count         INT              NOT NULL DEFAULT 0,
    created_at            TIMESTAMPTZ      NOT NULL DEFAULT now(),
    last_active           TIMESTAMPTZ      NOT NULL DEFAULT now(),
    is_active             BOOLEAN          NOT NULL DEFAULT TRUE
);`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS voice_embeddings (
    id               UUID             PRIMARY KEY,
    speaker_id       UUID             NOT NULL REFERENCES speaker_profiles (id) ON DELETE CASCADE,
    vector           vector(%d),
    dim              INT              NOT NULL,
    model_name       TEXT             NOT NULL DEFAULT '',
    quality          DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ      NOT NULL DEFAULT now()
);`, dim),

		`CREATE INDEX IF NOT EXISTS idx_voice_embeddings_speaker
    ON voice_embeddings (speaker_id);`,

		`CREATE INDEX IF NOT EXISTS idx_voice_embeddings_vector
    ON voice_embeddings USING hnsw (vector vector_cosine_ops);`,

		`CREATE TABLE IF NOT EXISTS meeting_speakers (
    meeting_id      TEXT             NOT NULL,
    speaker_id      UUID             NOT NULL REFERENCES speaker_profiles (id) ON DELETE CASCADE,
    display_name    TEXT             NOT NULL DEFAULT '',
    speaking_ns     BIGINT           NOT NULL DEFAULT 0,
    segment_count   INT              NOT NULL DEFAULT 0,
    avg_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    first_spoken_at TIMESTAMPTZ,
    last_spoken_at  TIMESTAMPTZ,
    is_verified     BOOLEAN          NOT NULL DEFAULT FALSE,
    notes           TEXT             NOT NULL DEFAULT '',
    PRIMARY KEY (meeting_id, speaker_id)
);`,
	}
}

// migrate creates missing tables and records the schema version. It is
// idempotent and safe to run on every start.
func migrate(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	for _, stmt := range ddl(dim) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	var v int
	err := pool.QueryRow(ctx, `SELECT version FROM schema_info LIMIT 1`).Scan(&v)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = pool.Exec(ctx, `INSERT INTO schema_info (version) VALUES ($1)`, schemaVersion)
		return err
	case err != nil:
		return err
	case v > schemaVersion:
		return fmt.Errorf("schema version %d is newer than supported %d", v, schemaVersion)
	case v < schemaVersion:
		// Forward migrations slot in here as the schema evolves.
		_, err = pool.Exec(ctx, `UPDATE schema_info SET version = $1`, schemaVersion)
		return err
	}
	return nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, p Profile) error {
	if p.DisplayName == "" {
		return ErrEmptyName
	}
	chars, err := json.Marshal(p.VoiceChars)
	if err != nil {
		return fmt.Errorf("profile store: encode voice chars: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO speaker_profiles (id, name, color, voice_chars, total_speech_seconds, segment_count, created_at, last_active, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.DisplayName, p.Color, chars, p.TotalSpeechSeconds, p.SegmentCount, p.CreatedAt, p.LastActive, p.IsActive)
	if err != nil {
		return fmt.Errorf("profile store: create: %w", err)
	}
	for _, e := range p.Embeddings {
		if err := s.AddEmbedding(ctx, p.ID.String(), e); err != nil {
			return err
		}
	}
	return nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, p Profile) error {
	if p.DisplayName == "" {
		return ErrEmptyName
	}
	chars, err := json.Marshal(p.VoiceChars)
	if err != nil {
		return fmt.Errorf("profile store: encode voice chars: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE speaker_profiles
SET name = $2, color = $3, voice_chars = $4, total_speech_seconds = $5,
    segment_count = $6, last_active = $7, is_active = $8
WHERE id = $1`,
		p.ID, p.DisplayName, p.Color, chars, p.TotalSpeechSeconds, p.SegmentCount, p.LastActive, p.IsActive)
	if err != nil {
		return fmt.Errorf("profile store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if p.Embeddings != nil {
		if _, err := s.pool.Exec(ctx, `DELETE FROM voice_embeddings WHERE speaker_id = $1`, p.ID); err != nil {
			return fmt.Errorf("profile store: replace embeddings: %w", err)
		}
		for _, e := range p.Embeddings {
			if err := s.AddEmbedding(ctx, p.ID.String(), e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete implements Store (soft delete).
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE speaker_profiles SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("profile store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (Profile, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, name, color, voice_chars, total_speech_seconds, segment_count, created_at, last_active, is_active
FROM speaker_profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile store: get: %w", err)
	}
	p.Embeddings, err = s.loadEmbeddings(ctx, p.ID.String())
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, includeInactive bool) ([]Profile, error) {
	q := `
SELECT id, name, color, voice_chars, total_speech_seconds, segment_count, created_at, last_active, is_active
FROM speaker_profiles`
	if !includeInactive {
		q += ` WHERE is_active`
	}
	q += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("profile store: list: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("profile store: list scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile store: list rows: %w", err)
	}
	for i := range out {
		out[i].Embeddings, err = s.loadEmbeddings(ctx, out[i].ID.String())
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddEmbedding implements Store, enforcing the per-profile cap by evicting
// the lowest-quality row.
func (s *PostgresStore) AddEmbedding(ctx context.Context, speakerID string, e StoredEmbedding) error {
	if len(e.Vector) != e.Dim {
		return fmt.Errorf("%w: dim %d, vector length %d", ErrDimMismatch, e.Dim, len(e.Vector))
	}
	if e.Dim != s.dim {
		return fmt.Errorf("%w: store holds vector(%d), embedding has dim %d", ErrDimMismatch, s.dim, e.Dim)
	}

	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM voice_embeddings WHERE speaker_id = $1`, speakerID).Scan(&count); err != nil {
		return fmt.Errorf("profile store: count embeddings: %w", err)
	}
	if count >= MaxEmbeddingsPerProfile {
		tag, err := s.pool.Exec(ctx, `
DELETE FROM voice_embeddings
WHERE id IN (
    SELECT id FROM voice_embeddings
    WHERE speaker_id = $1 AND quality < $2
    ORDER BY quality ASC LIMIT 1
)`, speakerID, e.Quality)
		if err != nil {
			return fmt.Errorf("profile store: evict embedding: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil // new embedding is the worst; keep the stored set
		}
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO voice_embeddings (id, speaker_id, vector, dim, model_name, quality, duration_seconds, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, speakerID, pgvector.NewVector(e.Vector), e.Dim, e.ModelName, e.Quality, e.DurationSeconds, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("profile store: insert embedding: %w", err)
	}
	return nil
}

// FindSimilar implements Store using the pgvector cosine operator.
func (s *PostgresStore) FindSimilar(ctx context.Context, vector []float32, threshold float64, k int) ([]Match, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := s.pool.Query(ctx, `
SELECT p.id, 1 - min(e.vector <=> $1) AS similarity
FROM voice_embeddings e
JOIN speaker_profiles p ON p.id = e.speaker_id
WHERE p.is_active AND e.dim = $2
GROUP BY p.id
HAVING 1 - min(e.vector <=> $1) >= $3
ORDER BY similarity DESC
LIMIT $4`,
		pgvector.NewVector(vector), len(vector), threshold, k)
	if err != nil {
		return nil, fmt.Errorf("profile store: find similar: %w", err)
	}
	defer rows.Close()

	type hit struct {
		id  string
		sim float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.sim); err != nil {
			return nil, fmt.Errorf("profile store: find similar scan: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile store: find similar rows: %w", err)
	}

	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		p, err := s.Get(ctx, h.id)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Profile: p, Similarity: h.sim})
	}
	return matches, nil
}

// Merge implements Store inside one transaction.
func (s *PostgresStore) Merge(ctx context.Context, a, b string) (Profile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("profile store: merge begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE speaker_profiles a
SET total_speech_seconds = a.total_speech_seconds + b.total_speech_seconds,
    segment_count        = a.segment_count + b.segment_count,
    last_active          = GREATEST(a.last_active, b.last_active)
FROM speaker_profiles b
WHERE a.id = $1 AND b.id = $2`, a, b); err != nil {
		return Profile{}, fmt.Errorf("profile store: merge counters: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE voice_embeddings SET speaker_id = $1 WHERE speaker_id = $2`, a, b); err != nil {
		return Profile{}, fmt.Errorf("profile store: merge embeddings: %w", err)
	}
	if _, err := tx.Exec(ctx, `
DELETE FROM voice_embeddings
WHERE speaker_id = $1 AND id NOT IN (
    SELECT id FROM voice_embeddings WHERE speaker_id = $1
    ORDER BY quality DESC LIMIT $2
)`, a, MaxEmbeddingsPerProfile); err != nil {
		return Profile{}, fmt.Errorf("profile store: merge cap: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE speaker_profiles SET is_active = FALSE WHERE id = $1`, b); err != nil {
		return Profile{}, fmt.Errorf("profile store: merge deactivate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Profile{}, fmt.Errorf("profile store: merge commit: %w", err)
	}
	return s.Get(ctx, a)
}

// UpsertMeetingSpeaker implements Store.
func (s *PostgresStore) UpsertMeetingSpeaker(ctx context.Context, ms MeetingSpeaker) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO meeting_speakers (meeting_id, speaker_id, display_name, speaking_ns, segment_count, avg_confidence, first_spoken_at, last_spoken_at, is_verified, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (meeting_id, speaker_id) DO UPDATE
SET display_name = EXCLUDED.display_name,
    speaking_ns = EXCLUDED.speaking_ns,
    segment_count = EXCLUDED.segment_count,
    avg_confidence = EXCLUDED.avg_confidence,
    last_spoken_at = EXCLUDED.last_spoken_at,
    is_verified = EXCLUDED.is_verified,
    notes = EXCLUDED.notes`,
		ms.MeetingID, ms.SpeakerID, ms.DisplayName, ms.SpeakingTime.Nanoseconds(), ms.SegmentCount,
		ms.AvgConfidence, ms.FirstSpokenAt, ms.LastSpokenAt, ms.IsVerified, ms.Notes)
	if err != nil {
		return fmt.Errorf("profile store: upsert meeting speaker: %w", err)
	}
	return nil
}

// Clear implements Store: a hard wipe of all speaker data.
func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE meeting_speakers, voice_embeddings, speaker_profiles`)
	if err != nil {
		return fmt.Errorf("profile store: clear: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) loadEmbeddings(ctx context.Context, speakerID string) ([]StoredEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, speaker_id, vector, dim, model_name, quality, duration_seconds, created_at
FROM voice_embeddings WHERE speaker_id = $1 ORDER BY created_at`, speakerID)
	if err != nil {
		return nil, fmt.Errorf("profile store: load embeddings: %w", err)
	}
	defer rows.Close()

	var out []StoredEmbedding
	for rows.Next() {
		var e StoredEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &e.SpeakerID, &vec, &e.Dim, &e.ModelName, &e.Quality, &e.DurationSeconds, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("profile store: embedding scan: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile store: embedding rows: %w", err)
	}
	return out, nil
}

// scanProfile reads one speaker_profiles row.
func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	var chars []byte
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Color, &chars, &p.TotalSpeechSeconds,
		&p.SegmentCount, &p.CreatedAt, &p.LastActive, &p.IsActive); err != nil {
		return Profile{}, err
	}
	if len(chars) > 0 {
		var vc diar.VoiceChars
		if err := json.Unmarshal(chars, &vc); err != nil {
			return Profile{}, fmt.Errorf("decode voice chars: %w", err)
		}
		p.VoiceChars = vc
	}
	return p, nil
}

var _ Store = (*PostgresStore)(nil)

package memory

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore keeps partitions in a pgvector table and ranks with the
// cosine distance operator.
type PostgresStore struct {
	db       *sqlx.DB
	embedder Embedder
	table    string
}

// NewPostgresStore connects to dsn and ensures the vector extension and the
// memory table exist. The embedding column width is fixed to embedder.Dims().
func NewPostgresStore(ctx context.Context, dsn string, embedder Embedder) (*PostgresStore, error) {
	if embedder == nil {
		embedder = NewLocalEmbedder("", 0)
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", ErrBackendUnavailable, err)
	}
	store := &PostgresStore{
		db:       db,
		embedder: embedder,
		table:    fmt.Sprintf("cocoa_memory_%d", embedder.Dims()),
	}
	if err := store.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			partition TEXT NOT NULL,
			document TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			model TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`, s.table, s.embedder.Dims()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_partition_idx ON %s(partition, seq)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: init postgres schema failed on %q: %w", ErrBackendUnavailable, trimSQL(stmt), err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Upsert(ctx context.Context, partition, id, document string, metadata map[string]string) error {
	if strings.TrimSpace(partition) == "" {
		return ErrInvalidPartition
	}
	vec, err := s.embedder.Embed(ctx, document)
	if err != nil {
		return fmt.Errorf("%w: embed document: %w", ErrBackendUnavailable, err)
	}
	normalizeVector(vec)

	now := nowMS()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s(id, partition, document, metadata_json, model, embedding, created_at_ms, updated_at_ms)
VALUES($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT(id) DO UPDATE SET
	partition = EXCLUDED.partition,
	document = EXCLUDED.document,
	metadata_json = EXCLUDED.metadata_json,
	model = EXCLUDED.model,
	embedding = EXCLUDED.embedding,
	updated_at_ms = EXCLUDED.updated_at_ms`, s.table),
		id, partition, document, encodeMap(metadata), s.embedder.ModelID(), Vector(vec), now)
	if err != nil {
		return fmt.Errorf("%w: upsert memory entry: %w", ErrBackendUnavailable, err)
	}
	return nil
}

type pgHit struct {
	ID       string  `db:"id"`
	Document string  `db:"document"`
	Metadata string  `db:"metadata_json"`
	Distance float64 `db:"distance"`
}

func (s *PostgresStore) Query(ctx context.Context, partition string, queryTexts []string, topK int) ([]QueryResult, error) {
	if strings.TrimSpace(partition) == "" {
		return nil, ErrInvalidPartition
	}
	vecs, err := embedQueries(ctx, s.embedder, queryTexts)
	if err != nil {
		return nil, err
	}

	limit := "ALL"
	if topK > 0 {
		limit = strconv.Itoa(topK)
	}
	query := fmt.Sprintf(`
SELECT id, document, metadata_json, embedding <=> $2 AS distance
FROM %s
WHERE partition = $1
ORDER BY distance, seq
LIMIT %s`, s.table, limit)

	out := make([]QueryResult, len(queryTexts))
	for i, q := range queryTexts {
		var hits []pgHit
		if err := s.db.SelectContext(ctx, &hits, query, partition, Vector(vecs[i])); err != nil {
			return nil, fmt.Errorf("%w: query memory entries: %w", ErrBackendUnavailable, err)
		}
		docs := make([]Document, 0, len(hits))
		for _, h := range hits {
			docs = append(docs, Document{
				ID:       h.ID,
				Text:     h.Document,
				Metadata: decodeMap(h.Metadata),
				Score:    1 - h.Distance,
			})
		}
		out[i] = QueryResult{Query: q, Documents: docs}
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context, partition string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE partition = $1`, s.table), partition); err != nil {
		return 0, fmt.Errorf("%w: count memory entries: %w", ErrBackendUnavailable, err)
	}
	return n, nil
}

// Vector is a pgvector value in its "[a,b,c]" text form.
type Vector []float32

func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	var s string
	switch val := src.(type) {
	case []byte:
		s = string(val)
	case string:
		s = val
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}

	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		*v = nil
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("parse vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

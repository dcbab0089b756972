package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists partitions in a local SQLite database. Vectors are
// stored as JSON and ranked in process.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string, embedder Embedder) (*SQLiteStore, error) {
	if embedder == nil {
		embedder = NewLocalEmbedder("", 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %w", ErrBackendUnavailable, err)
	}
	// One shared connection avoids writer lock contention and keeps
	// read-your-writes trivially true.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, embedder: embedder}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			partition TEXT NOT NULL,
			document TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			model TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_entries_partition_idx ON memory_entries(partition, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: init sqlite schema failed on %q: %w", ErrBackendUnavailable, trimSQL(stmt), err)
		}
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, partition, id, document string, metadata map[string]string) error {
	if strings.TrimSpace(partition) == "" {
		return ErrInvalidPartition
	}
	vec, err := s.embedder.Embed(ctx, document)
	if err != nil {
		return fmt.Errorf("%w: embed document: %w", ErrBackendUnavailable, err)
	}
	normalizeVector(vec)

	now := nowMS()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO memory_entries(id, partition, document, metadata_json, model, vector_json, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	partition = excluded.partition,
	document = excluded.document,
	metadata_json = excluded.metadata_json,
	model = excluded.model,
	vector_json = excluded.vector_json,
	updated_at_ms = excluded.updated_at_ms`,
		id, partition, document, encodeMap(metadata), s.embedder.ModelID(), encodeVector(vec), now, now)
	if err != nil {
		return fmt.Errorf("%w: upsert memory entry: %w", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, partition string, queryTexts []string, topK int) ([]QueryResult, error) {
	if strings.TrimSpace(partition) == "" {
		return nil, ErrInvalidPartition
	}
	vecs, err := embedQueries(ctx, s.embedder, queryTexts)
	if err != nil {
		return nil, err
	}
	entries, err := s.loadPartition(ctx, partition)
	if err != nil {
		return nil, err
	}

	out := make([]QueryResult, len(queryTexts))
	for i, q := range queryTexts {
		out[i] = QueryResult{Query: q, Documents: rank(vecs[i], entries, topK)}
	}
	return out, nil
}

// loadPartition reads every entry of partition in insertion order. Entries
// embedded by a different model are re-embedded with the current one.
func (s *SQLiteStore) loadPartition(ctx context.Context, partition string) ([]entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, document, metadata_json, model, vector_json
FROM memory_entries
WHERE partition = ?
ORDER BY seq`, partition)
	if err != nil {
		return nil, fmt.Errorf("%w: query memory entries: %w", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	model := s.embedder.ModelID()
	var entries []entry
	for rows.Next() {
		var (
			e                      entry
			metaRaw, vecModel, vec string
		)
		if err := rows.Scan(&e.id, &e.text, &metaRaw, &vecModel, &vec); err != nil {
			return nil, fmt.Errorf("%w: scan memory entry: %w", ErrBackendUnavailable, err)
		}
		e.metadata = decodeMap(metaRaw)
		if vecModel == model {
			e.vector = decodeVector(vec)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate memory entries: %w", ErrBackendUnavailable, err)
	}
	rows.Close()

	for i := range entries {
		if entries[i].vector != nil {
			continue
		}
		vec, err := s.embedder.Embed(ctx, entries[i].text)
		if err != nil {
			return nil, fmt.Errorf("%w: re-embed memory entry: %w", ErrBackendUnavailable, err)
		}
		normalizeVector(vec)
		entries[i].vector = vec
	}
	return entries, nil
}

func (s *SQLiteStore) Count(ctx context.Context, partition string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries WHERE partition = ?`, partition).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count memory entries: %w", ErrBackendUnavailable, err)
	}
	return n, nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

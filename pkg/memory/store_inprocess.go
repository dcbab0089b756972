package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// InProcessStore keeps partitions in memory for the lifetime of the process.
type InProcessStore struct {
	embedder Embedder

	mu         sync.RWMutex
	partitions map[string][]entry
	closed     bool
}

func NewInProcessStore(embedder Embedder) *InProcessStore {
	if embedder == nil {
		embedder = NewLocalEmbedder("", 0)
	}
	return &InProcessStore{
		embedder:   embedder,
		partitions: make(map[string][]entry),
	}
}

func (s *InProcessStore) Upsert(ctx context.Context, partition, id, document string, metadata map[string]string) error {
	if strings.TrimSpace(partition) == "" {
		return ErrInvalidPartition
	}
	vec, err := s.embedder.Embed(ctx, document)
	if err != nil {
		return fmt.Errorf("%w: embed document: %w", ErrBackendUnavailable, err)
	}
	normalizeVector(vec)
	e := entry{id: id, text: document, metadata: copyMap(metadata), vector: vec}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrBackendUnavailable)
	}
	entries := s.partitions[partition]
	for i := range entries {
		if entries[i].id == id {
			entries[i] = e
			return nil
		}
	}
	s.partitions[partition] = append(entries, e)
	return nil
}

func (s *InProcessStore) Query(ctx context.Context, partition string, queryTexts []string, topK int) ([]QueryResult, error) {
	if strings.TrimSpace(partition) == "" {
		return nil, ErrInvalidPartition
	}
	vecs, err := embedQueries(ctx, s.embedder, queryTexts)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", ErrBackendUnavailable)
	}
	entries := s.partitions[partition]
	out := make([]QueryResult, len(queryTexts))
	for i, q := range queryTexts {
		out[i] = QueryResult{Query: q, Documents: rank(vecs[i], entries, topK)}
	}
	return out, nil
}

func (s *InProcessStore) Count(_ context.Context, partition string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", ErrBackendUnavailable)
	}
	return len(s.partitions[partition]), nil
}

func (s *InProcessStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.partitions = nil
	return nil
}

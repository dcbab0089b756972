package memory

import "context"

// Store is a semantic retrieval index over named partitions.
//
// Implementations guarantee read-your-writes: a Count or Query issued after a
// successful Upsert on the same Store observes the entry.
type Store interface {
	// Upsert inserts document under id, replacing any entry with the same id.
	Upsert(ctx context.Context, partition, id, document string, metadata map[string]string) error
	// Query returns one result set per query text, best match first. Empty
	// partitions yield empty result sets, not errors.
	Query(ctx context.Context, partition string, queryTexts []string, topK int) ([]QueryResult, error)
	Count(ctx context.Context, partition string) (int, error)
	Close() error
}

// Embedder maps text to a vector for similarity ranking.
type Embedder interface {
	ModelID() string
	Dims() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

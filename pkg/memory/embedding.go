package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"sort"
	"strings"
)

const (
	charGramEmbeddingModel = "cocoa-chargram-v1"
	hashEmbeddingModel     = "cocoa-hash-v1"

	defaultLocalDims = 384
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-']+`)

type hashEmbedder struct {
	dims int
}

func (e *hashEmbedder) ModelID() string { return fmt.Sprintf("%s-%d", hashEmbeddingModel, e.dims) }
func (e *hashEmbedder) Dims() int       { return e.dims }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	if strings.TrimSpace(text) == "" {
		return vec, nil
	}
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	normalizeVector(vec)
	return vec, nil
}

type chargramEmbedder struct {
	dims int
}

func (e *chargramEmbedder) ModelID() string {
	return fmt.Sprintf("%s-%d", charGramEmbeddingModel, e.dims)
}
func (e *chargramEmbedder) Dims() int { return e.dims }

func (e *chargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		vec[idx] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		vec[idx] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

// NewLocalEmbedder returns one of the in-process embedders ("chargram" or
// "hash"). Unknown names fall back to chargram.
func NewLocalEmbedder(name string, dims int) Embedder {
	if dims <= 0 {
		dims = defaultLocalDims
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "hash", hashEmbeddingModel:
		return &hashEmbedder{dims: dims}
	default:
		return &chargramEmbedder{dims: dims}
	}
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// cosineSimilarity assumes both vectors are normalized.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
	}
	return dot
}

// entry is a stored document with its embedding, in insertion order.
type entry struct {
	id       string
	text     string
	metadata map[string]string
	vector   []float32
}

// rank scores entries against query and keeps the topK best. Equal scores
// keep insertion order.
func rank(query []float32, entries []entry, topK int) []Document {
	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, Document{
			ID:       e.id,
			Text:     e.text,
			Metadata: copyMap(e.metadata),
			Score:    cosineSimilarity(query, e.vector),
		})
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}
	return docs
}

func embedQueries(ctx context.Context, embedder Embedder, queryTexts []string) ([][]float32, error) {
	out := make([][]float32, len(queryTexts))
	for i, q := range queryTexts {
		vec, err := embedder.Embed(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: embed query: %w", ErrBackendUnavailable, err)
		}
		normalizeVector(vec)
		out[i] = vec
	}
	return out, nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

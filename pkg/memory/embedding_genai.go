package memory

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGenAIEmbeddingModel = "gemini-embedding-001"

// GenAIEmbedder embeds text with the Gemini embedding API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
	dims   int
}

// NewGenAIEmbedder wraps client. dims is requested as the output
// dimensionality so vectors fit fixed-width columns.
func NewGenAIEmbedder(client *genai.Client, model string, dims int) (*GenAIEmbedder, error) {
	if client == nil {
		return nil, fmt.Errorf("genai client is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultGenAIEmbeddingModel
	}
	if dims <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", dims)
	}
	return &GenAIEmbedder{client: client, model: model, dims: dims}, nil
}

func (e *GenAIEmbedder) ModelID() string { return fmt.Sprintf("genai:%s-%d", e.model, e.dims) }
func (e *GenAIEmbedder) Dims() int       { return e.dims }

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{
			TaskType:             "SEMANTIC_SIMILARITY",
			OutputDimensionality: genai.Ptr[int32](int32(e.dims)),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("genai embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 || result.Embeddings[0] == nil {
		return nil, fmt.Errorf("genai embed: no embeddings returned")
	}
	vec := result.Embeddings[0].Values
	normalizeVector(vec)
	return vec, nil
}

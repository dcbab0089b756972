package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/config"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/providers"
)

// NewEmbedder builds the embedder named by cfg.Memory.Embedder. The genai
// embedder uses memory.embedding_api_key and falls back to the Gemini
// provider key.
func NewEmbedder(ctx context.Context, cfg *config.Config) (Embedder, error) {
	mc := cfg.Memory
	switch strings.ToLower(strings.TrimSpace(mc.Embedder)) {
	case "", config.EmbedderCharGram, config.EmbedderHash:
		return NewLocalEmbedder(mc.Embedder, mc.EmbeddingDims), nil
	case config.EmbedderGenAI:
		key := strings.TrimSpace(mc.EmbeddingAPIKey)
		if key == "" {
			key = strings.TrimSpace(cfg.Providers.Gemini.APIKey)
		}
		if key == "" {
			return nil, fmt.Errorf("genai embedder requires memory.embedding_api_key or providers.gemini.api_key")
		}
		client, err := providers.NewGenAIClient(ctx, key, cfg.Providers.Gemini.APIBase)
		if err != nil {
			return nil, err
		}
		return NewGenAIEmbedder(client, mc.EmbeddingModel, mc.EmbeddingDims)
	default:
		return nil, fmt.Errorf("unsupported memory embedder %q", mc.Embedder)
	}
}

// NewStore opens the backend selected by cfg.Memory.Backend.
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	embedder, err := NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Memory.Backend))
	var store Store
	switch backend {
	case "", config.MemoryBackendInProcess:
		backend = config.MemoryBackendInProcess
		store = NewInProcessStore(embedder)
	case config.MemoryBackendSQLite:
		store, err = NewSQLiteStore(cfg.MemoryPath(), embedder)
	case config.MemoryBackendPostgres:
		store, err = NewPostgresStore(ctx, cfg.Memory.DSN, embedder)
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", cfg.Memory.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.InfoCF("memory", "Memory store ready", map[string]interface{}{
		"backend":  backend,
		"embedder": embedder.ModelID(),
	})
	return store, nil
}

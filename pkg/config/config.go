package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

const (
	RelevantMemoryDiagnostic = "diagnostic"
	RelevantMemoryPrompt     = "prompt"
	RelevantMemoryOff        = "off"

	StageModeStructured = "structured"
	StageModeNumber     = "number"

	MemoryBackendInProcess = "inprocess"
	MemoryBackendSQLite    = "sqlite"
	MemoryBackendPostgres  = "postgres"

	EmbedderCharGram = "chargram"
	EmbedderHash     = "hash"
	EmbedderGenAI    = "genai"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Memory    MemoryConfig    `json:"memory"`
	Prompts   PromptsConfig   `json:"prompts"`
	Server    ServerConfig    `json:"server"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Provider           string `json:"provider" env:"COCOA_AGENT_PROVIDER"`
	Model              string `json:"model" env:"COCOA_AGENT_MODEL"`
	UseWindowedContext bool   `json:"use_windowed_context" env:"COCOA_AGENT_USE_WINDOWED_CONTEXT"`
	WindowTurns        int    `json:"window_turns" env:"COCOA_AGENT_WINDOW_TURNS"`
	RetrievalTopK      int    `json:"retrieval_top_k" env:"COCOA_AGENT_RETRIEVAL_TOP_K"`
	RelevantMemory     string `json:"relevant_memory" env:"COCOA_AGENT_RELEVANT_MEMORY"` // diagnostic | prompt | off
	StageMode          string `json:"stage_mode" env:"COCOA_AGENT_STAGE_MODE"`           // structured | number
	StepTimeoutSeconds int    `json:"step_timeout_seconds" env:"COCOA_AGENT_STEP_TIMEOUT_SECONDS"`
	TurnTimeoutSeconds int    `json:"turn_timeout_seconds" env:"COCOA_AGENT_TURN_TIMEOUT_SECONDS"`
}

type ProvidersConfig struct {
	OpenAI     OpenAIProviderConfig `json:"openai"`
	OpenRouter ProviderConfig       `json:"openrouter"`
	Gemini     GeminiProviderConfig `json:"gemini"`
}

type OpenAIProviderConfig struct {
	APIKey       string `json:"api_key" env:"COCOA_PROVIDERS_OPENAI_API_KEY"`
	APIKeyFile   string `json:"api_key_file,omitempty" env:"COCOA_PROVIDERS_OPENAI_API_KEY_FILE"`
	APIBase      string `json:"api_base" env:"COCOA_PROVIDERS_OPENAI_API_BASE"`
	Proxy        string `json:"proxy,omitempty" env:"COCOA_PROVIDERS_OPENAI_PROXY"`
	Organization string `json:"organization,omitempty" env:"COCOA_PROVIDERS_OPENAI_ORGANIZATION"`
	Project      string `json:"project,omitempty" env:"COCOA_PROVIDERS_OPENAI_PROJECT"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"COCOA_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"COCOA_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"COCOA_PROVIDERS_OPENROUTER_PROXY"`
}

type GeminiProviderConfig struct {
	APIKey  string `json:"api_key" env:"COCOA_PROVIDERS_GEMINI_API_KEY"`
	APIBase string `json:"api_base,omitempty" env:"COCOA_PROVIDERS_GEMINI_API_BASE"`
}

type MemoryConfig struct {
	Backend         string `json:"backend" env:"COCOA_MEMORY_BACKEND"` // inprocess | sqlite | postgres
	Path            string `json:"path" env:"COCOA_MEMORY_PATH"`
	DSN             string `json:"dsn,omitempty" env:"COCOA_MEMORY_DSN"`
	Embedder        string `json:"embedder" env:"COCOA_MEMORY_EMBEDDER"` // chargram | hash | genai
	EmbeddingModel  string `json:"embedding_model" env:"COCOA_MEMORY_EMBEDDING_MODEL"`
	EmbeddingAPIKey string `json:"embedding_api_key,omitempty" env:"COCOA_MEMORY_EMBEDDING_API_KEY"`
	EmbeddingDims   int    `json:"embedding_dims" env:"COCOA_MEMORY_EMBEDDING_DIMS"`
	ScopePerSession bool   `json:"scope_per_session" env:"COCOA_MEMORY_SCOPE_PER_SESSION"`
}

type PromptsConfig struct {
	CBTDocPath string `json:"cbt_doc_path" env:"COCOA_PROMPTS_CBT_DOC_PATH"`
}

type ServerConfig struct {
	Host      string `json:"host" env:"COCOA_SERVER_HOST"`
	Port      int    `json:"port" env:"COCOA_SERVER_PORT"`
	Streaming bool   `json:"streaming" env:"COCOA_SERVER_STREAMING"`

	// SessionIdleMinutes evicts sessions untouched for that long; 0 keeps them.
	SessionIdleMinutes int `json:"session_idle_minutes" env:"COCOA_SERVER_SESSION_IDLE_MINUTES"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:           "openai",
			Model:              "gpt-4o-mini",
			UseWindowedContext: true,
			WindowTurns:        3,
			RetrievalTopK:      5,
			RelevantMemory:     RelevantMemoryDiagnostic,
			StageMode:          StageModeStructured,
			StepTimeoutSeconds: 90,
			TurnTimeoutSeconds: 300,
		},
		Providers: ProvidersConfig{
			OpenAI:     OpenAIProviderConfig{},
			OpenRouter: ProviderConfig{},
			Gemini:     GeminiProviderConfig{},
		},
		Memory: MemoryConfig{
			Backend:         MemoryBackendInProcess,
			Path:            "~/.cocoa/memory.db",
			Embedder:        EmbedderCharGram,
			EmbeddingModel:  "gemini-embedding-001",
			EmbeddingDims:   384,
			ScopePerSession: true,
		},
		Prompts: PromptsConfig{},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			SessionIdleMinutes: 60,
		},
	}
}

// DefaultPath is ~/.cocoa/config.json.
func DefaultPath() string {
	return expandHome("~/.cocoa/config.json")
}

// LoadConfig reads path over the defaults and then applies COCOA_* env
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	cfg.applyVendorEnv()

	return cfg, nil
}

// applyVendorEnv fills empty credentials from the vendors' conventional
// variables (OPENAI_API_KEY and friends).
func (c *Config) applyVendorEnv() {
	if c.Providers.OpenAI.APIKey == "" && c.Providers.OpenAI.APIKeyFile == "" {
		c.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Providers.OpenRouter.APIKey == "" {
		c.Providers.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if c.Providers.Gemini.APIKey == "" {
		c.Providers.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Agent.WindowTurns < 1 {
		errs = append(errs, fmt.Errorf("agent.window_turns must be >= 1, got %d", c.Agent.WindowTurns))
	}
	if c.Agent.RetrievalTopK < 1 {
		errs = append(errs, fmt.Errorf("agent.retrieval_top_k must be >= 1, got %d", c.Agent.RetrievalTopK))
	}
	if c.Agent.StepTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("agent.step_timeout_seconds must be >= 1, got %d", c.Agent.StepTimeoutSeconds))
	}
	if c.Agent.TurnTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("agent.turn_timeout_seconds must be >= 1, got %d", c.Agent.TurnTimeoutSeconds))
	}
	if err := oneOf("agent.relevant_memory", c.Agent.RelevantMemory, RelevantMemoryDiagnostic, RelevantMemoryPrompt, RelevantMemoryOff); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("agent.stage_mode", c.Agent.StageMode, StageModeStructured, StageModeNumber); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("memory.backend", c.Memory.Backend, MemoryBackendInProcess, MemoryBackendSQLite, MemoryBackendPostgres); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("memory.embedder", c.Memory.Embedder, EmbedderCharGram, EmbedderHash, EmbedderGenAI); err != nil {
		errs = append(errs, err)
	}
	if c.Memory.Backend == MemoryBackendPostgres && strings.TrimSpace(c.Memory.DSN) == "" {
		errs = append(errs, fmt.Errorf("memory.dsn is required for the postgres backend"))
	}
	if c.Memory.EmbeddingDims < 1 {
		errs = append(errs, fmt.Errorf("memory.embedding_dims must be >= 1, got %d", c.Memory.EmbeddingDims))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.SessionIdleMinutes < 0 {
		errs = append(errs, fmt.Errorf("server.session_idle_minutes must be >= 0, got %d", c.Server.SessionIdleMinutes))
	}
	return errors.Join(errs...)
}

func (c *Config) MemoryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.Path)
}

func (c *Config) ServerAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestDefaultConfig_AgentDefaults verifies the pipeline defaults
func TestDefaultConfig_AgentDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Agent.UseWindowedContext {
		t.Error("windowed context should be enabled by default")
	}
	if cfg.Agent.WindowTurns != 3 {
		t.Errorf("WindowTurns = %d, want 3", cfg.Agent.WindowTurns)
	}
	if cfg.Agent.RetrievalTopK != 5 {
		t.Errorf("RetrievalTopK = %d, want 5", cfg.Agent.RetrievalTopK)
	}
	if cfg.Agent.RelevantMemory != RelevantMemoryDiagnostic {
		t.Errorf("RelevantMemory = %q", cfg.Agent.RelevantMemory)
	}
	if cfg.Agent.StageMode != StageModeStructured {
		t.Errorf("StageMode = %q", cfg.Agent.StageMode)
	}
}

// TestDefaultConfig_Valid verifies the defaults pass validation
func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.WindowTurns = 0
	cfg.Agent.RelevantMemory = "always"
	cfg.Memory.Backend = MemoryBackendPostgres
	cfg.Server.SessionIdleMinutes = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"agent.window_turns", "agent.relevant_memory", "memory.dsn", "server.session_idle_minutes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"agent": {"window_turns": 2, "stage_mode": "number"}, "providers": {"openai": {"api_key": "from-file"}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COCOA_PROVIDERS_OPENAI_API_KEY", "from-env")
	t.Setenv("COCOA_AGENT_RELEVANT_MEMORY", "prompt")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.WindowTurns != 2 {
		t.Errorf("WindowTurns = %d, want 2", cfg.Agent.WindowTurns)
	}
	if cfg.Agent.StageMode != StageModeNumber {
		t.Errorf("StageMode = %q", cfg.Agent.StageMode)
	}
	if cfg.Providers.OpenAI.APIKey != "from-env" {
		t.Errorf("env override not applied: %q", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Agent.RelevantMemory != RelevantMemoryPrompt {
		t.Errorf("RelevantMemory = %q", cfg.Agent.RelevantMemory)
	}
	if cfg.Agent.RetrievalTopK != 5 {
		t.Errorf("unset field lost its default: %d", cfg.Agent.RetrievalTopK)
	}
}

func TestLoadConfig_MalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Server.Streaming = true
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Server.Streaming {
		t.Error("streaming flag not persisted")
	}
}

func TestMemoryPath_ExpandsHome(t *testing.T) {
	cfg := DefaultConfig()
	if strings.HasPrefix(cfg.MemoryPath(), "~") {
		t.Errorf("home not expanded: %q", cfg.MemoryPath())
	}
}

func TestLoadConfig_VendorEnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-vendor")
	t.Setenv("COCOA_PROVIDERS_GEMINI_API_KEY", "gm-cocoa")
	t.Setenv("GEMINI_API_KEY", "gm-vendor")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-vendor" {
		t.Errorf("OpenAI key = %q", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Providers.Gemini.APIKey != "gm-cocoa" {
		t.Errorf("prefixed variable should win, got %q", cfg.Providers.Gemini.APIKey)
	}
}

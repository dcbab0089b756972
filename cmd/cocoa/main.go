// CoCoA - CBT counseling agent
// License: MIT
//
// Copyright (c) 2026 CoCoA contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/agent"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/config"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/memory"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/prompts"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "cocoa"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	// A .env next to the binary is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}

	err := executeCLI()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configPath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("COCOA_CONFIG")); p != "" {
		return p
	}
	return config.DefaultPath()
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runtimeDeps is everything a chat surface needs to process turns.
type runtimeDeps struct {
	processor *agent.Processor
	registry  *agent.Registry
	store     memory.Store
}

func (r *runtimeDeps) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtimeDeps, error) {
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return nil, err
	}
	llm, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	store, err := memory.NewStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	processor, err := agent.NewProcessor(llm, store, prompts.NewCatalog(cfg.Prompts.CBTDocPath), agent.OptionsFromConfig(cfg.Agent))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.InfoCF("cocoa", "Agent initialized", map[string]interface{}{
		"provider":       llm.Name(),
		"memory_backend": cfg.Memory.Backend,
		"embedder":       cfg.Memory.Embedder,
	})

	return &runtimeDeps{
		processor: processor,
		registry:  agent.NewRegistry(cfg.Memory.ScopePerSession),
		store:     store,
	}, nil
}

func statusCmd(w io.Writer, path string) error {
	path = configPath(path)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Fprintf(w, "%s Status\n", appName)
	fmt.Fprintf(w, "Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Fprintf(w, "Build: %s\n", build)
	}
	fmt.Fprintln(w)

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintln(w, "Config:", path, "✓")
	} else {
		fmt.Fprintln(w, "Config:", path, "not found (using defaults)")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(w, "Config valid: ✗", err)
	} else {
		fmt.Fprintln(w, "Config valid: ✓")
	}

	fmt.Fprintf(w, "Model: %s\n", cfg.Agent.Model)
	provider, configured, mode, err := providers.ProviderCredentialStatus(cfg)
	switch {
	case err != nil:
		fmt.Fprintln(w, "Provider:", err)
	case configured:
		fmt.Fprintf(w, "Provider: %s ✓ (%s)\n", provider, valueOr(mode, "configured"))
	default:
		fmt.Fprintf(w, "Provider: %s credentials not set\n", provider)
	}

	backend := cfg.Memory.Backend
	switch backend {
	case config.MemoryBackendSQLite:
		path := cfg.MemoryPath()
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintln(w, "Memory:", backend, path, "✓")
		} else {
			fmt.Fprintln(w, "Memory:", backend, path, "not initialized")
		}
	case config.MemoryBackendPostgres:
		fmt.Fprintln(w, "Memory:", backend, statusMark(strings.TrimSpace(cfg.Memory.DSN) != ""))
	default:
		fmt.Fprintln(w, "Memory:", backend)
	}
	fmt.Fprintf(w, "Embedder: %s\n", cfg.Memory.Embedder)
	fmt.Fprintf(w, "Server: %s (streaming %t)\n", cfg.ServerAddr(), cfg.Server.Streaming)
	return nil
}

func onboard(w io.Writer, path string, force bool) error {
	path = configPath(path)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(w, "%s is ready.\n\n", appName)
	fmt.Fprintln(w, "Config written to", path)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Set OPENAI_API_KEY (or edit providers.* in the config)")
	fmt.Fprintf(w, "  2. Chat: %s chat\n", appName)
	fmt.Fprintf(w, "  3. Serve: %s serve\n", appName)
	return nil
}

func statusMark(ok bool) string {
	if ok {
		return "✓"
	}
	return "not set"
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/config"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

func init() {
	RegisterFactory(ProviderGemini, newGeminiProviderFromConfig, validateGeminiConfig, geminiCredentialStatus)
}

func validateGeminiConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Providers.Gemini.APIKey) == "" {
		return fmt.Errorf("Gemini API key is required (set providers.gemini.api_key or COCOA_PROVIDERS_GEMINI_API_KEY)")
	}
	return nil
}

func geminiCredentialStatus(cfg *config.Config) (bool, string) {
	if cfg == nil || strings.TrimSpace(cfg.Providers.Gemini.APIKey) == "" {
		return false, ""
	}
	return true, authModeAPIKey
}

type geminiProvider struct {
	client *genai.Client
	model  string
}

func newGeminiProviderFromConfig(cfg *config.Config) (LanguageModel, error) {
	if err := validateGeminiConfig(cfg); err != nil {
		return nil, err
	}
	model := modelOrDefault(cfg, defaultGeminiModel)
	if strings.HasPrefix(model, "gpt-") {
		// agent.model still carries the OpenAI default.
		model = defaultGeminiModel
	}
	client, err := NewGenAIClient(context.Background(), cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.APIBase)
	if err != nil {
		return nil, err
	}
	return &geminiProvider{client: client, model: model}, nil
}

// NewGenAIClient builds a Gemini API client. apiBase overrides the service
// endpoint and is empty in production.
func NewGenAIClient(ctx context.Context, apiKey, apiBase string) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(apiBase); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

func (p *geminiProvider) Name() string { return ProviderGemini + "/" + p.model }

func (p *geminiProvider) config() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)}
}

func (p *geminiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), p.config())
	if err != nil {
		return "", p.wrap(ctx, err)
	}
	return resp.Text(), nil
}

func (p *geminiProvider) CompleteStructured(ctx context.Context, prompt string, schema Schema) ([]byte, error) {
	cfg := p.config()
	cfg.ResponseMIMEType = "application/json"
	cfg.ResponseSchema = genaiSchema(schema)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), cfg)
	if err != nil {
		return nil, p.wrap(ctx, err)
	}
	content := strings.TrimSpace(resp.Text())
	if !isJSONObject(content) {
		return nil, fmt.Errorf("%w: gemini returned %q for %s", ErrSchemaMismatch, truncate(content, 200), schema.Name)
	}
	return []byte(content), nil
}

func (p *geminiProvider) StreamComplete(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return singleUse(func(yield func(string, error) bool) {
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, genai.Text(prompt), p.config()) {
			if err != nil {
				yield("", p.wrap(ctx, err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	})
}

func (p *geminiProvider) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("gemini request: %w", ctxErr)
	}
	return fmt.Errorf("%w: gemini request failed: %s", ErrBackendUnavailable, augmentProviderError(ProviderGemini, err.Error()))
}

func genaiSchema(s Schema) *genai.Schema {
	props := make(map[string]*genai.Schema, len(s.Fields))
	required := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		t := genai.TypeString
		if f.Type == FieldInteger {
			t = genai.TypeInteger
		}
		props[f.Name] = &genai.Schema{Type: t, Description: f.Description}
		required = append(required, f.Name)
	}
	return &genai.Schema{
		Type:             genai.TypeObject,
		Properties:       props,
		Required:         required,
		PropertyOrdering: required,
	}
}

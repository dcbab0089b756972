package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 300 * time.Second
	maxSSELineBytes    = 1024 * 1024
)

type chatCompletionsProvider struct {
	providerName string
	apiBase      string
	model        string
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newChatCompletionsProvider(providerName, apiBase, model, proxy string, auth AuthStrategy, extraHeaders map[string]string) (*chatCompletionsProvider, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("%s model is required", providerName)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &chatCompletionsProvider{
		providerName: providerName,
		apiBase:      apiBase,
		model:        model,
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

func (p *chatCompletionsProvider) Name() string {
	if p == nil {
		return ""
	}
	return p.providerName + "/" + p.model
}

func (p *chatCompletionsProvider) requestBody(prompt string) map[string]interface{} {
	return map[string]interface{}{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0,
	}
}

func (p *chatCompletionsProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("provider not initialized")
	}
	msg, err := p.call(ctx, p.requestBody(prompt))
	if err != nil {
		return "", err
	}
	return flattenMessageContent(msg.Content), nil
}

func (p *chatCompletionsProvider) CompleteStructured(ctx context.Context, prompt string, schema Schema) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("provider not initialized")
	}
	body := p.requestBody(prompt)
	body["response_format"] = map[string]interface{}{
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   schema.Name,
			"strict": true,
			"schema": schema.JSONSchema(),
		},
	}
	msg, err := p.call(ctx, body)
	if err != nil {
		return nil, err
	}
	if refusal := strings.TrimSpace(msg.Refusal); refusal != "" {
		return nil, fmt.Errorf("%w: %s refused: %s", ErrSchemaMismatch, p.providerName, refusal)
	}
	content := strings.TrimSpace(flattenMessageContent(msg.Content))
	if !isJSONObject(content) {
		return nil, fmt.Errorf("%w: %s returned %q for %s", ErrSchemaMismatch, p.providerName, truncate(content, 200), schema.Name)
	}
	return []byte(content), nil
}

func (p *chatCompletionsProvider) StreamComplete(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return singleUse(func(yield func(string, error) bool) {
		if p == nil {
			yield("", fmt.Errorf("provider not initialized"))
			return
		}
		body := p.requestBody(prompt)
		body["stream"] = true

		resp, err := p.send(ctx, body)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
				Error *struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("%w: decode %s stream chunk: %w", ErrBackendUnavailable, p.providerName, err))
				return
			}
			if chunk.Error != nil {
				yield("", fmt.Errorf("%w: %s stream error: %s", ErrBackendUnavailable, p.providerName, augmentProviderError(p.providerName, chunk.Error.Message)))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield("", ctxErr)
				return
			}
			yield("", fmt.Errorf("%w: read %s stream: %w", ErrBackendUnavailable, p.providerName, err))
		}
	})
}

type chatMessage struct {
	Content interface{} `json:"content"`
	Refusal string      `json:"refusal"`
}

func (p *chatCompletionsProvider) call(ctx context.Context, requestBody map[string]interface{}) (*chatMessage, error) {
	resp, err := p.send(ctx, requestBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", ErrBackendUnavailable, p.providerName, err)
	}

	msg, err := parseChatCompletionsResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s response: %w", ErrBackendUnavailable, p.providerName, err)
	}
	return msg, nil
}

// send posts to /chat/completions and returns the response when its status is 2xx.
func (p *chatCompletionsProvider) send(ctx context.Context, requestBody map[string]interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.providerName, err)
	}

	endpoint := p.apiBase + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.providerName, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if stream, _ := requestBody["stream"].(bool); stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if err := p.auth.Apply(ctx, req); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", p.providerName, err)
	}
	for name, value := range p.extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("send %s request: %w", p.providerName, err)
		}
		return nil, fmt.Errorf("%w: send %s request: %w", ErrBackendUnavailable, p.providerName, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := augmentProviderError(p.providerName, extractAPIError(body))
		return nil, fmt.Errorf("%w: %s API request failed: status=%d error=%s", ErrBackendUnavailable, p.providerName, resp.StatusCode, msg)
	}
	return resp, nil
}

func parseChatCompletionsResponse(body []byte) (*chatMessage, error) {
	var apiResponse struct {
		Choices []struct {
			Message      chatMessage `json:"message"`
			FinishReason string      `json:"finish_reason"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, err
	}

	if len(apiResponse.Choices) == 0 {
		return &chatMessage{}, nil
	}
	return &apiResponse.Choices[0].Message, nil
}

func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	return truncate(trimmed, 2000)
}

func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &obj) == nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

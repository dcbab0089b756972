package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)

	switch providerName {
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key (providers.openai.api_key or COCOA_PROVIDERS_OPENAI_API_KEY)."
		}
		if strings.Contains(lower, "response_format") || strings.Contains(lower, "json_schema") {
			return msg + " Hint: structured output needs a model that supports json_schema response formats, such as gpt-4o-mini."
		}
	case ProviderOpenRouter:
		if strings.Contains(lower, "no endpoints found") {
			return msg + " Hint: the selected OpenRouter model has no provider supporting this request; structured output needs a model with json_schema support."
		}
	case ProviderGemini:
		if strings.Contains(lower, "api key not valid") {
			return msg + " Hint: set providers.gemini.api_key or COCOA_PROVIDERS_GEMINI_API_KEY to a Gemini API key."
		}
	}

	return msg
}

package usage

import "strings"

// ProviderUnknown is the bucket for models whose provider cannot be derived.
const ProviderUnknown = "unknown"

var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"chatgpt", "openai"},
	{"text-embedding", "openai"},
	{"dall-e", "openai"},
	{"whisper", "openai"},
	{"claude", "anthropic"},
	{"gemini", "google"},
	{"gemma", "google"},
	{"mistral", "mistral"},
	{"mixtral", "mistral"},
	{"llama", "meta"},
	{"command", "cohere"},
	{"grok", "xai"},
	{"deepseek", "deepseek"},
	{"qwen", "alibaba"},
}

// ProviderForModel derives a provider slug from a model name. Names follow
// the "provider/model" convention when routed explicitly; bare names fall
// back to well-known prefixes.
func ProviderForModel(model string) string {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" {
		return ProviderUnknown
	}
	if idx := strings.Index(name, "/"); idx > 0 {
		return name[:idx]
	}
	for _, entry := range providerPrefixes {
		if strings.HasPrefix(name, entry.prefix) {
			return entry.provider
		}
	}
	return ProviderUnknown
}

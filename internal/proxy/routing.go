package proxy

import (
	"github.com/nulpointcorp/relaycore/internal/providers"
)

// resolveProvider returns the provider name for the given chat/completion model.
// Falls back to "anthropic" if the model is unknown, matching SRR's default
// service family (spec.md §4.2).
func resolveProvider(model string) string {
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "anthropic"
}

// resolveEmbeddingProvider returns the provider name for the given embedding model.
// It checks EmbeddingModelAliases first, then ModelAliases for provider detection,
// and falls back to "anthropic".
func resolveEmbeddingProvider(model string) string {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	// A user might pass a chat model name; resolve to its provider so it can
	// attempt the embedding call (the provider API will return a clear error).
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "anthropic"
}

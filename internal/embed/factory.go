package embed

import (
	"fmt"
	"net/http"

	"github.com/openclaw-labs/memory-index/internal/config"
)

// providerDefaults carries the per-family base URL, auth header, default
// model, and default dimensionality used when config omits them.
type providerDefaults struct {
	baseURL      string
	authHeader   string
	defaultModel string
	defaultDims  int
}

var knownProviders = map[ProviderID]providerDefaults{
	ProviderOpenAI: {baseURL: "https://api.openai.com/v1", authHeader: "Authorization", defaultModel: "text-embedding-3-small", defaultDims: 1536},
	ProviderGemini: {baseURL: "https://generativelanguage.googleapis.com/v1beta", authHeader: "x-goog-api-key", defaultModel: "text-embedding-004", defaultDims: 768},
	ProviderVoyage: {baseURL: "https://api.voyageai.com/v1", authHeader: "Authorization", defaultModel: "voyage-3", defaultDims: 1024},
}

// NewProvider constructs the EmbeddingProvider named by cfg.Provider.
// Remote families need an API key and an HTTP transport; transport may be
// nil for ProviderLocal. Passing a non-nil transport lets callers supply a
// fake Doer in tests so no network call ever actually happens.
func NewProvider(cfg config.EmbeddingsConfig, apiKey string, transport HTTPDoer) (EmbeddingProvider, error) {
	id := ProviderID(cfg.Provider)

	if id == ProviderLocal || id == "" {
		return NewLocalProvider(cfg.Dimensions), nil
	}

	defaults, ok := knownProviders[id]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	model := cfg.Model
	if model == "" {
		model = defaults.defaultModel
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaults.defaultDims
	}
	if transport == nil {
		transport = http.DefaultClient
	}

	authValue := apiKey
	if id == ProviderOpenAI || id == ProviderVoyage {
		authValue = "Bearer " + apiKey
	}

	return newRemoteProvider(id, defaults.baseURL, model, dims, defaults.authHeader, authValue, transport), nil
}

// FallbackModel returns the default model for provider id when a fallback
// activation needs to construct a provider without a user-specified model,
// per §4.2's "appropriate default model per provider family".
func FallbackModel(id ProviderID) string {
	if d, ok := knownProviders[id]; ok {
		return d.defaultModel
	}
	return ""
}

// IsKnownProvider reports whether id names a provider family this factory
// can construct.
func IsKnownProvider(id ProviderID) bool {
	if id == ProviderLocal {
		return true
	}
	_, ok := knownProviders[id]
	return ok
}

// Package servicerate implements the Service Rate Registry (SRR): a
// provider→multiplier table converting real USD cost into the relay's
// internal "consumption credit" unit, held as an in-process snapshot.
//
// Provider inference for CC/SRR call sites that only have a model name
// (not an already-resolved account) reuses the teacher's exact-match
// ModelAliases table first, then falls back to a substring keyword table,
// with "claude" as the final default per spec.md §4.2.
package servicerate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/relaycore/internal/providers"
)

const cacheTTL = 60 * time.Second

// Rates is the {baseService, rates: map<provider, positiveFloat>} record.
type Rates struct {
	BaseService string
	Rates       map[string]float64
}

// Registry holds the current Rates snapshot. Nothing in this package reloads
// it: the snapshot changes only when Update is called, and Fresh reports
// whether that happened within the last 60s. Update publishes the new Rates
// under a write lock, so readers never see a partially-written table.
type Registry struct {
	mu        sync.RWMutex
	rates     Rates
	loadedAt  time.Time
	defaultRate float64
}

// New creates a Registry seeded with an initial Rates snapshot. defaultRate
// is used for any provider with no explicit entry (must be > 0).
func New(initial Rates, defaultRate float64) (*Registry, error) {
	if defaultRate <= 0 {
		return nil, fmt.Errorf("servicerate: defaultRate must be positive, got %v", defaultRate)
	}
	if err := validate(initial); err != nil {
		return nil, err
	}
	return &Registry{rates: initial, loadedAt: time.Now(), defaultRate: defaultRate}, nil
}

func validate(r Rates) error {
	for provider, rate := range r.Rates {
		if rate <= 0 || !isFinite(rate) {
			return fmt.Errorf("servicerate: rate for %q must be a finite positive number, got %v", provider, rate)
		}
	}
	return nil
}

func isFinite(f float64) bool {
	return f == f && f+1 != f // excludes NaN and ±Inf
}

// Update replaces the current snapshot. Safe for concurrent use; readers
// never observe a partially-written table.
func (r *Registry) Update(next Rates) error {
	if err := validate(next); err != nil {
		return err
	}
	r.mu.Lock()
	r.rates = next
	r.loadedAt = time.Now()
	r.mu.Unlock()
	return nil
}

// Fresh reports whether the snapshot is within the 60s cache window. The
// registry still serves correct (if stale) data past that window — this is
// a diagnostic signal, not a correctness gate.
func (r *Registry) Fresh() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Since(r.loadedAt) <= cacheTTL
}

// Rate returns the multiplier for provider, falling back to defaultRate.
func (r *Registry) Rate(provider string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.rates.Rates[provider]; ok {
		return v
	}
	return r.defaultRate
}

// ConvertToCredits implements `convertToCredits(costUsd, provider)`.
func (r *Registry) ConvertToCredits(costUSD float64, provider string) float64 {
	return costUSD * r.Rate(provider)
}

// keywordTable is the substring-based fallback inference list, used only
// when a model name has no exact ModelAliases entry. Order matters: the
// first matching keyword wins.
var keywordTable = []struct {
	keyword  string
	provider string
}{
	{"claude", "anthropic"},
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"gemini", "gemini"},
	{"gemma", "gemini"},
	{"mistral", "mistral"},
	{"mixtral", "mistral"},
	{"codestral", "mistral"},
	{"pixtral", "mistral"},
	{"ministral", "mistral"},
	{"grok", "xai"},
	{"deepseek", "deepseek"},
	{"llama", "groq"},
	{"qwen", "qwen"},
	{"qwq", "qwen"},
	{"doubao", "bytedance"},
	{"glm", "zai"},
	{"kimi", "moonshot"},
	{"moonshot", "moonshot"},
	{"minimax", "minimax"},
	{"abab", "minimax"},
	{"sonar", "perplexity"},
	{"nanogpt", "nanogpt"},
}

// InferProvider resolves a provider family for model, first via the exact
// ModelAliases table, then via substring keyword matching, defaulting to
// "anthropic" (the "claude" family) when nothing matches.
func InferProvider(model string) string {
	if p, ok := providers.ModelAliases[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	for _, kw := range keywordTable {
		if strings.Contains(lower, kw.keyword) {
			return kw.provider
		}
	}
	return "anthropic"
}

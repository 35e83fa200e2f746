// Package providercfg implements the provider config registry (C2): the
// per-provider model catalog, feature matrix, canonical overrides, and the
// cheapest/fastest/smartest/balanced selection strategies.
package providercfg

import (
	"sort"
	"sync"

	"github.com/aigateway/core/internal/gatewayerr"
)

// ProviderType is drawn from a closed set; canonical overrides pin the
// well-known provider ids to their authoritative type.
type ProviderType string

const (
	ProviderOpenAI           ProviderType = "openai"
	ProviderAnthropic        ProviderType = "anthropic"
	ProviderGoogle           ProviderType = "google"
	ProviderOpenAICompatible ProviderType = "openai-compatible"
)

// Capability is a declared feature of a model.
type Capability string

const (
	CapChat            Capability = "chat"
	CapVision          Capability = "vision"
	CapAudio           Capability = "audio"
	CapFunctionCalling Capability = "function_calling"
	CapJSONMode        Capability = "json_mode"
	CapReasoning       Capability = "reasoning"
	CapStreaming       Capability = "streaming"
	CapImageGeneration Capability = "image_generation"
	CapCode            Capability = "code"
)

// TaskType hints the kind of work a request is performing, used to bias
// the balanced scoring strategy.
type TaskType string

const (
	TaskCode      TaskType = "code"
	TaskReasoning TaskType = "reasoning"
	TaskAnalysis  TaskType = "analysis"
	TaskCreative  TaskType = "creative"
	TaskChat      TaskType = "chat"
)

// FeatureMatrix records provider-level (not model-level) feature support.
type FeatureMatrix struct {
	Streaming     bool `json:"streaming"`
	ToolUse       bool `json:"toolUse"`
	Vision        bool `json:"vision"`
	JSONMode      bool `json:"jsonMode"`
	SystemMessage bool `json:"systemMessage"`
}

// ModelConfig describes a single model offered by a provider.
type ModelConfig struct {
	ID              string       `json:"id"`
	DisplayName     string       `json:"displayName"`
	ContextWindow   int          `json:"contextWindow"`
	MaxOutputTokens int          `json:"maxOutputTokens"`
	InputPrice      float64      `json:"inputPrice"`
	OutputPrice     float64      `json:"outputPrice"`
	Capabilities    []Capability `json:"capabilities"`
	Default         bool         `json:"default"`
	ReleaseDate     string       `json:"releaseDate,omitempty"`
	Aliases         []string     `json:"aliases,omitempty"`
	Deprecated      bool         `json:"deprecated"`
}

func (m ModelConfig) hasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (m ModelConfig) hasCapabilities(required []Capability) bool {
	for _, c := range required {
		if !m.hasCapability(c) {
			return false
		}
	}
	return true
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Type        ProviderType  `json:"type"`
	BaseURL     string        `json:"baseUrl"`
	APIKeyEnv   string        `json:"apiKeyEnv"`
	ResolvedKey string        `json:"-"`
	Features    FeatureMatrix `json:"features"`
	Models      []ModelConfig `json:"models"`
}

// normalizeDefaults enforces the invariant that exactly one model may carry
// the default flag: when multiple are marked, only the first in declared
// order retains it.
func (p *ProviderConfig) normalizeDefaults() {
	seen := false
	for i := range p.Models {
		if !p.Models[i].Default {
			continue
		}
		if seen {
			p.Models[i].Default = false
			continue
		}
		seen = true
	}
}

// DefaultModelID returns the provider's default model id: the one marked
// default if exactly one is, otherwise the first model in declared order.
func (p *ProviderConfig) DefaultModelID() (string, error) {
	if len(p.Models) == 0 {
		return "", gatewayerr.Validation("provider %q has no models", p.ID)
	}
	for _, m := range p.Models {
		if m.Default {
			return m.ID, nil
		}
	}
	return p.Models[0].ID, nil
}

// canonicalOverride captures the authoritative type/baseURL/apiKeyEnv triple
// for a well-known provider id (§6.2 of the gateway's external interfaces).
// On every load, the canonical record wins over both stored and synced
// values to prevent a misconfigured sync from pointing a known provider at
// the wrong wire format.
type canonicalOverride struct {
	Type      ProviderType
	BaseURL   string
	APIKeyEnv string
}

// CanonicalOverrides is the hardcoded provider override table.
var CanonicalOverrides = map[string]canonicalOverride{
	"openai":        {ProviderOpenAI, "https://api.openai.com/v1", "OPENAI_API_KEY"},
	"anthropic":     {ProviderAnthropic, "https://api.anthropic.com/v1", "ANTHROPIC_API_KEY"},
	"google":        {ProviderGoogle, "https://generativelanguage.googleapis.com/v1beta", "GOOGLE_GENERATIVE_AI_API_KEY"},
	"groq":          {ProviderOpenAICompatible, "https://api.groq.com/openai/v1", "GROQ_API_KEY"},
	"mistral":       {ProviderOpenAICompatible, "https://api.mistral.ai/v1", "MISTRAL_API_KEY"},
	"cohere":        {ProviderOpenAICompatible, "https://api.cohere.ai/compatibility/v1", "COHERE_API_KEY"},
	"openrouter":    {ProviderOpenAICompatible, "https://openrouter.ai/api/v1", "OPENROUTER_API_KEY"},
	"togetherai":    {ProviderOpenAICompatible, "https://api.together.xyz/v1", "TOGETHER_API_KEY"},
	"fireworks-ai":  {ProviderOpenAICompatible, "https://api.fireworks.ai/inference/v1", "FIREWORKS_API_KEY"},
	"perplexity":    {ProviderOpenAICompatible, "https://api.perplexity.ai", "PERPLEXITY_API_KEY"},
	"deepinfra":     {ProviderOpenAICompatible, "https://api.deepinfra.com/v1/openai", "DEEPINFRA_API_KEY"},
	"xai":           {ProviderOpenAICompatible, "https://api.x.ai/v1", "XAI_API_KEY"},
	"moonshotai":    {ProviderOpenAICompatible, "https://api.moonshot.ai/v1", "MOONSHOT_API_KEY"},
	"alibaba":       {ProviderOpenAICompatible, "https://dashscope.aliyuncs.com/compatible-mode/v1", "DASHSCOPE_API_KEY"},
	"nvidia":        {ProviderOpenAICompatible, "https://integrate.api.nvidia.com/v1", "NVIDIA_API_KEY"},
	"vultr":         {ProviderOpenAICompatible, "https://api.vultrinference.com/v1", "VULTR_API_KEY"},
	"github-models": {ProviderOpenAICompatible, "https://models.inference.ai.azure.com", "GITHUB_TOKEN"},
	"huggingface":   {ProviderOpenAICompatible, "https://api-inference.huggingface.co/v1", "HUGGINGFACE_API_KEY"},
}

// applyCanonicalOverride mutates p in place when id has a canonical entry.
func applyCanonicalOverride(p *ProviderConfig) {
	co, ok := CanonicalOverrides[p.ID]
	if !ok {
		return
	}
	p.Type = co.Type
	p.BaseURL = co.BaseURL
	p.APIKeyEnv = co.APIKeyEnv
}

// EnvLookup abstracts environment variable lookup so tests can inject a
// fake environment without mutating process state.
type EnvLookup func(name string) (string, bool)

// Registry is the process-wide provider config registry. It is load-once,
// read-mostly: LoadProviders atomically replaces the readable snapshot, and
// ClearCache drops it for tests and hot reload.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*ProviderConfig
	lookupEnv EnvLookup
}

// NewRegistry constructs an empty Registry using the given environment
// lookup function for resolving API keys.
func NewRegistry(lookupEnv EnvLookup) *Registry {
	return &Registry{providers: make(map[string]*ProviderConfig), lookupEnv: lookupEnv}
}

// LoadProviders replaces the registry's snapshot with the given configs,
// applying canonical overrides and default-flag normalization, then
// resolving each provider's API key from the environment.
func (r *Registry) LoadProviders(configs []*ProviderConfig) {
	next := make(map[string]*ProviderConfig, len(configs))
	for _, p := range configs {
		if p == nil || p.ID == "" {
			continue
		}
		applyCanonicalOverride(p)
		p.normalizeDefaults()
		if key, ok := r.lookupEnv(p.APIKeyEnv); ok {
			p.ResolvedKey = key
		}
		next[p.ID] = p
	}
	r.mu.Lock()
	r.providers = next
	r.mu.Unlock()
}

// ClearCache drops the current snapshot, forcing the next LoadProviders
// call to start from an empty registry. Tests use this to isolate runs.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.providers = make(map[string]*ProviderConfig)
	r.mu.Unlock()
}

// List returns every configured provider that has a resolved API key,
// in unspecified order.
func (r *Registry) List() []*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProviderConfig, 0, len(r.providers))
	for _, p := range r.providers {
		if p.ResolvedKey != "" {
			out = append(out, p)
		}
	}
	return out
}

// Get looks up a provider by id regardless of key presence.
func (r *Registry) Get(id string) (*ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// SelectionCriteria filters and biases model selection.
type SelectionCriteria struct {
	RequiredCapabilities []Capability
	PreferredProviders   []string
	ExcludedProviders    []string
	MaxInputPrice        *float64
	MaxOutputPrice       *float64
	MinContextWindow     int
	TaskType             TaskType
}

func (c SelectionCriteria) isExcluded(providerID string) bool {
	for _, id := range c.ExcludedProviders {
		if id == providerID {
			return true
		}
	}
	return false
}

// ModelMatch pairs a provider id with one of its models.
type ModelMatch struct {
	ProviderID string
	Model      ModelConfig
}

// FindModels returns every non-deprecated model across all ready providers
// that survives the capability, price, and context filters in criteria.
// An empty required-capability set never filters out a model on capability
// grounds.
func (r *Registry) FindModels(criteria SelectionCriteria) []ModelMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelMatch
	for _, p := range r.providers {
		if p.ResolvedKey == "" || criteria.isExcluded(p.ID) {
			continue
		}
		for _, m := range p.Models {
			if m.Deprecated {
				continue
			}
			if !m.hasCapabilities(criteria.RequiredCapabilities) {
				continue
			}
			if criteria.MaxInputPrice != nil && m.InputPrice > *criteria.MaxInputPrice {
				continue
			}
			if criteria.MaxOutputPrice != nil && m.OutputPrice > *criteria.MaxOutputPrice {
				continue
			}
			if criteria.MinContextWindow > 0 && m.ContextWindow < criteria.MinContextWindow {
				continue
			}
			out = append(out, ModelMatch{ProviderID: p.ID, Model: m})
		}
	}
	return out
}

func preferenceBonus(providerID string, preferred []string) int {
	for i, id := range preferred {
		if id == providerID {
			rank := len(preferred) - i
			return 20 * rank
		}
	}
	return 0
}

func taskBonus(m ModelConfig, task TaskType) int {
	switch task {
	case TaskCode:
		if m.hasCapability(CapCode) {
			return 15
		}
	case TaskReasoning:
		if m.hasCapability(CapReasoning) {
			return 20
		}
	case TaskAnalysis:
		switch {
		case m.hasCapability(CapVision):
			return 10
		case m.hasCapability(CapReasoning):
			return 15
		default:
			return 5
		}
	case TaskCreative:
		if m.ContextWindow > 100_000 {
			return 10
		}
		return 5
	case TaskChat:
		if m.hasCapability(CapChat) {
			return 5
		}
	}
	return 0
}

// score implements the balanced/best scoring function from §4.2.
func score(m ModelMatch, criteria SelectionCriteria) int {
	s := 10 * len(criteria.RequiredCapabilities)
	s += preferenceBonus(m.ProviderID, criteria.PreferredProviders)
	s += taskBonus(m.Model, criteria.TaskType)
	if m.Model.Default {
		s += 5
	}
	avgPrice := (m.Model.InputPrice + m.Model.OutputPrice) / 2
	priceScore := 20 - avgPrice
	if priceScore < 0 {
		priceScore = 0
	}
	s += int(priceScore)
	return s
}

// SelectBest implements the balanced strategy: score every surviving
// model, sort by descending score with ties broken by insertion order
// (stable sort), and return the top entry.
func (r *Registry) SelectBest(criteria SelectionCriteria) (ModelMatch, error) {
	matches := r.FindModels(criteria)
	if len(matches) == 0 {
		return ModelMatch{}, gatewayerr.Validation("no models match the given criteria")
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return score(matches[i], criteria) > score(matches[j], criteria)
	})
	return matches[0], nil
}

// SelectCheapest sorts all capability-filtered models by
// (inputPrice + outputPrice) ascending and returns the cheapest.
func (r *Registry) SelectCheapest(criteria SelectionCriteria) (ModelMatch, error) {
	matches := r.FindModels(criteria)
	if len(matches) == 0 {
		return ModelMatch{}, gatewayerr.Validation("no models match the given criteria")
	}
	sort.SliceStable(matches, func(i, j int) bool {
		ci := matches[i].Model.InputPrice + matches[i].Model.OutputPrice
		cj := matches[j].Model.InputPrice + matches[j].Model.OutputPrice
		return ci < cj
	})
	return matches[0], nil
}

// fastestPreferredOrder favors LPU/burst inference backends.
var fastestPreferredOrder = []string{"groq", "fireworks-ai", "togetherai", "deepseek"}

// SelectFastest runs SelectBest with a hardcoded preferred-providers order
// favoring low-latency inference backends.
func (r *Registry) SelectFastest(criteria SelectionCriteria) (ModelMatch, error) {
	criteria.PreferredProviders = fastestPreferredOrder
	return r.SelectBest(criteria)
}

var smartestPreferredWithReasoning = []string{"anthropic", "openai", "deepseek"}
var smartestPreferredWithoutReasoning = []string{"anthropic", "openai", "google"}

// SelectSmartest first tries SelectBest with "reasoning" added to the
// required capabilities and a high-quality preferred-providers order; on a
// miss it retries without the reasoning requirement against a broader
// preferred order.
func (r *Registry) SelectSmartest(criteria SelectionCriteria) (ModelMatch, error) {
	withReasoning := criteria
	withReasoning.RequiredCapabilities = append(append([]Capability{}, criteria.RequiredCapabilities...), CapReasoning)
	withReasoning.PreferredProviders = smartestPreferredWithReasoning
	if m, err := r.SelectBest(withReasoning); err == nil {
		return m, nil
	}
	fallback := criteria
	fallback.PreferredProviders = smartestPreferredWithoutReasoning
	return r.SelectBest(fallback)
}

// envLookupFromMap builds an EnvLookup backed by a static map, used by
// tests to avoid touching process environment variables.
func envLookupFromMap(m map[string]string) EnvLookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

package providercfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, env map[string]string) *Registry {
	t.Helper()
	return NewRegistry(envLookupFromMap(env))
}

func TestCanonicalOverrideWinsOverStoredValues(t *testing.T) {
	r := testRegistry(t, map[string]string{"OPENAI_API_KEY": "sk-test"})
	r.LoadProviders([]*ProviderConfig{
		{
			ID:        "openai",
			Name:      "OpenAI",
			Type:      ProviderOpenAICompatible,
			BaseURL:   "https://example.invalid",
			APIKeyEnv: "WRONG_ENV",
			Models:    []ModelConfig{{ID: "gpt-4o", Default: true}},
		},
	})
	p, ok := r.Get("openai")
	require.True(t, ok)
	assert.Equal(t, ProviderOpenAI, p.Type)
	assert.Equal(t, "https://api.openai.com/v1", p.BaseURL)
	assert.Equal(t, "sk-test", p.ResolvedKey)
}

func TestNormalizeDefaultsKeepsFirstOnly(t *testing.T) {
	p := &ProviderConfig{
		ID: "x",
		Models: []ModelConfig{
			{ID: "a", Default: true},
			{ID: "b", Default: true},
			{ID: "c"},
		},
	}
	p.normalizeDefaults()
	assert.True(t, p.Models[0].Default)
	assert.False(t, p.Models[1].Default)

	id, err := p.DefaultModelID()
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestDefaultModelIDFallsBackToFirst(t *testing.T) {
	p := &ProviderConfig{ID: "x", Models: []ModelConfig{{ID: "only"}}}
	id, err := p.DefaultModelID()
	require.NoError(t, err)
	assert.Equal(t, "only", id)
}

func providersForSelection() []*ProviderConfig {
	return []*ProviderConfig{
		{
			ID: "openai", APIKeyEnv: "OPENAI_API_KEY",
			Models: []ModelConfig{
				{ID: "gpt-4o-mini", InputPrice: 0.15, OutputPrice: 0.6, ContextWindow: 128000,
					Capabilities: []Capability{CapChat, CapFunctionCalling}, Default: true},
				{ID: "gpt-4o", InputPrice: 2.5, OutputPrice: 10, ContextWindow: 128000,
					Capabilities: []Capability{CapChat, CapFunctionCalling, CapVision, CapReasoning}},
			},
		},
		{
			ID: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY",
			Models: []ModelConfig{
				{ID: "claude-haiku", InputPrice: 0.25, OutputPrice: 1.25, ContextWindow: 200000,
					Capabilities: []Capability{CapChat}},
				{ID: "claude-opus", InputPrice: 15, OutputPrice: 75, ContextWindow: 200000,
					Capabilities: []Capability{CapChat, CapReasoning, CapVision}},
			},
		},
		{
			ID: "groq", APIKeyEnv: "GROQ_API_KEY",
			Models: []ModelConfig{
				{ID: "llama-3.1-70b", InputPrice: 0.59, OutputPrice: 0.79, ContextWindow: 128000,
					Capabilities: []Capability{CapChat}},
			},
		},
	}
}

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := testRegistry(t, map[string]string{
		"OPENAI_API_KEY":    "k1",
		"ANTHROPIC_API_KEY": "k2",
		"GROQ_API_KEY":      "k3",
	})
	r.LoadProviders(providersForSelection())
	return r
}

func TestFindModelsAppliesFilters(t *testing.T) {
	r := loadedRegistry(t)
	maxIn := 1.0
	matches := r.FindModels(SelectionCriteria{MaxInputPrice: &maxIn})
	for _, m := range matches {
		assert.LessOrEqual(t, m.Model.InputPrice, maxIn)
	}
	assert.NotEmpty(t, matches)
}

func TestSelectCheapestPicksLowestCombinedPrice(t *testing.T) {
	r := loadedRegistry(t)
	m, err := r.SelectCheapest(SelectionCriteria{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", m.Model.ID)
}

func TestSelectFastestPrefersGroq(t *testing.T) {
	r := loadedRegistry(t)
	m, err := r.SelectFastest(SelectionCriteria{})
	require.NoError(t, err)
	assert.Equal(t, "groq", m.ProviderID)
}

func TestSelectSmartestPrefersReasoningCapableAnthropic(t *testing.T) {
	r := loadedRegistry(t)
	m, err := r.SelectSmartest(SelectionCriteria{})
	require.NoError(t, err)
	assert.True(t, m.Model.hasCapability(CapReasoning))
	assert.Equal(t, "anthropic", m.ProviderID)
}

func TestSelectBestNoMatchReturnsValidationError(t *testing.T) {
	r := loadedRegistry(t)
	max := 0.0001
	_, err := r.SelectBest(SelectionCriteria{MaxInputPrice: &max})
	require.Error(t, err)
}

func TestClearCacheEmptiesRegistry(t *testing.T) {
	r := loadedRegistry(t)
	r.ClearCache()
	assert.Empty(t, r.List())
}

func TestExcludedProviderIsFilteredOut(t *testing.T) {
	r := loadedRegistry(t)
	matches := r.FindModels(SelectionCriteria{ExcludedProviders: []string{"openai", "anthropic"}})
	for _, m := range matches {
		assert.Equal(t, "groq", m.ProviderID)
	}
}

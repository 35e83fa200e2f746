package fallback_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/core/internal/clientfake"
	"github.com/aigateway/core/internal/fallback"
	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/providercfg"
	"github.com/aigateway/core/internal/provmodel"
	"github.com/aigateway/core/internal/router"
)

// newRouterWithFakes wires clientfake.Adapter instances directly into a router,
// exercising the router and fallback wrapper together the way cmd/gateway
// wires the real provider adapters.
func newRouterWithFakes(t *testing.T, fakes map[string]*clientfake.Adapter) *router.Router {
	t.Helper()
	reg := providercfg.NewRegistry(func(string) (string, bool) { return "key", true })
	var configs []*providercfg.ProviderConfig
	for id := range fakes {
		configs = append(configs, &providercfg.ProviderConfig{
			ID: id, Type: providercfg.ProviderOpenAICompatible, APIKeyEnv: "ANY",
			Models: []providercfg.ModelConfig{{ID: "m", Default: true}},
		})
	}
	reg.LoadProviders(configs)
	return router.New(reg, map[providercfg.ProviderType]router.AdapterFactory{
		providercfg.ProviderOpenAICompatible: func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
			return fakes[p.ID], nil
		},
	})
}

func TestFallbackThroughRouterSwitchesProviderOnRetryableError(t *testing.T) {
	primary := clientfake.New("primary")
	primary.QueueComplete(clientfake.CompleteResult{Err: gatewayerr.Internal("upstream 500")})
	secondary := clientfake.New("secondary")
	secondary.QueueComplete(clientfake.CompleteResult{Response: &provmodel.CompletionResponse{Content: "from secondary"}})

	r := newRouterWithFakes(t, map[string]*clientfake.Adapter{"primary": primary, "secondary": secondary})
	w := fallback.New(r, fallback.Hooks{}, fallback.Options{})

	resp, err := w.Complete(context.Background(), []fallback.Candidate{
		{ProviderID: "primary", ModelID: "m"},
		{ProviderID: "secondary", ModelID: "m"},
	}, provmodel.CompletionRequest{})

	require.NoError(t, err)
	assert.Equal(t, "from secondary", resp.Content)
	assert.Equal(t, 1, primary.CallCount())
	assert.Equal(t, 1, secondary.CallCount())
}

func TestFallbackThroughRouterSkipsUnreadyCandidate(t *testing.T) {
	primary := clientfake.New("primary")
	primary.SetReady(false)
	secondary := clientfake.New("secondary")
	secondary.QueueComplete(clientfake.CompleteResult{Response: &provmodel.CompletionResponse{Content: "ok"}})

	r := newRouterWithFakes(t, map[string]*clientfake.Adapter{"primary": primary, "secondary": secondary})
	w := fallback.New(r, fallback.Hooks{}, fallback.Options{})

	resp, err := w.Complete(context.Background(), []fallback.Candidate{
		{ProviderID: "primary", ModelID: "m"},
		{ProviderID: "secondary", ModelID: "m"},
	}, provmodel.CompletionRequest{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 0, primary.CallCount())
}

func TestCancelAllForwardsThroughRouterToEveryAdapter(t *testing.T) {
	primary := clientfake.New("primary")
	secondary := clientfake.New("secondary")
	r := newRouterWithFakes(t, map[string]*clientfake.Adapter{"primary": primary, "secondary": secondary})

	// force both adapters to be constructed before Cancel is forwarded
	require.True(t, r.IsReady("primary"))
	require.True(t, r.IsReady("secondary"))

	w := fallback.New(r, fallback.Hooks{}, fallback.Options{})
	w.Cancel()

	assert.True(t, primary.Cancelled())
	assert.True(t, secondary.Cancelled())
}

package router

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/core/internal/providercfg"
	"github.com/aigateway/core/internal/provmodel"
)

type fakeAdapter struct {
	id string
}

func (f *fakeAdapter) ID() string   { return f.id }
func (f *fakeAdapter) Ready() bool  { return true }
func (f *fakeAdapter) Models() []string { return []string{"fake-model"} }
func (f *fakeAdapter) CountTokens(msgs []provmodel.Message) int { return provmodel.CountTokens(msgs) }
func (f *fakeAdapter) Cancel()      {}
func (f *fakeAdapter) Complete(ctx context.Context, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	return &provmodel.CompletionResponse{Content: "ok from " + f.id, Model: req.Model}, nil
}
func (f *fakeAdapter) Stream(ctx context.Context, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	return &fakeStreamer{done: false}, nil
}

type fakeStreamer struct{ done bool }

func (s *fakeStreamer) Recv() (provmodel.StreamChunk, error) {
	if s.done {
		return provmodel.StreamChunk{}, nil
	}
	s.done = true
	return provmodel.StreamChunk{ContentDelta: "hi", Done: true}, nil
}
func (s *fakeStreamer) Close() error { return nil }

func testRegistry(t *testing.T) *providercfg.Registry {
	t.Helper()
	r := providercfg.NewRegistry(func(name string) (string, bool) { return "key", true })
	r.LoadProviders([]*providercfg.ProviderConfig{
		{
			ID: "fakeprov", Type: providercfg.ProviderOpenAICompatible, APIKeyEnv: "ANY",
			Models: []providercfg.ModelConfig{{ID: "fake-model", InputPrice: 1, OutputPrice: 2, Default: true}},
		},
	})
	return r
}

func TestGetAdapterConstructsOnce(t *testing.T) {
	var calls int32
	factory := func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
		atomic.AddInt32(&calls, 1)
		return &fakeAdapter{id: p.ID}, nil
	}
	r := New(testRegistry(t), map[providercfg.ProviderType]AdapterFactory{
		providercfg.ProviderOpenAICompatible: factory,
	})

	a1, err := r.getAdapter("fakeprov")
	require.NoError(t, err)
	a2, err := r.getAdapter("fakeprov")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCompleteWithStampsRoutingInfo(t *testing.T) {
	factory := func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
		return &fakeAdapter{id: p.ID}, nil
	}
	r := New(testRegistry(t), map[providercfg.ProviderType]AdapterFactory{
		providercfg.ProviderOpenAICompatible: factory,
	})
	resp, err := r.CompleteWith(context.Background(), "fakeprov", "fake-model", provmodel.CompletionRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp.RoutingInfo)
	assert.Equal(t, "fakeprov", resp.RoutingInfo.ProviderID)
	assert.Equal(t, "fake-model", resp.RoutingInfo.ModelID)
}

func TestStreamWithStampsRoutingInfoOnFirstChunkOnly(t *testing.T) {
	factory := func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
		return &fakeAdapter{id: p.ID}, nil
	}
	r := New(testRegistry(t), map[providercfg.ProviderType]AdapterFactory{
		providercfg.ProviderOpenAICompatible: factory,
	})
	s, err := r.StreamWith(context.Background(), "fakeprov", "fake-model", provmodel.CompletionRequest{})
	require.NoError(t, err)
	chunk, err := s.Recv()
	require.NoError(t, err)
	require.NotNil(t, chunk.RoutingInfo)
	assert.Equal(t, "fakeprov", chunk.RoutingInfo.ProviderID)
	chunk2, err := s.Recv()
	require.NoError(t, err)
	assert.Nil(t, chunk2.RoutingInfo)
}

func TestUnknownProviderIsValidationError(t *testing.T) {
	r := New(testRegistry(t), map[providercfg.ProviderType]AdapterFactory{})
	_, err := r.CompleteWith(context.Background(), "missing", "m", provmodel.CompletionRequest{})
	require.Error(t, err)
}

func TestEstimateCost(t *testing.T) {
	model := providercfg.ModelConfig{InputPrice: 2, OutputPrice: 4}
	cost := EstimateCost(model, 1_000_000, 500_000)
	assert.InDelta(t, 2+2, cost, 0.0001)
}

func TestClearCacheForcesReconstruction(t *testing.T) {
	var calls int32
	factory := func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
		atomic.AddInt32(&calls, 1)
		return &fakeAdapter{id: p.ID}, nil
	}
	r := New(testRegistry(t), map[providercfg.ProviderType]AdapterFactory{
		providercfg.ProviderOpenAICompatible: factory,
	})
	_, _ = r.getAdapter("fakeprov")
	r.ClearCache()
	_, _ = r.getAdapter("fakeprov")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

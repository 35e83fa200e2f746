package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/provmodel"
)

func TestObserveSuccessProbesUpward(t *testing.T) {
	l := New(1000, 2000)
	start := l.CurrentTPM()
	l.Observe(nil)
	assert.Greater(t, l.CurrentTPM(), start)
}

func TestObserveRateLimitedBacksOff(t *testing.T) {
	l := New(1000, 2000)
	l.Observe(gatewayerr.Internal("upstream 429 rate limit exceeded"))
	assert.Less(t, l.CurrentTPM(), 1000.0)
}

func TestObserveClampsToMinAndMax(t *testing.T) {
	l := New(10, 20)
	for i := 0; i < 50; i++ {
		l.Observe(gatewayerr.Internal("429 rate limit"))
	}
	assert.GreaterOrEqual(t, l.CurrentTPM(), l.minTPM)

	l2 := New(10, 20)
	for i := 0; i < 50; i++ {
		l2.Observe(nil)
	}
	assert.LessOrEqual(t, l2.CurrentTPM(), 20.0)
}

func TestEstimateTokensUsesCharacterHeuristic(t *testing.T) {
	req := provmodel.CompletionRequest{Messages: []provmodel.Message{{Content: "123456789"}}}
	assert.Equal(t, 503, estimateTokens(req))
}

func TestRegistryReusesLimiterPerProvider(t *testing.T) {
	r := NewRegistry(1000, 2000)
	a := r.Get("openai")
	b := r.Get("openai")
	c := r.Get("anthropic")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

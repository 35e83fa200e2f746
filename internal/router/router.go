// Package router implements the model/provider selection layer (C4): given
// selection criteria it picks a provider and model via the configured
// registry strategies, lazily constructs and caches the matching adapter,
// and dispatches completion/streaming calls to it.
package router

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/providercfg"
	"github.com/aigateway/core/internal/provmodel"
)

var tracer = otel.Tracer("github.com/aigateway/core/internal/router")

// AdapterFactory constructs an Adapter for the given provider config. The
// router holds one factory per provider type (openai-compatible, anthropic,
// google); it never imports a concrete provider package directly so that
// provider wiring stays the caller's responsibility.
type AdapterFactory func(p *providercfg.ProviderConfig) (provmodel.Adapter, error)

// Router selects a provider/model per request and caches constructed
// adapters per provider id, using double-checked locking (read fast path,
// write slow path) since adapter construction happens at most once per
// provider until ClearCache drops the cache.
type Router struct {
	registry *providercfg.Registry
	factory  map[providercfg.ProviderType]AdapterFactory

	// requiredCapabilities are merged into every SelectProvider call's
	// criteria, deduplicated against whatever the caller already supplied.
	requiredCapabilities []providercfg.Capability

	mu       sync.RWMutex
	adapters map[string]provmodel.Adapter
}

// New constructs a Router against registry, using factories to build
// adapters on demand for each provider type.
func New(registry *providercfg.Registry, factories map[providercfg.ProviderType]AdapterFactory) *Router {
	return &Router{
		registry: registry,
		factory:  factories,
		adapters: make(map[string]provmodel.Adapter),
	}
}

// SetRequiredCapabilities installs the router's own config-level capability
// requirements, merged into every SelectProvider call alongside whatever
// capabilities the caller's criteria supplies.
func (r *Router) SetRequiredCapabilities(caps []providercfg.Capability) {
	r.requiredCapabilities = caps
}

// mergeCapabilities unions a and b, deduplicated, preserving a's order
// first.
func mergeCapabilities(a, b []providercfg.Capability) []providercfg.Capability {
	if len(a) == 0 {
		return b
	}
	seen := make(map[providercfg.Capability]struct{}, len(a)+len(b))
	out := make([]providercfg.Capability, 0, len(a)+len(b))
	for _, c := range append(append([]providercfg.Capability{}, a...), b...) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// getAdapter returns the cached adapter for providerID, constructing it on
// first use.
func (r *Router) getAdapter(providerID string) (provmodel.Adapter, error) {
	r.mu.RLock()
	if a, ok := r.adapters[providerID]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[providerID]; ok {
		return a, nil
	}

	p, ok := r.registry.Get(providerID)
	if !ok {
		return nil, gatewayerr.Validation("unknown provider %q", providerID)
	}
	factory, ok := r.factory[p.Type]
	if !ok {
		return nil, gatewayerr.Validation("no adapter factory registered for provider type %q", p.Type)
	}
	adapter, err := factory(p)
	if err != nil {
		return nil, gatewayerr.InternalWrap(err, "construct adapter for provider %q", providerID)
	}
	r.adapters[providerID] = adapter
	return adapter, nil
}

// SelectionMode names one of the registry's four selection strategies.
type SelectionMode string

const (
	SelectBalanced SelectionMode = "balanced"
	SelectCheapest SelectionMode = "cheapest"
	SelectFastest  SelectionMode = "fastest"
	SelectSmartest SelectionMode = "smartest"
)

// SelectProvider resolves criteria to a concrete provider/model pair via
// the requested strategy.
func (r *Router) SelectProvider(mode SelectionMode, criteria providercfg.SelectionCriteria) (providercfg.ModelMatch, error) {
	criteria.RequiredCapabilities = mergeCapabilities(r.requiredCapabilities, criteria.RequiredCapabilities)
	switch mode {
	case SelectCheapest:
		return r.registry.SelectCheapest(criteria)
	case SelectFastest:
		return r.registry.SelectFastest(criteria)
	case SelectSmartest:
		return r.registry.SelectSmartest(criteria)
	default:
		return r.registry.SelectBest(criteria)
	}
}

func startSpan(ctx context.Context, op, providerID, modelID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "router."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.provider_id", providerID),
			attribute.String("gateway.model_id", modelID),
		),
	)
}

// Complete resolves a provider/model for req, routes the request to that
// provider's adapter, and stamps the response's RoutingInfo.
func (r *Router) Complete(ctx context.Context, mode SelectionMode, criteria providercfg.SelectionCriteria, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	match, err := r.SelectProvider(mode, criteria)
	if err != nil {
		return nil, err
	}
	return r.CompleteWith(ctx, match.ProviderID, match.Model.ID, req)
}

// CompleteWith dispatches req to a specific, already-known provider/model.
func (r *Router) CompleteWith(ctx context.Context, providerID, modelID string, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	adapter, err := r.getAdapter(providerID)
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "complete", providerID, modelID)
	defer span.End()

	if req.Model == "" {
		req.Model = modelID
	}
	resp, err := adapter.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	resp.RoutingInfo = &provmodel.RoutingInfo{ProviderID: providerID, ModelID: modelID}
	return resp, nil
}

// Stream resolves a provider/model for req and routes the streaming
// request to that provider's adapter.
func (r *Router) Stream(ctx context.Context, mode SelectionMode, criteria providercfg.SelectionCriteria, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	match, err := r.SelectProvider(mode, criteria)
	if err != nil {
		return nil, err
	}
	return r.StreamWith(ctx, match.ProviderID, match.Model.ID, req)
}

// StreamWith dispatches a streaming req to a specific provider/model.
func (r *Router) StreamWith(ctx context.Context, providerID, modelID string, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	adapter, err := r.getAdapter(providerID)
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "stream", providerID, modelID)
	if req.Model == "" {
		req.Model = modelID
	}
	s, err := adapter.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}
	return &routingStreamer{Streamer: s, span: span, providerID: providerID, modelID: modelID, first: true}, nil
}

// routingStreamer wraps a provmodel.Streamer to stamp RoutingInfo on the
// first chunk only and end the tracing span when the stream closes.
type routingStreamer struct {
	provmodel.Streamer
	span               trace.Span
	providerID, modelID string
	first              bool
}

func (s *routingStreamer) Recv() (provmodel.StreamChunk, error) {
	chunk, err := s.Streamer.Recv()
	if err != nil {
		s.span.RecordError(err)
		return chunk, err
	}
	if s.first {
		chunk.RoutingInfo = &provmodel.RoutingInfo{ProviderID: s.providerID, ModelID: s.modelID}
		s.first = false
	}
	return chunk, nil
}

func (s *routingStreamer) Close() error {
	s.span.End()
	return s.Streamer.Close()
}

// IsReady reports whether providerID's adapter is constructible and ready.
// A provider with no config or a construction failure is reported unready
// rather than propagating the error, since fallback candidate filtering has
// no error channel.
func (r *Router) IsReady(providerID string) bool {
	a, err := r.getAdapter(providerID)
	if err != nil {
		return false
	}
	return a.Ready()
}

// CancelAll forwards Cancel to every adapter constructed so far.
func (r *Router) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		a.Cancel()
	}
}

// EstimateCost estimates the USD cost of a completion given the model's
// published per-million-token prices and the caller-supplied prompt and
// completion token counts. It counts no tokens itself.
func EstimateCost(model providercfg.ModelConfig, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1_000_000*model.InputPrice + float64(completionTokens)/1_000_000*model.OutputPrice
}

// ClearCache drops every cached adapter, forcing reconstruction on next use.
// Intended for tests and config hot-reload.
func (r *Router) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = make(map[string]provmodel.Adapter)
}

// GetModels returns a deduplicated "providerID/modelID" entry for every
// configured model of every registry provider with a resolved API key.
// Adapters, cached or not, are not consulted.
func (r *Router) GetModels() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, p := range r.registry.List() {
		for _, m := range p.Models {
			add(fmt.Sprintf("%s/%s", p.ID, m.ID))
		}
	}
	return out
}

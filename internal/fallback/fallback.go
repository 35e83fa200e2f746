// Package fallback implements the cross-provider retry wrapper (C5): given
// an ordered candidate list it tries each ready, circuit-closed provider in
// turn for non-streaming completions, and applies a streaming variant that
// never retries once any chunk has reached the caller.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aigateway/core/internal/clock"
	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/provmodel"
)

// Candidate names one provider/model pair in priority order.
type Candidate struct {
	ProviderID string
	ModelID    string
}

// Dispatcher is the narrow surface fallback needs from the router: complete
// and stream against a specific, already-known provider/model, report
// adapter readiness, and forward cancellation.
type Dispatcher interface {
	CompleteWith(ctx context.Context, providerID, modelID string, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error)
	StreamWith(ctx context.Context, providerID, modelID string, req provmodel.CompletionRequest) (provmodel.Streamer, error)
	IsReady(providerID string) bool
	CancelAll()
}

// Hooks are optional observers invoked during fallback handling.
type Hooks struct {
	// OnFallback fires once per provider switch, before the next candidate
	// is attempted.
	OnFallback func(from, to Candidate, err error)

	// OnRetryAttempt fires before every attempt, including the first,
	// carrying a 1-based attempt number.
	OnRetryAttempt func(attempt int, c Candidate)
}

// Wrapper applies fallback and circuit-breaking across an ordered candidate
// list.
type Wrapper struct {
	dispatcher Dispatcher
	breakers   *breakerRegistry
	hooks      Hooks
}

// Options configures a Wrapper's circuit breaker thresholds.
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	Clock            clock.Clock
}

// New constructs a Wrapper. Zero-valued Options get reasonable defaults: 5
// consecutive failures opens the breaker, 60s cooldown before a half-open
// trial.
func New(dispatcher Dispatcher, hooks Hooks, opts Options) *Wrapper {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Wrapper{
		dispatcher: dispatcher,
		breakers:   newBreakerRegistry(opts.Clock, opts.FailureThreshold, opts.Cooldown),
		hooks:      hooks,
	}
}

func (w *Wrapper) eligible(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if !w.dispatcher.IsReady(c.ProviderID) {
			continue
		}
		if !w.breakers.get(c.ProviderID).allow() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Complete tries each eligible candidate in order, forward-only: once a
// candidate fails it is never retried in this call. A successful response
// short-circuits the remaining candidates.
func (w *Wrapper) Complete(ctx context.Context, candidates []Candidate, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	eligible := w.eligible(candidates)
	if len(eligible) == 0 {
		return nil, gatewayerr.Validation("no ready, circuit-closed provider available")
	}
	var lastErr error
	for i, c := range eligible {
		if w.hooks.OnRetryAttempt != nil {
			w.hooks.OnRetryAttempt(i+1, c)
		}
		resp, err := w.dispatcher.CompleteWith(ctx, c.ProviderID, c.ModelID, req)
		breaker := w.breakers.get(c.ProviderID)
		if err == nil {
			breaker.recordSuccess()
			return resp, nil
		}
		if gatewayerr.TripsCircuit(err) {
			breaker.recordFailure()
		}
		lastErr = err
		if !gatewayerr.Retryable(err) {
			return nil, err
		}
		if i+1 < len(eligible) && w.hooks.OnFallback != nil {
			w.hooks.OnFallback(c, eligible[i+1], err)
		}
	}
	return nil, exhausted(len(eligible), lastErr)
}

// exhausted wraps the last error from a fully-exhausted candidate list with
// the mandatory summary message, keeping lastErr's own Kind (so Retryable
// and TripsCircuit still classify correctly) and preserving it in the error
// chain via Unwrap.
func exhausted(attempts int, lastErr error) error {
	kind := gatewayerr.KindInternal
	var e *gatewayerr.Error
	if errors.As(lastErr, &e) {
		kind = e.Kind
	}
	return gatewayerr.Wrap(kind, fmt.Sprintf("All providers failed after %d attempts: %v", attempts, lastErr), lastErr)
}

// fallbackStreamer yields the terminal error chunk produced when a
// mid-stream failure cannot be retried because output has already reached
// the caller.
type fallbackStreamer struct {
	inner    provmodel.Streamer
	sentAny  bool
	terminal *provmodel.StreamChunk
	done     bool
}

func (s *fallbackStreamer) Recv() (provmodel.StreamChunk, error) {
	if s.terminal != nil {
		if s.done {
			return provmodel.StreamChunk{}, nil
		}
		s.done = true
		return *s.terminal, nil
	}
	chunk, err := s.inner.Recv()
	if err == nil {
		if chunk.ContentDelta != "" || chunk.ToolCallDelta != nil {
			s.sentAny = true
		}
		return chunk, nil
	}
	if !s.sentAny {
		return provmodel.StreamChunk{}, err
	}
	// A hard rule: once any chunk has reached the caller, the stream never
	// retries a different provider. It instead terminates with a visible
	// error chunk so the caller can tell the output is incomplete.
	s.terminal = &provmodel.StreamChunk{
		Done:         true,
		FinishReason: provmodel.FinishError,
		ContentDelta: fmt.Sprintf("Stream interrupted after partial data: %v", err),
	}
	s.done = true
	return *s.terminal, nil
}

func (s *fallbackStreamer) Close() error { return s.inner.Close() }

// Stream tries each eligible candidate in order until one starts streaming
// without error. Once a candidate has yielded at least one content or
// tool-call chunk, a later error on that same stream is never retried
// against the next candidate; it surfaces as a terminal error chunk
// instead. An error from Recv before any content or tool-call chunk is
// returned to the caller as is; it is not retried against the next
// candidate either.
func (w *Wrapper) Stream(ctx context.Context, candidates []Candidate, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	eligible := w.eligible(candidates)
	if len(eligible) == 0 {
		return nil, gatewayerr.Validation("no ready, circuit-closed provider available")
	}
	var lastErr error
	for i, c := range eligible {
		if w.hooks.OnRetryAttempt != nil {
			w.hooks.OnRetryAttempt(i+1, c)
		}
		s, err := w.dispatcher.StreamWith(ctx, c.ProviderID, c.ModelID, req)
		breaker := w.breakers.get(c.ProviderID)
		if err == nil {
			breaker.recordSuccess()
			return &fallbackStreamer{inner: s}, nil
		}
		if gatewayerr.TripsCircuit(err) {
			breaker.recordFailure()
		}
		lastErr = err
		if !gatewayerr.Retryable(err) {
			return nil, err
		}
		if i+1 < len(eligible) && w.hooks.OnFallback != nil {
			w.hooks.OnFallback(c, eligible[i+1], err)
		}
	}
	return nil, exhausted(len(eligible), lastErr)
}

// CountTokens applies the shared provmodel.CountTokens heuristic directly;
// neither the candidates nor their adapters are consulted.
func (w *Wrapper) CountTokens(ctx context.Context, candidates []Candidate, msgs []provmodel.Message) int {
	return provmodel.CountTokens(msgs)
}

// Cancel forwards cancellation to every adapter the dispatcher knows about.
func (w *Wrapper) Cancel() {
	w.dispatcher.CancelAll()
}

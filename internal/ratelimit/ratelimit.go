// Package ratelimit implements a per-provider AIMD-style adaptive token
// bucket sitting in front of a provmodel.Adapter. It estimates the token
// cost of a request, blocks until budget is available, and halves its
// effective tokens-per-minute budget on a rate-limited response while
// slowly probing back up on success. Grounded on
// features/model/middleware.AdaptiveRateLimiter; the cluster-coordinated
// variant built on goa.design/pulse/rmap is dropped, since distributed
// rate-limit coordination across processes is out of scope here and every
// gateway instance owns its own provider connections.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/provmodel"
)

// Limiter applies an adaptive tokens-per-minute budget to a single
// provider's traffic.
type Limiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// New constructs a Limiter with an initial tokens-per-minute budget and an
// upper bound. maxTPM is clamped up to initialTPM when smaller. A
// non-positive initialTPM defaults to a conservative 60000 TPM.
func New(initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wait blocks until enough budget is available for req's estimated token
// cost, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, req provmodel.CompletionRequest) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

// Observe adjusts the effective budget based on the outcome of a call
// gated by Wait: a rate-limited error backs off, success or any other
// retryable error probes the budget back toward its ceiling, and a
// non-retryable error leaves the budget unchanged.
func (l *Limiter) Observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if isRateLimited(err) {
		l.backoff()
		return
	}
	if gatewayerr.Retryable(err) {
		l.probe()
	}
}

// isRateLimited reports whether err's message indicates an upstream 429,
// the one InternalError variant the limiter reacts to by backing off
// rather than probing.
func isRateLimited(err error) bool {
	var e *gatewayerr.Error
	if !errors.As(err, &e) {
		return false
	}
	lower := strings.ToLower(e.Message)
	return strings.Contains(lower, "429") || strings.Contains(lower, "rate limit")
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *Limiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM must be called with mu held.
func (l *Limiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// budget.
func (l *Limiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens computes a cheap heuristic for the request's token cost:
// total text character count over 3, plus a fixed 500-token buffer for
// system prompts and provider framing. This ratio is more conservative
// than provmodel.CountTokens, which divides by 4.
func estimateTokens(req provmodel.CompletionRequest) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
		for _, p := range m.Parts {
			if tp, ok := p.(provmodel.TextPart); ok {
				charCount += len(tp.Text)
			}
		}
	}
	tokens := charCount/3 + 500
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// Registry holds one Limiter per provider id, created lazily with shared
// defaults.
type Registry struct {
	mu         sync.Mutex
	initialTPM float64
	maxTPM     float64
	limiters   map[string]*Limiter
}

// NewRegistry constructs a Registry whose lazily created Limiters share the
// given initial/max tokens-per-minute budget.
func NewRegistry(initialTPM, maxTPM float64) *Registry {
	return &Registry{initialTPM: initialTPM, maxTPM: maxTPM, limiters: make(map[string]*Limiter)}
}

// Get returns the Limiter for providerID, constructing it on first use.
func (r *Registry) Get(providerID string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[providerID]
	if !ok {
		l = New(r.initialTPM, r.maxTPM)
		r.limiters[providerID] = l
	}
	return l
}

// Package clientfake provides a configurable fake provmodel.Adapter for
// tests that exercise the router and fallback wrapper together, without
// reaching a real provider. Grounded on the local fakeAdapter/fakeStreamer
// pair in internal/router's tests, generalized into a reusable fake that
// can script per-call responses and simulate mid-stream failures.
package clientfake

import (
	"context"
	"sync"

	"github.com/aigateway/core/internal/provmodel"
)

// Adapter is a scriptable fake provmodel.Adapter. Complete and Stream pop
// one entry off their respective queues per call; an empty queue falls
// back to a single default successful response so simple tests need no
// setup at all.
type Adapter struct {
	mu sync.Mutex

	id     string
	models []string
	ready  bool

	completeResults []CompleteResult
	streamResults   []StreamResult

	callCount int
	cancelled bool
}

// CompleteResult scripts one Complete call's outcome.
type CompleteResult struct {
	Response *provmodel.CompletionResponse
	Err      error
}

// StreamResult scripts one Stream call's outcome: either an error starting
// the stream, or a fixed sequence of chunks followed by either a terminal
// error or a clean Done chunk.
type StreamResult struct {
	Chunks  []provmodel.StreamChunk
	StartErr error
	RecvErr  error
}

// New constructs a ready, ID-stamped fake adapter with no scripted
// responses; Complete and Stream return innocuous defaults until
// QueueComplete/QueueStream are called.
func New(id string, models ...string) *Adapter {
	return &Adapter{id: id, models: models, ready: true}
}

// SetReady controls what Ready reports, for exercising fallback's
// readiness-based candidate filtering.
func (a *Adapter) SetReady(ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = ready
}

// QueueComplete appends a scripted Complete outcome.
func (a *Adapter) QueueComplete(r CompleteResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completeResults = append(a.completeResults, r)
}

// QueueStream appends a scripted Stream outcome.
func (a *Adapter) QueueStream(r StreamResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streamResults = append(a.streamResults, r)
}

// CallCount reports how many times Complete or Stream has been invoked.
func (a *Adapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callCount
}

// Cancelled reports whether Cancel has been called.
func (a *Adapter) Cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

func (a *Adapter) ID() string  { return a.id }
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}
func (a *Adapter) Models() []string { return a.models }
func (a *Adapter) CountTokens(msgs []provmodel.Message) int { return provmodel.CountTokens(msgs) }
func (a *Adapter) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
}

// Complete pops the next scripted CompleteResult, or returns a default
// successful response stamped with the provider id if none is queued.
func (a *Adapter) Complete(ctx context.Context, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	a.mu.Lock()
	a.callCount++
	if len(a.completeResults) == 0 {
		a.mu.Unlock()
		return &provmodel.CompletionResponse{Content: "fake response from " + a.id, Model: req.Model}, nil
	}
	r := a.completeResults[0]
	a.completeResults = a.completeResults[1:]
	a.mu.Unlock()
	return r.Response, r.Err
}

// Stream pops the next scripted StreamResult, or yields a single "done"
// chunk if none is queued.
func (a *Adapter) Stream(ctx context.Context, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	a.mu.Lock()
	a.callCount++
	if len(a.streamResults) == 0 {
		a.mu.Unlock()
		return &streamer{chunks: []provmodel.StreamChunk{{ContentDelta: "fake chunk", Done: true}}}, nil
	}
	r := a.streamResults[0]
	a.streamResults = a.streamResults[1:]
	a.mu.Unlock()
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	return &streamer{chunks: r.Chunks, recvErr: r.RecvErr}, nil
}

// streamer replays a fixed chunk sequence, then either returns recvErr or
// a clean Done chunk.
type streamer struct {
	chunks  []provmodel.StreamChunk
	recvErr error
	idx     int
	closed  bool
}

func (s *streamer) Recv() (provmodel.StreamChunk, error) {
	if s.idx < len(s.chunks) {
		c := s.chunks[s.idx]
		s.idx++
		return c, nil
	}
	if s.recvErr != nil {
		err := s.recvErr
		s.recvErr = nil
		return provmodel.StreamChunk{}, err
	}
	return provmodel.StreamChunk{Done: true}, nil
}

func (s *streamer) Close() error {
	s.closed = true
	return nil
}

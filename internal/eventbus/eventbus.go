// Package eventbus implements the pub/sub event bus (C6): exact-type,
// glob-pattern, and firehose subscriptions, plus a sequential hook-tap
// sub-bus used for before/after interception. Fan-out and idempotent
// unsubscribe are grounded on runtime/agent/hooks.Bus; pattern matching over
// dotted event-type segments has no teacher precedent and is hand-built
// here using path.Match-style glob semantics.
package eventbus

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"
)

// Event is the shape published and delivered by the bus.
type Event struct {
	Type      string
	Category  string
	Timestamp time.Time
	Source    string
	Data      any
}

// Handler reacts to a delivered Event.
type Handler func(ctx context.Context, evt Event)

// Subscription is returned by every subscribe call; closing it unregisters
// the handler. Close is idempotent.
type Subscription interface {
	Close()
}

type subscription struct {
	bus  *Bus
	kind subKind
	key  string
	once sync.Once
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

type subKind int

const (
	kindExact subKind = iota
	kindPattern
	kindAll
	kindPrefix
)

// maxPatternLength and maxPatternSegments bound a subscription pattern to
// keep glob matching cheap and prevent pathological patterns.
const (
	maxPatternLength   = 100
	maxPatternSegments = 6
)

// Bus is a thread-safe, in-process event bus with four subscription
// modes: exact type match, dot-segment glob pattern match, literal type
// prefix match (OnAny), and a firehose that receives every event
// regardless of type.
type Bus struct {
	mu       sync.RWMutex
	exact    map[string]map[*subscription]Handler
	patterns map[*subscription]patternEntry
	all      map[*subscription]Handler
	prefixes map[*subscription]prefixEntry
}

type patternEntry struct {
	pattern string
	handler Handler
}

type prefixEntry struct {
	prefix  string
	handler Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		exact:    make(map[string]map[*subscription]Handler),
		patterns: make(map[*subscription]patternEntry),
		all:      make(map[*subscription]Handler),
		prefixes: make(map[*subscription]prefixEntry),
	}
}

// On subscribes handler to events whose Type exactly equals eventType.
func (b *Bus) On(eventType string, handler Handler) Subscription {
	sub := &subscription{bus: b, kind: kindExact, key: eventType}
	b.mu.Lock()
	if b.exact[eventType] == nil {
		b.exact[eventType] = make(map[*subscription]Handler)
	}
	b.exact[eventType][sub] = handler
	b.mu.Unlock()
	return sub
}

// ValidatePattern reports whether pattern is an acceptable subscription
// pattern: non-empty, at most maxPatternLength characters, at most
// maxPatternSegments dot-separated segments, and built only from
// alphanumerics, '.', '*', '-', and '_'.
func ValidatePattern(pattern string) bool {
	ok, _ := ValidatePatternReason(pattern)
	return ok
}

// ValidatePatternReason is ValidatePattern plus the literal rejection reason
// callers surface back to the client in event:subscribed's error field.
func ValidatePatternReason(pattern string) (ok bool, reason string) {
	if pattern == "" {
		return false, "Pattern must not be empty"
	}
	if len(pattern) > maxPatternLength {
		return false, "Pattern too long (max 100 characters)"
	}
	segments := strings.Split(pattern, ".")
	if len(segments) > maxPatternSegments {
		return false, "Pattern has too many segments (max 6)"
	}
	for _, r := range pattern {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '*', r == '-', r == '_':
		default:
			return false, "Pattern contains invalid characters"
		}
	}
	return true, ""
}

// OnPattern subscribes handler to every event whose Type matches pattern
// under path.Match-style glob semantics applied to the dot-joined type
// string (so "chat.*" matches "chat.start" but not "chat.start.delta").
// Returns ok=false without subscribing when pattern fails ValidatePattern.
func (b *Bus) OnPattern(pattern string, handler Handler) (Subscription, bool) {
	if !ValidatePattern(pattern) {
		return nil, false
	}
	sub := &subscription{bus: b, kind: kindPattern, key: pattern}
	b.mu.Lock()
	b.patterns[sub] = patternEntry{pattern: pattern, handler: handler}
	b.mu.Unlock()
	return sub, true
}

// OnAll subscribes handler to every event published on the bus, regardless
// of type (the firehose).
func (b *Bus) OnAll(handler Handler) Subscription {
	sub := &subscription{bus: b, kind: kindAll}
	b.mu.Lock()
	b.all[sub] = handler
	b.mu.Unlock()
	return sub
}

// OnAny subscribes handler to every event whose Type begins with prefix, a
// second firehose mode distinct from OnAll: OnAll ignores Type entirely,
// OnAny still filters by a literal string prefix rather than a dot-segment
// glob (so "chat" matches "chat.start" and "chatroom.join" alike).
func (b *Bus) OnAny(prefix string, handler Handler) Subscription {
	sub := &subscription{bus: b, kind: kindPrefix, key: prefix}
	b.mu.Lock()
	b.prefixes[sub] = prefixEntry{prefix: prefix, handler: handler}
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch sub.kind {
	case kindExact:
		if m := b.exact[sub.key]; m != nil {
			delete(m, sub)
			if len(m) == 0 {
				delete(b.exact, sub.key)
			}
		}
	case kindPattern:
		delete(b.patterns, sub)
	case kindAll:
		delete(b.all, sub)
	case kindPrefix:
		delete(b.prefixes, sub)
	}
}

// matchPattern reports whether eventType matches pattern using glob
// semantics where "*" matches exactly one dot-delimited segment's worth of
// characters (path.Match already stops "*" at "/" for paths; here we
// pre-split on "." and match each segment independently so "*" cannot
// cross a segment boundary).
func matchPattern(pattern, eventType string) bool {
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(eventType, ".")
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i := range pSegs {
		ok, err := path.Match(pSegs[i], tSegs[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Emit delivers evt to every exact, pattern, and firehose subscriber whose
// registration matches, in no particular cross-category order. Emit stamps
// Timestamp when the caller left it zero.
func (b *Bus) Emit(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	var handlers []Handler
	if m, ok := b.exact[evt.Type]; ok {
		for _, h := range m {
			handlers = append(handlers, h)
		}
	}
	for _, entry := range b.patterns {
		if matchPattern(entry.pattern, evt.Type) {
			handlers = append(handlers, entry.handler)
		}
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	for _, entry := range b.prefixes {
		if strings.HasPrefix(evt.Type, entry.prefix) {
			handlers = append(handlers, entry.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
}

// Tap is a hook invoked sequentially, in registration order, around a named
// operation. Unlike Handler, a Tap can return an error to abort the
// operation it is wrapping.
type Tap func(ctx context.Context, evt Event) error

// HookBus is a secondary, sequential-tap sub-bus used for before/after
// interception of gateway operations (request validation, provider
// selection) rather than fire-and-forget notification. Taps run one at a
// time, in registration order, and the first error halts the remaining
// taps.
type HookBus struct {
	mu   sync.Mutex
	taps map[*subscription]Tap
	reg  []*subscription
}

// NewHookBus constructs an empty HookBus.
func NewHookBus() *HookBus {
	return &HookBus{taps: make(map[*subscription]Tap)}
}

// TapAny registers tap to run on every CallAny invocation, in registration
// order.
func (h *HookBus) TapAny(tap Tap) Subscription {
	sub := &subscription{kind: kindAll}
	h.mu.Lock()
	h.taps[sub] = tap
	h.reg = append(h.reg, sub)
	h.mu.Unlock()
	sub.bus = nil
	return &hookSubscription{hook: h, sub: sub}
}

type hookSubscription struct {
	hook *HookBus
	sub  *subscription
	once sync.Once
}

func (s *hookSubscription) Close() {
	s.once.Do(func() {
		s.hook.mu.Lock()
		defer s.hook.mu.Unlock()
		delete(s.hook.taps, s.sub)
		for i, r := range s.hook.reg {
			if r == s.sub {
				s.hook.reg = append(s.hook.reg[:i], s.hook.reg[i+1:]...)
				break
			}
		}
	})
}

// CallAny runs every registered tap in registration order, awaiting each one
// before starting the next, and returns the first error encountered without
// running the remaining taps.
func (h *HookBus) CallAny(ctx context.Context, evt Event) error {
	h.mu.Lock()
	taps := make([]Tap, 0, len(h.reg))
	for _, sub := range h.reg {
		taps = append(taps, h.taps[sub])
	}
	h.mu.Unlock()

	for _, tap := range taps {
		if err := tap(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

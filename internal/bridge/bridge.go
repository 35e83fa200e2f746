// Package bridge translates between the event bus (internal/eventbus) and
// the session layer (internal/session): outbound bus events become
// event:message frames for subscribed sessions, restricted client-published
// events are re-emitted onto the bus, and a fixed legacy table forwards
// selected bus patterns straight to session broadcasts. Grounded on the
// fan-out/subscription-tracking shape of internal/session together with
// runtime/agent/hooks.Bus's subscribe/unsubscribe semantics.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aigateway/core/internal/eventbus"
	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/session"
)

// MaxSubscriptionsPerSession bounds how many distinct event:subscribe
// patterns one session may track concurrently.
const MaxSubscriptionsPerSession = 50

// inboundPrefixes lists the client.publish type prefixes accepted from a
// session; anything else is rejected.
var inboundPrefixes = []string{"external.", "client."}

// inboundBlockList names types that are never accepted from a session, even
// if they match an allowed prefix.
var inboundBlockList = map[string]bool{
	"system.shutdown": true,
	"system.startup":  true,
}

// legacyRoute maps a fixed bus pattern to a session broadcast event name.
// SuffixFromType, when true, appends the event type's last dot-segment to
// ToEvent joined by ':' (used for the channel.user.* family).
type legacyRoute struct {
	Pattern        string
	ToEvent        string
	SuffixFromType bool
}

// legacyTable is the fixed, one-way bus-pattern-to-broadcast mapping quoted
// in the event bridge's outbound legacy forwarding contract. It is data,
// not code: extending the bridge's legacy surface means adding a row here.
var legacyTable = []legacyRoute{
	{Pattern: "pulse.*", ToEvent: "pulse:activity"},
	{Pattern: "gateway.data.changed", ToEvent: "data:changed"},
	{Pattern: "channel.user.*", ToEvent: "channel:user", SuffixFromType: true},
}

// Bridge owns the live outbound subscriptions and wires inbound publishes
// back onto the bus.
type Bridge struct {
	bus *eventbus.Bus
}

// New constructs a Bridge over bus and installs the fixed legacy forwarding
// routes against manager.
func New(bus *eventbus.Bus, manager *session.Manager) *Bridge {
	b := &Bridge{bus: bus}
	b.installLegacyRoutes(manager)
	return b
}

func (b *Bridge) installLegacyRoutes(manager *session.Manager) {
	for _, route := range legacyTable {
		route := route
		b.bus.OnPattern(route.Pattern, func(ctx context.Context, evt eventbus.Event) {
			eventName := route.ToEvent
			if route.SuffixFromType {
				segs := strings.Split(evt.Type, ".")
				eventName = eventName + ":" + segs[len(segs)-1]
			}
			manager.Broadcast(eventName, map[string]any{"type": evt.Type, "source": evt.Source, "data": evt.Data, "timestamp": evt.Timestamp})
		})
	}
}

// ValidatePattern reports whether pattern is acceptable for event:subscribe:
// non-empty, at most 100 characters, at most 6 dot-segments, and built only
// from the character set [A-Za-z0-9_\-.*].
func ValidatePattern(pattern string) bool {
	return eventbus.ValidatePattern(pattern)
}

type subscribePayload struct {
	Pattern string `json:"pattern"`
}

// SubscribeHandler implements event:subscribe: validate the pattern,
// enforce MaxSubscriptionsPerSession (refreshing an existing identical
// pattern in place rather than counting it twice), install an onPattern
// forward to event:message, track the unsubscribe handle against the
// session, and reply with event:subscribed.
func (b *Bridge) SubscribeHandler() session.Handler {
	return func(ctx context.Context, s *session.Session, raw json.RawMessage) error {
		var p subscribePayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return err
		}

		key := "pattern:" + p.Pattern
		if ok, reason := eventbus.ValidatePatternReason(p.Pattern); !ok {
			s.Send("event:subscribed", map[string]any{"pattern": p.Pattern, "success": false, "error": reason})
			return nil
		}
		if !s.HasSubscription(key) && s.SubscriptionCount() >= MaxSubscriptionsPerSession {
			s.Send("event:subscribed", map[string]any{"pattern": p.Pattern, "success": false, "error": "Maximum subscriptions per session exceeded"})
			return nil
		}

		sub, ok := b.bus.OnPattern(p.Pattern, func(ctx context.Context, evt eventbus.Event) {
			s.Send("event:message", map[string]any{
				"type":      evt.Type,
				"source":    evt.Source,
				"data":      evt.Data,
				"timestamp": evt.Timestamp,
			})
		})
		if !ok {
			s.Send("event:subscribed", map[string]any{"pattern": p.Pattern, "success": false, "error": "Pattern contains invalid characters"})
			return nil
		}
		s.TrackSubscription(key, sub.Close)
		s.Send("event:subscribed", map[string]any{"pattern": p.Pattern, "success": true})
		return nil
	}
}

// UnsubscribeHandler implements event:unsubscribe {pattern}: releases the
// tracked subscription for pattern, if any, and replies with
// event:unsubscribed.
func (b *Bridge) UnsubscribeHandler() session.Handler {
	return func(ctx context.Context, s *session.Session, raw json.RawMessage) error {
		var p subscribePayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return err
		}
		key := "pattern:" + p.Pattern
		existed := s.ReleaseSubscription(key)
		s.Send("event:unsubscribed", map[string]any{"pattern": p.Pattern, "success": existed})
		return nil
	}
}

type publishPayload struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PublishHandler implements event:publish: accept only types that begin
// with an allowed prefix and are not block-listed, emit onto the bus
// stamped with category and source, and ack or error back to the session.
func (b *Bridge) PublishHandler(sessionSource func(s *session.Session) string) session.Handler {
	return func(ctx context.Context, s *session.Session, raw json.RawMessage) error {
		var p publishPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return err
		}

		if err := validatePublishType(p.Type); err != nil {
			s.Send("event:publish:error", map[string]string{"error": err.Error()})
			return nil
		}

		source := "ws:" + s.ID
		if sessionSource != nil {
			source = sessionSource(s)
		}
		category := p.Type
		if idx := strings.Index(p.Type, "."); idx >= 0 {
			category = p.Type[:idx]
		}
		b.bus.Emit(ctx, eventbus.Event{
			Type:      p.Type,
			Category:  category,
			Source:    source,
			Data:      p.Data,
			Timestamp: time.Now(),
		})
		s.Send("event:publish:ack", map[string]string{"type": p.Type})
		return nil
	}
}

func validatePublishType(t string) error {
	if t == "" {
		return gatewayerr.Validation("publish type must not be empty")
	}
	if inboundBlockList[t] {
		return gatewayerr.Validation("publish type %q is blocked", t)
	}
	for _, prefix := range inboundPrefixes {
		if strings.HasPrefix(t, prefix) {
			return nil
		}
	}
	return gatewayerr.Validation("publish type %q does not match an allowed prefix", t)
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("bridge: empty payload")
	}
	return json.Unmarshal(raw, v)
}

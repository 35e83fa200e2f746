package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/core/internal/eventbus"
	"github.com/aigateway/core/internal/session"
)

func TestValidatePatternRejectsOutOfBounds(t *testing.T) {
	assert.True(t, ValidatePattern("chat.*"))
	assert.False(t, ValidatePattern(""))
	assert.False(t, ValidatePattern("a.b.c.d.e.f.g"))
	assert.False(t, ValidatePattern("bad;pattern"))
}

func TestValidatePublishTypeAcceptsAllowedPrefixes(t *testing.T) {
	assert.NoError(t, validatePublishType("external.ping"))
	assert.NoError(t, validatePublishType("client.typing"))
	assert.Error(t, validatePublishType("system.shutdown"))
	assert.Error(t, validatePublishType("internal.secret"))
	assert.Error(t, validatePublishType(""))
}

func TestPublishHandlerEmitsOntoBusAndAcks(t *testing.T) {
	bus := eventbus.New()
	b := &Bridge{bus: bus}

	var got eventbus.Event
	bus.OnAll(func(ctx context.Context, evt eventbus.Event) { got = evt })

	handler := b.PublishHandler(nil)
	payload, _ := json.Marshal(publishPayload{Type: "client.typing", Data: map[string]any{"x": 1}})

	var acked []session.Frame
	s := session.NewForTesting("sess-1", func(f session.Frame) { acked = append(acked, f) })
	err := handler(context.Background(), s, payload)
	require.NoError(t, err)
	assert.Equal(t, "client.typing", got.Type)
	assert.Equal(t, "client", got.Category)
	assert.Equal(t, "ws:sess-1", got.Source)
	require.Len(t, acked, 1)
	assert.Equal(t, "event:publish:ack", acked[0].Type)
}

func TestPublishHandlerRejectsBlockedType(t *testing.T) {
	bus := eventbus.New()
	b := &Bridge{bus: bus}

	var called bool
	bus.OnAll(func(ctx context.Context, evt eventbus.Event) { called = true })

	handler := b.PublishHandler(nil)
	payload, _ := json.Marshal(publishPayload{Type: "system.shutdown"})
	s := session.NewForTesting("sess-1", func(session.Frame) {})
	require.NoError(t, handler(context.Background(), s, payload))
	assert.False(t, called)
}

func TestSubscribeHandlerForwardsMatchingEvents(t *testing.T) {
	bus := eventbus.New()
	b := &Bridge{bus: bus}

	var frames []session.Frame
	s := session.NewForTesting("sess-1", func(f session.Frame) { frames = append(frames, f) })

	handler := b.SubscribeHandler()
	payload, _ := json.Marshal(subscribePayload{Pattern: "chat.*"})
	require.NoError(t, handler(context.Background(), s, payload))

	require.Len(t, frames, 1)
	assert.Equal(t, "event:subscribed", frames[0].Type)

	bus.Emit(context.Background(), eventbus.Event{Type: "chat.start"})
	require.Len(t, frames, 2)
	assert.Equal(t, "event:message", frames[1].Type)
}

func TestSubscribeHandlerRejectsInvalidPattern(t *testing.T) {
	bus := eventbus.New()
	b := &Bridge{bus: bus}

	var frames []session.Frame
	s := session.NewForTesting("sess-1", func(f session.Frame) { frames = append(frames, f) })

	handler := b.SubscribeHandler()
	payload, _ := json.Marshal(subscribePayload{Pattern: "bad;pattern"})
	require.NoError(t, handler(context.Background(), s, payload))

	require.Len(t, frames, 1)
	payloadMap := frames[0].Payload.(map[string]any)
	assert.False(t, payloadMap["success"].(bool))
	assert.Equal(t, "Pattern contains invalid characters", payloadMap["error"])
}

func TestUnsubscribeHandlerStopsDeliveryAndAcks(t *testing.T) {
	bus := eventbus.New()
	b := &Bridge{bus: bus}

	var frames []session.Frame
	s := session.NewForTesting("sess-1", func(f session.Frame) { frames = append(frames, f) })

	subHandler := b.SubscribeHandler()
	payload, _ := json.Marshal(subscribePayload{Pattern: "chat.*"})
	require.NoError(t, subHandler(context.Background(), s, payload))

	unsubHandler := b.UnsubscribeHandler()
	require.NoError(t, unsubHandler(context.Background(), s, payload))

	bus.Emit(context.Background(), eventbus.Event{Type: "chat.start"})

	require.Len(t, frames, 2)
	assert.Equal(t, "event:subscribed", frames[0].Type)
	assert.Equal(t, "event:unsubscribed", frames[1].Type)
	unsubPayload := frames[1].Payload.(map[string]any)
	assert.True(t, unsubPayload["success"].(bool))
}

func TestLegacyRouteSuffixFromType(t *testing.T) {
	var route *legacyRoute
	for i := range legacyTable {
		if legacyTable[i].Pattern == "channel.user.*" {
			route = &legacyTable[i]
		}
	}
	require.NotNil(t, route)
	assert.Equal(t, "channel:user", route.ToEvent)
	assert.True(t, route.SuffixFromType)
}

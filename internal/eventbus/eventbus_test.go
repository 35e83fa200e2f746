package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnDeliversExactMatchOnly(t *testing.T) {
	b := New()
	var got []Event
	b.On("chat.start", func(ctx context.Context, evt Event) { got = append(got, evt) })

	b.Emit(context.Background(), Event{Type: "chat.start"})
	b.Emit(context.Background(), Event{Type: "chat.delta"})

	require.Len(t, got, 1)
	assert.Equal(t, "chat.start", got[0].Type)
}

func TestOnPatternMatchesSingleSegmentWildcard(t *testing.T) {
	b := New()
	var types []string
	sub, ok := b.OnPattern("chat.*", func(ctx context.Context, evt Event) { types = append(types, evt.Type) })
	require.True(t, ok)
	defer sub.Close()

	b.Emit(context.Background(), Event{Type: "chat.start"})
	b.Emit(context.Background(), Event{Type: "chat.start.delta"})
	b.Emit(context.Background(), Event{Type: "session.open"})

	assert.Equal(t, []string{"chat.start"}, types)
}

func TestOnPatternRejectsInvalidPattern(t *testing.T) {
	b := New()
	_, ok := b.OnPattern("", func(ctx context.Context, evt Event) {})
	assert.False(t, ok)

	_, ok = b.OnPattern("a.b.c.d.e.f.g", func(ctx context.Context, evt Event) {})
	assert.False(t, ok)

	_, ok = b.OnPattern("chat;start", func(ctx context.Context, evt Event) {})
	assert.False(t, ok)
}

func TestOnAllReceivesFirehose(t *testing.T) {
	b := New()
	var count int
	b.OnAll(func(ctx context.Context, evt Event) { count++ })

	b.Emit(context.Background(), Event{Type: "chat.start"})
	b.Emit(context.Background(), Event{Type: "session.close"})

	assert.Equal(t, 2, count)
}

func TestOnAnyMatchesByLiteralPrefixNotSegment(t *testing.T) {
	b := New()
	var types []string
	sub := b.OnAny("chat", func(ctx context.Context, evt Event) { types = append(types, evt.Type) })
	defer sub.Close()

	b.Emit(context.Background(), Event{Type: "chat.start"})
	b.Emit(context.Background(), Event{Type: "chatroom.join"})
	b.Emit(context.Background(), Event{Type: "session.open"})

	assert.Equal(t, []string{"chat.start", "chatroom.join"}, types)
}

func TestSubscriptionCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New()
	var count int
	sub := b.On("chat.start", func(ctx context.Context, evt Event) { count++ })

	b.Emit(context.Background(), Event{Type: "chat.start"})
	sub.Close()
	sub.Close()
	b.Emit(context.Background(), Event{Type: "chat.start"})

	assert.Equal(t, 1, count)
}

func TestEmitStampsTimestampWhenZero(t *testing.T) {
	b := New()
	var got Event
	b.On("x", func(ctx context.Context, evt Event) { got = evt })
	b.Emit(context.Background(), Event{Type: "x"})
	assert.False(t, got.Timestamp.IsZero())
}

func TestHookBusCallAnyRunsTapsInOrderAndStopsOnError(t *testing.T) {
	h := NewHookBus()
	var order []int
	h.TapAny(func(ctx context.Context, evt Event) error {
		order = append(order, 1)
		return nil
	})
	h.TapAny(func(ctx context.Context, evt Event) error {
		order = append(order, 2)
		return errors.New("stop here")
	})
	h.TapAny(func(ctx context.Context, evt Event) error {
		order = append(order, 3)
		return nil
	})

	err := h.CallAny(context.Background(), Event{Type: "gateway.request"})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, order)
}

func TestHookBusTapCloseRemovesTap(t *testing.T) {
	h := NewHookBus()
	var called bool
	sub := h.TapAny(func(ctx context.Context, evt Event) error {
		called = true
		return nil
	})
	sub.Close()

	require.NoError(t, h.CallAny(context.Background(), Event{Type: "gateway.request"}))
	assert.False(t, called)
}

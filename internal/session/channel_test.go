package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannelService struct {
	connectErr error
	channel    Channel
	sentID     string
	sendErr    error
	listed     []Channel
}

func (f *fakeChannelService) Connect(ctx context.Context, channelType string, config json.RawMessage) (Channel, error) {
	if f.connectErr != nil {
		return Channel{}, f.connectErr
	}
	return f.channel, nil
}

func (f *fakeChannelService) Disconnect(ctx context.Context, channelID string) error { return nil }

func (f *fakeChannelService) ListChannels(ctx context.Context) ([]Channel, error) { return f.listed, nil }

func (f *fakeChannelService) Send(ctx context.Context, channelID string, payload ChannelSendPayload) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.sentID, nil
}

func TestChannelConnectHandlerEmitsConnectedAndJoins(t *testing.T) {
	svc := &fakeChannelService{channel: Channel{ID: "discord:1", Platform: "discord", Status: "connected"}}
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewChannelConnectHandler(svc)
	payload, _ := json.Marshal(channelConnectPayload{Type: "discord"})
	require.NoError(t, h(context.Background(), s, payload))

	require.Len(t, frames, 1)
	assert.Equal(t, "channel:connected", frames[0].Type)
	assert.True(t, s.inChannel("discord:1"))
}

func TestChannelConnectHandlerEmitsErrorStatusOnFailure(t *testing.T) {
	svc := &fakeChannelService{connectErr: errors.New("plugin not found")}
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewChannelConnectHandler(svc)
	payload, _ := json.Marshal(channelConnectPayload{Type: "discord"})
	require.NoError(t, h(context.Background(), s, payload))

	require.Len(t, frames, 1)
	assert.Equal(t, "channel:status", frames[0].Type)
	p := frames[0].Payload.(map[string]string)
	assert.Equal(t, "error", p["status"])
	assert.Equal(t, "plugin not found", p["error"])
}

func TestChannelConnectHandlerWithNilServiceReportsError(t *testing.T) {
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewChannelConnectHandler(nil)
	payload, _ := json.Marshal(channelConnectPayload{Type: "discord"})
	require.NoError(t, h(context.Background(), s, payload))

	require.Len(t, frames, 1)
	assert.Equal(t, "channel:status", frames[0].Type)
}

func TestChannelSendHandlerReportsSentMessageID(t *testing.T) {
	svc := &fakeChannelService{sentID: "msg-123"}
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewChannelSendHandler(svc)
	payload, _ := json.Marshal(channelSendRequest{ChannelID: "discord:1", ChannelSendPayload: ChannelSendPayload{Text: "hi"}})
	require.NoError(t, h(context.Background(), s, payload))

	require.Len(t, frames, 1)
	p := frames[0].Payload.(map[string]string)
	assert.Equal(t, "sent", p["status"])
	assert.Equal(t, "msg-123", p["messageId"])
}

func TestChannelSubscribeAndUnsubscribeTrackMembership(t *testing.T) {
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	sub := NewChannelSubscribeHandler()
	payload, _ := json.Marshal(channelIDPayload{ChannelID: "discord:1"})
	require.NoError(t, sub(context.Background(), s, payload))
	assert.True(t, s.inChannel("discord:1"))

	unsub := NewChannelUnsubscribeHandler()
	require.NoError(t, unsub(context.Background(), s, payload))
	assert.False(t, s.inChannel("discord:1"))
}

func TestChannelListHandlerReturnsConfiguredChannels(t *testing.T) {
	svc := &fakeChannelService{listed: []Channel{{ID: "discord:1", Platform: "discord"}}}
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewChannelListHandler(svc)
	require.NoError(t, h(context.Background(), s, json.RawMessage(`{}`)))

	require.Len(t, frames, 1)
	p := frames[0].Payload.(map[string]any)
	channels := p["channels"].([]Channel)
	require.Len(t, channels, 1)
	assert.Equal(t, "discord:1", channels[0].ID)
}

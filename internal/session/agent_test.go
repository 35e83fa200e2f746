package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgentRuntime struct {
	configureErr error
	stopErr      error
	stopped      bool
}

func (f *fakeAgentRuntime) Configure(ctx context.Context, config json.RawMessage) error {
	return f.configureErr
}

func (f *fakeAgentRuntime) Stop(ctx context.Context) error {
	f.stopped = true
	return f.stopErr
}

func TestAgentConfigureHandlerAcksOnSuccess(t *testing.T) {
	agent := &fakeAgentRuntime{}
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewAgentConfigureHandler(agent)
	require.NoError(t, h(context.Background(), s, json.RawMessage(`{"config":{}}`)))

	require.Len(t, frames, 1)
	assert.Equal(t, "agent:configured", frames[0].Type)
}

func TestAgentConfigureHandlerReportsCollaboratorError(t *testing.T) {
	agent := &fakeAgentRuntime{configureErr: errors.New("bad config")}
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewAgentConfigureHandler(agent)
	require.NoError(t, h(context.Background(), s, json.RawMessage(`{}`)))

	require.Len(t, frames, 1)
	assert.Equal(t, "agent:error", frames[0].Type)
}

func TestAgentStopHandlerCancelsInFlightChatAndStopsAgent(t *testing.T) {
	agent := &fakeAgentRuntime{}
	var cancelled bool
	s := NewForTesting("sess-1", func(Frame) {})
	s.CancelChat = func() { cancelled = true }

	h := NewAgentStopHandler(agent)
	require.NoError(t, h(context.Background(), s, json.RawMessage(`{}`)))

	assert.True(t, cancelled)
	assert.True(t, agent.stopped)
}

func TestToolCancelHandlerCancelsAndAcks(t *testing.T) {
	var cancelled bool
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })
	s.CancelChat = func() { cancelled = true }

	h := NewToolCancelHandler()
	require.NoError(t, h(context.Background(), s, json.RawMessage(`{}`)))

	assert.True(t, cancelled)
	require.Len(t, frames, 1)
	assert.Equal(t, "tool:cancelled", frames[0].Type)
}

func TestSessionPingHandlerRepliesPong(t *testing.T) {
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewSessionPingHandler()
	require.NoError(t, h(context.Background(), s, json.RawMessage(`{}`)))

	require.Len(t, frames, 1)
	assert.Equal(t, "session:pong", frames[0].Type)
}

type fakeCodingAgent struct {
	inputData string
	cols, rows int
	unsubbed  bool
}

func (f *fakeCodingAgent) Input(ctx context.Context, sessionID, data string) error {
	f.inputData = data
	return nil
}

func (f *fakeCodingAgent) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	f.cols, f.rows = cols, rows
	return nil
}

func (f *fakeCodingAgent) Subscribe(ctx context.Context, sessionID string, onOutput func(data string)) (func(), error) {
	onOutput("hello")
	return func() { f.unsubbed = true }, nil
}

func TestCodingAgentInputHandlerForwardsData(t *testing.T) {
	agent := &fakeCodingAgent{}
	s := NewForTesting("sess-1", func(Frame) {})

	h := NewCodingAgentInputHandler(agent)
	require.NoError(t, h(context.Background(), s, json.RawMessage(`{"data":"ls\n"}`)))

	assert.Equal(t, "ls\n", agent.inputData)
}

func TestCodingAgentSubscribeHandlerForwardsOutputAndTracks(t *testing.T) {
	agent := &fakeCodingAgent{}
	var frames []Frame
	s := NewForTesting("sess-1", func(f Frame) { frames = append(frames, f) })

	h := NewCodingAgentSubscribeHandler(agent)
	require.NoError(t, h(context.Background(), s, json.RawMessage(`{}`)))

	require.Len(t, frames, 1)
	assert.Equal(t, "coding-agent:output", frames[0].Type)
	assert.True(t, s.HasSubscription("coding-agent:sess-1"))
}

package session

import (
	"context"
	"encoding/json"
)

// AgentRuntime is the collaborator interface the core assumes for the
// out-of-scope agent runtime (spec §6.5): configuring and stopping the
// session's default agent. The chat-completion contract itself is the
// Chatter interface in chat.go; AgentRuntime covers the side-channel
// control messages that adjust or halt that agent outside of a chat:send
// call.
type AgentRuntime interface {
	Configure(ctx context.Context, config json.RawMessage) error
	Stop(ctx context.Context) error
}

type errUnconfiguredAgentRuntime struct{}

func (errUnconfiguredAgentRuntime) Error() string { return "no agent runtime configured" }

type agentConfigurePayload struct {
	Config json.RawMessage `json:"config"`
}

// NewAgentConfigureHandler implements agent:configure {config}.
func NewAgentConfigureHandler(agent AgentRuntime) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p agentConfigurePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if agent == nil {
			s.Send("agent:error", map[string]string{"error": errUnconfiguredAgentRuntime{}.Error()})
			return nil
		}
		if err := agent.Configure(ctx, p.Config); err != nil {
			s.Send("agent:error", map[string]string{"error": err.Error()})
			return nil
		}
		s.Send("agent:configured", map[string]bool{"success": true})
		return nil
	}
}

// NewAgentStopHandler implements agent:stop {}, also cancelling any
// in-flight chat stream this session started.
func NewAgentStopHandler(agent AgentRuntime) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		s.mu.Lock()
		cancel := s.CancelChat
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if agent == nil {
			s.Send("agent:error", map[string]string{"error": errUnconfiguredAgentRuntime{}.Error()})
			return nil
		}
		if err := agent.Stop(ctx); err != nil {
			s.Send("agent:error", map[string]string{"error": err.Error()})
			return nil
		}
		s.Send("agent:stopped", map[string]bool{"success": true})
		return nil
	}
}

// NewToolCancelHandler implements tool:cancel {}: cancels the in-flight
// chat/tool stream started by this session's most recent chat:send, the
// same cancellation path session Close uses.
func NewToolCancelHandler() Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		s.mu.Lock()
		cancel := s.CancelChat
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.Send("tool:cancelled", map[string]bool{"success": true})
		return nil
	}
}

// NewSessionPingHandler implements session:ping {}, replying session:pong.
// Inbound dispatch already refreshes the session's last-activity timestamp
// before a handler runs, so no extra bookkeeping is needed here.
func NewSessionPingHandler() Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		s.Send("session:pong", nil)
		return nil
	}
}

// NewSessionPongHandler implements session:pong {}, the client's reply to a
// server-initiated heartbeat ping. Receiving it requires no action beyond
// the activity-timestamp refresh dispatch already performs.
func NewSessionPongHandler() Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error { return nil }
}

// CodingAgentService is the collaborator interface the core assumes for the
// out-of-scope interactive coding-agent surface: a PTY-like session that
// accepts keystrokes and terminal resizes and streams output back.
type CodingAgentService interface {
	Input(ctx context.Context, sessionID, data string) error
	Resize(ctx context.Context, sessionID string, cols, rows int) error
	Subscribe(ctx context.Context, sessionID string, onOutput func(data string)) (unsubscribe func(), err error)
}

type errUnconfiguredCodingAgent struct{}

func (errUnconfiguredCodingAgent) Error() string { return "no coding agent service configured" }

type codingAgentInputPayload struct {
	Data string `json:"data"`
}

// NewCodingAgentInputHandler implements coding-agent:input {data}.
func NewCodingAgentInputHandler(agent CodingAgentService) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p codingAgentInputPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if agent == nil {
			s.Send("coding-agent:error", map[string]string{"error": errUnconfiguredCodingAgent{}.Error()})
			return nil
		}
		if err := agent.Input(ctx, s.ID, p.Data); err != nil {
			s.Send("coding-agent:error", map[string]string{"error": err.Error()})
		}
		return nil
	}
}

type codingAgentResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// NewCodingAgentResizeHandler implements coding-agent:resize {cols, rows}.
func NewCodingAgentResizeHandler(agent CodingAgentService) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p codingAgentResizePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if agent == nil {
			s.Send("coding-agent:error", map[string]string{"error": errUnconfiguredCodingAgent{}.Error()})
			return nil
		}
		if err := agent.Resize(ctx, s.ID, p.Cols, p.Rows); err != nil {
			s.Send("coding-agent:error", map[string]string{"error": err.Error()})
		}
		return nil
	}
}

// NewCodingAgentSubscribeHandler implements coding-agent:subscribe {}:
// forwards the coding agent's output stream to this session as
// coding-agent:output {data} frames, tracked as a subscription so session
// Close releases it.
func NewCodingAgentSubscribeHandler(agent CodingAgentService) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		if agent == nil {
			s.Send("coding-agent:error", map[string]string{"error": errUnconfiguredCodingAgent{}.Error()})
			return nil
		}
		unsubscribe, err := agent.Subscribe(ctx, s.ID, func(data string) {
			s.Send("coding-agent:output", map[string]string{"data": data})
		})
		if err != nil {
			s.Send("coding-agent:error", map[string]string{"error": err.Error()})
			return nil
		}
		s.TrackSubscription("coding-agent:"+s.ID, unsubscribe)
		return nil
	}
}

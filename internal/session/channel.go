package session

import (
	"context"
	"encoding/json"
)

// Channel describes a connected channel-service plugin, as reported back to
// the client after a successful channel:connect.
type Channel struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Status   string `json:"status"`
}

// ChannelSendPayload is the body of a channel:send request, matching the
// channel-service collaborator's send(pluginId, {platformChatId, text,
// replyToId}) contract.
type ChannelSendPayload struct {
	PlatformChatID string `json:"platformChatId"`
	Text           string `json:"text"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

// ChannelService is the collaborator interface the core assumes for the
// out-of-scope channel-service plugin surface: resolving a channel type and
// config into a running connection, and forwarding disconnect/send/list
// operations to it. Concrete plugin implementations (Discord, Slack,
// Telegram bridges, ...) live outside this module; only the dispatch
// contract is core.
type ChannelService interface {
	Connect(ctx context.Context, channelType string, config json.RawMessage) (Channel, error)
	Disconnect(ctx context.Context, channelID string) error
	ListChannels(ctx context.Context) ([]Channel, error)
	Send(ctx context.Context, channelID string, payload ChannelSendPayload) (string, error)
}

// errUnconfiguredChannelService is returned when a channel handler is wired
// with a nil ChannelService: the dispatch contract still runs end to end,
// it just reports every operation as failed rather than panicking.
type errUnconfiguredChannelService struct{}

func (errUnconfiguredChannelService) Error() string { return "no channel service configured" }

func channelStatus(s *Session, channelID, status, errMsg string) {
	payload := map[string]string{"channelId": channelID, "status": status}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	s.Send("channel:status", payload)
}

type channelConnectPayload struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// NewChannelConnectHandler implements channel:connect {type, config}:
// resolve the channel-service plugin; on success emit
// channel:connected {channel} and subscribe the session to the channel; on
// failure emit channel:status {channelId, status:"error", error}.
func NewChannelConnectHandler(svc ChannelService) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p channelConnectPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if svc == nil {
			channelStatus(s, p.Type, "error", errUnconfiguredChannelService{}.Error())
			return nil
		}
		ch, err := svc.Connect(ctx, p.Type, p.Config)
		if err != nil {
			channelStatus(s, p.Type, "error", err.Error())
			return nil
		}
		s.JoinChannel(ch.ID)
		s.Send("channel:connected", map[string]any{"channel": ch})
		return nil
	}
}

type channelIDPayload struct {
	ChannelID string `json:"channelId"`
}

// NewChannelDisconnectHandler implements channel:disconnect {channelId}.
func NewChannelDisconnectHandler(svc ChannelService) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p channelIDPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if svc == nil {
			channelStatus(s, p.ChannelID, "error", errUnconfiguredChannelService{}.Error())
			return nil
		}
		if err := svc.Disconnect(ctx, p.ChannelID); err != nil {
			channelStatus(s, p.ChannelID, "error", err.Error())
			return nil
		}
		s.LeaveChannel(p.ChannelID)
		channelStatus(s, p.ChannelID, "disconnected", "")
		return nil
	}
}

// NewChannelSubscribeHandler implements channel:subscribe {channelId}: marks
// the session as receiving broadcastToChannel traffic for channelId. The
// channel connection itself is assumed already established.
func NewChannelSubscribeHandler() Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p channelIDPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.JoinChannel(p.ChannelID)
		channelStatus(s, p.ChannelID, "subscribed", "")
		return nil
	}
}

// NewChannelUnsubscribeHandler implements channel:unsubscribe {channelId}.
func NewChannelUnsubscribeHandler() Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p channelIDPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.LeaveChannel(p.ChannelID)
		channelStatus(s, p.ChannelID, "unsubscribed", "")
		return nil
	}
}

type channelSendRequest struct {
	ChannelID string `json:"channelId"`
	ChannelSendPayload
}

// NewChannelSendHandler implements channel:send {channelId, platformChatId,
// text, replyToId}, forwarding to the channel service and reporting the
// resulting message id via channel:status.
func NewChannelSendHandler(svc ChannelService) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p channelSendRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if svc == nil {
			channelStatus(s, p.ChannelID, "error", errUnconfiguredChannelService{}.Error())
			return nil
		}
		messageID, err := svc.Send(ctx, p.ChannelID, p.ChannelSendPayload)
		if err != nil {
			channelStatus(s, p.ChannelID, "error", err.Error())
			return nil
		}
		s.Send("channel:status", map[string]string{"channelId": p.ChannelID, "status": "sent", "messageId": messageID})
		return nil
	}
}

// NewChannelListHandler implements channel:list {}, replying with every
// channel the service currently reports as connected.
func NewChannelListHandler(svc ChannelService) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		if svc == nil {
			s.Send("channel:list", map[string]any{"channels": []Channel{}})
			return nil
		}
		channels, err := svc.ListChannels(ctx)
		if err != nil {
			s.Send("channel:list", map[string]any{"channels": []Channel{}, "error": err.Error()})
			return nil
		}
		s.Send("channel:list", map[string]any{"channels": channels})
		return nil
	}
}

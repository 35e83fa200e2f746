package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aigateway/core/internal/provmodel"
)

// Chatter is the narrow surface the chat:send handler needs: perform a
// streaming completion for a session's conversation. Concrete
// implementations are router/fallback wrappers composed by the caller.
type Chatter interface {
	Stream(ctx context.Context, req provmodel.CompletionRequest) (provmodel.Streamer, error)
}

// demoWordDelay is the per-chunk pause used for demo-mode synthesis, chosen
// so the client-visible event sequence is indistinguishable from a real
// provider stream.
const demoWordDelay = 50 * time.Millisecond

type chatSendPayload struct {
	Content string `json:"content"`
}

// NewChatSendHandler builds the chat:send handler. When chatter is nil the
// handler runs in demo mode, synthesizing demoText chunked word-by-word
// instead of calling a real provider.
func NewChatSendHandler(chatter Chatter, demoText string) Handler {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p chatSendPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}

		messageID := uuid.NewString()
		s.Send("chat:stream:start", map[string]string{"messageId": messageID})

		streamCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.CancelChat = cancel
		s.mu.Unlock()
		defer cancel()

		var full strings.Builder
		if chatter == nil {
			if err := synthesizeDemo(streamCtx, demoText, func(delta string) {
				full.WriteString(delta)
				s.Send("chat:stream:chunk", map[string]string{"messageId": messageID, "delta": delta})
			}); err != nil {
				s.Send("chat:error", map[string]string{"error": err.Error()})
				return nil
			}
		} else {
			req := provmodel.CompletionRequest{
				Messages: []provmodel.Message{{Role: provmodel.RoleUser, Content: p.Content}},
				Stream:   true,
			}
			strm, err := chatter.Stream(streamCtx, req)
			if err != nil {
				s.Send("chat:error", map[string]string{"error": err.Error()})
				return nil
			}
			defer strm.Close()
			for {
				chunk, err := strm.Recv()
				if err != nil {
					s.Send("chat:error", map[string]string{"error": err.Error()})
					return nil
				}
				if chunk.ContentDelta != "" {
					full.WriteString(chunk.ContentDelta)
					s.Send("chat:stream:chunk", map[string]string{"messageId": messageID, "delta": chunk.ContentDelta})
				}
				if chunk.Done {
					break
				}
			}
		}

		s.Send("chat:stream:end", map[string]string{"messageId": messageID, "fullContent": full.String()})
		s.Send("chat:message", map[string]any{"message": map[string]string{"id": messageID, "role": "assistant", "content": full.String()}})
		return nil
	}
}

// synthesizeDemo splits text into words and invokes emit once per word with
// demoWordDelay between invocations, honoring ctx cancellation.
func synthesizeDemo(ctx context.Context, text string, emit func(delta string)) error {
	words := strings.Fields(text)
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		delta := w
		if i < len(words)-1 {
			delta += " "
		}
		emit(delta)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(demoWordDelay):
		}
	}
	return nil
}

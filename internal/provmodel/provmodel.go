// Package provmodel defines the provider-agnostic message, completion, and
// streaming types shared by every provider adapter, the router, and the
// fallback wrapper. It models message content as either a plain string or
// an ordered sequence of typed parts, and treats provider-specific
// continuation blobs (thinking blocks, thought signatures) as opaque
// pass-through metadata.
package provmodel

import (
	"context"
	"encoding/json"
	"time"
)

// ConversationRole identifies the speaker for a Message.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

type (
	// Part is implemented by every concrete message content block.
	Part interface{ isPart() }

	// TextPart is a plain text content block.
	TextPart struct {
		Text string
	}

	// ImagePart carries an image either as inline base64 data with a
	// media type, or as a URL passthrough placeholder. Exactly one of
	// Base64 or URL should be set.
	ImagePart struct {
		Base64    string
		MediaType string
		URL       string
	}
)

func (TextPart) isPart()  {}
func (ImagePart) isPart() {}

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage

	// Meta carries provider-specific continuation data attached to this
	// tool call (for example, a Google thought-signature) that must be
	// echoed verbatim on the next request in the conversation.
	Meta map[string]any
}

// ToolResult is a tool result supplied by the caller, keyed by the id of
// the tool call it answers.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDefinition describes a tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  any // JSON Schema
}

// ToolChoiceMode selects how a request constrains tool use.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "tool"
)

// ToolChoice configures tool-use behavior for a request. A nil ToolChoice
// on a Request means provider-default (auto) behavior.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // set when Mode is ToolChoiceNamed
}

// ThinkingMode selects how a provider's reasoning/thinking feature behaves.
type ThinkingMode string

const (
	ThinkingAdaptive ThinkingMode = "adaptive"
	ThinkingEnabled  ThinkingMode = "enabled"
)

// ThinkingConfig configures provider thinking/reasoning behavior.
type ThinkingConfig struct {
	Mode         ThinkingMode
	BudgetTokens int
}

// ThinkingBlock is an opaque, provider-issued reasoning continuation token.
// The core never inspects Text, Signature, or Redacted beyond equality; it
// must re-emit them verbatim on the next request in the conversation.
type ThinkingBlock struct {
	Text      string
	Signature string
	Redacted  []byte
}

// Message is a single chat message. Content is either a plain string
// (Content non-empty, Parts nil) or an ordered list of typed parts
// (Parts non-nil); the two are mutually exclusive on the wire but both
// fields exist so adapters can choose whichever form a provider expects
// without lossy conversion.
type Message struct {
	Role ConversationRole

	// Content is the plain-string form of the message body.
	Content string

	// Parts is the typed-parts form of the message body. When both
	// Content and Parts are empty, the message is emitted with an empty
	// parts array rather than a stray empty text block.
	Parts []Part

	// ToolCalls is populated on assistant messages that requested tool
	// invocations.
	ToolCalls []ToolCall

	// ToolResults is populated on tool messages, one entry per tool call
	// answered by this message.
	ToolResults []ToolResult

	// Meta preserves provider-specific blobs attached to this message
	// (Anthropic thinking blocks, Google thought-signatures) so they
	// round-trip into the next request in the conversation unmodified.
	Meta map[string]any
}

// FinishReason records why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// TokenUsage reports token accounting for a completion.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     *int
}

// CompletionRequest captures the inputs to a single model invocation.
type CompletionRequest struct {
	Messages []Message

	// Model is the provider-specific model id. Optional; the router may
	// fill it in when empty.
	Model string

	MaxTokens     int
	Temperature   float64
	TopP          float64
	StopSequences []string

	Tools      []ToolDefinition
	ToolChoice *ToolChoice
	Thinking   *ThinkingConfig

	Stream bool
}

// CompletionResponse is the result of a non-streaming invocation.
type CompletionResponse struct {
	ID             string
	Content        string
	ToolCalls      []ToolCall
	FinishReason   FinishReason
	Usage          TokenUsage
	Model          string
	Created        time.Time
	Thinking       string
	ThinkingBlocks []ThinkingBlock

	// RoutingInfo is attached by the router; adapters never populate it.
	RoutingInfo *RoutingInfo
}

// RoutingInfo records which provider and model served a request.
type RoutingInfo struct {
	ProviderID string
	ModelID    string
}

// ToolCallDelta is an incremental tool-call argument fragment streamed by
// providers while they are still constructing the full arguments JSON.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// StreamChunk is a single element of a streaming completion.
type StreamChunk struct {
	ID            string
	ContentDelta  string
	ToolCallDelta *ToolCallDelta
	Metadata      map[string]any
	Done          bool
	FinishReason  FinishReason
	Usage         *TokenUsage

	// RoutingInfo is set only on the first chunk of a stream.
	RoutingInfo *RoutingInfo
}

// Streamer delivers incremental model output. Streams are lazy, finite,
// and non-restartable: callers must drain Recv until it returns a chunk
// with Done true or a non-nil error, then call Close exactly once.
type Streamer interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Adapter is the uniform contract every provider family satisfies.
type Adapter interface {
	// ID returns the provider id this adapter serves.
	ID() string

	// Ready reports whether the adapter's API key is present.
	Ready() bool

	// Complete performs a non-streaming model invocation.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream performs a streaming model invocation.
	Stream(ctx context.Context, req CompletionRequest) (Streamer, error)

	// CountTokens estimates token count over messages using the heuristic
	// ceil(totalTextChars/4), counting only text content.
	CountTokens(msgs []Message) int

	// Models returns the model id list known to this adapter.
	Models() []string

	// Cancel aborts any in-flight request on a best-effort basis.
	Cancel()
}

func countTextChars(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
		for _, p := range m.Parts {
			if t, ok := p.(TextPart); ok {
				n += len(t.Text)
			}
		}
	}
	return n
}

// CountTokens implements the shared heuristic every adapter uses:
// ceil(totalTextChars/4).
func CountTokens(msgs []Message) int {
	chars := countTextChars(msgs)
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

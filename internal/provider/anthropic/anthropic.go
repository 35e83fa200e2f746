// Package anthropic implements the C3 provider adapter for the Anthropic
// Messages API, using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/provmodel"
)

// cacheControlMarkers are the literal system-block headers after which a
// cache_control breakpoint is inserted, splitting the system prompt into
// separately-cacheable segments.
var cacheControlMarkers = []string{
	"## Current Context",
	"## Code Execution",
	"## File Operations",
}

// MessagesClient is the subset of the SDK used by Adapter, narrow enough to
// be satisfied by a fake in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Adapter implements provmodel.Adapter against the Anthropic Messages API.
type Adapter struct {
	id       string
	msg      MessagesClient
	modelIDs []string
	noKey    bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New constructs an Adapter for providerID using msg as the transport.
func New(providerID string, msg MessagesClient, modelIDs []string) *Adapter {
	return &Adapter{id: providerID, msg: msg, modelIDs: modelIDs}
}

// NewFromAPIKey builds an Adapter using the default Anthropic HTTP client.
func NewFromAPIKey(providerID, apiKey string, modelIDs []string) *Adapter {
	client := sdk.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHeader("anthropic-beta", "prompt-caching-2024-07-31"),
	)
	a := New(providerID, &client.Messages, modelIDs)
	a.noKey = apiKey == ""
	return a
}

func (a *Adapter) ID() string        { return a.id }
func (a *Adapter) Ready() bool       { return a.msg != nil && !a.noKey }
func (a *Adapter) Models() []string  { return a.modelIDs }
func (a *Adapter) CountTokens(msgs []provmodel.Message) int {
	return provmodel.CountTokens(msgs)
}

func (a *Adapter) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Adapter) setCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
}

// sanitizeToolName maps a dotted canonical tool identifier to the form
// Anthropic accepts by replacing every "." with "__". The inverse,
// desanitizeToolName, reverses this exactly; the two are bijective over
// names that do not themselves contain "__".
func sanitizeToolName(canonical string) string {
	return strings.ReplaceAll(canonical, ".", "__")
}

func desanitizeToolName(sanitized string) string {
	return strings.ReplaceAll(sanitized, "__", ".")
}

func encodeSystem(msgs []provmodel.Message) []sdk.TextBlockParam {
	var blocks []sdk.TextBlockParam
	for _, m := range msgs {
		if m.Role != provmodel.RoleSystem {
			continue
		}
		text := m.Content
		if text == "" {
			for _, p := range m.Parts {
				if t, ok := p.(provmodel.TextPart); ok {
					text += t.Text
				}
			}
		}
		blocks = append(blocks, splitSystemBlock(text)...)
	}
	return blocks
}

// splitSystemBlock breaks text into one TextBlockParam per segment preceding
// a cache-control marker, attaching an ephemeral cache_control breakpoint to
// the segment that ends right before each marker.
func splitSystemBlock(text string) []sdk.TextBlockParam {
	if text == "" {
		return nil
	}
	type cut struct{ at int }
	var cuts []cut
	for _, marker := range cacheControlMarkers {
		if idx := strings.Index(text, marker); idx > 0 {
			cuts = append(cuts, cut{at: idx})
		}
	}
	if len(cuts) == 0 {
		return []sdk.TextBlockParam{{Text: text}}
	}
	sortCuts(cuts)
	var blocks []sdk.TextBlockParam
	prev := 0
	for _, c := range cuts {
		if c.at <= prev {
			continue
		}
		segment := text[prev:c.at]
		blocks = append(blocks, cacheableBlock(segment))
		prev = c.at
	}
	blocks = append(blocks, sdk.TextBlockParam{Text: text[prev:]})
	return blocks
}

func sortCuts(cuts []struct{ at int }) {
	for i := 1; i < len(cuts); i++ {
		for j := i; j > 0 && cuts[j].at < cuts[j-1].at; j-- {
			cuts[j], cuts[j-1] = cuts[j-1], cuts[j]
		}
	}
}

func cacheableBlock(text string) sdk.TextBlockParam {
	b := sdk.TextBlockParam{Text: text}
	b.CacheControl = sdk.CacheControlEphemeralParam{Type: "ephemeral"}
	return b
}

func encodeMessages(msgs []provmodel.Message, nameMap map[string]string) []sdk.MessageParam {
	var out []sdk.MessageParam
	for _, m := range msgs {
		if m.Role == provmodel.RoleSystem {
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts)+1)
		if m.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		}
		for _, p := range m.Parts {
			if t, ok := p.(provmodel.TextPart); ok && t.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(t.Text))
			}
		}
		for _, tc := range m.ToolCalls {
			sanitized := nameMap[tc.Name]
			if sanitized == "" {
				sanitized = sanitizeToolName(tc.Name)
			}
			var input any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &input)
			}
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, sanitized))
		}
		for _, tr := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case provmodel.RoleUser, provmodel.RoleTool:
			out = append(out, sdk.NewUserMessage(blocks...))
		case provmodel.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		}
	}
	return out
}

func encodeTools(tools []provmodel.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string) {
	if len(tools) == 0 {
		return nil, nil
	}
	nameMap := make(map[string]string, len(tools))
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		sanitized := sanitizeToolName(t.Name)
		nameMap[t.Name] = sanitized
		schema := sdk.ToolInputSchemaParam{ExtraFields: toParamsMap(t.Parameters)}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out, nameMap
}

func toParamsMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func encodeToolChoice(tc *provmodel.ToolChoice, hasThinking bool) sdk.ToolChoiceUnionParam {
	if tc == nil {
		return sdk.ToolChoiceUnionParam{}
	}
	// Thinking requires tool_choice auto (or unset); any other mode is
	// silently restricted back to auto so the request does not fail.
	if hasThinking && tc.Mode != provmodel.ToolChoiceAuto {
		return sdk.ToolChoiceUnionParam{}
	}
	switch tc.Mode {
	case provmodel.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}
	case provmodel.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case provmodel.ToolChoiceNamed:
		return sdk.ToolChoiceParamOfTool(sanitizeToolName(tc.Name))
	default:
		return sdk.ToolChoiceUnionParam{}
	}
}

func buildParams(req provmodel.CompletionRequest) (sdk.MessageNewParams, map[string]string) {
	tools, nameMap := encodeTools(req.Tools)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  encodeMessages(req.Messages, nameMap),
		MaxTokens: int64(req.MaxTokens),
	}
	if system := encodeSystem(req.Messages); len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	hasThinking := req.Thinking != nil && req.Thinking.Mode == provmodel.ThinkingEnabled
	if hasThinking {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(req.Thinking.BudgetTokens))
	} else if req.Temperature > 0 {
		// Temperature and thinking are mutually exclusive; thinking wins.
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.ToolChoice != nil {
		params.ToolChoice = encodeToolChoice(req.ToolChoice, hasThinking)
	}
	return params, nameMap
}

func mapStopReason(r sdk.StopReason) provmodel.FinishReason {
	switch r {
	case sdk.StopReasonEndTurn, sdk.StopReasonStopSequence:
		return provmodel.FinishStop
	case sdk.StopReasonMaxTokens:
		return provmodel.FinishLength
	case sdk.StopReasonToolUse:
		return provmodel.FinishToolCalls
	default:
		return provmodel.FinishStop
	}
}

func (a *Adapter) Complete(ctx context.Context, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	a.setCancel(cancel)
	defer cancel()

	params, _ := buildParams(req)
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	out := &provmodel.CompletionResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		FinishReason: mapStopReason(msg.StopReason),
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			out.Content += b.Text
		case sdk.ToolUseBlock:
			payload, _ := json.Marshal(b.Input)
			out.ToolCalls = append(out.ToolCalls, provmodel.ToolCall{
				ID:        b.ID,
				Name:      desanitizeToolName(b.Name),
				Arguments: payload,
			})
		case sdk.ThinkingBlock:
			out.Thinking += b.Thinking
			out.ThinkingBlocks = append(out.ThinkingBlocks, provmodel.ThinkingBlock{Text: b.Thinking, Signature: b.Signature})
		case sdk.RedactedThinkingBlock:
			out.ThinkingBlocks = append(out.ThinkingBlocks, provmodel.ThinkingBlock{Redacted: []byte(b.Data)})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = provmodel.FinishToolCalls
	}
	out.Usage = provmodel.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return out, nil
}

func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 401 {
			return gatewayerr.InternalWrap(err, "invalid API key")
		}
		return gatewayerr.InternalWrap(err, "upstream error (status %d)", apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gatewayerr.Timeout("request timed out: %v", err)
	}
	return gatewayerr.InternalWrap(err, "request failed")
}

// streamer adapts an Anthropic Messages SSE stream to provmodel.Streamer.
// It runs the event loop in a goroutine and buffers chunks on a channel,
// grounded on the teacher's goroutine-driven streamer shape. Each
// input_json_delta fragment is delivered as its own ToolCallDelta, one per
// content_block_delta event; the fragments of one tool call are not joined
// or buffered here.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan provmodel.StreamChunk

	mu       sync.Mutex
	finalErr error
	errSet   bool

	nameMap    map[string]string
	toolNames  map[int64]string
	toolIDs    map[int64]string
	stopReason sdk.StopReason
	providerID string
	modelID    string
	first      bool
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string, providerID, modelID string) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:        cctx,
		cancel:     cancel,
		stream:     stream,
		chunks:     make(chan provmodel.StreamChunk, 32),
		nameMap:    nameMap,
		toolNames:  make(map[int64]string),
		toolIDs:    make(map[int64]string),
		providerID: providerID,
		modelID:    modelID,
		first:      true,
	}
	go s.run()
	return s
}

func (s *streamer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()
	for s.stream.Next() {
		event := s.stream.Current()
		s.handle(event)
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(classifyError(err))
	}
}

func (s *streamer) emit(chunk provmodel.StreamChunk) {
	if s.first {
		chunk.RoutingInfo = &provmodel.RoutingInfo{ProviderID: s.providerID, ModelID: s.modelID}
		s.first = false
	}
	select {
	case s.chunks <- chunk:
	case <-s.ctx.Done():
	}
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			name := tu.Name
			if canonical, ok := s.nameMap[name]; ok {
				name = canonical
			} else {
				name = desanitizeToolName(name)
			}
			s.toolNames[ev.Index] = name
			s.toolIDs[ev.Index] = tu.ID
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.emit(provmodel.StreamChunk{ContentDelta: delta.Text})
			}
		case sdk.InputJSONDelta:
			if delta.PartialJSON != "" {
				s.emit(provmodel.StreamChunk{ToolCallDelta: &provmodel.ToolCallDelta{
					Index:          int(ev.Index),
					ID:             s.toolIDs[ev.Index],
					Name:           s.toolNames[ev.Index],
					ArgumentsDelta: delta.PartialJSON,
				}})
			}
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				s.emit(provmodel.StreamChunk{Metadata: map[string]any{"type": "thinking", "thinking": delta.Thinking}})
			}
		case sdk.SignatureDelta:
			if delta.Signature != "" {
				s.emit(provmodel.StreamChunk{Metadata: map[string]any{"type": "thinking", "signature": delta.Signature}})
			}
		}
	case sdk.MessageDeltaEvent:
		s.stopReason = ev.Delta.StopReason
	case sdk.MessageStopEvent:
		finish := mapStopReason(s.stopReason)
		if len(s.toolNames) > 0 {
			finish = provmodel.FinishToolCalls
		}
		s.emit(provmodel.StreamChunk{Done: true, FinishReason: finish})
	}
}

func (s *streamer) Recv() (provmodel.StreamChunk, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}
	if err := s.err(); err != nil {
		return provmodel.StreamChunk{}, err
	}
	return provmodel.StreamChunk{Done: true}, nil
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (a *Adapter) Stream(ctx context.Context, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	params, nameMap := buildParams(req)
	stream := a.msg.NewStreaming(ctx, params)
	return newStreamer(ctx, stream, nameMap, a.id, req.Model), nil
}

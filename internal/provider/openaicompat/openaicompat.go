// Package openaicompat implements the C3 provider adapter for OpenAI and
// every OpenAI-wire-compatible provider (groq, mistral, togetherai,
// fireworks-ai, openrouter, and the rest of the canonical override table),
// using the official openai-go SDK against an overridden base URL.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/provmodel"
)

// Adapter implements provmodel.Adapter against OpenAI's chat completions
// wire format. BaseURL is overridden so the same client code serves every
// OpenAI-compatible provider; only the model id namespace differs.
type Adapter struct {
	id      string
	modelIDs []string
	client  openai.Client
	hasKey  bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New constructs an Adapter for providerID, talking to baseURL with apiKey,
// restricted to the given model ids (used by Models only; the
// wire call always uses whatever model the caller's request names).
func New(providerID, baseURL, apiKey string, modelIDs []string) *Adapter {
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Adapter{
		id:       providerID,
		modelIDs: modelIDs,
		client:   openai.NewClient(opts...),
		hasKey:   apiKey != "",
	}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Ready() bool { return a.hasKey }

func (a *Adapter) Models() []string { return a.modelIDs }

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

func convertMessages(msgs []provmodel.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case provmodel.RoleSystem:
			out = append(out, openai.SystemMessage(textOf(m)))
		case provmodel.RoleUser:
			out = append(out, openai.UserMessage(userContentParts(m)))
		case provmodel.RoleAssistant:
			out = append(out, assistantMessage(m))
		case provmodel.RoleTool:
			for _, tr := range m.ToolResults {
				out = append(out, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		}
	}
	return out
}

func textOf(m provmodel.Message) string {
	if m.Content != "" {
		return m.Content
	}
	for _, p := range m.Parts {
		if t, ok := p.(provmodel.TextPart); ok {
			return t.Text
		}
	}
	return ""
}

func userContentParts(m provmodel.Message) []openai.ChatCompletionContentPartUnionParam {
	if len(m.Parts) == 0 {
		return []openai.ChatCompletionContentPartUnionParam{
			{OfText: &openai.ChatCompletionContentPartTextParam{Text: m.Content}},
		}
	}
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch v := p.(type) {
		case provmodel.TextPart:
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfText: &openai.ChatCompletionContentPartTextParam{Text: v.Text},
			})
		case provmodel.ImagePart:
			url := v.URL
			if url == "" {
				url = "data:" + v.MediaType + ";base64," + v.Base64
			}
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfImageURL: &openai.ChatCompletionContentPartImageParam{
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: url},
				},
			})
		}
	}
	return parts
}

func assistantMessage(m provmodel.Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
	if content := textOf(m); content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(content),
		}
	}
	if len(m.ToolCalls) > 0 {
		assistant.ToolCalls = make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			assistant.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
				ID:   tc.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			}
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func convertTools(tools []provmodel.ToolDefinition) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(toParamsMap(t.Parameters)),
			},
		}
	}
	return out
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

func convertToolChoice(tc *provmodel.ToolChoice) openai.ChatCompletionToolChoiceOptionUnionParam {
	if tc == nil {
		return openai.ChatCompletionToolChoiceOptionUnionParam{}
	}
	switch tc.Mode {
	case provmodel.ToolChoiceNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}
	case provmodel.ToolChoiceRequired:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
	case provmodel.ToolChoiceNamed:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.Name},
			},
		}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
	}
}

func buildParams(req provmodel.CompletionRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}
	if req.ToolChoice != nil {
		params.ToolChoice = convertToolChoice(req.ToolChoice)
	}
	return params
}

func mapFinishReason(r string) provmodel.FinishReason {
	switch r {
	case "stop":
		return provmodel.FinishStop
	case "length":
		return provmodel.FinishLength
	case "tool_calls":
		return provmodel.FinishToolCalls
	case "content_filter":
		return provmodel.FinishContentFilter
	default:
		return provmodel.FinishStop
	}
}

func (a *Adapter) Complete(ctx context.Context, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	a.setCancel(cancel)
	defer cancel()

	params := buildParams(req)
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, gatewayerr.Internal("empty response from %s", a.id)
	}
	choice := resp.Choices[0]
	finish := mapFinishReason(string(choice.FinishReason))
	var toolCalls []provmodel.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, provmodel.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(toolCalls) > 0 {
		finish = provmodel.FinishToolCalls
	}
	return &provmodel.CompletionResponse{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Model:        resp.Model,
		Usage: provmodel.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// streamer adapts the openai-go streaming iterator to provmodel.Streamer.
type streamer struct {
	stream *openai.ChatCompletionNewStreamingResponse
	cancel context.CancelFunc
	acc    openai.ChatCompletionAccumulator
	first  bool
	providerID string
}

func (s *streamer) Recv() (provmodel.StreamChunk, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil && err != io.EOF {
			return provmodel.StreamChunk{}, classifyError(err)
		}
		finish := provmodel.FinishStop
		if len(s.acc.Choices) > 0 && s.acc.Choices[0].FinishReason != "" {
			finish = mapFinishReason(s.acc.Choices[0].FinishReason)
		}
		return provmodel.StreamChunk{Done: true, FinishReason: finish}, nil
	}
	chunk := s.stream.Current()
	s.acc.AddChunk(chunk)

	out := provmodel.StreamChunk{}
	if s.first {
		out.RoutingInfo = &provmodel.RoutingInfo{ProviderID: s.providerID, ModelID: chunk.Model}
		s.first = false
	}
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			out.ContentDelta = choice.Delta.Content
		}
		if len(choice.Delta.ToolCalls) > 0 {
			tc := choice.Delta.ToolCalls[0]
			out.ToolCallDelta = &provmodel.ToolCallDelta{
				Index:          int(tc.Index),
				ID:             tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			}
		}
	}
	return out, nil
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (a *Adapter) Stream(ctx context.Context, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a.setCancel(cancel)

	params := buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	return &streamer{stream: stream, cancel: cancel, first: true, providerID: a.id}, nil
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gatewayerr.Timeout("request timed out: %v", err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 401 {
			return gatewayerr.InternalWrap(err, "invalid API key")
		}
		return gatewayerr.InternalWrap(err, "upstream error (status %d)", apiErr.StatusCode)
	}
	return gatewayerr.InternalWrap(err, "request failed")
}

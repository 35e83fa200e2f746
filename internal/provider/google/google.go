// Package google implements the C3 provider adapter for Google's Gemini
// generateContent/streamGenerateContent REST API. No first-party Go SDK for
// this wire format appears among the retrieved examples, so the client is
// hand-rolled HTTP+SSE in the style of runtime/mcp's SSE caller, and the
// streaming/goroutine shape follows the Anthropic adapter in this module.
package google

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/provmodel"
)

// Adapter implements provmodel.Adapter against the Gemini REST API.
type Adapter struct {
	id       string
	baseURL  string
	apiKey   string
	modelIDs []string
	client   *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New constructs an Adapter. baseURL defaults to the Gemini v1beta endpoint
// when empty.
func New(providerID, baseURL, apiKey string, modelIDs []string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{id: providerID, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, modelIDs: modelIDs, client: client}
}

func (a *Adapter) ID() string       { return a.id }
func (a *Adapter) Ready() bool      { return a.apiKey != "" }
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

// geminiPart mirrors the subset of Gemini's Part union this adapter reads
// and writes: text, inline/file image data, and function call/response.
type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *geminiBlob     `json:"inlineData,omitempty"`
	FileData         *geminiFileData `json:"fileData,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp `json:"functionResponse,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFuncCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFuncResp struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
}

// roleFor renames the assistant role to Gemini's "model", and folds tool
// role into "user" since Gemini carries function responses as user-turn
// parts.
func roleFor(r provmodel.ConversationRole) string {
	switch r {
	case provmodel.RoleAssistant:
		return "model"
	case provmodel.RoleTool:
		return "user"
	default:
		return "user"
	}
}

func encodeParts(m provmodel.Message) []geminiPart {
	var parts []geminiPart
	if m.Content != "" {
		parts = append(parts, geminiPart{Text: m.Content})
	}
	for _, p := range m.Parts {
		switch v := p.(type) {
		case provmodel.TextPart:
			parts = append(parts, geminiPart{Text: v.Text})
		case provmodel.ImagePart:
			if v.URL != "" {
				parts = append(parts, geminiPart{FileData: &geminiFileData{MimeType: v.MediaType, FileURI: v.URL}})
			} else {
				parts = append(parts, geminiPart{InlineData: &geminiBlob{MimeType: v.MediaType, Data: v.Base64}})
			}
		}
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		if len(tc.Arguments) > 0 {
			_ = json.Unmarshal(tc.Arguments, &args)
		}
		part := geminiPart{FunctionCall: &geminiFuncCall{ID: tc.ID, Name: tc.Name, Args: args}}
		if sig, ok := tc.Meta["thoughtSignature"].(string); ok {
			part.ThoughtSignature = sig
		}
		parts = append(parts, part)
	}
	for _, tr := range m.ToolResults {
		resp := map[string]any{"content": tr.Content}
		if tr.IsError {
			resp["error"] = true
		}
		parts = append(parts, geminiPart{FunctionResponse: &geminiFuncResp{ID: tr.ToolCallID, Response: resp}})
	}
	return parts
}

func buildRequest(req provmodel.CompletionRequest) geminiRequest {
	var out geminiRequest
	for _, m := range req.Messages {
		if m.Role == provmodel.RoleSystem {
			out.SystemInstruction = &geminiContent{Parts: encodeParts(m)}
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: roleFor(m.Role), Parts: encodeParts(m)})
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	cfg := &geminiGenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.StopSequences,
	}
	out.GenerationConfig = cfg
	return out
}

// mapFinishReason follows Gemini's finishReason enum.
func mapFinishReason(r string) provmodel.FinishReason {
	switch r {
	case "STOP":
		return provmodel.FinishStop
	case "MAX_TOKENS":
		return provmodel.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return provmodel.FinishContentFilter
	case "":
		return provmodel.FinishStop
	default:
		return provmodel.FinishStop
	}
}

func decodeCandidate(c geminiCandidate) (string, []provmodel.ToolCall, string) {
	var text, thinking string
	var calls []provmodel.ToolCall
	for _, p := range c.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			tc := provmodel.ToolCall{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Arguments: args}
			if p.ThoughtSignature != "" {
				tc.Meta = map[string]any{"thoughtSignature": p.ThoughtSignature}
			}
			calls = append(calls, tc)
		case p.Thought:
			thinking += p.Text
		case p.Text != "":
			text += p.Text
		}
	}
	return text, calls, thinking
}

func (a *Adapter) endpoint(modelID, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", a.baseURL, modelID, method)
}

func (a *Adapter) Complete(ctx context.Context, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	a.setCancel(cancel)
	defer cancel()

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, gatewayerr.InternalWrap(err, "encode gemini request")
	}
	endpoint := a.endpoint(req.Model, "generateContent") + "?key=" + url.QueryEscape(a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.InternalWrap(err, "build gemini request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gatewayerr.InternalWrap(err, "read gemini response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatusError(resp.StatusCode, raw)
	}
	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, gatewayerr.InternalWrap(err, "decode gemini response")
	}
	if len(decoded.Candidates) == 0 {
		return nil, gatewayerr.Internal("empty response from %s", a.id)
	}
	text, calls, thinking := decodeCandidate(decoded.Candidates[0])
	finish := mapFinishReason(decoded.Candidates[0].FinishReason)
	if len(calls) > 0 {
		finish = provmodel.FinishToolCalls
	}
	return &provmodel.CompletionResponse{
		Content:      text,
		ToolCalls:    calls,
		FinishReason: finish,
		Model:        req.Model,
		Thinking:     thinking,
		Usage: provmodel.TokenUsage{
			PromptTokens:     decoded.UsageMetadata.PromptTokenCount,
			CompletionTokens: decoded.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      decoded.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func classifyTransportError(err error) error {
	return gatewayerr.InternalWrap(err, "request failed")
}

func classifyStatusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return gatewayerr.Internal("invalid API key: %s", msg)
	}
	if status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout {
		return gatewayerr.Timeout("gemini request timed out: %s", msg)
	}
	return gatewayerr.Internal("upstream error (status %d): %s", status, msg)
}

// streamer decodes a text/event-stream of geminiResponse fragments.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	reader *bufio.Reader
	chunks chan provmodel.StreamChunk

	mu       sync.Mutex
	finalErr error
	errSet   bool

	providerID, modelID string
	first               bool
}

func (a *Adapter) Stream(ctx context.Context, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	ctx, cancel := context.WithCancel(ctx)
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		cancel()
		return nil, gatewayerr.InternalWrap(err, "encode gemini request")
	}
	endpoint := a.endpoint(req.Model, "streamGenerateContent") + "?alt=sse&key=" + url.QueryEscape(a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, gatewayerr.InternalWrap(err, "build gemini request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, classifyStatusError(resp.StatusCode, raw)
	}
	a.setCancel(cancel)
	s := &streamer{
		ctx: ctx, cancel: cancel, body: resp.Body, reader: bufio.NewReader(resp.Body),
		chunks: make(chan provmodel.StreamChunk, 32), providerID: a.id, modelID: req.Model, first: true,
	}
	go s.run()
	return s, nil
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
	defer s.body.Close()
	for {
		data, err := readSSEData(s.reader)
		if err != nil {
			if err != io.EOF {
				s.setErr(gatewayerr.InternalWrap(err, "read gemini stream"))
			}
			return
		}
		if data == "" {
			continue
		}
		var decoded geminiResponse
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			s.setErr(gatewayerr.InternalWrap(err, "decode gemini stream chunk"))
			return
		}
		if len(decoded.Candidates) == 0 {
			continue
		}
		text, calls, thinking := decodeCandidate(decoded.Candidates[0])
		chunk := provmodel.StreamChunk{}
		if s.first {
			chunk.RoutingInfo = &provmodel.RoutingInfo{ProviderID: s.providerID, ModelID: s.modelID}
			s.first = false
		}
		if text != "" {
			chunk.ContentDelta = text
		}
		if thinking != "" {
			chunk.Metadata = map[string]any{"type": "thinking", "thinking": thinking}
		}
		if len(calls) > 0 {
			tc := calls[0]
			chunk.ToolCallDelta = &provmodel.ToolCallDelta{ID: tc.ID, Name: tc.Name, ArgumentsDelta: string(tc.Arguments)}
		}
		if fr := decoded.Candidates[0].FinishReason; fr != "" {
			finish := mapFinishReason(fr)
			if len(calls) > 0 {
				finish = provmodel.FinishToolCalls
			}
			chunk.Done = true
			chunk.FinishReason = finish
			select {
			case s.chunks <- chunk:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case s.chunks <- chunk:
		case <-s.ctx.Done():
			return
		}
	}
}

// readSSEData reads one SSE "data:" field, joining continuation lines,
// stopping at the blank line that terminates an event.
func readSSEData(r *bufio.Reader) (string, error) {
	var data strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if data.Len() > 0 {
				return data.String(), nil
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			return data.String(), nil
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
		}
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
	return nil
}

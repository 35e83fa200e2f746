package openaicompat

import (
	"context"
	"fmt"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/core/internal/gatewayerr"
	"github.com/aigateway/core/internal/provmodel"
)

func TestMapFinishReason(t *testing.T) {
	cases := map[string]provmodel.FinishReason{
		"stop":           provmodel.FinishStop,
		"length":         provmodel.FinishLength,
		"tool_calls":     provmodel.FinishToolCalls,
		"content_filter": provmodel.FinishContentFilter,
		"unknown-value":  provmodel.FinishStop,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapFinishReason(in))
	}
}

func TestBuildParamsIncludesToolsAndStop(t *testing.T) {
	req := provmodel.CompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []provmodel.Message{
			{Role: provmodel.RoleSystem, Content: "be terse"},
			{Role: provmodel.RoleUser, Content: "hi"},
		},
		MaxTokens:     128,
		StopSequences: []string{"\n\n"},
		Tools: []provmodel.ToolDefinition{
			{Name: "lookup", Description: "look something up", Parameters: map[string]any{"type": "object"}},
		},
	}
	params := buildParams(req)
	assert.Equal(t, openai.ChatModel("gpt-4o-mini"), params.Model)
	assert.Len(t, params.Messages, 2)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "lookup", params.Tools[0].Function.Name)
	assert.Equal(t, []string{"\n\n"}, params.Stop.OfStringArray)
}

func TestConvertToolChoiceNamed(t *testing.T) {
	tc := &provmodel.ToolChoice{Mode: provmodel.ToolChoiceNamed, Name: "lookup"}
	choice := convertToolChoice(tc)
	require.NotNil(t, choice.OfChatCompletionNamedToolChoice)
	assert.Equal(t, "lookup", choice.OfChatCompletionNamedToolChoice.Function.Name)
}

func TestClassifyErrorAuthMarksNotRetryable(t *testing.T) {
	err := classifyError(&openai.Error{StatusCode: 401})
	assert.False(t, gatewayerr.Retryable(err))
}

func TestClassifyErrorUpstream5xxRetryable(t *testing.T) {
	err := classifyError(&openai.Error{StatusCode: 503})
	assert.True(t, gatewayerr.Retryable(err))
}

func TestClassifyErrorDeadlineExceeded(t *testing.T) {
	err := classifyError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	assert.True(t, gatewayerr.Retryable(err))
}

func TestTextOfPrefersContentThenParts(t *testing.T) {
	m := provmodel.Message{Parts: []provmodel.Part{provmodel.TextPart{Text: "from part"}}}
	assert.Equal(t, "from part", textOf(m))
	m2 := provmodel.Message{Content: "direct"}
	assert.Equal(t, "direct", textOf(m2))
}

package google

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/core/internal/provmodel"
)

func TestRoleForRenamesAssistantToModel(t *testing.T) {
	assert.Equal(t, "model", roleFor(provmodel.RoleAssistant))
	assert.Equal(t, "user", roleFor(provmodel.RoleUser))
	assert.Equal(t, "user", roleFor(provmodel.RoleTool))
}

func TestBuildRequestSplitsSystemInstruction(t *testing.T) {
	req := provmodel.CompletionRequest{
		Messages: []provmodel.Message{
			{Role: provmodel.RoleSystem, Content: "be terse"},
			{Role: provmodel.RoleUser, Content: "hi"},
		},
	}
	out := buildRequest(req)
	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "be terse", out.SystemInstruction.Parts[0].Text)
	require.Len(t, out.Contents, 1)
	assert.Equal(t, "user", out.Contents[0].Role)
}

func TestEncodePartsInlineImageVsURL(t *testing.T) {
	m := provmodel.Message{Parts: []provmodel.Part{
		provmodel.ImagePart{Base64: "abc", MediaType: "image/png"},
		provmodel.ImagePart{URL: "https://example.com/x.png", MediaType: "image/png"},
	}}
	parts := encodeParts(m)
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].InlineData)
	assert.Equal(t, "abc", parts[0].InlineData.Data)
	require.NotNil(t, parts[1].FileData)
	assert.Equal(t, "https://example.com/x.png", parts[1].FileData.FileURI)
}

func TestToolCallPreservesThoughtSignature(t *testing.T) {
	m := provmodel.Message{ToolCalls: []provmodel.ToolCall{
		{ID: "call1", Name: "lookup", Arguments: []byte(`{"q":"x"}`), Meta: map[string]any{"thoughtSignature": "sig123"}},
	}}
	parts := encodeParts(m)
	require.Len(t, parts, 1)
	assert.Equal(t, "sig123", parts[0].ThoughtSignature)
	assert.Equal(t, "lookup", parts[0].FunctionCall.Name)
}

func TestMapFinishReasonTable(t *testing.T) {
	assert.Equal(t, provmodel.FinishStop, mapFinishReason("STOP"))
	assert.Equal(t, provmodel.FinishLength, mapFinishReason("MAX_TOKENS"))
	assert.Equal(t, provmodel.FinishContentFilter, mapFinishReason("SAFETY"))
}

func TestDecodeCandidateSeparatesThoughtFromText(t *testing.T) {
	c := geminiCandidate{Content: geminiContent{Parts: []geminiPart{
		{Text: "reasoning...", Thought: true},
		{Text: "final answer"},
	}}}
	text, calls, thinking := decodeCandidate(c)
	assert.Equal(t, "final answer", text)
	assert.Equal(t, "reasoning...", thinking)
	assert.Empty(t, calls)
}

func TestReadSSEDataStopsAtBlankLine(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: ignored-without-trailing-blank"
	r := bufio.NewReader(strings.NewReader(input))
	data, err := readSSEData(r)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, data)
}

func TestEndpointShape(t *testing.T) {
	a := New("google", "", "key123", nil, nil)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent", a.endpoint("gemini-2.0-flash", "generateContent"))
}

package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/core/internal/provmodel"
)

func TestSanitizeToolNameRoundTrips(t *testing.T) {
	canonical := "search.web.fetch"
	sanitized := sanitizeToolName(canonical)
	assert.Equal(t, "search__web__fetch", sanitized)
	assert.Equal(t, canonical, desanitizeToolName(sanitized))
}

func TestSplitSystemBlockInsertsCacheControlBeforeMarker(t *testing.T) {
	text := "intro text\n## Current Context\nthe rest"
	blocks := splitSystemBlock(text)
	require.Len(t, blocks, 2)
	assert.Equal(t, "intro text\n", blocks[0].Text)
	assert.Equal(t, "ephemeral", string(blocks[0].CacheControl.Type))
	assert.Equal(t, "## Current Context\nthe rest", blocks[1].Text)
}

func TestSplitSystemBlockNoMarkerReturnsSingleBlock(t *testing.T) {
	blocks := splitSystemBlock("just plain text")
	require.Len(t, blocks, 1)
	assert.Equal(t, "just plain text", blocks[0].Text)
}

func TestEncodeToolsProducesSanitizedNameMap(t *testing.T) {
	tools := []provmodel.ToolDefinition{{Name: "fs.read", Description: "read a file", Parameters: map[string]any{"type": "object"}}}
	encoded, nameMap := encodeTools(tools)
	require.Len(t, encoded, 1)
	assert.Equal(t, "fs__read", nameMap["fs.read"])
}

func TestMapStopReasonToolUse(t *testing.T) {
	assert.Equal(t, provmodel.FinishToolCalls, mapStopReason("tool_use"))
	assert.Equal(t, provmodel.FinishLength, mapStopReason("max_tokens"))
	assert.Equal(t, provmodel.FinishStop, mapStopReason("end_turn"))
}

package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/llm"
)

func TestAdaptMessagesRoundTripsToolCalls(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "what's the weather"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "get_weather", Args: json.RawMessage(`{"city":"Berlin"}`)}}},
		{Role: "tool", ToolID: "call-1", Content: `{"temp":20}`},
	}
	sys, converted, err := adaptMessages(msgs)
	require.NoError(t, err)
	assert.Len(t, sys, 1)
	assert.Equal(t, "be terse", sys[0].Text)
	assert.Len(t, converted, 3)
}

func TestAdaptMessagesRejectsUnknownRole(t *testing.T) {
	_, _, err := adaptMessages([]llm.Message{{Role: "narrator", Content: "x"}})
	assert.Error(t, err)
}

func TestAdaptToolsRequiresName(t *testing.T) {
	_, err := adaptTools([]llm.ToolSchema{{Description: "no name"}})
	assert.Error(t, err)
}

func TestDecodeArgsFallsBackToEmptyObject(t *testing.T) {
	assert.Equal(t, map[string]any{}, decodeArgs(nil))
	assert.Equal(t, map[string]any{}, decodeArgs(json.RawMessage("not json")))
	assert.Equal(t, map[string]any{"a": float64(1)}, decodeArgs(json.RawMessage(`{"a":1}`)))
}

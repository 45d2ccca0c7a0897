package google

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/llm"
)

func TestToContentsMapsRoles(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "lookup", Args: json.RawMessage(`{"q":"go"}`)}}},
		{Role: "tool", ToolID: "call-1", Content: `{"result":"ok"}`},
	}
	contents, err := toContents(msgs)
	require.NoError(t, err)
	assert.Len(t, contents, 4)
}

func TestToContentsRejectsUnknownRole(t *testing.T) {
	_, err := toContents([]llm.Message{{Role: "narrator", Content: "x"}})
	assert.Error(t, err)
}

func TestAdaptToolChoiceForcesSingleTool(t *testing.T) {
	cfg := adaptToolChoice(llm.Tool("code.get_docs"))
	assert.Equal(t, []string{"code.get_docs"}, cfg.FunctionCallingConfig.AllowedFunctionNames)
}

func TestAdaptToolsRequiresName(t *testing.T) {
	_, err := adaptTools([]llm.ToolSchema{{Description: "no name"}})
	assert.Error(t, err)
}

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToolCallAccumulatorReassemblesFragments(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(1, ToolCallDelta{ID: "call_b", NameDelta: "get_weather"})
	acc.Add(0, ToolCallDelta{ID: "call_a", NameDelta: "get_docs"})
	acc.Add(0, ToolCallDelta{ArgsDelta: `{"query":`})
	acc.Add(0, ToolCallDelta{ArgsDelta: `"go"}`})
	acc.Add(1, ToolCallDelta{ArgsDelta: `{"city":"Berlin"}`})

	calls := acc.Finalize()
	assert.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "get_docs", calls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, string(calls[0].Args))
	assert.Equal(t, "call_b", calls[1].ID)
	assert.JSONEq(t, `{"city":"Berlin"}`, string(calls[1].Args))
}

func TestToolCallAccumulatorDropsUnnamedCalls(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(0, ToolCallDelta{ArgsDelta: `{}`})
	assert.Empty(t, acc.Finalize())
}

func TestToolCallAccumulatorDefaultsEmptyArgs(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(0, ToolCallDelta{NameDelta: "noop"})
	calls := acc.Finalize()
	assert.Len(t, calls, 1)
	assert.JSONEq(t, `{}`, string(calls[0].Args))
}

func TestToolChoiceConstructors(t *testing.T) {
	assert.Equal(t, ToolChoiceAuto, Auto.Mode)
	assert.Equal(t, ToolChoiceNone, None.Mode)
	assert.Equal(t, ToolChoiceAny, Any.Mode)
	tc := Tool("code.get_docs")
	assert.Equal(t, ToolChoiceTool, tc.Mode)
	assert.Equal(t, "code.get_docs", tc.Name)
}

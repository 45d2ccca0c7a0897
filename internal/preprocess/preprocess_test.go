package preprocess

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
)

type fakeProvider struct {
	resp      llm.UnifiedResponse
	err       error
	gotChoice llm.ToolChoice
	gotTools  []llm.ToolSchema
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (llm.UnifiedResponse, error) {
	f.gotChoice = choice
	f.gotTools = tools
	return f.resp, f.err
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string, events chan<- llm.StreamEvent) error {
	close(events)
	return nil
}

func newTestStage(t *testing.T, fp *fakeProvider) *Stage {
	t.Helper()
	return &Stage{
		provider:    fp,
		model:       "gpt-5-mini",
		description: NewTemplate("Available apps: {AVAILABLE_APPS}"),
		models: config.ModelsConfig{
			Fast:     config.ModelRef{Provider: "openai", Model: "gpt-5-mini"},
			Balanced: config.ModelRef{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			Max:      config.ModelRef{Provider: "anthropic", Model: "claude-opus-4-1"},
		},
	}
}

func TestRunForcesToolChoiceAndResolvesModel(t *testing.T) {
	fp := &fakeProvider{
		resp: llm.UnifiedResponse{
			Success: true,
			Message: llm.Message{
				Role: "assistant",
				ToolCalls: []llm.ToolCall{{
					ID:   "call-1",
					Name: ToolName,
					Args: json.RawMessage(`{"action":["code.get_docs"],"model_selector":"balanced","summary":"user wants docs","tags":["code"]}`),
				}},
			},
			Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	}
	stage := newTestStage(t, fp)

	decision, err := stage.Run(context.Background(), []llm.Message{{Role: "user", Content: "help me"}}, map[string]string{"AVAILABLE_APPS": "code, web"})
	require.NoError(t, err)

	assert.Equal(t, llm.Any, fp.gotChoice)
	require.Len(t, fp.gotTools, 1)
	assert.Contains(t, fp.gotTools[0].Description, "code, web")

	assert.Equal(t, []string{"code.get_docs"}, decision.Skills)
	assert.Equal(t, TierBalanced, decision.ModelTier)
	assert.Equal(t, "anthropic", decision.MainStageModel.Provider)
	assert.Equal(t, "claude-sonnet-4-5", decision.MainStageModel.Model)
	assert.Equal(t, "user wants docs", decision.Summary)
}

func TestRunTruncatesOversizedSummary(t *testing.T) {
	longSummary := ""
	for i := 0; i < 30; i++ {
		longSummary += "word "
	}
	fp := &fakeProvider{
		resp: llm.UnifiedResponse{
			Success: true,
			Message: llm.Message{ToolCalls: []llm.ToolCall{{
				Name: ToolName,
				Args: json.RawMessage(`{"action":[],"model_selector":"fast","summary":"` + longSummary + `"}`),
			}}},
		},
	}
	stage := newTestStage(t, fp)
	decision, err := stage.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(splitOnSpace(decision.Summary)), 20)
}

func splitOnSpace(s string) []string {
	var out []string
	word := ""
	for _, r := range s {
		if r == ' ' {
			if word != "" {
				out = append(out, word)
			}
			word = ""
			continue
		}
		word += string(r)
	}
	if word != "" {
		out = append(out, word)
	}
	return out
}

func TestRunFailsWithPreprocessFailedWhenNoToolCall(t *testing.T) {
	fp := &fakeProvider{resp: llm.UnifiedResponse{Success: true}}
	stage := newTestStage(t, fp)
	_, err := stage.Run(context.Background(), nil, nil)
	require.Error(t, err)
	pe, ok := pipelineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "PREPROCESS_FAILED", pe.Message)
}

func TestRunFailsWithPreprocessFailedOnInvalidModelSelector(t *testing.T) {
	fp := &fakeProvider{
		resp: llm.UnifiedResponse{
			Success: true,
			Message: llm.Message{ToolCalls: []llm.ToolCall{{
				Name: ToolName,
				Args: json.RawMessage(`{"action":[],"model_selector":"ultra"}`),
			}}},
		},
	}
	stage := newTestStage(t, fp)
	_, err := stage.Run(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, pipelineerr.Is(err, pipelineerr.KindInternal))
}

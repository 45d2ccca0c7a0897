package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/llm"
)

type fakeProvider struct {
	resp llm.UnifiedResponse
	err  error
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (llm.UnifiedResponse, error) {
	return f.resp, f.err
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string, events chan<- llm.StreamEvent) error {
	close(events)
	return nil
}

func newTestStage(fp *fakeProvider) *Stage {
	return &Stage{provider: fp, model: "mistral-small-latest"}
}

func toolCallResponse(name string, args any) llm.UnifiedResponse {
	raw, _ := json.Marshal(args)
	return llm.UnifiedResponse{
		Success: true,
		Message: llm.Message{
			Role:      "assistant",
			ToolCalls: []llm.ToolCall{{ID: "call-1", Name: name, Args: raw}},
		},
	}
}

func TestPhase1FiltersAndTruncates(t *testing.T) {
	fp := &fakeProvider{resp: toolCallResponse(ToolNamePhase1, map[string]any{
		"follow_up_request_suggestions": []string{
			"one two three four five six seven", "second suggestion here now", "third", "fourth", "fifth", "sixth", "seventh overflow entry",
		},
		"new_chat_request_suggestions":        []string{"start a new chat about recipes today"},
		"harmful_response":                    15.0,
		"top_recommended_apps_for_user":       []string{"code", "web", "unknown_app", "travel"},
		"chat_summary":                        "this is a very long summary that has way more than twenty words in it and should be truncated down to exactly twenty words for the edge to display",
		"relevant_settings_memory_categories": []string{"settings.language", "bogus.category", "settings.timezone"},
	})}
	stage := newTestStage(fp)

	result := stage.Phase1(context.Background(), Phase1Input{
		AssistantResponse: "Here's the answer.",
		AvailableApps:     []string{"code", "web", "travel"},
		AvailableCategories: []MemoryCategory{
			{ID: "settings.language", Description: "preferred language"},
			{ID: "settings.timezone", Description: "preferred timezone"},
		},
	})

	require.Len(t, result.FollowUpSuggestions, maxSuggestions)
	assert.Equal(t, "one two three four five", result.FollowUpSuggestions[0])
	assert.Equal(t, 10.0, result.HarmfulResponse)
	assert.Equal(t, []string{"code", "web", "travel"}, result.TopRecommendedApps)
	assert.LessOrEqual(t, len(wordsOf(result.ChatSummary)), 20)
	assert.Equal(t, []string{"settings.language", "settings.timezone"}, result.RelevantCategories)
}

func TestPhase1ReturnsEmptyResultOnProviderFailure(t *testing.T) {
	fp := &fakeProvider{err: errors.New("provider unavailable")}
	stage := newTestStage(fp)

	result := stage.Phase1(context.Background(), Phase1Input{AssistantResponse: "x"})
	assert.Equal(t, Phase1Result{}, result)
}

func TestPhase1ReturnsEmptyResultWhenNoToolCallMade(t *testing.T) {
	fp := &fakeProvider{resp: llm.UnifiedResponse{Success: true, Message: llm.Message{Role: "assistant", Content: "no tool call"}}}
	stage := newTestStage(fp)

	result := stage.Phase1(context.Background(), Phase1Input{AssistantResponse: "x"})
	assert.Equal(t, Phase1Result{}, result)
}

func TestPhase2SkippedWhenNoCategoriesSelected(t *testing.T) {
	fp := &fakeProvider{resp: toolCallResponse(ToolNamePhase2, map[string]any{
		"suggested_entries": []map[string]any{
			{"app_id": "settings", "item_type": "language", "suggested_title": "Preferred language", "item_value": map[string]any{"value": "en"}},
		},
	})}
	stage := newTestStage(fp)

	result := stage.Phase2(context.Background(), Phase2Input{})
	assert.Equal(t, Phase2Result{}, result)
}

func TestPhase2FiltersByAllowedCategoryAndRequiredFields(t *testing.T) {
	fp := &fakeProvider{resp: toolCallResponse(ToolNamePhase2, map[string]any{
		"suggested_entries": []map[string]any{
			{"app_id": "settings", "item_type": "language", "suggested_title": "Preferred language", "item_value": map[string]any{"value": "en"}},
			{"app_id": "settings", "item_type": "not_allowed", "suggested_title": "Should be dropped", "item_value": map[string]any{"value": "x"}},
			{"app_id": "settings", "item_type": "timezone", "suggested_title": "", "item_value": map[string]any{"value": "UTC"}},
			{"app_id": "settings", "item_type": "theme", "suggested_title": "Missing value", "item_value": map[string]any{}},
		},
	})}
	stage := newTestStage(fp)

	result := stage.Phase2(context.Background(), Phase2Input{
		AssistantResponse: "noted your preference",
		UserMessage:       "I prefer English and UTC",
		Categories:        []string{"settings.language", "settings.timezone", "settings.theme"},
		Schemas: map[string]CategorySchema{
			"settings.language": {AppID: "settings", ItemType: "language", Schema: map[string]any{"type": "object"}},
		},
	})

	require.Len(t, result.SuggestedMemories, 1)
	assert.Equal(t, "settings", result.SuggestedMemories[0].AppID)
	assert.Equal(t, "language", result.SuggestedMemories[0].ItemType)
	assert.Equal(t, "Preferred language", result.SuggestedMemories[0].SuggestedTitle)
}

func TestPhase2CapsAtMaxMemories(t *testing.T) {
	entries := make([]map[string]any, 0, 5)
	categories := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		itemType := "cat" + string(rune('a'+i))
		entries = append(entries, map[string]any{
			"app_id": "settings", "item_type": itemType,
			"suggested_title": "title", "item_value": map[string]any{"value": i},
		})
		categories = append(categories, "settings."+itemType)
	}
	fp := &fakeProvider{resp: toolCallResponse(ToolNamePhase2, map[string]any{"suggested_entries": entries})}
	stage := newTestStage(fp)

	result := stage.Phase2(context.Background(), Phase2Input{
		AssistantResponse: "noted",
		UserMessage:       "prefs",
		Categories:        categories,
		Schemas:           map[string]CategorySchema{"settings.cata": {AppID: "settings", ItemType: "cata"}},
	})

	assert.Len(t, result.SuggestedMemories, maxMemories)
}

func TestPhase2ReturnsEmptyResultOnProviderFailure(t *testing.T) {
	fp := &fakeProvider{err: errors.New("provider unavailable")}
	stage := newTestStage(fp)

	result := stage.Phase2(context.Background(), Phase2Input{
		Categories: []string{"settings.language"},
		Schemas:    map[string]CategorySchema{"settings.language": {}},
	})
	assert.Equal(t, Phase2Result{}, result)
}

func wordsOf(s string) []string {
	var words []string
	word := ""
	for _, r := range s {
		if r == ' ' {
			if word != "" {
				words = append(words, word)
				word = ""
			}
			continue
		}
		word += string(r)
	}
	if word != "" {
		words = append(words, word)
	}
	return words
}

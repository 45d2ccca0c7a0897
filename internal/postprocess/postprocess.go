// Package postprocess implements the Postprocess Stage (component G): two
// forced-tool-call phases that produce edge suggestions and, when the
// conversation revealed durable preferences, candidate settings/memory
// entries. Skipped entirely for incognito tasks.
package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/llm/providers"
)

// MemoryCategory is one selectable settings/memory category, offered to
// Phase 1 as a compact (id, description) pair without its full schema —
// ported from the original's extract_settings_memory_categories, which
// deliberately strips the full schema out of the Phase-1 prompt to keep
// token usage low.
type MemoryCategory struct {
	ID          string
	Description string
}

// CategorySchema is a memory category's full JSON Schema, fetched only for
// the categories Phase 1 selected (ground for Phase 2's per-schema prompt).
type CategorySchema struct {
	AppID    string
	ItemType string
	Schema   map[string]any
}

// Phase1Result is the validated output of Phase 1.
type Phase1Result struct {
	FollowUpSuggestions []string
	NewChatSuggestions  []string
	HarmfulResponse     float64
	TopRecommendedApps  []string
	ChatSummary         string
	RelevantCategories  []string
}

// SuggestedMemoryEntry is one candidate settings/memory entry Phase 2
// produced, per spec.md §4.G.
type SuggestedMemoryEntry struct {
	AppID          string
	ItemType       string
	SuggestedTitle string
	ItemValue      map[string]any
}

// Phase2Result is the validated output of Phase 2.
type Phase2Result struct {
	SuggestedMemories []SuggestedMemoryEntry
}

const (
	maxSuggestions  = 6
	maxWordsPerItem = 5
	maxApps         = 5
	maxCategories   = 3
	maxMemories     = 3
)

type phase1ToolArgs struct {
	FollowUpRequestSuggestions []string `json:"follow_up_request_suggestions"`
	NewChatRequestSuggestions  []string `json:"new_chat_request_suggestions"`
	HarmfulResponse            float64  `json:"harmful_response"`
	TopRecommendedAppsForUser  []string `json:"top_recommended_apps_for_user"`
	ChatSummary                string   `json:"chat_summary"`
	RelevantSettingsMemoryCats []string `json:"relevant_settings_memory_categories"`
}

type phase2Entry struct {
	AppID          string         `json:"app_id"`
	ItemType       string         `json:"item_type"`
	SuggestedTitle string         `json:"suggested_title"`
	ItemValue      map[string]any `json:"item_value"`
}

type phase2ToolArgs struct {
	SuggestedEntries []phase2Entry `json:"suggested_entries"`
}

// ToolNamePhase1 and ToolNamePhase2 are the fixed tool names each phase's
// forced call is made under, matching the original's
// postprocess_response_tool / generate_settings_memories_tool.
const (
	ToolNamePhase1 = "postprocess_response"
	ToolNamePhase2 = "generate_settings_memories"
)

// Stage runs both postprocess phases against a single small-model provider.
type Stage struct {
	provider llm.Provider
	model    string
}

// New builds a Stage from the balanced-tier provider, the same tier the
// original used ("mistral/mistral-small-latest") for both phases.
func New(cfg config.Config, httpClient *http.Client) (*Stage, error) {
	ref := cfg.Models.Balanced
	p, err := providers.Build(providers.Name(ref.Provider), cfg.Providers, httpClient)
	if err != nil {
		return nil, fmt.Errorf("postprocess: building provider: %w", err)
	}
	return &Stage{provider: p, model: ref.Model}, nil
}

// Phase1Input carries everything the first forced call's prompt needs.
type Phase1Input struct {
	AssistantResponse   string
	ChatTags            []string
	AvailableApps       []string
	AvailableCategories []MemoryCategory
	History             []llm.Message
}

// Phase1 selects up to 6+6 suggestions, a harmful-response score, up to 5
// recommended apps, an updated chat summary, and up to 3 candidate memory
// categories. A provider failure never fails the task (spec.md §4.G/§7):
// it logs and returns a zero-value Phase1Result instead of an error.
func (s *Stage) Phase1(ctx context.Context, in Phase1Input) Phase1Result {
	messages := append(append([]llm.Message{}, in.History...), llm.Message{
		Role:    "user",
		Content: "Assistant's latest response: " + in.AssistantResponse,
	})

	tool := phase1Schema(in.AvailableApps, in.AvailableCategories)
	resp, err := s.provider.Chat(ctx, messages, []llm.ToolSchema{tool}, llm.Any, s.model)
	if err != nil || !resp.Success || len(resp.Message.ToolCalls) == 0 {
		log.Warn().Err(err).Msg("postprocess: phase 1 failed, returning empty suggestions")
		return Phase1Result{}
	}

	var args phase1ToolArgs
	if jerr := json.Unmarshal(resp.Message.ToolCalls[0].Args, &args); jerr != nil {
		log.Warn().Err(jerr).Msg("postprocess: phase 1 returned unparseable arguments")
		return Phase1Result{}
	}

	availableAppSet := toSet(in.AvailableApps)
	availableCategorySet := make(map[string]struct{}, len(in.AvailableCategories))
	for _, c := range in.AvailableCategories {
		availableCategorySet[c.ID] = struct{}{}
	}

	return Phase1Result{
		FollowUpSuggestions: truncateItems(args.FollowUpRequestSuggestions, maxSuggestions, maxWordsPerItem),
		NewChatSuggestions:  truncateItems(args.NewChatRequestSuggestions, maxSuggestions, maxWordsPerItem),
		HarmfulResponse:     clamp(args.HarmfulResponse, 0, 10),
		TopRecommendedApps:  filterAndCap(args.TopRecommendedAppsForUser, availableAppSet, maxApps),
		ChatSummary:         truncateWords(args.ChatSummary, 20),
		RelevantCategories:  filterAndCap(args.RelevantSettingsMemoryCats, availableCategorySet, maxCategories),
	}
}

// Phase2Input carries everything the second forced call's prompt needs.
// Callers must only invoke Phase2 when Phase1Result.RelevantCategories is
// non-empty — the dependency is compile-time-visible (this function takes
// the categories directly, not an implicit "should I run" flag), per
// spec.md §9's design note.
type Phase2Input struct {
	AssistantResponse string
	UserMessage       string
	Categories        []string
	Schemas           map[string]CategorySchema
}

// Phase2 generates up to 3 candidate memory entries for the categories
// Phase 1 selected. Like Phase1, a provider failure returns an empty
// result rather than an error.
func (s *Stage) Phase2(ctx context.Context, in Phase2Input) Phase2Result {
	if len(in.Categories) == 0 || len(in.Schemas) == 0 {
		return Phase2Result{}
	}

	messages := []llm.Message{
		{Role: "system", Content: phase2SystemPrompt(in.Schemas)},
		{Role: "user", Content: fmt.Sprintf(
			"Last user message: %s\n\nAssistant's response: %s\n\nGenerate settings/memory entries only if the user clearly expressed preferences or facts worth remembering.",
			in.UserMessage, in.AssistantResponse)},
	}

	tool := phase2Schema()
	resp, err := s.provider.Chat(ctx, messages, []llm.ToolSchema{tool}, llm.Any, s.model)
	if err != nil || !resp.Success || len(resp.Message.ToolCalls) == 0 {
		log.Warn().Err(err).Msg("postprocess: phase 2 failed, returning no suggested memories")
		return Phase2Result{}
	}

	var args phase2ToolArgs
	if jerr := json.Unmarshal(resp.Message.ToolCalls[0].Args, &args); jerr != nil {
		log.Warn().Err(jerr).Msg("postprocess: phase 2 returned unparseable arguments")
		return Phase2Result{}
	}

	allowed := toSet(in.Categories)
	entries := make([]SuggestedMemoryEntry, 0, maxMemories)
	for _, e := range args.SuggestedEntries {
		if len(entries) >= maxMemories {
			break
		}
		categoryID := e.AppID + "." + e.ItemType
		if _, ok := allowed[categoryID]; !ok {
			continue
		}
		if e.SuggestedTitle == "" || len(e.ItemValue) == 0 {
			continue
		}
		entries = append(entries, SuggestedMemoryEntry{
			AppID:          e.AppID,
			ItemType:       e.ItemType,
			SuggestedTitle: e.SuggestedTitle,
			ItemValue:      e.ItemValue,
		})
	}
	return Phase2Result{SuggestedMemories: entries}
}

func phase1Schema(availableApps []string, categories []MemoryCategory) llm.ToolSchema {
	return llm.ToolSchema{
		Name:        ToolNamePhase1,
		Description: "Select follow-up suggestions, recommended apps, and relevant settings/memory categories for this conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"follow_up_request_suggestions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"new_chat_request_suggestions":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"harmful_response":              map[string]any{"type": "number"},
				"top_recommended_apps_for_user": map[string]any{"type": "array", "items": map[string]any{"type": "string", "enum": availableApps}},
				"chat_summary":                  map[string]any{"type": "string"},
				"relevant_settings_memory_categories": map[string]any{
					"type": "array", "items": map[string]any{"type": "string", "enum": categoryIDs(categories)},
				},
			},
			"required": []string{"follow_up_request_suggestions", "new_chat_request_suggestions"},
		},
	}
}

func phase2Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        ToolNamePhase2,
		Description: "Generate up to 3 settings/memory entries strictly from facts the conversation made certain.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"suggested_entries": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"app_id":          map[string]any{"type": "string"},
							"item_type":       map[string]any{"type": "string"},
							"suggested_title": map[string]any{"type": "string"},
							"item_value":      map[string]any{"type": "object"},
						},
						"required": []string{"app_id", "item_type", "suggested_title", "item_value"},
					},
				},
			},
		},
	}
}

func phase2SystemPrompt(schemas map[string]CategorySchema) string {
	prompt := "You are generating settings/memory entries based on a conversation.\n\n" +
		"Only fill fields you are certain about from the conversation. If the user " +
		"didn't explicitly state something, leave it out. Better to suggest nothing " +
		"than to suggest something uncertain. Maximum 3 entries total.\n\nSchemas:\n"
	for id, schema := range schemas {
		raw, _ := json.Marshal(schema.Schema)
		prompt += fmt.Sprintf("- %s (app: %s, type: %s): %s\n", id, schema.AppID, schema.ItemType, string(raw))
	}
	return prompt
}

func categoryIDs(categories []MemoryCategory) []string {
	ids := make([]string, len(categories))
	for i, c := range categories {
		ids[i] = c.ID
	}
	return ids
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func filterAndCap(items []string, allowed map[string]struct{}, cap int) []string {
	out := make([]string, 0, cap)
	for _, item := range items {
		if len(out) >= cap {
			break
		}
		if _, ok := allowed[item]; ok {
			out = append(out, item)
		}
	}
	return out
}

// truncateItems caps items to maxCount entries and each entry to
// maxWordsPerItem words, per spec.md §4.G's "up to 6 strings, ≤5 words
// each" shape shared by both suggestion lists.
func truncateItems(items []string, maxCount, maxWordsPerItem int) []string {
	if len(items) > maxCount {
		items = items[:maxCount]
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = truncateWords(item, maxWordsPerItem)
	}
	return out
}

func truncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ")
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

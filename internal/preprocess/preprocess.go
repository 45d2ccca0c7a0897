// Package preprocess implements the Preprocess Stage (component D): a
// single forced tool call against a small/fast model that decides which
// skills to invoke, which model tier runs the Main Stage, a short chat
// summary, and a tag set.
package preprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/llm/providers"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
)

// ModelTier is the model_selector enum spec.md §4.D requires.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierBalanced ModelTier = "balanced"
	TierMax      ModelTier = "max"
)

func (t ModelTier) valid() bool {
	switch t {
	case TierFast, TierBalanced, TierMax:
		return true
	default:
		return false
	}
}

// Decision is the Preprocess Stage's output: the skills selected for
// dispatch, the resolved Main Stage provider/model, a short chat summary,
// and a tag set.
type Decision struct {
	Skills         []string
	ModelTier      ModelTier
	MainStageModel config.ModelRef
	Summary        string
	Tags           []string
}

// toolArgs is the shape the forced tool call's arguments decode into, per
// spec.md §4.D's schema requirements (action, model_selector, optional
// summary/tags).
type toolArgs struct {
	Action        []string `json:"action"`
	ModelSelector string   `json:"model_selector"`
	Summary       string   `json:"summary"`
	Tags          []string `json:"tags"`
}

// ToolName is the fixed name the forced tool schema is sent under.
const ToolName = "select_skills_and_model"

// Stage runs one provider call with tool_choice=required against the
// configured fast model.
type Stage struct {
	provider    llm.Provider
	model       string
	description Template
	models      config.ModelsConfig
}

// New builds a Stage from the fast-tier provider adapter and the manifest
// tool description (containing spec.md §4.D's `{AVAILABLE_APPS}` /
// `{AVAILABLE_MEMORIES}`-style placeholders).
func New(cfg config.Config, httpClient *http.Client, toolDescription string) (*Stage, error) {
	p, err := providers.Build(providers.Name(cfg.Models.Fast.Provider), cfg.Providers, httpClient)
	if err != nil {
		return nil, fmt.Errorf("preprocess: building fast-tier provider: %w", err)
	}
	return &Stage{
		provider:    p,
		model:       cfg.Models.Fast.Model,
		description: NewTemplate(toolDescription),
		models:      cfg.Models,
	}, nil
}

// schema builds the templated tool schema the forced call is made with.
func (s *Stage) schema(templateCtx map[string]string) llm.ToolSchema {
	return llm.ToolSchema{
		Name:        ToolName,
		Description: s.description.Render(templateCtx),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"model_selector": map[string]any{
					"type": "string",
					"enum": []string{string(TierFast), string(TierBalanced), string(TierMax)},
				},
				"summary": map[string]any{"type": "string"},
				"tags": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required": []string{"action", "model_selector"},
		},
	}
}

// Run invokes the forced tool call against the transformed history (see
// the Orchestrator's history-transformation step) and returns the
// decision. Any failure is a pipelineerr of kind KindProviderError/
// KindInternal wrapping "PREPROCESS_FAILED" — the stage is mandatory and a
// failure aborts the task, per spec.md §4.D.
func (s *Stage) Run(ctx context.Context, history []llm.Message, templateCtx map[string]string) (Decision, error) {
	ctx, span := llm.StartRequestSpan(ctx, "preprocess.run", s.model, 1, len(history))
	defer span.End()
	llm.LogRedactedPrompt(ctx, history)

	tool := s.schema(templateCtx)
	resp, err := s.provider.Chat(ctx, history, []llm.ToolSchema{tool}, llm.Any, s.model)
	if err != nil {
		return Decision{}, pipelineerr.New(pipelineerr.KindProviderError, err, "PREPROCESS_FAILED")
	}
	if !resp.Success || len(resp.Message.ToolCalls) == 0 {
		return Decision{}, pipelineerr.New(pipelineerr.KindInternal, nil, "PREPROCESS_FAILED").
			WithField("reason", "no tool call returned")
	}

	call := resp.Message.ToolCalls[0]
	var args toolArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return Decision{}, pipelineerr.New(pipelineerr.KindInternal, err, "PREPROCESS_FAILED").
			WithField("reason", "unparseable tool arguments")
	}

	tier := ModelTier(args.ModelSelector)
	if !tier.valid() {
		return Decision{}, pipelineerr.New(pipelineerr.KindInternal, nil, "PREPROCESS_FAILED").
			WithField("reason", "invalid model_selector").WithField("model_selector", args.ModelSelector)
	}

	llm.RecordTokenMetrics(ctx, s.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	llm.RecordTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	return Decision{
		Skills:         args.Action,
		ModelTier:      tier,
		MainStageModel: s.resolveModel(tier),
		Summary:        truncateWords(args.Summary, 20),
		Tags:           args.Tags,
	}, nil
}

func (s *Stage) resolveModel(tier ModelTier) config.ModelRef {
	switch tier {
	case TierFast:
		return s.models.Fast
	case TierMax:
		return s.models.Max
	default:
		return s.models.Balanced
	}
}

// truncateWords enforces the "≤20-word chat summary" requirement; the
// provider is asked to keep it short, but the stage does not trust that
// and truncates defensively.
func truncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ")
}

// Package openaicompat adapts the canonical llm.Provider contract to the
// OpenAI Chat Completions wire format. The same client serves OpenAI, Groq
// and Mistral by pointing BaseURL at each provider's OpenAI-compatible
// endpoint (component B's "one adapter per wire shape, not per vendor" rule).
package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/observability"
)

// Client talks to any OpenAI Chat Completions-compatible endpoint.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs a Client from per-provider config. cfg.BaseURL selects the
// vendor (OpenAI leaves it empty; Groq/Mistral set it to their own base).
func New(cfg config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{sdk: sdk.NewClient(opts...), model: cfg.Model}
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// adaptToolChoice encodes the canonical llm.ToolChoice into the raw
// tool_choice wire value the Chat Completions API expects: the bare strings
// "none"/"required", or {"type":"function","function":{"name":...}} to force
// one specific tool. Auto reports false and no tool_choice is sent, leaving
// the API's own default in effect. Sent via SetExtraFields rather than a typed
// SDK field so the same helper also serves Groq/Mistral's OpenAI-compatible
// endpoints, which accept the identical wire shape.
func adaptToolChoice(choice llm.ToolChoice) (any, bool) {
	switch choice.Mode {
	case llm.ToolChoiceNone:
		return "none", true
	case llm.ToolChoiceAny:
		return "required", true
	case llm.ToolChoiceTool:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		}, true
	default:
		return nil, false
	}
}

func adaptSchemas(schemas []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}))
	}
	return out
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			asst := sdk.ChatCompletionAssistantMessageParam{}
			asst.Content.OfString = sdk.String(m.Content)
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		}
	}
	return out
}

func buildParams(msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptSchemas(tools)
	}
	if tc, ok := adaptToolChoice(choice); ok {
		params.SetExtraFields(map[string]any{"tool_choice": tc})
	}
	return params
}

func messageFromCompletion(msg sdk.ChatCompletionMessage) llm.Message {
	out := llm.Message{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		switch v := tc.AsAny().(type) {
		case sdk.ChatCompletionMessageFunctionToolCall:
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:   v.ID,
				Name: v.Function.Name,
				Args: json.RawMessage(v.Function.Arguments),
			})
		}
	}
	return out
}

// Chat implements llm.Provider.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (llm.UnifiedResponse, error) {
	effectiveModel := c.pickModel(model)
	params := buildParams(msgs, tools, choice, effectiveModel)

	ctx, span := llm.StartRequestSpan(ctx, "openaicompat.Chat", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("openaicompat_chat_error")
		return llm.UnifiedResponse{}, err
	}
	llm.LogRedactedResponse(ctx, comp)

	usage := llm.Usage{
		PromptTokens:     int(comp.Usage.PromptTokens),
		CompletionTokens: int(comp.Usage.CompletionTokens),
		TotalTokens:      int(comp.Usage.TotalTokens),
	}
	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(ctx, effectiveModel, usage.PromptTokens, usage.CompletionTokens)

	if len(comp.Choices) == 0 {
		return llm.UnifiedResponse{Success: false, Usage: usage, Raw: comp}, nil
	}
	return llm.UnifiedResponse{
		Success: true,
		Message: messageFromCompletion(comp.Choices[0].Message),
		Usage:   usage,
		Raw:     comp,
	}, nil
}

// ChatStream implements llm.Provider. It reassembles the SDK's index-keyed
// tool-call deltas via llm.ToolCallAccumulator and emits one EventToolCallFinal
// per completed call when a finish_reason is observed, followed by EventEnd.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string, events chan<- llm.StreamEvent) error {
	defer close(events)

	effectiveModel := c.pickModel(model)
	params := buildParams(msgs, tools, choice, effectiveModel)
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	ctx, span := llm.StartRequestSpan(ctx, "openaicompat.ChatStream", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	acc := llm.NewToolCallAccumulator()
	flushed := false
	var usage llm.Usage

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = llm.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			events <- llm.StreamEvent{Kind: llm.EventTextDelta, TextDelta: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			acc.Add(idx, llm.ToolCallDelta{ID: tc.ID, NameDelta: tc.Function.Name, ArgsDelta: tc.Function.Arguments})
		}
		if chunk.Choices[0].FinishReason != "" && !flushed {
			for i, call := range acc.Finalize() {
				events <- llm.StreamEvent{Kind: llm.EventToolCallFinal, ToolCallIndex: i, ToolCall: call}
			}
			flushed = true
		}
	}

	dur := time.Since(start)
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("openaicompat_stream_error")
		events <- llm.StreamEvent{Kind: llm.EventEnd}
		return err
	}

	if usage.TotalTokens > 0 {
		events <- llm.StreamEvent{Kind: llm.EventUsage, Usage: usage}
		llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
		llm.RecordTokenMetrics(ctx, effectiveModel, usage.PromptTokens, usage.CompletionTokens)
	}
	log.Debug().Str("model", effectiveModel).Dur("duration", dur).Msg("openaicompat_stream_ok")
	events <- llm.StreamEvent{Kind: llm.EventEnd}
	return nil
}

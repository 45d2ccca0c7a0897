// Package anthropic adapts the canonical llm.Provider contract to the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/observability"
)

const defaultMaxTokens int64 = 4096

// Client talks to the Anthropic Messages API.
type Client struct {
	sdk       sdk.Client
	model     string
	maxTokens int64
}

// New constructs a Client from the Anthropic provider config.
func New(cfg config.AnthropicConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{sdk: sdk.NewClient(opts...), model: cfg.Model, maxTokens: maxTokens}
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// adaptToolChoice grounds the canonical ToolChoice enum on Anthropic's
// tool_choice union: {type:"auto"}, {type:"none" (simulated by omitting
// tools)}, {type:"any"}, {type:"tool", name:...}. Anthropic has no literal
// "none" type prior to omitting tools from the request entirely, so
// ToolChoiceNone is handled by the caller stripping tools before this runs.
func adaptToolChoice(choice llm.ToolChoice) sdk.ToolChoiceUnionParam {
	switch choice.Mode {
	case llm.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case llm.ToolChoiceTool:
		return sdk.ToolChoiceUnionParam{OfTool: &sdk.ToolChoiceToolParam{Name: choice.Name}}
	default:
		return sdk.ToolChoiceUnionParam{OfAuto: &sdk.ToolChoiceAutoParam{}}
	}
}

func adaptTools(tools []llm.ToolSchema) ([]sdk.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}
		schema := sdk.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}
		param := sdk.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = sdk.String(desc)
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptMessages(msgs []llm.Message) ([]sdk.TextBlockParam, []sdk.MessageParam, error) {
	var system []sdk.TextBlockParam
	out := make([]sdk.MessageParam, 0, len(msgs))
	toolResultCount := 0
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case "user":
			if m.Content != "" {
				out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case "assistant":
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		case "tool":
			id := strings.TrimSpace(m.ToolID)
			if id == "" {
				toolResultCount++
				id = fmt.Sprintf("tool-result-%d", toolResultCount)
			}
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(id, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("unsupported role for anthropic provider: %s", m.Role)
		}
	}
	return system, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func messageFromResponse(resp *sdk.Message) llm.Message {
	if resp == nil {
		return llm.Message{}
	}
	var sb strings.Builder
	var calls []llm.ToolCall
	callIdx := 0
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			sb.WriteString(v.Text)
		case sdk.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			args := v.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, llm.ToolCall{ID: id, Name: v.Name, Args: args})
		}
	}
	return llm.Message{Role: "assistant", Content: sb.String(), ToolCalls: calls}
}

func usagePromptTokens(u sdk.Usage) int {
	return int(u.CacheCreationInputTokens + u.CacheReadInputTokens + u.InputTokens)
}

func (c *Client) buildParams(msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (sdk.MessageNewParams, error) {
	if choice.Mode == llm.ToolChoiceNone {
		tools = nil
	}
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	toolDefs, err := adaptTools(tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.pickModel(model)),
		Messages:  converted,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: c.maxTokens,
	}
	if len(toolDefs) > 0 {
		params.ToolChoice = adaptToolChoice(choice)
	}
	return params, nil
}

// Chat implements llm.Provider.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (llm.UnifiedResponse, error) {
	params, err := c.buildParams(msgs, tools, choice, model)
	if err != nil {
		return llm.UnifiedResponse{}, err
	}

	ctx, span := llm.StartRequestSpan(ctx, "anthropic.Chat", string(params.Model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("anthropic_chat_error")
		return llm.UnifiedResponse{}, err
	}
	llm.LogRedactedResponse(ctx, resp)

	usage := llm.Usage{
		PromptTokens:     usagePromptTokens(resp.Usage),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(ctx, string(params.Model), usage.PromptTokens, usage.CompletionTokens)

	return llm.UnifiedResponse{Success: true, Message: messageFromResponse(resp), Usage: usage, Raw: resp}, nil
}

// ChatStream implements llm.Provider. It tracks tool_use content blocks in a
// per-index buffer since the SDK does not reliably reassemble InputJSONDelta
// fragments for multi-chunk tool arguments.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string, events chan<- llm.StreamEvent) error {
	defer close(events)

	params, err := c.buildParams(msgs, tools, choice, model)
	if err != nil {
		events <- llm.StreamEvent{Kind: llm.EventEnd}
		return err
	}

	ctx, span := llm.StartRequestSpan(ctx, "anthropic.ChatStream", string(params.Model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	acc := llm.NewToolCallAccumulator()
	indexToOrder := map[int64]int{}
	nextOrder := 0
	var usage sdk.MessageDeltaUsage

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				order, seen := indexToOrder[ev.Index]
				if !seen {
					order = nextOrder
					nextOrder++
					indexToOrder[ev.Index] = order
				}
				id := strings.TrimSpace(block.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", order+1)
				}
				acc.Add(order, llm.ToolCallDelta{ID: id, NameDelta: block.Name})
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					events <- llm.StreamEvent{Kind: llm.EventTextDelta, TextDelta: delta.Text}
				}
			case sdk.InputJSONDelta:
				if order, seen := indexToOrder[ev.Index]; seen {
					acc.Add(order, llm.ToolCallDelta{ArgsDelta: delta.PartialJSON})
				}
			}
		case sdk.MessageDeltaEvent:
			usage = ev.Usage
		}
	}

	if err := stream.Err(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic_stream_error")
		events <- llm.StreamEvent{Kind: llm.EventEnd}
		return err
	}

	calls := acc.Finalize()
	for i, call := range calls {
		events <- llm.StreamEvent{Kind: llm.EventToolCallFinal, ToolCallIndex: i, ToolCall: call}
	}

	promptTokens := int(usage.CacheCreationInputTokens + usage.CacheReadInputTokens + usage.InputTokens)
	completionTokens := int(usage.OutputTokens)
	if promptTokens > 0 || completionTokens > 0 {
		u := llm.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens, TotalTokens: promptTokens + completionTokens}
		events <- llm.StreamEvent{Kind: llm.EventUsage, Usage: u}
		llm.RecordTokenAttributes(span, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
		llm.RecordTokenMetrics(ctx, string(params.Model), u.PromptTokens, u.CompletionTokens)
	}
	log.Debug().Str("model", string(params.Model)).Msg("anthropic_stream_ok")
	events <- llm.StreamEvent{Kind: llm.EventEnd}
	return nil
}

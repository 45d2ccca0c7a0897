// Package google adapts the canonical llm.Provider contract to the Gemini
// API via google.golang.org/genai.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/observability"
)

// Client talks to the Gemini GenerateContent API.
type Client struct {
	client *genai.Client
	model  string
}

// New constructs a Client from the Google provider config.
func New(cfg config.GoogleConfig, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if cfg.BaseURL != "" {
		httpOpts.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/") + "/"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// adaptToolChoice grounds the canonical ToolChoice enum on Gemini's
// FunctionCallingConfigMode: Auto maps to AUTO, Any/Tool force ANY (Gemini
// has no per-tool forcing primitive, so a forced single tool is modeled as
// ANY restricted to that one allowed function name), None maps to NONE.
func adaptToolChoice(choice llm.ToolChoice) *genai.ToolConfig {
	fc := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	switch choice.Mode {
	case llm.ToolChoiceNone:
		fc.Mode = genai.FunctionCallingConfigModeNone
	case llm.ToolChoiceAny:
		fc.Mode = genai.FunctionCallingConfigModeAny
	case llm.ToolChoiceTool:
		fc.Mode = genai.FunctionCallingConfigModeAny
		fc.AllowedFunctionNames = []string{choice.Name}
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}
}

func adaptTools(schemas []llm.ToolSchema) ([]*genai.Tool, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	fd := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("google provider: tool name required")
		}
		fd = append(fd, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fd}}, nil
}

func toContents(msgs []llm.Message) ([]*genai.Content, error) {
	toolNamesByID := make(map[string]string)
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "", "user", "system":
			role = genai.RoleUser
		case "assistant":
			role = genai.RoleModel
			for _, tc := range m.ToolCalls {
				if tc.ID != "" && tc.Name != "" {
					toolNamesByID[tc.ID] = tc.Name
				}
			}
		case "tool":
			name := toolNamesByID[m.ToolID]
			if name == "" {
				name = "tool_response"
			}
			respMap := map[string]any{}
			if trimmed := strings.TrimSpace(m.Content); trimmed != "" {
				if err := json.Unmarshal([]byte(trimmed), &respMap); err != nil {
					respMap = map[string]any{"output": m.Content}
				}
			}
			part := genai.NewPartFromFunctionResponse(name, respMap)
			part.FunctionResponse.ID = m.ToolID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
			continue
		default:
			return nil, fmt.Errorf("unsupported role for google provider: %s", m.Role)
		}

		text := m.Content
		if strings.ToLower(strings.TrimSpace(m.Role)) == "system" {
			text = "[system] " + text
		}
		var parts []*genai.Part
		if strings.TrimSpace(text) != "" {
			parts = append(parts, &genai.Part{Text: text})
		}
		if role == genai.RoleModel {
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if len(tc.Args) > 0 {
					_ = json.Unmarshal(tc.Args, &args)
				}
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func messageFromResponse(resp *genai.GenerateContentResponse) (llm.Message, error) {
	if resp == nil {
		return llm.Message{}, fmt.Errorf("nil response from google provider")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Message{}, fmt.Errorf("request blocked by google: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return llm.Message{}, fmt.Errorf("no candidates in google response")
	}
	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety:
		return llm.Message{}, fmt.Errorf("response blocked by safety filters")
	case genai.FinishReasonRecitation:
		return llm.Message{}, fmt.Errorf("response blocked due to recitation")
	case genai.FinishReasonMalformedFunctionCall:
		return llm.Message{}, fmt.Errorf("malformed function call generated by model")
	}
	if candidate.Content == nil {
		return llm.Message{Role: "assistant"}, nil
	}

	var sb strings.Builder
	var calls []llm.ToolCall
	callIdx := 0
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			callIdx++
			id := part.FunctionCall.ID
			if strings.TrimSpace(id) == "" {
				id = "call-" + strconv.Itoa(callIdx)
			}
			calls = append(calls, llm.ToolCall{Name: part.FunctionCall.Name, Args: args, ID: id})
		}
	}
	return llm.Message{Role: "assistant", Content: sb.String(), ToolCalls: calls}, nil
}

// Chat implements llm.Provider.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (llm.UnifiedResponse, error) {
	effectiveModel := c.pickModel(model)
	ctx, span := llm.StartRequestSpan(ctx, "google.Chat", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	contents, err := toContents(msgs)
	if err != nil {
		span.RecordError(err)
		return llm.UnifiedResponse{}, err
	}
	fd, err := adaptTools(tools)
	if err != nil {
		span.RecordError(err)
		return llm.UnifiedResponse{}, err
	}
	cfg := &genai.GenerateContentConfig{Tools: fd}
	if len(fd) > 0 {
		cfg.ToolConfig = adaptToolChoice(choice)
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, effectiveModel, contents, cfg)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("google_chat_error")
		return llm.UnifiedResponse{}, err
	}
	msg, err := messageFromResponse(resp)
	if err != nil {
		span.RecordError(err)
		return llm.UnifiedResponse{}, err
	}
	llm.LogRedactedResponse(ctx, resp)

	usage := llm.Usage{}
	if resp.UsageMetadata != nil {
		usage = llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(ctx, effectiveModel, usage.PromptTokens, usage.CompletionTokens)

	return llm.UnifiedResponse{Success: true, Message: msg, Usage: usage, Raw: resp}, nil
}

// ChatStream implements llm.Provider.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string, events chan<- llm.StreamEvent) error {
	defer close(events)

	effectiveModel := c.pickModel(model)
	ctx, span := llm.StartRequestSpan(ctx, "google.ChatStream", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	contents, err := toContents(msgs)
	if err != nil {
		span.RecordError(err)
		events <- llm.StreamEvent{Kind: llm.EventEnd}
		return err
	}
	fd, err := adaptTools(tools)
	if err != nil {
		span.RecordError(err)
		events <- llm.StreamEvent{Kind: llm.EventEnd}
		return err
	}
	cfg := &genai.GenerateContentConfig{Tools: fd}
	if len(fd) > 0 {
		cfg.ToolConfig = adaptToolChoice(choice)
	}

	start := time.Now()
	stream := c.client.Models.GenerateContentStream(ctx, effectiveModel, contents, cfg)

	toolIdx := 0
	var usage llm.Usage
	for resp, err := range stream {
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Dur("duration", time.Since(start)).Msg("google_stream_error")
			events <- llm.StreamEvent{Kind: llm.EventEnd}
			return err
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage = llm.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				events <- llm.StreamEvent{Kind: llm.EventTextDelta, TextDelta: part.Text}
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				id := part.FunctionCall.ID
				if strings.TrimSpace(id) == "" {
					id = "call-" + strconv.Itoa(toolIdx+1)
				}
				events <- llm.StreamEvent{
					Kind:          llm.EventToolCallFinal,
					ToolCallIndex: toolIdx,
					ToolCall:      llm.ToolCall{ID: id, Name: part.FunctionCall.Name, Args: args},
				}
				toolIdx++
			}
		}
	}

	if usage.TotalTokens > 0 {
		events <- llm.StreamEvent{Kind: llm.EventUsage, Usage: usage}
		llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
		llm.RecordTokenMetrics(ctx, effectiveModel, usage.PromptTokens, usage.CompletionTokens)
	}
	log.Debug().Str("model", effectiveModel).Dur("duration", time.Since(start)).Msg("google_stream_ok")
	events <- llm.StreamEvent{Kind: llm.EventEnd}
	return nil
}

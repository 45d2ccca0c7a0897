// Package mainstage implements the Main Stage (component F): the streaming
// tool-calling loop that produces the user-visible assistant reply.
package mainstage

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/openmates/orchestrator-core/internal/aggregator"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
)

// Dispatcher is the narrow surface Main Stage needs from the Skill
// Dispatcher (component E): resolve pending tool calls to tool-role
// messages, in call order. The Orchestrator (component H), which owns the
// task's skills.DispatchContext, supplies this by binding
// skills.Dispatcher.Dispatch to that context via a closure — Main Stage
// itself is not responsible for assembling task_id/user_id/secrets.
type Dispatcher interface {
	Dispatch(ctx context.Context, calls []llm.ToolCall) []llm.Message
}

// BlockEmitter receives aggregated text blocks as they become ready,
// forwarded to the Orchestrator for edge delivery labeled by message_id
// (spec.md §4.H step 5).
type BlockEmitter func(block string)

// Result is what one Main Stage run produces: the text of the last provider
// round (or of the forced final answer) and the accumulated token usage
// across every provider round. Text streamed in earlier tool-calling rounds
// is emitted as blocks but is not part of Text.
type Result struct {
	Text  string
	Usage llm.Usage
}

// Stage runs the bounded tool-calling loop against a single provider.
type Stage struct {
	provider      llm.Provider
	model         string
	dispatcher    Dispatcher
	maxToolRounds int
}

// New builds a Stage. maxToolRounds defaults to 4 (spec.md §4.F) when <= 0.
func New(provider llm.Provider, model string, dispatcher Dispatcher, maxToolRounds int) *Stage {
	if maxToolRounds <= 0 {
		maxToolRounds = 4
	}
	return &Stage{provider: provider, model: model, dispatcher: dispatcher, maxToolRounds: maxToolRounds}
}

// Run drives the loop described in spec.md §4.F:
//
//	repeat up to MAX_TOOL_ROUNDS:
//	  open stream with current messages + tools
//	  consume stream through aggregator, forwarding text blocks, collecting
//	  tool calls, remembering usage
//	  if no pending calls: break
//	  append assistant message with pending calls
//	  dispatch pending calls, append one tool message per call
//
// On cap reached (pending calls still present after the final round), Run
// issues one additional non-streaming, tool-forbidden call to force
// user-visible text, per spec.md §4.F's termination rule.
func (s *Stage) Run(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, emit BlockEmitter) (Result, error) {
	var usage llm.Usage
	var finalText string

	for round := 0; round < s.maxToolRounds; round++ {
		agg := aggregator.New()
		events := make(chan llm.StreamEvent, 16)
		streamErr := make(chan error, 1)

		go func() {
			streamErr <- s.provider.ChatStream(ctx, messages, tools, llm.Auto, s.model, events)
		}()

		acc := llm.NewToolCallAccumulator()
		var roundText string

		for ev := range events {
			switch ev.Kind {
			case llm.EventTextDelta:
				roundText += ev.TextDelta
				for _, block := range agg.Feed(ev.TextDelta) {
					emit(block)
				}
			case llm.EventToolCallDelta:
				acc.Add(ev.ToolCallIndex, ev.ToolCallDelta)
			case llm.EventToolCallFinal:
				// Providers that emit a final event directly (rather than
				// only deltas) still flow through the same accumulator so
				// Finalize sees a consistent, index-ordered view.
				acc.Add(ev.ToolCallIndex, llm.ToolCallDelta{
					ID:        ev.ToolCall.ID,
					NameDelta: ev.ToolCall.Name,
					ArgsDelta: string(ev.ToolCall.Args),
				})
			case llm.EventUsage:
				usage = addUsage(usage, ev.Usage)
			case llm.EventEnd:
			}
		}

		if err := <-streamErr; err != nil {
			if errors.Is(err, context.Canceled) {
				return Result{}, pipelineerr.New(pipelineerr.KindCancelled, err, "main stage stream cancelled")
			}
			return Result{}, pipelineerr.New(pipelineerr.KindProviderError, err, "main stage stream failed")
		}

		for _, block := range agg.Close() {
			emit(block)
		}

		pendingCalls := acc.Finalize()
		if len(pendingCalls) == 0 {
			finalText = roundText
			return Result{Text: finalText, Usage: usage}, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: roundText, ToolCalls: pendingCalls})
		toolMessages := s.dispatcher.Dispatch(ctx, pendingCalls)
		messages = append(messages, toolMessages...)

		log.Debug().Int("round", round).Int("tool_calls", len(pendingCalls)).Msg("mainstage: tool round complete")
	}

	return s.forceFinalAnswer(ctx, messages, emit, usage)
}

// forceFinalAnswer issues one additional non-streaming, no-tools call after
// MAX_TOOL_ROUNDS is exhausted with tool calls still pending, per spec.md
// §4.F: "cap reached (force one final non-tool call to produce user-visible
// text)".
func (s *Stage) forceFinalAnswer(ctx context.Context, messages []llm.Message, emit BlockEmitter, usage llm.Usage) (Result, error) {
	resp, err := s.provider.Chat(ctx, messages, nil, llm.None, s.model)
	if err != nil {
		return Result{}, pipelineerr.New(pipelineerr.KindProviderError, err, "main stage forced final answer failed")
	}
	usage = addUsage(usage, resp.Usage)

	agg := aggregator.New()
	for _, block := range agg.Feed(resp.Message.Content) {
		emit(block)
	}
	for _, block := range agg.Close() {
		emit(block)
	}
	return Result{Text: resp.Message.Content, Usage: usage}, nil
}

func addUsage(a, b llm.Usage) llm.Usage {
	return llm.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

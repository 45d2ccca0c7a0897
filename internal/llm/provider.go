// Package llm defines the canonical request/response shapes used by every
// provider adapter (component B) and the Stream Aggregator, Main Stage loop,
// and Preprocess Stage that sit on top of them. Provider-specific wire
// formats live in the openaicompat, anthropic and google subpackages; this
// package only carries the provider-agnostic contract.
package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is a single function-call request emitted by a model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Message is one turn of portable chat history.
type Message struct {
	Role      string // "system" | "user" | "assistant" | "tool"
	Content   string
	ToolID    string // set on role=="tool", echoes the ToolCall.ID being answered
	ToolCalls []ToolCall
}

// ToolSchema describes a tool a provider may call, in JSON Schema form.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoiceMode selects how a provider is constrained to use tools.
type ToolChoiceMode int

const (
	// ToolChoiceAuto lets the model decide whether to call a tool.
	ToolChoiceAuto ToolChoiceMode = iota
	// ToolChoiceNone forbids tool calls.
	ToolChoiceNone
	// ToolChoiceAny forces some tool call, any tool.
	ToolChoiceAny
	// ToolChoiceTool forces a call to the named tool.
	ToolChoiceTool
)

// ToolChoice is the canonical tool-forcing directive passed to Chat/ChatStream.
// The Preprocess Stage (component D) uses Any to force its structured-decision
// call against its single tool; the Main Stage (component F) uses Auto.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // only meaningful when Mode == ToolChoiceTool
}

// Auto is the default, permissive tool choice.
var Auto = ToolChoice{Mode: ToolChoiceAuto}

// None forbids tool use entirely.
var None = ToolChoice{Mode: ToolChoiceNone}

// Any forces some tool call.
var Any = ToolChoice{Mode: ToolChoiceAny}

// Tool forces a call to the named tool.
func Tool(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceTool, Name: name}
}

// Usage reports token accounting for a single provider call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// UnifiedResponse is the canonical non-streaming result of a Chat call.
// Success is false only when the provider responded but produced nothing
// usable (e.g. filtered/empty choices); transport and auth failures are
// still returned as a Go error alongside a zero-value UnifiedResponse.
type UnifiedResponse struct {
	Success bool
	Message Message
	Usage   Usage
	Raw     any // provider's raw response, retained for audit logging
}

// StreamEventKind discriminates the StreamEvent sum type.
type StreamEventKind int

const (
	EventTextDelta StreamEventKind = iota
	EventToolCallDelta
	EventToolCallFinal
	EventUsage
	EventEnd
)

// StreamEvent is one unit pushed from ChatStream to its caller. Exactly one
// of the payload fields is meaningful, selected by Kind:
//
//	EventTextDelta     -> TextDelta
//	EventToolCallDelta -> ToolCallIndex, ToolCallDelta (partial name/args fragment)
//	EventToolCallFinal -> ToolCallIndex, ToolCall (fully reassembled)
//	EventUsage         -> Usage
//	EventEnd           -> (no payload; terminal event, always sent exactly once)
type StreamEvent struct {
	Kind          StreamEventKind
	TextDelta     string
	ToolCallIndex int
	ToolCallDelta ToolCallDelta
	ToolCall      ToolCall
	Usage         Usage
}

// ToolCallDelta is a partial fragment of a streaming tool call, keyed by
// index the way every provider's SSE wire format keys them.
type ToolCallDelta struct {
	ID        string
	NameDelta string
	ArgsDelta string
}

// Provider is the contract every adapter (openaicompat, anthropic, google)
// implements. Chat returns a single UnifiedResponse; ChatStream pushes
// StreamEvents to the supplied channel and closes it when done, sending
// exactly one EventEnd (possibly preceded by a returned error) as the last
// write before close.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, choice ToolChoice, model string) (UnifiedResponse, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, choice ToolChoice, model string, events chan<- StreamEvent) error
}

// ToolCallAccumulator reassembles index-keyed streaming tool call fragments
// into finished ToolCall values, the pattern every OpenAI-compatible and
// Anthropic SSE stream requires because arguments arrive in chunks.
type ToolCallAccumulator struct {
	order []int
	calls map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args []byte
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*pendingToolCall)}
}

// Add folds one delta fragment into the call at index.
func (a *ToolCallAccumulator) Add(index int, delta ToolCallDelta) {
	pc, ok := a.calls[index]
	if !ok {
		pc = &pendingToolCall{}
		a.calls[index] = pc
		a.order = append(a.order, index)
	}
	if delta.ID != "" {
		pc.id = delta.ID
	}
	if delta.NameDelta != "" {
		pc.name += delta.NameDelta
	}
	if delta.ArgsDelta != "" {
		pc.args = append(pc.args, delta.ArgsDelta...)
	}
}

// Finalize returns every accumulated call, in first-seen index order, as
// ToolCall values. Calls with no name are dropped (defensive against a
// finish_reason arriving with no tool_calls delta ever seen).
func (a *ToolCallAccumulator) Finalize() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		pc := a.calls[idx]
		if pc == nil || pc.name == "" {
			continue
		}
		args := pc.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		out = append(out, ToolCall{ID: pc.id, Name: pc.name, Args: json.RawMessage(args)})
	}
	return out
}

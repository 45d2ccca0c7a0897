package mainstage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
)

// scriptedProvider replays a fixed sequence of StreamEvent batches (one
// batch per ChatStream call) and, for Chat, returns a fixed UnifiedResponse.
type scriptedProvider struct {
	streamBatches   [][]llm.StreamEvent
	chatResponse    llm.UnifiedResponse
	streamCalls     int
	chatCalls       int
	gotChoiceOnChat llm.ToolChoice
}

func (p *scriptedProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (llm.UnifiedResponse, error) {
	p.chatCalls++
	p.gotChoiceOnChat = choice
	return p.chatResponse, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string, events chan<- llm.StreamEvent) error {
	batch := p.streamBatches[p.streamCalls]
	p.streamCalls++
	defer close(events)
	for _, ev := range batch {
		events <- ev
	}
	return nil
}

type fakeDispatcher struct {
	calls [][]llm.ToolCall
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	f.calls = append(f.calls, calls)
	msgs := make([]llm.Message, len(calls))
	for i, c := range calls {
		msgs[i] = llm.Message{Role: "tool", ToolID: c.ID, Content: "result-for-" + c.Name}
	}
	return msgs
}

func textEvents(text string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Kind: llm.EventTextDelta, TextDelta: text},
		{Kind: llm.EventUsage, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		{Kind: llm.EventEnd},
	}
}

func TestRunReturnsTextOnNaturalTermination(t *testing.T) {
	provider := &scriptedProvider{
		streamBatches: [][]llm.StreamEvent{textEvents("Hi! How can I help?\n\n")},
	}
	var blocks []string
	stage := New(provider, "gpt-5-mini", &fakeDispatcher{}, 4)

	result, err := stage.Run(context.Background(), nil, nil, func(b string) { blocks = append(blocks, b) })
	require.NoError(t, err)
	assert.Equal(t, 1, provider.streamCalls)
	assert.Equal(t, []string{"Hi! How can I help?\n\n"}, blocks)
	assert.Equal(t, "Hi! How can I help?\n\n", result.Text)
	assert.Equal(t, 15, result.Usage.TotalTokens)
}

func TestRunDispatchesToolCallsAndAppendsResultsInOrder(t *testing.T) {
	toolCallEvents := []llm.StreamEvent{
		{Kind: llm.EventToolCallDelta, ToolCallIndex: 0, ToolCallDelta: llm.ToolCallDelta{ID: "1", NameDelta: "code.get_docs", ArgsDelta: `{"library":"svelte"}`}},
		{Kind: llm.EventEnd},
	}
	provider := &scriptedProvider{
		streamBatches: [][]llm.StreamEvent{toolCallEvents, textEvents("Here is what I found.\n\n")},
	}
	dispatcher := &fakeDispatcher{}
	stage := New(provider, "gpt-5-mini", dispatcher, 4)

	result, err := stage.Run(context.Background(), []llm.Message{{Role: "user", Content: "what is a rune?"}}, nil, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.streamCalls)
	require.Len(t, dispatcher.calls, 1)
	require.Len(t, dispatcher.calls[0], 1)
	assert.Equal(t, "code.get_docs", dispatcher.calls[0][0].Name)
	assert.Equal(t, "Here is what I found.\n\n", result.Text)
}

func TestRunForcesFinalAnswerWhenRoundCapReached(t *testing.T) {
	toolCallEvents := []llm.StreamEvent{
		{Kind: llm.EventToolCallDelta, ToolCallIndex: 0, ToolCallDelta: llm.ToolCallDelta{ID: "1", NameDelta: "code.get_docs", ArgsDelta: `{}`}},
		{Kind: llm.EventEnd},
	}
	provider := &scriptedProvider{
		streamBatches: [][]llm.StreamEvent{toolCallEvents, toolCallEvents},
		chatResponse:  llm.UnifiedResponse{Success: true, Message: llm.Message{Role: "assistant", Content: "Forced final answer."}},
	}
	stage := New(provider, "gpt-5-mini", &fakeDispatcher{}, 2)

	var blocks []string
	result, err := stage.Run(context.Background(), nil, nil, func(b string) { blocks = append(blocks, b) })
	require.NoError(t, err)
	assert.Equal(t, 2, provider.streamCalls)
	assert.Equal(t, 1, provider.chatCalls)
	assert.Equal(t, llm.None, provider.gotChoiceOnChat)
	assert.Equal(t, "Forced final answer.", result.Text)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Forced final answer.", blocks[0])
}

func TestRunSurfacesStreamErrorAsProviderError(t *testing.T) {
	stage := New(&erroringProvider{}, "gpt-5-mini", &fakeDispatcher{}, 4)
	_, err := stage.Run(context.Background(), nil, nil, func(string) {})
	require.Error(t, err)
	assert.True(t, pipelineerr.Is(err, pipelineerr.KindProviderError))
}

type erroringProvider struct{}

func (erroringProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (llm.UnifiedResponse, error) {
	return llm.UnifiedResponse{}, assertErr
}

func (erroringProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string, events chan<- llm.StreamEvent) error {
	close(events)
	return assertErr
}

var assertErr = &streamErr{}

type streamErr struct{}

func (*streamErr) Error() string { return "provider stream failed" }

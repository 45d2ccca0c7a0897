package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/ledger"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
	"github.com/openmates/orchestrator-core/internal/postprocess"
	"github.com/openmates/orchestrator-core/internal/preprocess"
	"github.com/openmates/orchestrator-core/internal/skills"
)

type fakeContextStore struct {
	profile    UserProfile
	history    []HistoryEntry
	summary    string
	profileErr error
	historyErr error
}

func (f *fakeContextStore) LoadUserProfile(ctx context.Context, userID string) (UserProfile, error) {
	return f.profile, f.profileErr
}

func (f *fakeContextStore) LoadHistory(ctx context.Context, chatID string) ([]HistoryEntry, error) {
	return f.history, f.historyErr
}

func (f *fakeContextStore) LoadChatSummary(ctx context.Context, chatID string) (string, error) {
	return f.summary, nil
}

type fakeMessageStore struct {
	persistedContent string
	persistedChat    string
	persistedMsg     string
	persistedCount   int
	persistErr       error
	versionErr       error
}

func (f *fakeMessageStore) PersistAssistantMessage(ctx context.Context, chatID, messageID, content string) error {
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persistedChat = chatID
	f.persistedMsg = messageID
	f.persistedContent = content
	return nil
}

func (f *fakeMessageStore) UpdateChatVersion(ctx context.Context, chatID string, messageCount int) error {
	f.persistedCount = messageCount
	return f.versionErr
}

type fakeCredits struct {
	reserveErr error
	settleErr  error
	refundErr  error

	reserved int
	settled  int
	refunded int
}

func (f *fakeCredits) Reserve(ctx context.Context, userID string, amount float64) (string, error) {
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	f.reserved++
	return "reservation-1", nil
}

func (f *fakeCredits) Settle(ctx context.Context, userID, reservationID string, actual float64) error {
	f.settled++
	return f.settleErr
}

func (f *fakeCredits) Refund(ctx context.Context, userID, reservationID string) error {
	f.refunded++
	return f.refundErr
}

type fakeUsage struct {
	entries []ledger.UsageEntry
}

func (f *fakeUsage) RecordUsage(ctx context.Context, userID, userVaultKeyID string, entry ledger.UsageEntry) (string, error) {
	f.entries = append(f.entries, entry)
	return "usage-1", nil
}

type fakeCorrelationStore struct {
	values map[string]string
}

func newFakeCorrelationStore() *fakeCorrelationStore {
	return &fakeCorrelationStore{values: make(map[string]string)}
}

func (f *fakeCorrelationStore) Get(ctx context.Context, key string) (string, error) {
	return f.values[key], nil
}

func (f *fakeCorrelationStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.values[key] = value
	return nil
}

type fakeEdge struct {
	blocks      []string
	suggestions []postprocess.Phase1Result
	completed   bool
	cancelled   bool
	failedKind  pipelineerr.Kind
	failed      bool
}

func (f *fakeEdge) EmitTextBlock(taskID, messageID, block string) {
	f.blocks = append(f.blocks, block)
}

func (f *fakeEdge) EmitSuggestions(taskID string, result postprocess.Phase1Result) {
	f.suggestions = append(f.suggestions, result)
}

func (f *fakeEdge) EmitTaskComplete(taskID string)  { f.completed = true }
func (f *fakeEdge) EmitTaskCancelled(taskID string) { f.cancelled = true }
func (f *fakeEdge) EmitTaskFailed(taskID string, kind pipelineerr.Kind, message string) {
	f.failed = true
	f.failedKind = kind
}

type fakePreprocess struct {
	decision preprocess.Decision
	err      error
}

func (f *fakePreprocess) Run(ctx context.Context, history []llm.Message, templateCtx map[string]string) (preprocess.Decision, error) {
	return f.decision, f.err
}

type fakePostprocess struct {
	phase1 postprocess.Phase1Result
	phase2 postprocess.Phase2Result
}

func (f *fakePostprocess) Phase1(ctx context.Context, in postprocess.Phase1Input) postprocess.Phase1Result {
	return f.phase1
}

func (f *fakePostprocess) Phase2(ctx context.Context, in postprocess.Phase2Input) postprocess.Phase2Result {
	return f.phase2
}

type fakeSkillDispatcher struct{}

func (fakeSkillDispatcher) Dispatch(ctx context.Context, dctx skills.DispatchContext, calls []llm.ToolCall) []llm.Message {
	return nil
}

// fakeStreamProvider drives mainstage.Stage.Run through exactly one round
// with no tool calls, by emitting a single text delta then closing.
type fakeStreamProvider struct {
	text string
	err  error
}

func (p *fakeStreamProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string) (llm.UnifiedResponse, error) {
	return llm.UnifiedResponse{Success: true, Message: llm.Message{Role: "assistant", Content: p.text}}, p.err
}

func (p *fakeStreamProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, choice llm.ToolChoice, model string, events chan<- llm.StreamEvent) error {
	defer close(events)
	if p.err != nil {
		return p.err
	}
	events <- llm.StreamEvent{Kind: llm.EventTextDelta, TextDelta: p.text}
	events <- llm.StreamEvent{Kind: llm.EventEnd}
	return nil
}

func baseDeps() (Deps, *fakeContextStore, *fakeMessageStore, *fakeCredits, *fakeEdge, *fakeStreamProvider) {
	ctxStore := &fakeContextStore{
		profile: UserProfile{UserID: "user-1", CreditBalance: 100, VaultKeyID: "vault-1"},
		history: []HistoryEntry{{SenderName: "user", Content: "hi", CreatedAt: 1}},
	}
	msgStore := &fakeMessageStore{}
	credits := &fakeCredits{}
	edge := &fakeEdge{}
	provider := &fakeStreamProvider{text: "hello there"}

	deps := Deps{
		Context:    ctxStore,
		Messages:   msgStore,
		Credits:    credits,
		Usage:      &fakeUsage{},
		Dispatcher: fakeSkillDispatcher{},
		Preprocess: &fakePreprocess{decision: preprocess.Decision{ModelTier: preprocess.TierBalanced}},
		MainStageProviders: map[preprocess.ModelTier]MainStageProvider{
			preprocess.TierBalanced: {Provider: provider, Model: "test-model"},
		},
		MaxToolRounds: 4,
		Postprocess:   &fakePostprocess{},
		Edge:          edge,
	}
	return deps, ctxStore, msgStore, credits, edge, provider
}

func TestRunHappyPath(t *testing.T) {
	deps, _, msgStore, credits, edge, _ := baseDeps()
	o := New(deps, config.PipelineConfig{MinReserveCredits: 1})

	err := o.Run(context.Background(), Task{TaskID: "t1", ChatID: "c1", UserID: "user-1", MessageID: "m1", UserMessage: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "hello there", msgStore.persistedContent)
	assert.Equal(t, 1, credits.reserved)
	assert.Equal(t, 1, credits.settled)
	assert.True(t, edge.completed)
	assert.False(t, edge.failed)
	assert.NotEmpty(t, edge.blocks)
}

func TestRunInsufficientCreditsStopsEarly(t *testing.T) {
	deps, ctxStore, _, credits, edge, _ := baseDeps()
	ctxStore.profile.CreditBalance = 0
	o := New(deps, config.PipelineConfig{MinReserveCredits: 5})

	err := o.Run(context.Background(), Task{TaskID: "t1", ChatID: "c1", UserID: "user-1", MessageID: "m1"})
	require.Error(t, err)
	assert.True(t, pipelineerr.Is(err, pipelineerr.KindInsufficientCredits))
	assert.Equal(t, 0, credits.reserved)
	assert.True(t, edge.failed)
}

func TestRunPreprocessFailureIsFatal(t *testing.T) {
	deps, _, msgStore, credits, edge, _ := baseDeps()
	deps.Preprocess = &fakePreprocess{err: errors.New("boom")}
	o := New(deps, config.PipelineConfig{MinReserveCredits: 1})

	err := o.Run(context.Background(), Task{TaskID: "t1", ChatID: "c1", UserID: "user-1", MessageID: "m1"})
	require.Error(t, err)
	assert.Equal(t, 0, credits.reserved)
	assert.Empty(t, msgStore.persistedContent)
	assert.True(t, edge.failed)
}

func TestRunIncognitoSkipsPostprocess(t *testing.T) {
	deps, _, _, _, edge, _ := baseDeps()
	o := New(deps, config.PipelineConfig{MinReserveCredits: 1})

	err := o.Run(context.Background(), Task{TaskID: "t1", ChatID: "c1", UserID: "user-1", MessageID: "m1", Incognito: true})
	require.NoError(t, err)
	assert.Empty(t, edge.suggestions)
}

func TestRunEmitsSuggestionsWhenNotIncognito(t *testing.T) {
	deps, _, _, _, edge, _ := baseDeps()
	deps.Postprocess = &fakePostprocess{phase1: postprocess.Phase1Result{ChatSummary: "summary"}}
	o := New(deps, config.PipelineConfig{MinReserveCredits: 1})

	err := o.Run(context.Background(), Task{TaskID: "t1", ChatID: "c1", UserID: "user-1", MessageID: "m1"})
	require.NoError(t, err)
	require.Len(t, edge.suggestions, 1)
	assert.Equal(t, "summary", edge.suggestions[0].ChatSummary)
}

func TestRunMainStageFailureRefundsReservation(t *testing.T) {
	deps, _, msgStore, credits, edge, provider := baseDeps()
	provider.err = errors.New("provider down")
	o := New(deps, config.PipelineConfig{MinReserveCredits: 1})

	err := o.Run(context.Background(), Task{TaskID: "t1", ChatID: "c1", UserID: "user-1", MessageID: "m1"})
	require.Error(t, err)
	assert.Equal(t, 1, credits.refunded)
	assert.Empty(t, msgStore.persistedContent)
	assert.True(t, edge.failed)
}

func TestRunSkipsOnActiveIdempotencyEntry(t *testing.T) {
	deps, _, _, credits, edge, _ := baseDeps()
	store := newFakeCorrelationStore()
	store.values["orchestrator:task:t1"] = idempotencyActive
	deps.Idempotency = store
	o := New(deps, config.PipelineConfig{MinReserveCredits: 1})

	err := o.Run(context.Background(), Task{TaskID: "t1", ChatID: "c1", UserID: "user-1", MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 0, credits.reserved)
	assert.False(t, edge.completed)
}

func TestRunReturnsErrAlreadyProcessedForDoneIdempotencyEntry(t *testing.T) {
	deps, _, _, _, _, _ := baseDeps()
	store := newFakeCorrelationStore()
	store.values["orchestrator:task:t1"] = idempotencyDone
	deps.Idempotency = store
	o := New(deps, config.PipelineConfig{MinReserveCredits: 1})

	err := o.Run(context.Background(), Task{TaskID: "t1", ChatID: "c1", UserID: "user-1", MessageID: "m1"})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

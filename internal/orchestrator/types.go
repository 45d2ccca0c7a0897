package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openmates/orchestrator-core/internal/ledger"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/mainstage"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
	"github.com/openmates/orchestrator-core/internal/postprocess"
	"github.com/openmates/orchestrator-core/internal/preprocess"
	"github.com/openmates/orchestrator-core/internal/skills"
)

// State is one node of the per-task state machine spec.md §4.H names:
// NEW -> PRE -> MAIN_STREAM -> (TOOL_LOOP, internal to Main Stage) -> POST -> DONE,
// with CANCELLED/FAILED reachable from any state.
type State string

const (
	StateNew        State = "new"
	StatePre        State = "pre"
	StateMainStream State = "main_stream"
	StatePost       State = "post"
	StateDone       State = "done"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Task is one user turn submitted to the orchestrator, decoded from a
// queue.JobEnvelope's payload.
type Task struct {
	TaskID      string `json:"task_id"`
	ChatID      string `json:"chat_id"`
	UserID      string `json:"user_id"`
	MessageID   string `json:"message_id"` // id assigned to the assistant's reply, for edge labeling
	UserMessage string `json:"user_message"`
	Incognito   bool   `json:"incognito"`
}

// UserProfile is the per-user context step 1 ("Load context") fetches.
type UserProfile struct {
	UserID        string
	CreditBalance float64
	Language      string
	VaultKeyID    string
}

// HistoryEntry is one stored chat message, before transformation.
type HistoryEntry struct {
	SenderName string
	Content    string
	CreatedAt  int64
}

// ContextStore loads everything step 1 needs. Satisfied by internal/repo.
type ContextStore interface {
	LoadUserProfile(ctx context.Context, userID string) (UserProfile, error)
	LoadHistory(ctx context.Context, chatID string) ([]HistoryEntry, error)
	LoadChatSummary(ctx context.Context, chatID string) (string, error)
}

// MessageStore persists the final assistant message and chat version,
// step 5/9. Satisfied by internal/repo.
type MessageStore interface {
	PersistAssistantMessage(ctx context.Context, chatID, messageID, content string) error
	UpdateChatVersion(ctx context.Context, chatID string, messageCount int) error
}

// CreditLedger reserves, settles, and refunds credits under a per-user
// critical section, per spec.md §5 ("must be decremented under a per-user
// critical section to avoid double-spend").
type CreditLedger interface {
	Reserve(ctx context.Context, userID string, amount float64) (reservationID string, err error)
	Settle(ctx context.Context, userID, reservationID string, actual float64) error
	Refund(ctx context.Context, userID, reservationID string) error
}

// UsageRecorder is the narrow surface of the Usage & Creator Ledger
// (component I, internal/ledger.Ledger) the orchestrator drives.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, userID, userVaultKeyID string, entry ledger.UsageEntry) (string, error)
}

// Edge is the narrow surface of the edge-facing transport the orchestrator
// emits events to (spec.md §4.H steps 5, 8, 9; §6's "the core is embedded
// behind a task interface").
type Edge interface {
	EmitTextBlock(taskID, messageID, block string)
	EmitSuggestions(taskID string, result postprocess.Phase1Result)
	EmitTaskComplete(taskID string)
	EmitTaskCancelled(taskID string)
	EmitTaskFailed(taskID string, kind pipelineerr.Kind, message string)
}

// PreprocessRunner is the narrow surface the orchestrator needs from the
// Preprocess Stage (component D). *preprocess.Stage satisfies this.
type PreprocessRunner interface {
	Run(ctx context.Context, history []llm.Message, templateCtx map[string]string) (preprocess.Decision, error)
}

// MainStageRunner is the narrow surface the orchestrator needs from the
// Main Stage (component F). *mainstage.Stage satisfies this.
type MainStageRunner interface {
	Run(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, emit mainstage.BlockEmitter) (mainstage.Result, error)
}

// PostprocessRunner is the narrow surface the orchestrator needs from the
// Postprocess Stage (component G). *postprocess.Stage satisfies this.
type PostprocessRunner interface {
	Phase1(ctx context.Context, in postprocess.Phase1Input) postprocess.Phase1Result
	Phase2(ctx context.Context, in postprocess.Phase2Input) postprocess.Phase2Result
}

// SkillDispatcher is the narrow surface the orchestrator needs from the
// Skill Dispatcher (component E). *skills.Dispatcher satisfies this.
type SkillDispatcher interface {
	Dispatch(ctx context.Context, dctx skills.DispatchContext, calls []llm.ToolCall) []llm.Message
}

// taskDispatcher binds a SkillDispatcher to one task's DispatchContext,
// closing over task_id/user_id/secrets/records so Main Stage's narrower
// Dispatcher interface (which knows nothing about DispatchContext) can
// drive it. This is the binding mainstage.Dispatcher's doc comment
// anticipates.
//
// It is also the skill-recording seam spec.md §4.H step 6 names ("for
// each executed skill, write a Usage Entry"): after each dispatch round it
// decodes the tool messages' SkillResult payloads back out, looks up
// pricing from the manifest registry, and records a Usage Entry per
// successful call. Recording is best-effort: a failure is logged, never
// propagated, so a ledger outage cannot turn a successful skill call into
// a failed task.
type taskDispatcher struct {
	dispatcher SkillDispatcher
	dctx       skills.DispatchContext
	registry   *skills.Registry
	usage      UsageRecorder

	userID     string
	vaultKeyID string
	chatID     string
	messageID  string
}

func (t taskDispatcher) Dispatch(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	messages := t.dispatcher.Dispatch(ctx, t.dctx, calls)
	for i, msg := range messages {
		if i >= len(calls) {
			break
		}
		t.record(ctx, calls[i], msg)
	}
	return messages
}

func (t taskDispatcher) record(ctx context.Context, call llm.ToolCall, msg llm.Message) {
	if t.registry == nil || t.usage == nil {
		return
	}
	var result skills.SkillResult
	if err := json.Unmarshal([]byte(msg.Content), &result); err != nil {
		return
	}
	if result.Error != "" {
		return
	}
	manifest, ok := t.registry.LookupByKey(call.Name)
	if !ok {
		return
	}

	credits := manifest.Pricing.Cost(nil)
	if result.CreditsOverride != nil {
		credits = *result.CreditsOverride
	}

	for _, embed := range result.Embeds {
		if err := t.dctx.Records.WriteEmbed(ctx, t.dctx.TaskID, embed); err != nil {
			log.Error().Err(err).Str("embed_id", embed.EmbedID).Msg("orchestrator: failed to persist embed")
		}
	}

	_, err := t.usage.RecordUsage(ctx, t.userID, t.vaultKeyID, ledger.UsageEntry{
		AppID:          manifest.AppID,
		SkillID:        manifest.SkillID,
		UsageType:      "skill_invocation",
		CreatedAt:      time.Now().Unix(),
		CreditsCharged: credits,
		ChatID:         t.chatID,
		MessageID:      t.messageID,
	})
	if err != nil {
		log.Error().Err(err).Str("app_id", manifest.AppID).Str("skill_id", manifest.SkillID).Msg("orchestrator: failed to record skill usage")
	}
}

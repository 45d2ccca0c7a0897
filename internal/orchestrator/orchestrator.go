// Package orchestrator implements the Orchestrator (component H): the
// per-task driver that sequences Preprocess, credit reservation, Main
// Stage, skill recording, settlement, and Postprocess into the nine-step
// procedure spec.md §4.H describes, and owns the per-task state machine
// (NEW -> PRE -> MAIN_STREAM -> POST -> DONE, with CANCELLED/FAILED
// reachable from any state).
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/mainstage"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
	"github.com/openmates/orchestrator-core/internal/postprocess"
	"github.com/openmates/orchestrator-core/internal/preprocess"
	"github.com/openmates/orchestrator-core/internal/queue"
	"github.com/openmates/orchestrator-core/internal/skills"
)

// ErrAlreadyProcessed is returned by Run when a task_id has already
// reached DONE on a prior delivery; per spec.md §7's exactly-once
// invariant, the caller should treat this as a silent no-op, not a retry
// trigger.
var ErrAlreadyProcessed = errors.New("orchestrator: task already processed")

const (
	idempotencyActive = "active"
	idempotencyDone   = "done"
	idempotencyTTL    = 24 * time.Hour
)

// MainStageProvider is one model tier's provider/model pair. The
// Orchestrator builds a fresh *mainstage.Stage per task from the tier
// Preprocess selects, since the Stage's dispatcher must close over that
// task's DispatchContext and so cannot be shared across tasks.
type MainStageProvider struct {
	Provider llm.Provider
	Model    string
}

// Deps are the Orchestrator's collaborators, one per pipeline component it
// drives. MainStageProviders maps a Preprocess-selected model tier to the
// provider/model that tier runs on; the Orchestrator itself never talks to
// a provider directly outside of building that per-task Main Stage.
type Deps struct {
	Context            ContextStore
	Messages           MessageStore
	Credits            CreditLedger
	Usage              UsageRecorder
	Idempotency        queue.CorrelationStore
	Dispatcher         SkillDispatcher
	Registry           *skills.Registry
	Secrets            skills.SecretsClient
	Records            skills.RecordStore
	Objects            skills.ObjectWriter
	Preprocess         PreprocessRunner
	MainStageProviders map[preprocess.ModelTier]MainStageProvider
	MaxToolRounds      int
	Postprocess        PostprocessRunner
	Edge               Edge
	Estimator          TokenEstimator

	PreprocessTemplateCtx map[string]string
	AvailableApps         []string
	AvailableCategories   []postprocess.MemoryCategory
	CategorySchemas       map[string]postprocess.CategorySchema
}

// Orchestrator drives one user turn through every pipeline component.
type Orchestrator struct {
	deps     Deps
	pipeline config.PipelineConfig
}

// New builds an Orchestrator. A nil Estimator defaults to
// LenOverFourEstimator.
func New(deps Deps, pipeline config.PipelineConfig) *Orchestrator {
	if deps.Estimator == nil {
		deps.Estimator = LenOverFourEstimator{}
	}
	return &Orchestrator{deps: deps, pipeline: pipeline}
}

// Run executes one task end to end and emits exactly one terminal edge
// event (task_complete, task_cancelled, or task_failed), per spec.md §7.
// A duplicate delivery (task already active or done) and a failed
// idempotency read or claim return before any event is emitted.
func (o *Orchestrator) Run(ctx context.Context, task Task) error {
	idemKey := "orchestrator:task:" + task.TaskID
	if o.deps.Idempotency != nil {
		state, err := o.deps.Idempotency.Get(ctx, idemKey)
		if err != nil {
			return pipelineerr.New(pipelineerr.KindTransient, err, "idempotency check failed")
		}
		switch state {
		case idempotencyDone:
			return ErrAlreadyProcessed
		case idempotencyActive:
			// Already running elsewhere; a duplicate delivery of the same
			// task_id is a silent no-op, not an error.
			return nil
		}
		claimTTL := o.pipeline.TaskWallClockTimeout
		if claimTTL <= 0 {
			claimTTL = idempotencyTTL
		}
		if err := o.deps.Idempotency.Set(ctx, idemKey, idempotencyActive, claimTTL); err != nil {
			return pipelineerr.New(pipelineerr.KindTransient, err, "idempotency claim failed")
		}
	}

	if o.pipeline.TaskWallClockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.pipeline.TaskWallClockTimeout)
		defer cancel()
	}

	runErr := o.run(ctx, task)

	if o.deps.Idempotency != nil {
		if err := o.deps.Idempotency.Set(ctx, idemKey, idempotencyDone, idempotencyTTL); err != nil {
			log.Error().Err(err).Str("task_id", task.TaskID).Msg("orchestrator: failed to mark task done")
		}
	}

	switch {
	case runErr == nil:
		o.deps.Edge.EmitTaskComplete(task.TaskID)
	case pipelineerr.Is(runErr, pipelineerr.KindCancelled) || errors.Is(ctx.Err(), context.Canceled):
		o.deps.Edge.EmitTaskCancelled(task.TaskID)
	default:
		kind := pipelineerr.KindInternal
		if pe, ok := pipelineerr.As(runErr); ok {
			kind = pe.Kind
		}
		o.deps.Edge.EmitTaskFailed(task.TaskID, kind, runErr.Error())
	}
	return runErr
}

// run implements spec.md §4.H's nine steps, returning early (without
// persisting a partial assistant message) on any fatal error.
func (o *Orchestrator) run(ctx context.Context, task Task) error {
	// Step 1: load context.
	profile, err := o.deps.Context.LoadUserProfile(ctx, task.UserID)
	if err != nil {
		return pipelineerr.New(pipelineerr.KindInternal, err, "failed to load user profile")
	}
	history, err := o.deps.Context.LoadHistory(ctx, task.ChatID)
	if err != nil {
		return pipelineerr.New(pipelineerr.KindInternal, err, "failed to load chat history")
	}

	// Step 2: transform history (rich text -> plain text, sender_name ->
	// role) and truncate to the configured token budget, newest-first.
	messages := transformHistory(history)
	budget := o.pipeline.PreprocessHistoryTokenBudget
	if budget <= 0 {
		budget = defaultHistoryTokenBudget
	}
	messages = truncateHistory(messages, o.deps.Estimator, budget)
	messages = append(messages, llm.Message{Role: "user", Content: task.UserMessage})

	// Step 3: Preprocess (component D) selects skills, the Main Stage
	// model tier, and a chat summary.
	preCtx, preCancel := withStageTimeout(ctx, o.pipeline.PreprocessTimeout)
	decision, err := o.deps.Preprocess.Run(preCtx, messages, o.deps.PreprocessTemplateCtx)
	preCancel()
	if err != nil {
		return pipelineerr.New(pipelineerr.KindInternal, err, "preprocess stage failed")
	}

	// Step 4: pre-debit. Reserve the minimum expected cost before Main
	// Stage runs so a mid-stream failure never leaves a user both
	// overcharged and under-serviced.
	reserveAmount := o.pipeline.MinReserveCredits
	if reserveAmount <= 0 {
		reserveAmount = 1.0
	}
	reserveAmount *= float64(1 + len(decision.Skills))
	if profile.CreditBalance < reserveAmount {
		return pipelineerr.New(pipelineerr.KindInsufficientCredits, nil, "insufficient credit balance for this request")
	}
	reservationID, err := o.deps.Credits.Reserve(ctx, task.UserID, reserveAmount)
	if err != nil {
		return pipelineerr.New(pipelineerr.KindInsufficientCredits, err, "failed to reserve credits")
	}

	// Step 5: Main Stage (component F), streaming text blocks to the edge
	// and dispatching any tool calls through the task-bound dispatcher,
	// which records a Usage Entry per executed skill as a side effect
	// (step 6).
	dispatcher := taskDispatcher{
		dispatcher: o.deps.Dispatcher,
		dctx: skills.DispatchContext{
			TaskID:  task.TaskID,
			UserID:  task.UserID,
			ChatID:  task.ChatID,
			Secrets: o.deps.Secrets,
			Records: o.deps.Records,
			Objects: o.deps.Objects,
		},
		registry:   o.deps.Registry,
		usage:      o.deps.Usage,
		userID:     task.UserID,
		vaultKeyID: profile.VaultKeyID,
		chatID:     task.ChatID,
		messageID:  task.MessageID,
	}

	provider, ok := o.deps.MainStageProviders[decision.ModelTier]
	if !ok {
		provider, ok = o.deps.MainStageProviders[preprocess.TierBalanced]
	}
	if !ok {
		if refundErr := o.deps.Credits.Refund(ctx, task.UserID, reservationID); refundErr != nil {
			log.Error().Err(refundErr).Str("task_id", task.TaskID).Msg("orchestrator: failed to refund reservation after missing model tier")
		}
		return pipelineerr.New(pipelineerr.KindConfig, nil, "no main stage configured for selected model tier")
	}
	mainStage := mainstage.New(provider.Provider, provider.Model, dispatcher, o.deps.MaxToolRounds)

	emit := func(block string) {
		o.deps.Edge.EmitTextBlock(task.TaskID, task.MessageID, block)
	}
	mainCtx, mainCancel := withStageTimeout(ctx, o.pipeline.MainStreamTimeout)
	result, err := mainStage.Run(mainCtx, messages, nil, emit)
	mainCancel()
	if err != nil {
		refundErr := o.deps.Credits.Refund(ctx, task.UserID, reservationID)
		if refundErr != nil {
			log.Error().Err(refundErr).Str("task_id", task.TaskID).Msg("orchestrator: failed to refund reservation after main stage failure")
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return pipelineerr.New(pipelineerr.KindCancelled, err, "main stage cancelled")
		}
		return pipelineerr.New(pipelineerr.KindProviderError, err, "main stage failed")
	}

	// Persist the final assistant message only after Main Stage has
	// terminated naturally or been forced to a final answer; a
	// cancellation above this point never reaches here, so no partial
	// message is ever stored, per spec.md §7.
	if err := o.deps.Messages.PersistAssistantMessage(ctx, task.ChatID, task.MessageID, result.Text); err != nil {
		return pipelineerr.New(pipelineerr.KindInternal, err, "failed to persist assistant message")
	}

	// Step 7: settle. The reservation is settled at its full reserved
	// amount: the balance is debited by reserveAmount and the reservation
	// released, so nothing of it is refunded. Skill invocations were
	// recorded as Usage Entries by the dispatcher; their credits, like the
	// stages' token costs, are not added to this debit.
	if err := o.deps.Credits.Settle(ctx, task.UserID, reservationID, reserveAmount); err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID).Msg("orchestrator: failed to settle credit reservation")
	}

	// Step 8: Postprocess (component G), skipped entirely for incognito
	// chats per spec.md §4.H ("incognito chats skip Postprocess and
	// persist nothing beyond the turn itself").
	if !task.Incognito && o.deps.Postprocess != nil {
		postCtx, postCancel := withStageTimeout(ctx, o.pipeline.PostprocessPhaseTimeout)
		phase1 := o.deps.Postprocess.Phase1(postCtx, postprocess.Phase1Input{
			AssistantResponse:   result.Text,
			ChatTags:            decision.Tags,
			AvailableApps:       o.deps.AvailableApps,
			AvailableCategories: o.deps.AvailableCategories,
			History:             messages,
		})
		if len(phase1.RelevantCategories) > 0 {
			o.deps.Postprocess.Phase2(postCtx, postprocess.Phase2Input{
				AssistantResponse: result.Text,
				UserMessage:       task.UserMessage,
				Categories:        phase1.RelevantCategories,
				Schemas:           o.deps.CategorySchemas,
			})
		}
		postCancel()
		o.deps.Edge.EmitSuggestions(task.TaskID, phase1)
	}

	// Step 9: finalize.
	if err := o.deps.Messages.UpdateChatVersion(ctx, task.ChatID, len(history)+1); err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID).Msg("orchestrator: failed to update chat version")
	}

	return nil
}

func withStageTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

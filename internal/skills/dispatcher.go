package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/objectstore"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
	"github.com/openmates/orchestrator-core/internal/queue"
)

// SkillResult is what a skill function (inline or queued) returns for one
// tool-call, per spec.md §4.E's per-skill contract:
// execute(args, ctx) -> SkillResult{content, embeds?, error?, credits_override?}.
type SkillResult struct {
	Content         string   `json:"content"`
	Embeds          []Embed  `json:"embeds,omitempty"`
	Error           string   `json:"error,omitempty"`
	CreditsOverride *float64 `json:"credits_override,omitempty"`
}

// Embed is the minimal auxiliary-artifact reference a skill may attach to
// its result; the full Embed/EmbedKey lifecycle lives in the record-store
// interface, out of this package's scope.
type Embed struct {
	EmbedID string `json:"embed_id"`
	Kind    string `json:"kind"`
	URI     string `json:"uri"`
}

// RecordStore is the narrow surface the dispatcher needs from the
// record-store interface (spec.md §6) to let a skill persist embeds it
// produces. The full ChatRepo/EmbedRepo live in internal/repo.
type RecordStore interface {
	WriteEmbed(ctx context.Context, taskID string, embed Embed) error
}

// DispatchContext carries the per-task values every skill invocation needs,
// per spec.md §4.E: "ctx carries task_id, user_id, chat_id, secrets client,
// record-store client, and a cancel signal."
type DispatchContext struct {
	TaskID  string
	UserID  string
	ChatID  string
	Secrets SecretsClient
	Records RecordStore
	Objects ObjectWriter
}

// SecretsClient is the narrow secrets-access surface a skill needs; the
// full Secrets & Transit client (component A) satisfies this.
type SecretsClient interface {
	Get(ctx context.Context, name string) (string, error)
}

// ObjectWriter is the narrow surface a skill needs to persist binary embed
// content it produces (e.g. a generated image or document) to the object
// store before returning an Embed reference pointing at it.
// internal/objectstore.ObjectStore satisfies this.
type ObjectWriter interface {
	Put(ctx context.Context, key string, r io.Reader, opts objectstore.PutOptions) (etag string, err error)
}

// InlineFunc is a skill's in-process implementation, registered against a
// manifest's (app_id, skill_id) key.
type InlineFunc func(ctx context.Context, dctx DispatchContext, args map[string]any) (SkillResult, error)

// Dispatcher resolves tool-calls emitted by the Main Stage to manifests and
// executes them, inline or queued, per spec.md §4.E.
type Dispatcher struct {
	registry *Registry
	inline   map[string]InlineFunc

	sem            *semaphore.Weighted
	producer       queue.Producer
	correlations   queue.CorrelationStore
	queuedDeadline time.Duration
}

// DispatcherOption configures a Dispatcher at construction.
type DispatcherOption func(*Dispatcher)

// WithConcurrencyCap overrides the inline concurrency cap (default 4). The
// cap is held by the Dispatcher and shared by every task dispatching through
// it; tasks do not get separate caps.
func WithConcurrencyCap(n int) DispatcherOption {
	return func(d *Dispatcher) { d.sem = semaphore.NewWeighted(int64(n)) }
}

// WithQueuedDeadline overrides the default 120s queued-dispatch deadline.
func WithQueuedDeadline(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.queuedDeadline = d }
}

// NewDispatcher builds a Dispatcher over reg. producer/correlations may be
// nil if no manifest in reg uses ExecutionQueued.
func NewDispatcher(reg *Registry, producer queue.Producer, correlations queue.CorrelationStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:       reg,
		inline:         make(map[string]InlineFunc),
		sem:            semaphore.NewWeighted(4),
		queuedDeadline: 120 * time.Second,
		producer:       producer,
		correlations:   correlations,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterInline associates an InlineFunc with a manifest key
// ("app_id.skill_id"), e.g. builtin.CodeGetDocs under "code.get_docs".
func (d *Dispatcher) RegisterInline(key string, fn InlineFunc) {
	d.inline[key] = fn
}

// toolResult is one tool-call paired with its eventual SkillResult, kept in
// original call order per spec.md §8's tool-call-ordering invariant.
type toolResult struct {
	call   llm.ToolCall
	result SkillResult
}

// Dispatch executes every pending tool-call concurrently (inline skills
// bounded by the concurrency cap; queued skills awaited independently) and
// returns one llm.Message per call, in the same order the model emitted
// them, suitable for direct append to the next model request.
func (d *Dispatcher) Dispatch(ctx context.Context, dctx DispatchContext, calls []llm.ToolCall) []llm.Message {
	results := make([]toolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = toolResult{call: call, result: d.dispatchOne(ctx, dctx, call)}
		}(i, call)
	}
	wg.Wait()

	messages := make([]llm.Message, len(calls))
	for i, r := range results {
		messages[i] = toToolMessage(r)
	}
	return messages
}

func toToolMessage(r toolResult) llm.Message {
	payload := r.result
	content, err := json.Marshal(payload)
	if err != nil {
		content = []byte(fmt.Sprintf(`{"error":%q}`, "failed to encode skill result"))
	}
	return llm.Message{Role: "tool", ToolID: r.call.ID, Content: string(content)}
}

// dispatchOne resolves and runs a single tool-call, never returning a Go
// error: all failure modes are encoded into SkillResult.Error so the model
// always receives a tool-role message it can react to, per spec.md §4.E.
func (d *Dispatcher) dispatchOne(ctx context.Context, dctx DispatchContext, call llm.ToolCall) SkillResult {
	manifest, ok := d.registry.LookupByKey(call.Name)
	if !ok {
		return SkillResult{Error: fmt.Sprintf("UNKNOWN_SKILL: no manifest registered for %q", call.Name)}
	}

	var args map[string]any
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return SkillResult{Error: "INVALID_ARGS: arguments are not valid JSON"}
	}
	if err := manifest.ValidateArguments(args); err != nil {
		return SkillResult{Error: fmt.Sprintf("INVALID_ARGS: %s", err)}
	}

	switch manifest.Execution {
	case ExecutionQueued:
		// The queued path's own deadline (default 120s, manifest.Timeout
		// does not apply here) governs how long dispatchQueued waits.
		return d.dispatchQueued(ctx, dctx, manifest, args)
	default:
		timeout := manifest.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.dispatchInline(callCtx, dctx, manifest, args)
	}
}

func (d *Dispatcher) dispatchInline(ctx context.Context, dctx DispatchContext, manifest *Manifest, args map[string]any) SkillResult {
	fn, ok := d.inline[manifest.Key()]
	if !ok {
		return SkillResult{Error: fmt.Sprintf("UNKNOWN_SKILL: no inline implementation registered for %q", manifest.Key())}
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return SkillResult{Error: "TIMEOUT: concurrency cap wait exceeded deadline"}
	}
	defer d.sem.Release(1)

	result, err := fn(ctx, dctx, args)
	if err != nil {
		var pe *pipelineerr.Error
		if errors.As(err, &pe) {
			return SkillResult{Error: fmt.Sprintf("%s: %s", pe.Kind, pe.Message)}
		}
		return SkillResult{Error: fmt.Sprintf("INTERNAL: %s", err)}
	}
	return result
}

func (d *Dispatcher) dispatchQueued(ctx context.Context, dctx DispatchContext, manifest *Manifest, args map[string]any) SkillResult {
	if d.producer == nil || d.correlations == nil {
		return SkillResult{Error: "CONFIG: queued dispatch is not configured"}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return SkillResult{Error: "INTERNAL: failed to encode job payload"}
	}

	correlationID := fmt.Sprintf("%s:%s:%d", dctx.TaskID, manifest.Key(), time.Now().UnixNano())
	job := queue.JobEnvelope{
		CorrelationID: correlationID,
		Kind:          manifest.Key(),
		Payload:       payload,
	}
	topic := manifest.QueueTopic
	if topic == "" {
		topic = "skill.jobs"
	}
	if err := queue.Publish(ctx, d.producer, topic, job); err != nil {
		return SkillResult{Error: fmt.Sprintf("TRANSIENT: failed to enqueue job: %s", err)}
	}

	deadline := d.queuedDeadline
	if deadline <= 0 {
		deadline = 120 * time.Second
	}
	raw, err := queue.AwaitResult(ctx, d.correlations, correlationID, deadline, 200*time.Millisecond)
	if err != nil {
		return SkillResult{Error: "TIMEOUT: queued skill did not complete within the deadline"}
	}

	var envelope queue.ResultEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return SkillResult{Error: "INTERNAL: malformed queued result envelope"}
	}
	if envelope.Status != "success" {
		return SkillResult{Error: fmt.Sprintf("PROVIDER_ERROR: %s", envelope.Error)}
	}

	var result SkillResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return SkillResult{Error: "INTERNAL: malformed skill result"}
	}
	return result
}

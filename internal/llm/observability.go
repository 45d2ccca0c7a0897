package llm

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openmates/orchestrator-core/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	mu                   sync.RWMutex
	enablePayloadLogging = false
	truncateBytes        = 0 // 0 means no truncation
)

var (
	tokenOnce         sync.Once
	promptCounter     otelmetric.Int64Counter
	completionCounter otelmetric.Int64Counter
)

func ensureTokenInstruments() {
	tokenOnce.Do(func() {
		m := otel.Meter("internal/llm")
		promptCounter, _ = m.Int64Counter("llm.prompt_tokens", otelmetric.WithDescription("Cumulative prompt tokens by model"))
		completionCounter, _ = m.Int64Counter("llm.completion_tokens", otelmetric.WithDescription("Cumulative completion tokens by model"))
	})
}

// RecordTokenMetrics records token usage for a model as OTel counters.
func RecordTokenMetrics(ctx context.Context, model string, promptTokens, completionTokens int) {
	if model == "" || (promptTokens == 0 && completionTokens == 0) {
		return
	}
	ensureTokenInstruments()
	if promptCounter != nil && promptTokens > 0 {
		promptCounter.Add(ctx, int64(promptTokens), otelmetric.WithAttributes(attribute.String("llm.model", model)))
	}
	if completionCounter != nil && completionTokens > 0 {
		completionCounter.Add(ctx, int64(completionTokens), otelmetric.WithAttributes(attribute.String("llm.model", model)))
	}
}

// ConfigureLogging sets global behavior for prompt/response logging. Call
// this once at startup with values from the main config.
func ConfigureLogging(enable bool, truncate int) {
	mu.Lock()
	defer mu.Unlock()
	enablePayloadLogging = enable
	truncateBytes = truncate
}

// StartRequestSpan starts a tracer span for an LLM request and sets common attributes.
func StartRequestSpan(ctx context.Context, operation string, model string, tools int, messages int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("internal/llm").Start(ctx, operation)
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.tools", tools), attribute.Int("llm.messages", messages))
	return ctx, span
}

func shouldLog() (bool, int) {
	mu.RLock()
	defer mu.RUnlock()
	return enablePayloadLogging, truncateBytes
}

// LogRedactedPrompt logs a redacted copy of the prompt/messages at debug
// level using the observability helpers. No-op if global logging is
// disabled; large payloads are truncated per ConfigureLogging.
func LogRedactedPrompt(ctx context.Context, msgs []Message) {
	logRedacted(ctx, "llm_request", "prompt", msgs)
}

// LogRedactedResponse logs a redacted copy of the response payload at debug level.
func LogRedactedResponse(ctx context.Context, resp any) {
	logRedacted(ctx, "llm_response", "response", resp)
}

func logRedacted(ctx context.Context, event, field string, payload any) {
	ok, t := shouldLog()
	if !ok {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	log := observability.LoggerWithTrace(ctx)
	red := observability.RedactJSON(b)
	if t > 0 && len(red) > t {
		previewObj := map[string]any{"truncated": true, "preview": string(red[:t])}
		if pb, err := json.Marshal(previewObj); err == nil {
			tmp := log.With().RawJSON(field, pb).Logger()
			tmp.Debug().Msg(event)
			return
		}
	}
	tmp := log.With().RawJSON(field, red).Logger()
	tmp.Debug().Msg(event)
}

// RecordTokenAttributes sets token count attributes on the provided span.
func RecordTokenAttributes(span trace.Span, promptTokens, completionTokens, totalTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int("llm.prompt_tokens", promptTokens), attribute.Int("llm.completion_tokens", completionTokens), attribute.Int("llm.total_tokens", totalTokens))
}

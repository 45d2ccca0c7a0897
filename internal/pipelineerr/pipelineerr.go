// Package pipelineerr defines the structured error kinds the orchestration
// pipeline uses in place of ad-hoc exceptions. Every stage returns one of
// these kinds rather than an opaque error; the orchestrator is the only
// place that translates a kind into a user-visible event.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy the pipeline distinguishes.
type Kind string

const (
	// KindConfig is a missing secret, unknown model, or other setup defect.
	// Fatal to the task.
	KindConfig Kind = "config"
	// KindAuth is a transit or provider auth failure. Retried once after a
	// token refresh, then fatal.
	KindAuth Kind = "auth"
	// KindTransient is network, 5xx, or timeout. Retried with backoff.
	KindTransient Kind = "transient"
	// KindInvalidArgs is a skill argument that failed JSON Schema validation.
	// Returned to the model as a tool result, never retried transport-side.
	KindInvalidArgs Kind = "invalid_args"
	// KindInsufficientCredits is a pre-flight balance check failure.
	KindInsufficientCredits Kind = "insufficient_credits"
	// KindProviderError is a structured error surfaced by a provider adapter.
	KindProviderError Kind = "provider_error"
	// KindCancelled is a propagated cancellation.
	KindCancelled Kind = "cancelled"
	// KindInternal is anything unexpected; fatal. No stack trace is captured.
	KindInternal Kind = "internal"
)

// Error is a kind-tagged error carrying an optional cause and structured
// fields for event payloads (e.g. {"skill_id": "code.get_docs"}).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a pipelineerr.Error of the given kind.
func New(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithField returns a copy of e with an added structured field.
func (e *Error) WithField(key string, value any) *Error {
	out := *e
	out.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	out.Fields[key] = value
	return &out
}

// As reports whether err (or something it wraps) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Is reports whether err is a pipelineerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	pe, ok := As(err)
	return ok && pe.Kind == kind
}

// Retryable reports whether the error's kind is TRANSIENT, which is the only
// kind the retry policy in internal/retry acts on.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}

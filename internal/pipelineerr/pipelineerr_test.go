package pipelineerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsAndIs(t *testing.T) {
	base := errors.New("boom")
	wrapped := New(KindTransient, base, "provider timed out")

	pe, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindTransient, pe.Kind)
	assert.True(t, errors.Is(wrapped, base))
	assert.True(t, Is(wrapped, KindTransient))
	assert.False(t, Is(wrapped, KindAuth))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, nil, "x")))
	assert.False(t, Retryable(New(KindConfig, nil, "x")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestWithField(t *testing.T) {
	e := New(KindInvalidArgs, nil, "bad args").WithField("skill_id", "code.get_docs")
	assert.Equal(t, "code.get_docs", e.Fields["skill_id"])

	e2 := e.WithField("call_id", "abc")
	assert.Equal(t, "code.get_docs", e2.Fields["skill_id"])
	assert.Equal(t, "abc", e2.Fields["call_id"])
	// Original unaffected.
	_, hasCallID := e.Fields["call_id"]
	assert.False(t, hasCallID)
}

package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
)

func TestChatReturnsUnifiedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "required", body["tool_choice"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-test",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": "hello there",
					},
				},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		})
	}))
	defer srv.Close()

	c := New(config.OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "gpt-test"}, srv.Client())
	resp, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, llm.Any, "")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hello there", resp.Message.Content)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
}

func TestAdaptToolChoice(t *testing.T) {
	v, ok := adaptToolChoice(llm.Auto)
	assert.False(t, ok)
	assert.Nil(t, v)

	v, ok = adaptToolChoice(llm.None)
	assert.True(t, ok)
	assert.Equal(t, "none", v)

	v, ok = adaptToolChoice(llm.Tool("code.get_docs"))
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"type": "function", "function": map[string]any{"name": "code.get_docs"}}, v)
}

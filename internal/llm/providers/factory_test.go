package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/config"
)

func TestBuildConstructsEachVendor(t *testing.T) {
	cfg := config.ProvidersConfig{
		OpenAI:    config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-5"},
		Anthropic: config.AnthropicConfig{APIKey: "ak-test", Model: "claude-sonnet"},
		Google:    config.GoogleConfig{APIKey: "gk-test", Model: "gemini-pro"},
		Groq:      config.OpenAIConfig{APIKey: "gq-test", BaseURL: "https://api.groq.com/openai/v1", Model: "llama"},
		Mistral:   config.OpenAIConfig{APIKey: "ms-test", BaseURL: "https://api.mistral.ai/v1", Model: "mistral-large"},
	}

	for _, name := range []Name{OpenAI, Anthropic, Google, Groq, Mistral} {
		p, err := Build(name, cfg, nil)
		require.NoError(t, err, name)
		assert.NotNil(t, p, name)
	}
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	_, err := Build(Name("carrier-pigeon"), config.ProvidersConfig{}, nil)
	assert.Error(t, err)
}

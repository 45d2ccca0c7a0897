// Package providers selects and constructs the configured llm.Provider
// adapter for each of the five supported vendors.
package providers

import (
	"fmt"
	"net/http"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/llm"
	"github.com/openmates/orchestrator-core/internal/llm/anthropic"
	"github.com/openmates/orchestrator-core/internal/llm/google"
	"github.com/openmates/orchestrator-core/internal/llm/openaicompat"
)

// Name identifies which adapter a model routes through.
type Name string

const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
	Google    Name = "google"
	Groq      Name = "groq"
	Mistral   Name = "mistral"
)

// Build constructs the llm.Provider for the named vendor from cfg.
func Build(name Name, cfg config.ProvidersConfig, httpClient *http.Client) (llm.Provider, error) {
	switch name {
	case OpenAI:
		return openaicompat.New(cfg.OpenAI, httpClient), nil
	case Groq:
		return openaicompat.New(cfg.Groq, httpClient), nil
	case Mistral:
		return openaicompat.New(cfg.Mistral, httpClient), nil
	case Anthropic:
		return anthropic.New(cfg.Anthropic, httpClient), nil
	case Google:
		return google.New(cfg.Google, httpClient)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", name)
	}
}

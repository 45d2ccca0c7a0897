package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/openmates/orchestrator-core/internal/llm"
)

// TokenEstimator estimates the token cost of a string. Kept behind an
// interface per spec.md's design note: the len/4 heuristic is an
// approximation for request sizing only, and a proper per-provider
// tokenizer should be able to slot in without touching callers.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// LenOverFourEstimator is the default approximation: four characters per
// token.
type LenOverFourEstimator struct{}

func (LenOverFourEstimator) EstimateTokens(text string) int {
	return len(text) / 4
}

const defaultHistoryTokenBudget = 120_000

// extractPlainText collapses a stored message's rich content to plain
// text. Messages are stored as Tiptap JSON documents; a node is either a
// bare string, a {"type":"text","text":"..."} leaf, or a container with a
// nested "content" array. Anything that doesn't parse as JSON is assumed
// to already be plain text and is returned unchanged.
//
// Ported from original_source's _extract_text_from_tiptap.
func extractPlainText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return raw
	}
	var node any
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return raw
	}
	var b strings.Builder
	writeTiptapNode(&b, node)
	return b.String()
}

func writeTiptapNode(b *strings.Builder, node any) {
	switch v := node.(type) {
	case string:
		b.WriteString(v)
	case map[string]any:
		if v["type"] == "text" {
			if text, ok := v["text"].(string); ok {
				b.WriteString(text)
			}
		}
		if content, ok := v["content"].([]any); ok {
			for _, c := range content {
				writeTiptapNode(b, c)
			}
		}
	case []any:
		for _, c := range v {
			writeTiptapNode(b, c)
		}
	}
}

// transformHistory maps each stored entry's sender_name to an LLM role
// (sender_name "user" -> role "user", anything else -> role "assistant")
// and collapses its content to plain text.
//
// Ported from original_source's _transform_message_history_for_llm.
func transformHistory(entries []HistoryEntry) []llm.Message {
	out := make([]llm.Message, len(entries))
	for i, e := range entries {
		role := "assistant"
		if e.SenderName == "user" {
			role = "user"
		}
		out[i] = llm.Message{Role: role, Content: extractPlainText(e.Content)}
	}
	return out
}

// truncateHistory drops the oldest messages first until the remaining
// messages' estimated token total fits within budget, preserving the
// newest turns. A nil estimator defaults to LenOverFourEstimator.
func truncateHistory(messages []llm.Message, estimator TokenEstimator, budget int) []llm.Message {
	if estimator == nil {
		estimator = LenOverFourEstimator{}
	}
	if budget <= 0 {
		budget = defaultHistoryTokenBudget
	}

	costs := make([]int, len(messages))
	total := 0
	for i, m := range messages {
		c := estimator.EstimateTokens(m.Content)
		costs[i] = c
		total += c
	}

	start := 0
	for total > budget && start < len(messages) {
		total -= costs[start]
		start++
	}
	return messages[start:]
}

// Package builtin ships concrete skill implementations that exercise the
// Skill Dispatcher end-to-end, grounding spec.md §8 scenario 2.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/openmates/orchestrator-core/internal/skills"
)

// DocsProvider is the narrow external collaborator code.get_docs depends
// on, mirroring the original Context7-backed implementation's search/fetch
// split (original_source/backend/apps/code/skills/get_docs_skill.py).
type DocsProvider interface {
	// Resolve returns the library id for a human-readable library name,
	// or "" with no error if nothing matched.
	Resolve(ctx context.Context, library string) (string, error)
	// FetchDocs returns documentation content relevant to question for the
	// resolved library id.
	FetchDocs(ctx context.Context, libraryID, question string) (string, error)
}

// IsLibraryID reports whether library already looks like a resolved
// Context7-style library id (e.g. "/sveltejs/svelte"), letting the skill
// skip straight to FetchDocs per the original's step 1.
func IsLibraryID(library string) bool {
	return strings.HasPrefix(library, "/")
}

// CodeGetDocs builds the inline skill function for (code, get_docs), for
// registration with skills.Dispatcher.RegisterInline under the manifest
// key "code.get_docs".
func CodeGetDocs(provider DocsProvider) skills.InlineFunc {
	return func(ctx context.Context, dctx skills.DispatchContext, args map[string]any) (skills.SkillResult, error) {
		library, _ := args["library"].(string)
		question, _ := args["question"].(string)
		if strings.TrimSpace(library) == "" {
			return skills.SkillResult{Error: "INVALID_ARGS: library is required"}, nil
		}

		libraryID := library
		if !IsLibraryID(library) {
			resolved, err := provider.Resolve(ctx, library)
			if err != nil {
				return skills.SkillResult{}, fmt.Errorf("resolving library %q: %w", library, err)
			}
			if resolved == "" {
				return skills.SkillResult{Error: fmt.Sprintf("no documentation library found for %q", library)}, nil
			}
			libraryID = resolved
		}

		docs, err := provider.FetchDocs(ctx, libraryID, question)
		if err != nil {
			return skills.SkillResult{}, fmt.Errorf("fetching docs for %q: %w", libraryID, err)
		}

		return skills.SkillResult{Content: SanitizeText(docs)}, nil
	}
}

// SanitizeText strips zero-width and Unicode tag characters (the "ASCII
// smuggling" range, U+E0000-U+E007F, plus common zero-width separators)
// from externally-fetched text before it reaches the model. This is a
// generic defensive measure any skill handling untrusted external content
// may call, not specific to code.get_docs.
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isSmuggledRune(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	zeroWidthSpace     = '​'
	zeroWidthNonJoiner = '‌'
	zeroWidthJoiner    = '‍'
	zeroWidthNoBreak   = '\uFEFF'
	wordJoiner         = '⁠'
)

func isSmuggledRune(r rune) bool {
	switch {
	case r >= 0xE0000 && r <= 0xE007F: // Unicode tag characters
		return true
	case r == zeroWidthSpace || r == zeroWidthNonJoiner || r == zeroWidthJoiner:
		return true
	case r == zeroWidthNoBreak || r == wordJoiner:
		return true
	default:
		return false
	}
}

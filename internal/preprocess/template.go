package preprocess

import "strings"

// Template substitutes `{PLACEHOLDER}` tokens in a tool description with
// values from a dynamic context map. Unlike Go's text/template (`{{ }}`),
// the manifest format spec.md §4.D names uses single braces, so a
// strings.Replacer does the whole job without pulling in a templating
// engine for what is single-pass literal substitution.
type Template struct {
	source string
}

// NewTemplate wraps a raw description string containing `{KEY}` placeholders.
func NewTemplate(source string) Template {
	return Template{source: source}
}

// Render substitutes every `{KEY}` placeholder found in ctx and leaves any
// placeholder absent from ctx untouched, so a caller can layer multiple
// renders (e.g. static then per-task context) without double-escaping.
func (t Template) Render(ctx map[string]string) string {
	if len(ctx) == 0 {
		return t.source
	}
	pairs := make([]string, 0, len(ctx)*2)
	for k, v := range ctx {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(t.source)
}

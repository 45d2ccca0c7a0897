package aggregator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(t *testing.T, chunks []string) []string {
	t.Helper()
	a := New()
	var out []string
	for _, c := range chunks {
		out = append(out, a.Feed(c)...)
	}
	out = append(out, a.Close()...)
	return out
}

func TestAggregatorSplitsOnParagraphBoundary(t *testing.T) {
	blocks := feedAll(t, []string{"intro text.\n\n", "second paragraph."})
	assert.Equal(t, []string{"intro text.\n\n", "second paragraph."}, blocks)
}

func TestAggregatorTreatsCodeBlockAsSingleUnit(t *testing.T) {
	blocks := feedAll(t, []string{
		"before.\n\n",
		"```python\n",
		"def f():\n",
		"    pass\n",
		"```\n\n",
		"after.",
	})
	assert.Equal(t, []string{
		"before.\n\n",
		"```python\ndef f():\n    pass\n```\n\n",
		"after.",
	}, blocks)
}

func TestAggregatorHandlesChunkSplitAcrossFenceBoundary(t *testing.T) {
	blocks := feedAll(t, []string{"abc", "```", "code\n", "```", "tail"})
	assert.Equal(t, []string{"abc", "```code\n```", "tail"}, blocks)
}

func TestAggregatorFlushesUnterminatedCodeBlockOnClose(t *testing.T) {
	a := New()
	var out []string
	out = append(out, a.Feed("intro\n\n")...)
	out = append(out, a.Feed("```js\nconsole.log(1)\n")...)
	out = append(out, a.Close()...)
	assert.Equal(t, []string{"intro\n\n", "```js\nconsole.log(1)\n"}, out)
}

func TestAggregatorRoundTripPreservesAllCharacters(t *testing.T) {
	chunks := []string{
		"This is some introductory text.\n\n",
		"```python\n",
		"def hello():\n",
		"    print('Hello, world!')\n",
		"```\n\n",
		"This is some text after the code block.",
		" It continues on the same logical paragraph.",
		"\n\nAnother paragraph entirely.\n",
		"And a final fragment.",
	}
	blocks := feedAll(t, chunks)
	assert.Equal(t, strings.Join(chunks, ""), strings.Join(blocks, ""))
}

func TestAggregatorNoBlockStartsWithBlankLine(t *testing.T) {
	chunks := []string{
		"first.\n\n",
		"second.\n\n",
		"```go\nfunc x() {}\n```\n\n",
		"third.",
	}
	blocks := feedAll(t, chunks)
	for i, b := range blocks {
		assert.False(t, strings.HasPrefix(b, "\n\n"), "block %d %q starts with a blank line", i, b)
	}
}

func TestAggregatorForcesFlushOnOversizedBufferWithoutSeparator(t *testing.T) {
	a := New()
	huge := strings.Repeat("x", maxBufferSize+100)
	out := a.Feed(huge)
	if assert.NotEmpty(t, out) {
		assert.LessOrEqual(t, len(out[0]), scanPrefixLength)
	}
}

func TestAggregatorForcesFlushInsideOversizedCodeBlock(t *testing.T) {
	a := New()
	out := a.Feed("```go\n")
	assert.Empty(t, out)
	huge := strings.Repeat("y", maxBufferSize+100)
	out = a.Feed(huge)
	assert.NotEmpty(t, out)
}

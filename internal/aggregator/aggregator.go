// Package aggregator re-segments a raw LLM token stream into complete
// paragraphs and fenced code blocks (component C).
package aggregator

import (
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// maxBufferSize forces a partial flush once the buffer grows past this
	// many bytes without finding a natural boundary.
	maxBufferSize = 32 * 1024
	// scanPrefixLength bounds how much of the buffer is scanned for a
	// paragraph separator or opening fence while outside a code block.
	scanPrefixLength = 8 * 1024

	codeFence  = "```"
	paragraph2 = "\n\n"
)

// state is the aggregator's explicit two-state machine.
type state int

const (
	stateOutside state = iota
	stateInCode
)

// Aggregator re-segments arbitrary-sized text chunks into blocks: either a
// paragraph terminated by a blank line, or a fenced code block delimited by
// triple backticks (inclusive of both fences). It holds a single buffer and
// a state flag; every call to Feed may emit zero or more complete blocks.
type Aggregator struct {
	buf   strings.Builder
	state state
}

// New returns an Aggregator ready to consume chunks via Feed.
func New() *Aggregator {
	return &Aggregator{}
}

// Feed appends chunk to the internal buffer and returns every complete block
// that can now be emitted. The returned slice may be empty.
func (a *Aggregator) Feed(chunk string) []string {
	a.buf.WriteString(chunk)
	return a.drain(false)
}

// Close signals input exhaustion and returns any remaining buffered text as
// a final block. It logs a warning if the stream ended mid code-block.
func (a *Aggregator) Close() []string {
	return a.drain(true)
}

// drain repeatedly extracts complete blocks from the buffer until none
// remain. When final is true, the remaining buffer (if any) is flushed as
// the last block regardless of whether a natural boundary was found.
func (a *Aggregator) drain(final bool) []string {
	var blocks []string
	buffer := a.buf.String()

	for {
		if a.state == stateInCode {
			// The buffer may still start with the opening fence itself (the
			// transition into stateInCode keeps it in place); skip past it
			// so the search below finds the *closing* fence, not the one
			// that just opened the block.
			searchFrom := 0
			if strings.HasPrefix(buffer, codeFence) {
				searchFrom = len(codeFence)
			}
			idx := -1
			if rel := strings.Index(buffer[searchFrom:], codeFence); rel != -1 {
				idx = searchFrom + rel
			}
			if idx != -1 {
				end := idx + len(codeFence)
				// A blank line right after the closing fence belongs to the
				// code block, so that no later block starts with one. While
				// the text after the fence could still grow into "\n\n",
				// wait for more input.
				rest := buffer[end:]
				if !final && len(rest) < len(paragraph2) && strings.HasPrefix(paragraph2, rest) {
					break
				}
				if strings.HasPrefix(rest, paragraph2) {
					end += len(paragraph2)
				}
				blocks = append(blocks, buffer[:end])
				buffer = buffer[end:]
				a.state = stateOutside
				continue
			}
			if len(buffer) > maxBufferSize {
				flushLen := maxBufferSize - len(codeFence)
				cut := lastNewlineBefore(buffer, flushLen)
				if cut > 0 {
					blocks = append(blocks, buffer[:cut+1])
					buffer = buffer[cut+1:]
				} else {
					blocks = append(blocks, buffer[:flushLen])
					buffer = buffer[flushLen:]
				}
				log.Warn().Int("buffer_size", len(buffer)).Msg("aggregator: forced flush inside long code block")
				continue
			}
			break
		}

		scanArea := buffer
		if len(scanArea) > scanPrefixLength {
			scanArea = scanArea[:scanPrefixLength]
		}
		paraIdx := strings.Index(scanArea, paragraph2)
		fenceIdx := strings.Index(scanArea, codeFence)

		switch {
		case paraIdx != -1 && (fenceIdx == -1 || paraIdx < fenceIdx):
			end := paraIdx + len(paragraph2)
			blocks = append(blocks, buffer[:end])
			buffer = buffer[end:]
		case fenceIdx != -1:
			if fenceIdx > 0 {
				blocks = append(blocks, buffer[:fenceIdx])
			}
			buffer = buffer[fenceIdx:]
			a.state = stateInCode
		default:
			if len(buffer) > maxBufferSize {
				cut := lastNewlineBefore(buffer, scanPrefixLength)
				if cut > 0 {
					blocks = append(blocks, buffer[:cut+1])
					buffer = buffer[cut+1:]
				} else {
					blocks = append(blocks, buffer[:scanPrefixLength])
					buffer = buffer[scanPrefixLength:]
				}
				log.Warn().Int("buffer_size", len(buffer)).Msg("aggregator: forced flush, no separator found")
			} else {
				goto done
			}
		}
	}

done:
	if final && buffer != "" {
		if a.state == stateInCode {
			log.Warn().Int("buffer_size", len(buffer)).Msg("aggregator: stream ended with an unterminated code block")
		}
		blocks = append(blocks, buffer)
		buffer = ""
	}

	a.buf.Reset()
	a.buf.WriteString(buffer)
	return blocks
}

// lastNewlineBefore returns the index of the last '\n' in s[:limit], or -1
// if none exists (mirroring Python's str.rfind semantics used by the
// original implementation this state machine is ported from).
func lastNewlineBefore(s string, limit int) int {
	if limit > len(s) {
		limit = len(s)
	}
	return strings.LastIndex(s[:limit], "\n")
}

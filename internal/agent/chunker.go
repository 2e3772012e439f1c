package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// continuationReserve leaves room for the "(k/N) " prefix on chunks after the
// first, so every emitted chunk stays within the transport limit.
const continuationReserve = len("(99/99) ")

// Chunk splits text into transport-sized pieces. Chunks are built by
// appending whole lines until the next line would overflow; a single line
// longer than the limit is split at the character boundary. Chunks after the
// first carry a "(k/N) " prefix. Input within the limit comes back unchanged
// as a single chunk.
func Chunk(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	contLimit := limit - continuationReserve
	if contLimit < 1 {
		contLimit = 1
	}

	var raw []string
	var cur strings.Builder
	curLimit := limit

	flush := func() {
		raw = append(raw, cur.String())
		cur.Reset()
		curLimit = contLimit
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		// Hard-split lines that can never fit on their own.
		for len(line) > curLimit {
			if cur.Len() > 0 {
				flush()
				continue
			}
			cut := splitIndex(line, curLimit)
			cur.WriteString(line[:cut])
			line = line[cut:]
			flush()
		}
		if cur.Len()+len(line) > curLimit {
			flush()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		flush()
	}

	if len(raw) == 1 {
		return raw
	}

	chunks := make([]string, len(raw))
	for i, c := range raw {
		if i == 0 {
			chunks[i] = c
			continue
		}
		chunks[i] = prefixFor(i+1, len(raw)) + c
	}
	return chunks
}

func prefixFor(k, n int) string {
	return fmt.Sprintf("(%d/%d) ", k, n)
}

// splitIndex returns the largest index <= max that falls on a rune boundary,
// so multibyte text is never cut mid-rune.
func splitIndex(s string, max int) int {
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	if i == 0 {
		// max is smaller than the first rune; splitting mid-rune is the only
		// way to make progress.
		return max
	}
	return i
}


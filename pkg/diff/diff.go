// Package diff renders line-oriented differences between two documents,
// used to report specification drift between runs.
package diff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	contextLines    = 3
	maxDiffLines    = 10000
	truncateMessage = "... (diff truncated, exceeds 10,000 lines) ..."
)

type line struct {
	op   diffmatchpatch.Operation
	text string
}

// Unified returns a unified-style diff of previous and current, or the empty
// string when they are identical. Unchanged runs longer than the context
// window are elided behind "@@" separators.
func Unified(previous, current []byte, previousLabel, currentLabel string) string {
	if bytes.Equal(previous, current) {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, index := dmp.DiffLinesToChars(string(previous), string(current))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), index)

	var lines []line
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			lines = append(lines, line{op: d.Type, text: text})
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--- %s\n", previousLabel)
	fmt.Fprintf(&buf, "+++ %s\n", currentLabel)

	keep := make([]bool, len(lines))
	for i, l := range lines {
		if l.op == diffmatchpatch.DiffEqual {
			continue
		}
		for j := max(0, i-contextLines); j <= min(len(lines)-1, i+contextLines); j++ {
			keep[j] = true
		}
	}

	gap := true
	for i, l := range lines {
		if !keep[i] {
			gap = true
			continue
		}
		if gap {
			buf.WriteString("@@\n")
			gap = false
		}
		switch l.op {
		case diffmatchpatch.DiffEqual:
			buf.WriteString(" ")
		case diffmatchpatch.DiffDelete:
			buf.WriteString("-")
		case diffmatchpatch.DiffInsert:
			buf.WriteString("+")
		}
		buf.WriteString(l.text)
		buf.WriteString("\n")
	}

	result := buf.String()
	out := strings.Split(result, "\n")
	if len(out) > maxDiffLines {
		return strings.Join(out[:maxDiffLines], "\n") + "\n" + truncateMessage + "\n"
	}
	return result
}

// Stats counts inserted and deleted lines.
func Stats(previous, current []byte) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, index := dmp.DiffLinesToChars(string(previous), string(current))
	for _, d := range dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), index) {
		n := len(splitLines(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

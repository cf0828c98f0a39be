package patch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// contextLines is how many unchanged lines surround each change.
const contextLines = 3

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Diff renders a line-oriented diff of before and after for name. Long
// unchanged runs collapse to a "@@" marker. Identical input yields "".
func Diff(name, before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", name, name)
	for i, d := range diffs {
		ls := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			for _, l := range ls {
				sb.WriteString("+" + l + "\n")
			}
		case diffmatchpatch.DiffDelete:
			for _, l := range ls {
				sb.WriteString("-" + l + "\n")
			}
		default:
			first, last := i == 0, i == len(diffs)-1
			keep := 2 * contextLines
			if first || last {
				keep = contextLines
			}
			if len(ls) <= keep {
				for _, l := range ls {
					sb.WriteString(" " + l + "\n")
				}
				continue
			}
			if !first {
				for _, l := range ls[:contextLines] {
					sb.WriteString(" " + l + "\n")
				}
			}
			sb.WriteString("@@\n")
			if !last {
				for _, l := range ls[len(ls)-contextLines:] {
					sb.WriteString(" " + l + "\n")
				}
			}
		}
	}
	return sb.String()
}

// Stats counts inserted and deleted lines between before and after.
func Stats(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	for _, d := range dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines) {
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

package patch

import (
	"regexp"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	filePathRe   = regexp.MustCompile("(?i)File path:[ \t]*`?([^\n`\"']+)")
	diffHeaderRe = regexp.MustCompile(`(?m)^\+\+\+\s+(?:[ab]/)?([^\n]+)$`)
	codeBlockRe  = regexp.MustCompile("(?m)^```(?:python|py)?\\n([\\s\\S]*?)\\n```\\s*$")
	wholeFenceRe = regexp.MustCompile("^```(?:python|py)?\\n([\\s\\S]*)\\n```$")
)

// DeclaredPath returns the path the response says it replaces, from the
// "File path:" line or a "+++ b/path" header. "" when neither is present.
func DeclaredPath(resp string) string {
	if m := filePathRe.FindStringSubmatch(resp); m != nil {
		if p := strings.Trim(strings.TrimSpace(m[1]), " \t`\"'"); p != "" {
			return p
		}
	}
	if m := diffHeaderRe.FindStringSubmatch(resp); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// Body extracts the replacement content. A response whose first line is a
// "File path:" declaration carries the whole file after that line, fences
// inside it included; the remainder is unwrapped only when it is a single
// fenced block. Other responses fall back to their first fenced block. ok is
// false when the response follows neither shape.
func Body(resp string) (string, bool) {
	first, rest, _ := strings.Cut(resp, "\n")
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(first)), "file path:") {
		if strings.TrimSpace(rest) == "" {
			return "", false
		}
		if m := wholeFenceRe.FindStringSubmatch(strings.TrimSpace(rest)); m != nil {
			return m[1], true
		}
		return rest, true
	}
	if m := codeBlockRe.FindStringSubmatch(resp); m != nil {
		return m[1], true
	}
	return "", false
}

// ParseResponse splits a fixer response into the declared path and body.
// fallback is used when no path is declared.
func ParseResponse(resp, fallback string) (path, body string, ok bool) {
	body, ok = Body(strings.TrimLeft(resp, "\ufeff \t\r\n"))
	if !ok {
		return "", "", false
	}
	path = DeclaredPath(resp)
	if path == "" {
		path = fallback
	}
	return path, body, path != ""
}

// Sanitize strips a byte-order mark, normalizes line endings and ensures a
// trailing newline.
func Sanitize(src string) string {
	if out, _, err := transform.String(unicode.BOMOverride(unicode.UTF8.NewDecoder()), src); err == nil {
		src = out
	}
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.ReplaceAll(src, "\r", "\n")
	if !strings.HasSuffix(src, "\n") {
		src += "\n"
	}
	return src
}

// Package llm talks to the generation service: an OpenAI-compatible
// chat-completions endpoint or a local ollama server.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrEmptyResponse is returned when the service answers with no content.
var ErrEmptyResponse = errors.New("generation service returned empty response")

// Service generates text for a system and user prompt.
type Service interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Usage reports token counts for a single call when the provider knows them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Provider is a single backend. Client wraps it with retries and stats.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, Usage, error)
}

// ExtractJSON returns the first {...} span in s that decodes as a complete
// JSON object, or "". Text before and after the object is ignored.
func ExtractJSON(s string) string {
	for i := strings.IndexByte(s, '{'); i >= 0; {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&raw); err == nil && len(raw) > 0 && raw[0] == '{' {
			return string(raw)
		}
		next := strings.IndexByte(s[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return ""
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z0-9_+-]*\\s*\n(.*?)\n?```\\s*$")

// StripFences removes a single surrounding markdown code fence.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return s
}

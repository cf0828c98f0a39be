// Package diagnose classifies failed executions, asks the generation service
// for a verdict, and locates the file a fix should target.
package diagnose

import (
	"strings"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

var (
	importMarkers  = []string{"No module named", "ModuleNotFoundError", "ImportError", "cannot import name"}
	syntaxMarkers  = []string{"SyntaxError", "IndentationError", "TabError"}
	timeoutMarkers = []string{"TimeoutExpired", "timed out"}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Classify maps execution output to an error category. Checks run in a
// fixed order so the result is deterministic.
func Classify(stdout, stderr string, timedOut bool) pipeline.ErrorKind {
	text := stderr + "\n" + stdout
	switch {
	case containsAny(text, importMarkers):
		return pipeline.KindImportError
	case containsAny(text, syntaxMarkers):
		return pipeline.KindSyntaxError
	case timedOut || containsAny(text, timeoutMarkers):
		return pipeline.KindTimeout
	case strings.TrimSpace(stdout) != "" || strings.TrimSpace(stderr) != "":
		return pipeline.KindRuntimeError
	default:
		return pipeline.KindUnknown
	}
}

// Escalation is the first response to a category.
func Escalation(kind pipeline.ErrorKind) string {
	if kind == pipeline.KindTimeout {
		return pipeline.NextRegenerate
	}
	return pipeline.NextFixDirectly
}

// Critical reports whether a category justifies regenerating the artifact
// once direct fixes are exhausted.
func Critical(kind pipeline.ErrorKind) bool {
	return kind == pipeline.KindImportError || kind == pipeline.KindSyntaxError
}

// Severity of an ErrorRecord carrying kind.
func Severity(kind pipeline.ErrorKind) pipeline.Severity {
	switch kind {
	case pipeline.KindImportError, pipeline.KindSyntaxError:
		return pipeline.SeverityHigh
	case pipeline.KindTimeout, pipeline.KindRuntimeError:
		return pipeline.SeverityMedium
	default:
		return pipeline.SeverityLow
	}
}

// Prefix labels an execution failure message by category.
func Prefix(kind pipeline.ErrorKind, text string) string {
	switch {
	case strings.Contains(text, "No module named"):
		return "Module import failed: "
	case kind == pipeline.KindImportError:
		return "Import error: "
	case kind == pipeline.KindSyntaxError:
		return "Syntax error: "
	default:
		return "Runtime error: "
	}
}

// HasCriticalErrors reports whether the run has a failure worth
// regenerating for: a failed execution, a high or critical record, or a
// record of a critical category.
func HasCriticalErrors(s *pipeline.State) bool {
	if s.RunResult != nil && !s.RunResult.Success {
		return true
	}
	for _, e := range s.Errors {
		if e.Severity == pipeline.SeverityHigh || e.Severity == pipeline.SeverityCritical || Critical(e.Kind) {
			return true
		}
	}
	return false
}

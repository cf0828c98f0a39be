package diagnose

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/servicefactory/internal/llm"
	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/prompt"
)

// Backoff is the retry schedule for diagnosis calls.
var Backoff = llm.Backoff{Retries: 2, Initial: time.Second, Max: 4 * time.Second}

// DefaultConfidenceFloor is the confidence below which a run stops.
const DefaultConfidenceFloor = 0.3

// historyWindow is how many past errors and runs go into the prompt.
const historyWindow = 3

// Engine produces diagnoses through the generation service.
type Engine struct {
	svc llm.Service
	lib *prompt.Library
	log *logging.Logger
}

// NewEngine creates an Engine. svc should already carry Backoff.
func NewEngine(svc llm.Service, lib *prompt.Library, log *logging.Logger) *Engine {
	if lib == nil {
		lib = prompt.NewLibrary("")
	}
	return &Engine{svc: svc, lib: lib, log: log.With("diagnose")}
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Analyze asks for a verdict on the pending failure. Any fault (no pending
// run, rendering, the service, unparseable output) yields an empty
// Diagnosis.
func (e *Engine) Analyze(ctx context.Context, s *pipeline.State) *pipeline.Diagnosis {
	if s.RunResult == nil {
		return &pipeline.Diagnosis{}
	}
	errs := s.RecentErrors(historyWindow)
	runs := s.RecentRuns(historyWindow)
	if errs == nil {
		errs = []pipeline.ErrorRecord{}
	}
	if runs == nil {
		runs = []pipeline.ExecutionResult{}
	}
	user, err := e.lib.Execute(prompt.Diagnose, prompt.Vars{
		"error":         s.RunResult.Error,
		"stderr":        s.RunResult.Stderr,
		"retry_count":   strconv.Itoa(s.FixRetryCount),
		"max_retries":   strconv.Itoa(s.MaxFixRetries),
		"recent_errors": toJSON(errs),
		"recent_runs":   toJSON(runs),
	})
	if err != nil {
		e.log.Errorf("rendering diagnosis prompt: %v", err)
		return &pipeline.Diagnosis{}
	}
	resp, err := e.svc.Generate(ctx, prompt.SystemDiagnose, user)
	if err != nil {
		e.log.Warnf("diagnosis call failed: %v", err)
		return &pipeline.Diagnosis{}
	}
	d := ParseDiagnosis(resp)
	if d.Empty() {
		e.log.Warnf("diagnosis response had no usable JSON")
	}
	return d
}

// ParseDiagnosis extracts a Diagnosis from a free-form response. Confidence
// may arrive as a number or a numeric string.
func ParseDiagnosis(resp string) *pipeline.Diagnosis {
	raw := llm.ExtractJSON(resp)
	if raw == "" {
		return &pipeline.Diagnosis{}
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return &pipeline.Diagnosis{}
	}
	d := &pipeline.Diagnosis{}
	if v, ok := fields["status"].(string); ok {
		d.Status = v
	}
	if v, ok := fields["next_action"].(string); ok {
		d.NextAction = strings.TrimSpace(v)
	}
	if v, ok := fields["summary"].(string); ok {
		d.Summary = v
	}
	switch c := fields["confidence"].(type) {
	case float64:
		d.Confidence = &c
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err == nil {
			d.Confidence = &f
		}
	}
	return d
}

// ShouldStop reports whether the diagnosis says further automatic repair is
// pointless: the environment is at fault, or confidence is below floor. A
// non-positive floor means DefaultConfidenceFloor.
func ShouldStop(d *pipeline.Diagnosis, floor float64) bool {
	if d == nil {
		return false
	}
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	if d.NextAction == pipeline.NextEnvironmentFix {
		return true
	}
	return d.Confidence != nil && *d.Confidence < floor
}

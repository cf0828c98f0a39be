package stage

import (
	"context"
	"errors"
	"os"

	"github.com/lucasnoah/servicefactory/internal/diagnose"
	"github.com/lucasnoah/servicefactory/internal/patch"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

// Review diagnoses a failed execution and, when the failure category calls
// for it and budget remains, attempts one direct fix. Routing on the result
// is left to the orchestrator.
type Review struct{ d *Deps }

func (n *Review) Name() string { return pipeline.StageReview }

// CodeReview is the review record kept under the "code_review" extra key.
type CodeReview struct {
	ReportPath      string              `json:"report_path,omitempty"`
	IssuesFound     int                 `json:"issues_found"`
	FixApplied      bool                `json:"fix_applied"`
	Target          string              `json:"target,omitempty"`
	Recommendations []string            `json:"recommendations"`
	Diagnosis       *pipeline.Diagnosis `json:"error_analysis,omitempty"`
}

var errNoFixer = errors.New("no fixer configured")

func (n *Review) Run(ctx context.Context, s *pipeline.State) Outcome {
	log := n.d.Log.With(n.Name())
	root, ok := requireRoot(s, n.Name())
	if !ok {
		return Outcome{}
	}

	if !s.PendingFailure() {
		s.LoopSummary = &pipeline.LoopSummary{
			Task:      "runtime_ok",
			Fixes:     "none",
			Risks:     []string{},
			NextFocus: "finalize",
		}
		s.MarkRunning()
		return Outcome{}
	}

	d := &pipeline.Diagnosis{}
	if n.d.Diagnoser != nil {
		d = n.d.Diagnoser.Analyze(ctx, s)
	}
	s.Diagnosis = d
	save(s, log, pipeline.ErrorAnalysisFile, d)

	if diagnose.ShouldStop(d, n.d.cfg().Pipeline.ConfidenceFloor) {
		msg := "diagnosis recommends stopping"
		switch {
		case d.NextAction == pipeline.NextEnvironmentFix:
			msg = "environment must be fixed before automatic repair can help"
		case d.Confidence != nil:
			msg = "diagnosis confidence too low to continue"
		}
		if d.Summary != "" {
			msg += ": " + d.Summary
		}
		log.Warnf("%s", msg)
		s.Fail(n.Name(), pipeline.KindDiagnosisInconclusive, msg)
		return Outcome{}
	}

	kind := s.RunResult.Kind
	if diagnose.Escalation(kind) != pipeline.NextFixDirectly || s.FixBudgetExhausted() {
		log.Infof("no direct fix for %s (fix attempts %d/%d)", kind, s.FixRetryCount, s.MaxFixRetries)
		s.LoopSummary = &pipeline.LoopSummary{
			Task:      "runtime_fix",
			RootCause: d.Summary,
			Fixes:     "skipped",
			Risks:     []string{"regeneration needed"},
			NextFocus: "regenerate service",
			Diagnosis: d,
		}
		n.record(s, CodeReview{IssuesFound: 1, Recommendations: []string{"Direct fix skipped, regeneration recommended"}, Diagnosis: d})
		s.MarkRunning()
		return Outcome{}
	}

	errText := s.RunResult.Error + "\n" + s.RunResult.Stderr + "\n" + s.RunResult.Stdout
	target := diagnose.InferTargetFile(errText, root)
	var current string
	if target != "" {
		if data, err := os.ReadFile(target); err == nil {
			current = string(data)
		}
	}

	var attempt pipeline.FixAttempt
	var applied bool
	if n.d.Fixer != nil {
		attempt, applied = n.d.Fixer.ProposeAndApply(ctx, patch.Request{
			Diagnosis: d,
			Target:    target,
			Current:   current,
			Run:       s.RunResult,
			RepoRoot:  root,
			Checker:   patch.NewPythonChecker(n.d.Runner, s.Env, root),
		})
	} else {
		attempt = pipeline.FixAttempt{Target: target, Reason: errNoFixer.Error()}
	}
	s.LastFix = &attempt

	if applied {
		log.Infof("fix applied to %s", attempt.Target)
		s.FixApplied = true
		s.LoopSummary = &pipeline.LoopSummary{
			Task:      "runtime_fix",
			RootCause: d.Summary,
			Fixes:     "applied",
			Risks:     []string{},
			NextFocus: "re-run tests",
			Diagnosis: d,
		}
		n.record(s, CodeReview{IssuesFound: 1, FixApplied: true, Target: attempt.Target, Recommendations: []string{"Direct fix applied, re-running service"}, Diagnosis: d})
	} else {
		log.Warnf("fix failed: %s", attempt.Reason)
		s.AddError(n.Name(), pipeline.KindPatchFailed, pipeline.SeverityLow, pipeline.ActionRecordOnly, attempt.Reason)
		s.LoopSummary = &pipeline.LoopSummary{
			Task:      "runtime_fix",
			RootCause: d.Summary,
			Fixes:     "failed",
			Risks:     []string{"further regeneration may be needed"},
			NextFocus: "analyze generation or deps",
			Diagnosis: d,
		}
		n.record(s, CodeReview{IssuesFound: 1, Target: attempt.Target, Recommendations: []string{"Direct fix failed, automatic fix retry recorded"}, Diagnosis: d})
	}
	s.MarkRunning()
	return Outcome{FixAttempted: true}
}

func (n *Review) record(s *pipeline.State, cr CodeReview) {
	if s.Repository.Paths.Output != "" {
		cr.ReportPath = store(s).Path(pipeline.ErrorAnalysisFile)
	}
	if err := s.SetExtra("code_review", cr); err != nil {
		n.d.Log.With(n.Name()).Warnf("%v", err)
	}
}

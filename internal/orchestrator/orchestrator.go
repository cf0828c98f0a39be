// Package orchestrator drives a repository through the stage graph and owns
// the two retry budgets.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/servicefactory/internal/config"
	"github.com/lucasnoah/servicefactory/internal/diagnose"
	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/metrics"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/stage"
)

// Terminal pseudo-stages.
const (
	Terminal        = "terminal"
	TerminalFailure = "terminal_failure"
)

// Ledger records runs and stage events. *db.DB satisfies it.
type Ledger interface {
	StartRun(s *pipeline.State) error
	LogRunEvent(s *pipeline.State, stage, next string, dur time.Duration, detail string) error
	FinishRun(s *pipeline.State) error
}

// Orchestrator runs the stage graph.
type Orchestrator struct {
	nodes  map[string]stage.Node
	ledger Ledger
	log    *logging.Logger
	cfg    *config.Config
}

// NewOrchestrator creates an Orchestrator. ledger may be nil.
func NewOrchestrator(nodes map[string]stage.Node, ledger Ledger, log *logging.Logger, cfg *config.Config) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Orchestrator{
		nodes:  nodes,
		ledger: ledger,
		log:    log,
		cfg:    cfg,
	}
}

// Ceiling is the hard bound on stage transitions for the given budgets.
func Ceiling(maxFix, maxGen int) int {
	if maxGen < 1 {
		maxGen = 1
	}
	return maxGen*(maxFix+1)*4 + 16
}

// Run converts the repository at url. The returned error is only for
// conditions that prevent a run from starting; a failed run is reported
// through the state's workflow status.
func (o *Orchestrator) Run(ctx context.Context, url, name string) (*pipeline.State, error) {
	for _, n := range []string{
		pipeline.StageDownload, pipeline.StageAnalyze, pipeline.StageProvision, pipeline.StageGenerate,
		pipeline.StageExecute, pipeline.StageReview, pipeline.StageFinalize,
	} {
		if o.nodes[n] == nil {
			return nil, fmt.Errorf("stage %q not configured", n)
		}
	}

	s := pipeline.NewState(url, name, o.cfg.Pipeline.MaxFixRetries, o.cfg.Pipeline.MaxGenerationRetries)
	log := o.log.WithRun(s.RunID).With("orchestrator")
	log.Infof("starting run for %s", s.Repository.Name)
	if o.ledger != nil {
		if err := o.ledger.StartRun(s); err != nil {
			log.Warnf("ledger: %v", err)
		}
	}

	o.loop(ctx, s, log)
	o.finish(ctx, s, log)
	return s, nil
}

func (o *Orchestrator) loop(ctx context.Context, s *pipeline.State, log *logging.Logger) {
	limit := Ceiling(s.MaxFixRetries, s.MaxGenerationRetries)
	current := pipeline.StageDownload
	for steps := 0; ; steps++ {
		if steps >= limit {
			msg := fmt.Sprintf("stage transition ceiling %d reached at %s", limit, current)
			log.Errorf("%s", msg)
			s.Fail(current, pipeline.KindInternal, msg)
			return
		}
		if err := ctx.Err(); err != nil {
			log.Warnf("run cancelled before %s: %v", current, err)
			s.Fail(current, pipeline.KindInternal, "run cancelled: "+err.Error())
			return
		}

		node := o.nodes[current]
		start := time.Now()
		outcome := node.Run(ctx, s)
		dur := time.Since(start)

		next := o.route(current, outcome, s)
		o.record(s, current, next, dur, log)

		if next == Terminal || next == TerminalFailure {
			return
		}
		current = next
	}
}

// route picks the stage after current. It is the only place the retry
// counters change.
func (o *Orchestrator) route(current string, outcome stage.Outcome, s *pipeline.State) string {
	if s.Failed() {
		return TerminalFailure
	}
	switch current {
	case pipeline.StageDownload:
		return pipeline.StageAnalyze
	case pipeline.StageAnalyze:
		return pipeline.StageProvision
	case pipeline.StageProvision:
		return pipeline.StageGenerate
	case pipeline.StageGenerate:
		return pipeline.StageExecute
	case pipeline.StageExecute:
		return pipeline.StageReview
	case pipeline.StageReview:
		return o.routeReview(outcome, s)
	case pipeline.StageFinalize:
		return Terminal
	default:
		s.Fail(current, pipeline.KindInternal, "unknown stage "+current)
		return TerminalFailure
	}
}

func (o *Orchestrator) routeReview(outcome stage.Outcome, s *pipeline.State) string {
	if !s.PendingFailure() {
		return pipeline.StageFinalize
	}
	if outcome.FixAttempted {
		s.FixRetryCount++
		metrics.Retries.WithLabelValues("fix").Inc()
	}
	if s.FixApplied && s.Status == pipeline.StatusRunning {
		s.ClearPendingDiagnosis()
		return pipeline.StageExecute
	}
	if diagnose.Escalation(s.RunResult.Kind) == pipeline.NextFixDirectly && !s.FixBudgetExhausted() {
		return pipeline.StageReview
	}
	if !s.GenerationBudgetExhausted() && diagnose.HasCriticalErrors(s) {
		s.GenerationRetryCount++
		metrics.Retries.WithLabelValues("generation").Inc()
		s.LoopSummary = &pipeline.LoopSummary{
			Task:      "regeneration",
			RootCause: firstLine(s.RunResult.Error),
			Fixes:     fmt.Sprintf("%d direct fix attempts did not resolve the failure", s.FixRetryCount),
			Risks:     []string{string(s.RunResult.Kind)},
			NextFocus: fmt.Sprintf("regeneration %d of %d", s.GenerationRetryCount, s.MaxGenerationRetries),
			Diagnosis: s.Diagnosis,
		}
		return pipeline.StageGenerate
	}
	s.Fail(pipeline.StageReview, pipeline.KindExecutionFailure, "retry budgets exhausted")
	return TerminalFailure
}

// record appends history, persists the state and publishes the stage event.
func (o *Orchestrator) record(s *pipeline.State, current, next string, dur time.Duration, log *logging.Logger) {
	s.Stages = append(s.Stages, pipeline.StageHistoryEntry{
		Stage:          current,
		Next:           next,
		Duration:       dur.Round(time.Millisecond).String(),
		WorkflowStatus: s.WorkflowStatus,
	})
	s.UpdatedAt = time.Now().UTC()

	if s.Repository.Paths.Output != "" {
		if err := pipeline.NewStore(s.Repository.Paths.Output).SaveState(s); err != nil {
			log.Warnf("persisting state: %v", err)
			s.Warnf(pipeline.KindPersistFailed, "saving %s: %v", pipeline.StateFile, err)
		}
	}

	log.Log(logging.INFO, current+" -> "+next, map[string]interface{}{
		"stage":           current,
		"next":            next,
		"duration_ms":     dur.Milliseconds(),
		"workflow_status": s.WorkflowStatus,
		"fix_retries":     s.FixRetryCount,
		"gen_retries":     s.GenerationRetryCount,
	})

	if o.ledger != nil {
		if err := o.ledger.LogRunEvent(s, current, next, dur, lastErrorMessage(s)); err != nil {
			log.Warnf("ledger: %v", err)
		}
	}

	metrics.StageRuns.WithLabelValues(current, s.WorkflowStatus).Inc()
	metrics.StageDuration.WithLabelValues(current).Observe(dur.Seconds())
}

// finish writes the reports for runs that never reached Finalize and
// closes out the run.
func (o *Orchestrator) finish(ctx context.Context, s *pipeline.State, log *logging.Logger) {
	if !reachedFinalize(s) {
		if r, ok := o.nodes[pipeline.StageFinalize].(stage.Reporter); ok && s.Repository.Paths.Output != "" {
			r.Report(context.WithoutCancel(ctx), s)
		}
		if s.Repository.Paths.Output != "" {
			if err := pipeline.NewStore(s.Repository.Paths.Output).SaveState(s); err != nil {
				log.Warnf("persisting state: %v", err)
			}
		}
	}

	metrics.Runs.WithLabelValues(s.WorkflowStatus).Inc()
	if err := metrics.WriteTextfile(o.cfg.Metrics.Textfile); err != nil {
		log.Warnf("metrics textfile: %v", err)
	}
	if o.ledger != nil {
		if err := o.ledger.FinishRun(s); err != nil {
			log.Warnf("ledger: %v", err)
		}
	}
	log.Infof("run finished: %s (fix %d/%d, regenerations %d/%d, %d stages)",
		s.WorkflowStatus, s.FixRetryCount, s.MaxFixRetries,
		s.GenerationRetryCount, s.MaxGenerationRetries, len(s.Stages))
}

// BatchResult is one row of a batch run.
type BatchResult struct {
	URL        string        `json:"url"`
	Name       string        `json:"name"`
	RunID      string        `json:"run_id"`
	Status     string        `json:"status"`
	FixRetries int           `json:"fix_retry_count"`
	GenRetries int           `json:"generation_retry_count"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Batch runs each URL in turn. A cancelled context stops the batch after
// the current run.
func (o *Orchestrator) Batch(ctx context.Context, urls []string) []BatchResult {
	var results []BatchResult
	for _, url := range urls {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		r := BatchResult{URL: url, Name: pipeline.RepoName(url)}
		s, err := o.Run(ctx, url, "")
		r.Duration = time.Since(start).Round(time.Second)
		if err != nil {
			r.Status = pipeline.StatusFailed
			r.Error = err.Error()
			results = append(results, r)
			continue
		}
		r.RunID = s.RunID
		r.Status = s.WorkflowStatus
		r.FixRetries = s.FixRetryCount
		r.GenRetries = s.GenerationRetryCount
		r.Error = lastErrorMessage(s)
		results = append(results, r)
	}
	return results
}

// --- Helpers ---

func reachedFinalize(s *pipeline.State) bool {
	for _, e := range s.Stages {
		if e.Stage == pipeline.StageFinalize {
			return true
		}
	}
	return false
}

func lastErrorMessage(s *pipeline.State) string {
	if len(s.Errors) == 0 {
		return ""
	}
	e := s.Errors[len(s.Errors)-1]
	return fmt.Sprintf("[%s] %s: %s", e.Stage, e.Kind, firstLine(e.Message))
}

func firstLine(text string) string {
	for i, r := range text {
		if r == '\n' {
			return text[:i]
		}
	}
	return text
}

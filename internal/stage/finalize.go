package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/artifact"
	"github.com/lucasnoah/servicefactory/internal/llm"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/prompt"
)

// Finalize decides the final status and writes the run reports.
type Finalize struct{ d *Deps }

func (n *Finalize) Name() string { return pipeline.StageFinalize }

// Reporter writes the final reports for a run in any state. The
// orchestrator calls it when a run ends without reaching Finalize.
type Reporter interface {
	Report(ctx context.Context, s *pipeline.State)
}

// Summary is workflow_summary.json.
type Summary struct {
	Repository struct {
		Name      string `json:"name"`
		URL       string `json:"url"`
		LocalPath string `json:"local_path"`
	} `json:"repository"`
	Execution struct {
		StartedAt      time.Time                    `json:"start_time"`
		EndedAt        time.Time                    `json:"end_time"`
		Duration       string                       `json:"duration"`
		Status         string                       `json:"status"`
		WorkflowStatus string                       `json:"workflow_status"`
		Stages         []pipeline.StageHistoryEntry `json:"nodes_executed"`
		Environment    string                       `json:"environment_type"`
		LLM            *llm.Totals                  `json:"llm_statistics,omitempty"`
	} `json:"execution"`
	Tests struct {
		OriginalPassed bool                 `json:"original_passed"`
		PluginPassed   bool                 `json:"plugin_passed"`
		Original       *pipeline.TestResult `json:"original,omitempty"`
		Plugin         *pipeline.TestResult `json:"plugin,omitempty"`
	} `json:"tests"`
	Retries struct {
		Fix           int                    `json:"fix_retry_count"`
		MaxFix        int                    `json:"max_fix_retries"`
		Generation    int                    `json:"generation_retry_count"`
		MaxGeneration int                    `json:"max_generation_retries"`
		Reasons       []pipeline.RetryReason `json:"retry_reasons"`
	} `json:"retries"`
	Plugin struct {
		FilesCreated []string `json:"files_created"`
		MainEntry    string   `json:"main_entry,omitempty"`
		Requirements []string `json:"requirements"`
		AdapterMode  string   `json:"adapter_mode,omitempty"`
	} `json:"plugin_generation"`
	CodeReview      json.RawMessage        `json:"code_review,omitempty"`
	Errors          []pipeline.ErrorRecord `json:"errors"`
	Warnings        []string               `json:"warnings"`
	Recommendations []string               `json:"recommendations"`
	Assessment      json.RawMessage        `json:"execution_analysis,omitempty"`
}

func (n *Finalize) Run(ctx context.Context, s *pipeline.State) Outcome {
	log := n.d.Log.With(n.Name())
	if s.Tests.Plugin != nil && s.Tests.Plugin.Passed {
		s.SetWorkflowStatus(pipeline.StatusSuccess)
		log.Infof("%s converted successfully", s.Repository.Name)
	} else {
		s.Fail(n.Name(), pipeline.KindExecutionFailure, "generated service did not start")
		log.Errorf("%s conversion failed", s.Repository.Name)
	}
	n.Report(ctx, s)
	n.ensureReadme(s)
	return Outcome{}
}

// Report writes workflow_summary.json and diff_report.md.
func (n *Finalize) Report(ctx context.Context, s *pipeline.State) {
	log := n.d.Log.With(n.Name())
	if s.Repository.Paths.Output == "" {
		return
	}
	sum := n.summary(s)
	sum.Assessment, sum.Recommendations = n.assess(ctx, s, sum)
	save(s, log, pipeline.SummaryFile, sum)
	if err := store(s).SaveText(pipeline.DiffReportFile, DiffReport(s)); err != nil {
		log.Warnf("%v", err)
		s.Warnf(pipeline.KindPersistFailed, "%v", err)
	}
	if len(s.Errors) > 0 {
		log.Warnf("run recorded %d errors", len(s.Errors))
	}
}

func (n *Finalize) summary(s *pipeline.State) *Summary {
	sum := &Summary{}
	sum.Repository.Name = s.Repository.Name
	sum.Repository.URL = s.Repository.URL
	sum.Repository.LocalPath = s.Repository.Paths.RepoRoot

	end := n.d.now().UTC()
	sum.Execution.StartedAt = s.StartedAt
	sum.Execution.EndedAt = end
	if !s.StartedAt.IsZero() {
		sum.Execution.Duration = end.Sub(s.StartedAt).Round(time.Millisecond).String()
	}
	sum.Execution.Status = s.Status
	sum.Execution.WorkflowStatus = s.WorkflowStatus
	sum.Execution.Stages = s.Stages
	sum.Execution.Environment = pipeline.BackendNone
	if s.Env != nil {
		sum.Execution.Environment = s.Env.Kind
	}
	if n.d.Stats != nil {
		t := n.d.Stats.Snapshot()
		sum.Execution.LLM = &t
	}

	sum.Tests.Original = s.Tests.Original
	sum.Tests.Plugin = s.Tests.Plugin
	sum.Tests.OriginalPassed = s.Tests.Original != nil && s.Tests.Original.Passed
	sum.Tests.PluginPassed = s.Tests.Plugin != nil && s.Tests.Plugin.Passed

	sum.Retries.Fix = s.FixRetryCount
	sum.Retries.MaxFix = s.MaxFixRetries
	sum.Retries.Generation = s.GenerationRetryCount
	sum.Retries.MaxGeneration = s.MaxGenerationRetries
	sum.Retries.Reasons = s.RetryReasons

	sum.Plugin.FilesCreated = []string{}
	sum.Plugin.Requirements = []string{}
	if p := s.Plugin; p != nil {
		sum.Plugin.FilesCreated = sortedKeys(p.Files)
		sum.Plugin.MainEntry = p.MainEntry
		sum.Plugin.AdapterMode = p.AdapterMode
		if p.Requirements != nil {
			sum.Plugin.Requirements = p.Requirements
		}
	}
	sum.CodeReview = s.Extra["code_review"]
	sum.Errors = s.Errors
	if sum.Errors == nil {
		sum.Errors = []pipeline.ErrorRecord{}
	}
	sum.Warnings = s.Warnings
	if sum.Warnings == nil {
		sum.Warnings = []string{}
	}
	return sum
}

// assess asks the generation service for an assessment. It falls back to a
// static one when no service answers with JSON.
func (n *Finalize) assess(ctx context.Context, s *pipeline.State, sum *Summary) (json.RawMessage, []string) {
	log := n.d.Log.With(n.Name())
	if svc := n.d.service(n.Name()); svc != nil {
		overview, _ := json.Marshal(struct {
			Repository interface{} `json:"repository"`
			Execution  interface{} `json:"execution"`
			Retries    interface{} `json:"retries"`
			Plugin     interface{} `json:"plugin_generation"`
		}{sum.Repository, sum.Execution, sum.Retries, sum.Plugin})
		errs, _ := json.Marshal(s.RecentErrors(10))
		warns, _ := json.Marshal(sum.Warnings)
		tests, _ := json.Marshal(sum.Tests)
		user, err := n.d.prompts().Execute(prompt.Finalize, prompt.Vars{
			"summary":  string(overview),
			"errors":   string(errs),
			"warnings": string(warns),
			"tests":    string(tests),
		})
		if err != nil {
			log.Warnf("rendering finalize prompt: %v", err)
		} else if resp, err := svc.Generate(ctx, prompt.SystemReporter, user); err != nil {
			log.Warnf("run assessment failed: %v", err)
		} else if raw := llm.ExtractJSON(resp); raw != "" && json.Valid([]byte(raw)) {
			return json.RawMessage(raw), recommendations(raw)
		} else {
			log.Warnf("run assessment held no usable JSON")
		}
	}
	return defaultAssessment(s), []string{"Review the generated service and add functional tests"}
}

func recommendations(raw string) []string {
	var v struct {
		Issues struct {
			Fixes []string `json:"recommended_fixes"`
		} `json:"issue_diagnosis"`
		Improvements struct {
			Technical  []string `json:"technical_improvements"`
			Deployment []string `json:"deployment_recommendations"`
		} `json:"improvement_recommendations"`
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return out
	}
	out = append(out, v.Issues.Fixes...)
	out = append(out, v.Improvements.Technical...)
	return append(out, v.Improvements.Deployment...)
}

func defaultAssessment(s *pipeline.State) json.RawMessage {
	ok := s.Tests.Plugin != nil && s.Tests.Plugin.Passed
	a := map[string]interface{}{
		"overall_assessment": "poor",
		"success_factors":    []string{},
		"failure_reasons":    []string{"Service did not start"},
	}
	if ok {
		a["overall_assessment"] = "good"
		a["success_factors"] = []string{"Workflow execution completed"}
		a["failure_reasons"] = []string{}
	}
	data, _ := json.Marshal(a)
	return data
}

// DiffReport renders diff_report.md: what was added, what went wrong and
// the last applied fix.
func DiffReport(s *pipeline.State) string {
	var b strings.Builder
	pluginOK := s.Tests.Plugin != nil && s.Tests.Plugin.Passed
	fmt.Fprintf(&b, "# %s service generation report\n\n", artifact.DisplayName(s.Repository.Name))
	fmt.Fprintf(&b, "- Repository: %s\n", s.Repository.URL)
	fmt.Fprintf(&b, "- Workflow status: %s\n", s.WorkflowStatus)
	fmt.Fprintf(&b, "- Service test: %s\n", passFail(pluginOK))
	fmt.Fprintf(&b, "- Fix attempts: %d/%d\n", s.FixRetryCount, s.MaxFixRetries)
	fmt.Fprintf(&b, "- Regenerations: %d/%d\n", s.GenerationRetryCount, s.MaxGenerationRetries)
	if s.Analysis != nil {
		var d analysis.Detail
		if json.Unmarshal(s.Analysis.Detail, &d) == nil {
			var mods []string
			for _, m := range d.CoreModules {
				mods = append(mods, m.Module)
			}
			fmt.Fprintf(&b, "- Adapter mode: %s\n", d.Mode())
			fmt.Fprintf(&b, "- Core modules: %s\n", orNone(strings.Join(mods, ", ")))
			fmt.Fprintf(&b, "- Dependencies: %s\n", orNone(strings.Join(d.Dependencies.Required, ", ")))
		}
	}
	b.WriteString("- Intrusiveness: none, the original source is not modified\n\n")

	b.WriteString("## Added files\n\n")
	if s.Plugin == nil || len(s.Plugin.Files) == 0 {
		b.WriteString("No files were generated.\n")
	} else {
		b.WriteString("| File | Size |\n|---|---|\n")
		for _, rel := range sortedKeys(s.Plugin.Files) {
			size := "missing"
			if fi, err := os.Stat(s.Plugin.Files[rel]); err == nil {
				size = fmt.Sprintf("%d bytes", fi.Size())
			}
			fmt.Fprintf(&b, "| %s | %s |\n", rel, size)
		}
	}

	if len(s.RetryReasons) > 0 {
		b.WriteString("\n## Regenerations\n\n")
		for _, r := range s.RetryReasons {
			fmt.Fprintf(&b, "%d. %s\n", r.Attempt, r.Reason)
		}
	}
	if len(s.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "- [%s] %s %s: %s\n", e.Stage, e.Kind, e.Severity, firstLine(e.Message))
		}
	}
	if f := s.LastFix; f != nil && f.Diff != "" {
		b.WriteString("\n## Last applied fix\n\n```diff\n")
		b.WriteString(f.Diff)
		if !strings.HasSuffix(f.Diff, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("```\n")
	}
	return b.String()
}

// ensureReadme restores the service README when it is missing.
func (n *Finalize) ensureReadme(s *pipeline.State) {
	root := s.Repository.Paths.RepoRoot
	if root == "" {
		return
	}
	path := filepath.Join(root, filepath.FromSlash(artifact.ReadmeFile))
	if isFile(path) {
		return
	}
	var d analysis.Detail
	if s.Analysis != nil {
		_ = json.Unmarshal(s.Analysis.Detail, &d)
	}
	if err := pipeline.WriteAtomic(path, []byte(artifact.ReadmeFallback(d, s.Repository.Name))); err != nil {
		n.d.Log.With(n.Name()).Warnf("writing readme: %v", err)
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func passFail(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}

func orNone(s string) string {
	if s == "" {
		return "unidentified"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

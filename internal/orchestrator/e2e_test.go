package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/servicefactory/internal/config"
	"github.com/lucasnoah/servicefactory/internal/llm"
	"github.com/lucasnoah/servicefactory/internal/patch"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
	"github.com/lucasnoah/servicefactory/internal/stage"
	"github.com/lucasnoah/servicefactory/internal/workspace"
)

// These tests drive the real stages end to end. Git, Python and the
// generation service are replaced by scripted fakes.

// --- Fakes ---

// checkoutGit writes a small package instead of cloning.
type checkoutGit struct{}

func (checkoutGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	dest := args[len(args)-1]
	for path, content := range map[string]string{
		".git/HEAD":        "ref: refs/heads/main\n",
		"tool/__init__.py": "",
		"tool/core.py":     "def run(x):\n    return x\n",
		"requirements.txt": "requests\n",
	} {
		p := filepath.Join(dest, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	return "", nil
}

// serviceHost plays the Python side. The first failing launches of
// start_mcp.py fail with stderr; everything else succeeds.
type serviceHost struct {
	failing  int
	stderr   string
	launches int
	calls    []process.Command
	last     pipeline.ExecutionResult
}

func (h *serviceHost) Run(_ context.Context, cmd process.Command) pipeline.ExecutionResult {
	h.calls = append(h.calls, cmd)
	line := cmd.String()
	if !strings.Contains(line, "start_mcp.py") {
		return pipeline.ExecutionResult{Success: true, Stdout: "ok\n"}
	}
	if !strings.Contains(line, "--help") {
		// Plain launch after a failed --help repeats its outcome.
		return h.last
	}
	h.launches++
	if h.failing > 0 {
		h.failing--
		h.last = pipeline.ExecutionResult{ExitCode: 1, Stderr: h.stderr}
	} else {
		h.last = pipeline.ExecutionResult{Success: true, Stdout: "usage: start_mcp.py\n"}
	}
	return h.last
}

type staticProvisioner struct {
	env *pipeline.Environment
}

func (p staticProvisioner) Provision(context.Context, pipeline.Repository, pipeline.Dependencies) (*pipeline.Environment, []string) {
	return p.env, nil
}

func (p staticProvisioner) Validate(context.Context, *pipeline.Environment, string, []string) pipeline.TestResult {
	return pipeline.TestResult{Passed: true, Method: "smoke", Stdout: "OK"}
}

type scriptedDiagnoser struct {
	d     pipeline.Diagnosis
	calls int
}

func (f *scriptedDiagnoser) Analyze(context.Context, *pipeline.State) *pipeline.Diagnosis {
	f.calls++
	d := f.d
	return &d
}

// scriptedFixer applies fixes while apply is set, and heals the host when
// it does.
type scriptedFixer struct {
	apply bool
	host  *serviceHost
	calls int
}

func (f *scriptedFixer) ProposeAndApply(_ context.Context, req patch.Request) (pipeline.FixAttempt, bool) {
	f.calls++
	if !f.apply {
		return pipeline.FixAttempt{Target: req.Target, Reason: "patched file failed the syntax check"}, false
	}
	f.host.failing = 0
	return pipeline.FixAttempt{Target: req.Target, Applied: true, SyntaxValid: true}, true
}

// --- Helpers ---

type e2eEnv struct {
	orch  *Orchestrator
	host  *serviceHost
	diag  *scriptedDiagnoser
	fixer *scriptedFixer
	gen   *funcCounter
	cfg   *config.Config
}

// funcCounter wraps a node and counts its runs.
type funcCounter struct {
	stage.Node
	calls int
}

func (c *funcCounter) Run(ctx context.Context, s *pipeline.State) stage.Outcome {
	c.calls++
	return c.Node.Run(ctx, s)
}

func fullEnv() *pipeline.Environment {
	return &pipeline.Environment{Kind: pipeline.BackendFull, Name: "tool_env", CondaExe: "/opt/conda/bin/conda", Runtime: "3.11"}
}

func setupE2E(t *testing.T, penv *pipeline.Environment) *e2eEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.Workspace = t.TempDir()
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "factory.prom")

	host := &serviceHost{stderr: "Traceback (most recent call last):\nModuleNotFoundError: No module named 'tool.widgets'\n"}
	e := &e2eEnv{
		host:  host,
		diag:  &scriptedDiagnoser{d: pipeline.Diagnosis{Status: "analyzed", NextAction: pipeline.NextFixDirectly, Summary: "bad import"}},
		fixer: &scriptedFixer{host: host},
		cfg:   cfg,
	}
	nodes := stage.Nodes(&stage.Deps{
		Config:      cfg,
		Runner:      host,
		Workspace:   workspace.NewManager(checkoutGit{}, cfg.Pipeline.Workspace),
		Provisioner: staticProvisioner{env: penv},
		Stats:       llm.NewStats(),
		Diagnoser:   e.diag,
		Fixer:       e.fixer,
	})
	e.gen = &funcCounter{Node: nodes[pipeline.StageGenerate]}
	nodes[pipeline.StageGenerate] = e.gen
	e.orch = NewOrchestrator(nodes, nil, nil, cfg)
	return e
}

func (e *e2eEnv) run(t *testing.T) *pipeline.State {
	t.Helper()
	s, err := e.orch.Run(context.Background(), "https://github.com/example/tool.git", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return s
}

func countStage(s *pipeline.State, name string) int {
	n := 0
	for _, e := range s.Stages {
		if e.Stage == name {
			n++
		}
	}
	return n
}

func assertArtifacts(t *testing.T, s *pipeline.State, names ...string) {
	t.Helper()
	store := pipeline.NewStore(s.Repository.Paths.Output)
	for _, name := range names {
		if _, err := os.Stat(store.Path(name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

// --- Scenarios ---

func TestE2E_HappyPath(t *testing.T) {
	e := setupE2E(t, fullEnv())

	s := e.run(t)

	if s.WorkflowStatus != pipeline.StatusSuccess {
		t.Fatalf("workflow status = %s, errors %+v", s.WorkflowStatus, s.Errors)
	}
	if n := countStage(s, pipeline.StageFinalize); n != 1 {
		t.Errorf("finalize ran %d times, want 1", n)
	}
	if s.FixRetryCount != 0 || s.GenerationRetryCount != 0 {
		t.Errorf("counters fix=%d gen=%d", s.FixRetryCount, s.GenerationRetryCount)
	}
	if e.diag.calls != 0 {
		t.Error("diagnosis should not run on success")
	}
	for _, c := range e.host.calls {
		if c.Args[0] != "/opt/conda/bin/conda" {
			t.Errorf("command not routed through conda: %v", c.Args)
		}
	}
	assertArtifacts(t, s,
		pipeline.StateFile, pipeline.AnalysisFile, pipeline.EnvInfoFile, pipeline.RunLogFile,
		pipeline.SummaryFile, pipeline.DiffReportFile,
	)
	if _, err := os.Stat(e.cfg.Metrics.Textfile); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}
}

func TestE2E_ImportErrorFixedDirectly(t *testing.T) {
	e := setupE2E(t, fullEnv())
	e.host.failing = 1
	e.fixer.apply = true

	s := e.run(t)

	if s.WorkflowStatus != pipeline.StatusSuccess {
		t.Fatalf("workflow status = %s, errors %+v", s.WorkflowStatus, s.Errors)
	}
	if s.FixRetryCount != 1 || s.GenerationRetryCount != 0 {
		t.Errorf("counters fix=%d gen=%d, want 1/0", s.FixRetryCount, s.GenerationRetryCount)
	}
	if len(s.PreviousRuns) != 1 || s.PreviousRuns[0].Kind != pipeline.KindImportError {
		t.Errorf("previous runs = %+v", s.PreviousRuns)
	}
	if n := countStage(s, pipeline.StageExecute); n != 2 {
		t.Errorf("execute ran %d times, want 2", n)
	}
	if s.FixApplied || s.Diagnosis != nil {
		t.Error("pending diagnosis should be cleared after the fix")
	}
	assertArtifacts(t, s, pipeline.ErrorAnalysisFile)
}

func TestE2E_EnvironmentVerdictStops(t *testing.T) {
	e := setupE2E(t, fullEnv())
	e.host.failing = 1
	e.diag.d = pipeline.Diagnosis{Status: "analyzed", NextAction: pipeline.NextEnvironmentFix, Summary: "missing system library"}

	s := e.run(t)

	if s.WorkflowStatus != pipeline.StatusFailed {
		t.Fatalf("workflow status = %s", s.WorkflowStatus)
	}
	if s.FixRetryCount != 0 || e.fixer.calls != 0 {
		t.Errorf("fix budget consumed: count=%d calls=%d", s.FixRetryCount, e.fixer.calls)
	}
	found := false
	for _, r := range s.Errors {
		if r.Kind == pipeline.KindDiagnosisInconclusive {
			found = true
		}
	}
	if !found {
		t.Errorf("expected DiagnosisInconclusive, got %+v", s.Errors)
	}
	if last := s.Stages[len(s.Stages)-1]; last.Stage != pipeline.StageReview || last.Next != TerminalFailure {
		t.Errorf("last stage = %+v", last)
	}
	assertArtifacts(t, s, pipeline.SummaryFile, pipeline.DiffReportFile)
}

func TestE2E_ExhaustedFixesThenRegeneration(t *testing.T) {
	e := setupE2E(t, fullEnv())
	e.host.failing = 1

	s := e.run(t)

	if s.WorkflowStatus != pipeline.StatusSuccess {
		t.Fatalf("workflow status = %s, errors %+v", s.WorkflowStatus, s.Errors)
	}
	if s.FixRetryCount != 10 || s.GenerationRetryCount != 1 {
		t.Errorf("counters fix=%d gen=%d, want 10/1", s.FixRetryCount, s.GenerationRetryCount)
	}
	if e.fixer.calls != 10 {
		t.Errorf("fixer calls = %d, want 10", e.fixer.calls)
	}
	if e.gen.calls != 2 {
		t.Errorf("generate ran %d times, want 2", e.gen.calls)
	}
	if len(s.RetryReasons) != 1 {
		t.Errorf("retry reasons = %+v", s.RetryReasons)
	}
}

func TestE2E_LightEnvironmentRoutesCommands(t *testing.T) {
	python := "/home/runner/.venvs/tool_venv/bin/python"
	e := setupE2E(t, &pipeline.Environment{Kind: pipeline.BackendLight, Name: "tool_venv", Interpreter: []string{python}})
	e.host.failing = 1
	e.fixer.apply = true

	s := e.run(t)

	if s.WorkflowStatus != pipeline.StatusSuccess {
		t.Fatalf("workflow status = %s", s.WorkflowStatus)
	}
	if len(e.host.calls) == 0 {
		t.Fatal("no commands ran")
	}
	for _, c := range e.host.calls {
		if c.Args[0] != python {
			t.Errorf("command not routed through the venv interpreter: %v", c.Args)
		}
	}
}

// --- Properties ---

func TestE2E_RetryExhaustion(t *testing.T) {
	e := setupE2E(t, fullEnv())
	e.host.failing = 1 << 30

	s := e.run(t)

	if s.WorkflowStatus != pipeline.StatusFailed {
		t.Fatalf("workflow status = %s", s.WorkflowStatus)
	}
	if s.FixRetryCount != s.MaxFixRetries || s.GenerationRetryCount != s.MaxGenerationRetries {
		t.Errorf("counters fix=%d/%d gen=%d/%d",
			s.FixRetryCount, s.MaxFixRetries, s.GenerationRetryCount, s.MaxGenerationRetries)
	}
	if e.fixer.calls != s.MaxFixRetries {
		t.Errorf("fixer calls = %d, want %d", e.fixer.calls, s.MaxFixRetries)
	}
	last := s.Errors[len(s.Errors)-1]
	if last.Kind != pipeline.KindExecutionFailure || last.Message != "retry budgets exhausted" {
		t.Errorf("last error = %+v", last)
	}
	assertArtifacts(t, s, pipeline.SummaryFile, pipeline.DiffReportFile)
}

func TestE2E_Termination(t *testing.T) {
	budgets := []struct{ fix, gen int }{{0, 0}, {0, 3}, {1, 1}, {3, 2}, {10, 5}}
	for _, b := range budgets {
		for _, timeout := range []bool{false, true} {
			e := setupE2E(t, fullEnv())
			e.cfg.Pipeline.MaxFixRetries = b.fix
			e.cfg.Pipeline.MaxGenerationRetries = b.gen
			e.host.failing = 1 << 30
			if timeout {
				e.host.stderr = "subprocess.TimeoutExpired: timed out after 300 seconds"
			}

			s := e.run(t)

			if !s.Failed() {
				t.Errorf("budgets %+v timeout=%v: expected failure", b, timeout)
			}
			if len(s.Stages) > b.gen*(b.fix+1)*4+16 {
				t.Errorf("budgets %+v timeout=%v: %d transitions", b, timeout, len(s.Stages))
			}
			if s.GenerationRetryCount != b.gen {
				t.Errorf("budgets %+v timeout=%v: gen=%d", b, timeout, s.GenerationRetryCount)
			}
			if timeout && s.FixRetryCount != 0 {
				t.Errorf("timeouts must not consume fix budget, got %d", s.FixRetryCount)
			}
		}
	}
}

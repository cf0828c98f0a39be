package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
)

type scriptedService struct {
	replies []string
	err     error
	prompts []string
}

func (s *scriptedService) Generate(_ context.Context, _, user string) (string, error) {
	s.prompts = append(s.prompts, user)
	if s.err != nil {
		return "", s.err
	}
	i := len(s.prompts) - 1
	if i >= len(s.replies) {
		return "", nil
	}
	return s.replies[i], nil
}

// markerChecker rejects any source containing "!!".
type markerChecker struct{ calls int }

func (c *markerChecker) Check(_ context.Context, src string) error {
	c.calls++
	if strings.Contains(src, "!!") {
		return errors.New("invalid syntax (line 1)")
	}
	return nil
}

func setup(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	target := filepath.Join(root, "mcp_output", "mcp_plugin", "adapter.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("import missing\nprint('x')\n"), 0o644))
	return root, target
}

func newApplier(svc *scriptedService) *Applier {
	a := NewApplier(svc, nil, nil)
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return a
}

func failingRun() *pipeline.ExecutionResult {
	return &pipeline.ExecutionResult{
		ExitCode: 1,
		Error:    "Import error: cannot import name 'Widget' from 'tool.core' (/x/core.py)",
		Stderr:   "Traceback ...",
	}
}

func TestProposeAndApply_StrictContract(t *testing.T) {
	root, target := setup(t)
	svc := &scriptedService{replies: []string{"File path: mcp_output/mcp_plugin/adapter.py\nimport os\r\nprint('fixed')"}}
	checker := &markerChecker{}

	attempt, ok := newApplier(svc).ProposeAndApply(context.Background(), Request{
		Target:   target,
		Current:  "import missing\n",
		Run:      failingRun(),
		RepoRoot: root,
		Checker:  checker,
	})
	require.True(t, ok, attempt.Reason)
	assert.True(t, attempt.Applied)
	assert.True(t, attempt.SyntaxValid)
	assert.False(t, attempt.Repaired)
	assert.Equal(t, target, attempt.Target)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "import os\nprint('fixed')\n", string(data))

	assert.Contains(t, attempt.Diff, "-import missing")
	assert.Contains(t, attempt.Diff, "+import os")
	diffs, err := filepath.Glob(filepath.Join(root, "mcp_output", "mcp_logs", "patches", "*.diff"))
	require.NoError(t, err)
	assert.Len(t, diffs, 1)

	require.Len(t, svc.prompts, 1)
	assert.Contains(t, svc.prompts[0], "File path: mcp_output/mcp_plugin/adapter.py")
	assert.Contains(t, svc.prompts[0], "Hint: importing Widget from tool.core failed")
	assert.Equal(t, 1, checker.calls)
}

func TestProposeAndApply_StrictContractWithFencedDocstring(t *testing.T) {
	root, target := setup(t)
	full := "\"\"\"Adapter entry points.\n\nExample:\n\n```python\nfrom adapter import run\n```\n\"\"\"\n" +
		"import json\n\n\ndef run():\n    return json.dumps({})\n"
	svc := &scriptedService{replies: []string{"\ufeffFile path: mcp_output/mcp_plugin/adapter.py\n" + full}}

	attempt, ok := newApplier(svc).ProposeAndApply(context.Background(), Request{
		Target: target, Run: failingRun(), RepoRoot: root, Checker: &markerChecker{},
	})
	require.True(t, ok, attempt.Reason)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
	assert.NotEqual(t, "from adapter import run\n", string(data))
}

func TestProposeAndApply_FencedBlockUsesInferredPath(t *testing.T) {
	root, target := setup(t)
	svc := &scriptedService{replies: []string{"Here is the fix:\n```python\nprint('ok')\n```\n"}}

	attempt, ok := newApplier(svc).ProposeAndApply(context.Background(), Request{
		Target: target, Run: failingRun(), RepoRoot: root, Checker: &markerChecker{},
	})
	require.True(t, ok, attempt.Reason)
	data, _ := os.ReadFile(target)
	assert.Equal(t, "print('ok')\n", string(data))
}

func TestProposeAndApply_RepairAccepted(t *testing.T) {
	root, target := setup(t)
	svc := &scriptedService{replies: []string{
		"File path: mcp_output/mcp_plugin/adapter.py\ndef broken(!!",
		"File path: mcp_output/mcp_plugin/adapter.py\ndef fine():\n    pass",
	}}

	attempt, ok := newApplier(svc).ProposeAndApply(context.Background(), Request{
		Target: target, Run: failingRun(), RepoRoot: root, Checker: &markerChecker{},
	})
	require.True(t, ok, attempt.Reason)
	assert.True(t, attempt.Repaired)
	require.Len(t, svc.prompts, 2)
	assert.Contains(t, svc.prompts[1], "invalid syntax (line 1)")

	data, _ := os.ReadFile(target)
	assert.Equal(t, "def fine():\n    pass\n", string(data))
}

func TestProposeAndApply_RepairRejectedWritesNothing(t *testing.T) {
	root, target := setup(t)
	svc := &scriptedService{replies: []string{
		"File path: mcp_output/mcp_plugin/adapter.py\nbad !!",
		"File path: mcp_output/mcp_plugin/adapter.py\nstill bad !!",
		"File path: mcp_output/mcp_plugin/adapter.py\nprint('third')",
	}}

	attempt, ok := newApplier(svc).ProposeAndApply(context.Background(), Request{
		Target: target, Run: failingRun(), RepoRoot: root, Checker: &markerChecker{},
	})
	assert.False(t, ok)
	assert.False(t, attempt.Applied)
	assert.Contains(t, attempt.Reason, ErrSyntaxRepair.Error())
	assert.Len(t, svc.prompts, 2, "exactly one repair request")

	data, _ := os.ReadFile(target)
	assert.Equal(t, "import missing\nprint('x')\n", string(data))
}

func TestProposeAndApply_Failures(t *testing.T) {
	root, target := setup(t)
	tests := []struct {
		name   string
		svc    *scriptedService
		target string
		want   error
	}{
		{"service error", &scriptedService{err: errors.New("down")}, target, ErrNoResponse},
		{"empty response", &scriptedService{replies: []string{"  "}}, target, ErrNoResponse},
		{"prose only", &scriptedService{replies: []string{"I think you should fix the import."}}, target, ErrNoContent},
		{"no path anywhere", &scriptedService{replies: []string{"```\nprint(1)\n```"}}, "", ErrNoPath},
		{"escapes root", &scriptedService{replies: []string{"File path: ../../etc/evil.py\nprint(1)"}}, target, ErrOutsideRoot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt, ok := newApplier(tt.svc).ProposeAndApply(context.Background(), Request{
				Target: tt.target, Run: failingRun(), RepoRoot: root,
			})
			assert.False(t, ok)
			assert.Contains(t, attempt.Reason, tt.want.Error())
			data, _ := os.ReadFile(target)
			assert.Equal(t, "import missing\nprint('x')\n", string(data))
		})
	}
}

func TestProposeAndApply_CreatesNewFileInsideRoot(t *testing.T) {
	root := t.TempDir()
	svc := &scriptedService{replies: []string{"File path: mcp_output/mcp_plugin/helpers.py\nX = 1"}}

	attempt, ok := newApplier(svc).ProposeAndApply(context.Background(), Request{RepoRoot: root})
	require.True(t, ok, attempt.Reason)
	data, err := os.ReadFile(filepath.Join(root, "mcp_output", "mcp_plugin", "helpers.py"))
	require.NoError(t, err)
	assert.Equal(t, "X = 1\n", string(data))
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		resp     string
		fallback string
		path     string
		body     string
		ok       bool
	}{
		{"strict", "File path: a/b.py\nx = 1\n", "", "a/b.py", "x = 1\n", true},
		{"quoted path", "File path: `a/b.py`\nx = 1", "", "a/b.py", "x = 1", true},
		{"fenced with header", "--- a/a.py\n+++ b/a.py\n```python\nx = 2\n```", "", "a.py", "x = 2", true},
		{"fenced fallback", "```\nx = 3\n```", "f.py", "f.py", "x = 3", true},
		{"strict keeps inner fence", "File path: a.py\n\"\"\"Doc.\n\n```python\nfrom a import run\n```\n\"\"\"\nimport json\n", "",
			"a.py", "\"\"\"Doc.\n\n```python\nfrom a import run\n```\n\"\"\"\nimport json\n", true},
		{"strict wrapped in fence", "File path: a.py\n```python\nx = 4\n```\n", "", "a.py", "x = 4", true},
		{"header without body", "File path: a.py\n\n", "", "", "", false},
		{"prose", "just text", "f.py", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, body, ok := ParseResponse(tt.resp, tt.fallback)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a\nb\nc\n", Sanitize("\ufeffa\r\nb\rc"))
	assert.Equal(t, "x\n", Sanitize("x\n"))
	assert.Equal(t, "\n", Sanitize(""))
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	p, err := Resolve(root, "mcp_output/x.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "mcp_output", "x.py"), p)

	_, err = Resolve(root, "../x.py")
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = Resolve(root, filepath.Join(t.TempDir(), "x.py"))
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = Resolve(root, ".")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestDiff(t *testing.T) {
	assert.Empty(t, Diff("a.py", "same\n", "same\n"))

	var before, after strings.Builder
	for i := 0; i < 20; i++ {
		line := "line" + string(rune('a'+i)) + "\n"
		before.WriteString(line)
		if i == 10 {
			after.WriteString("changed\n")
			continue
		}
		after.WriteString(line)
	}
	d := Diff("a.py", before.String(), after.String())
	assert.True(t, strings.HasPrefix(d, "--- a/a.py\n+++ b/a.py\n"))
	assert.Contains(t, d, "-linek\n")
	assert.Contains(t, d, "+changed\n")
	assert.Contains(t, d, " linej\n")
	assert.NotContains(t, d, " linea\n", "distant context collapses")

	added, removed := Stats(before.String(), after.String())
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

type recordingRunner struct {
	cmd process.Command
	res pipeline.ExecutionResult
}

func (r *recordingRunner) Run(_ context.Context, cmd process.Command) pipeline.ExecutionResult {
	r.cmd = cmd
	return r.res
}

func TestPythonChecker(t *testing.T) {
	run := &recordingRunner{res: pipeline.ExecutionResult{Success: true}}
	env := &pipeline.Environment{Kind: pipeline.BackendLight, Interpreter: []string{"/venv/bin/python"}}
	c := NewPythonChecker(run, env, "/repo")

	require.NoError(t, c.Check(context.Background(), "x = 1\n"))
	assert.Equal(t, "/venv/bin/python", run.cmd.Args[0])
	assert.Equal(t, "-c", run.cmd.Args[1])
	assert.Equal(t, "/repo", run.cmd.Dir)

	run.res = pipeline.ExecutionResult{ExitCode: 1, Stderr: "Traceback\n  ...\nSyntaxError: invalid syntax"}
	err := c.Check(context.Background(), "def (")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SyntaxError: invalid syntax")
}

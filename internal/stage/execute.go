package stage

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/servicefactory/internal/artifact"
	"github.com/lucasnoah/servicefactory/internal/diagnose"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
)

// Execute launches the generated service inside the environment and
// records the outcome as the pending execution.
type Execute struct{ d *Deps }

func (n *Execute) Name() string { return pipeline.StageExecute }

// runLog is what run_log.json records.
type runLog struct {
	Stage          string                    `json:"stage"`
	Test           *pipeline.TestResult      `json:"test_result"`
	Run            *pipeline.ExecutionResult `json:"run_result"`
	BasicTest      *pipeline.ExecutionResult `json:"basic_test,omitempty"`
	Env            *pipeline.Environment     `json:"environment"`
	Plugin         *pipeline.Plugin          `json:"plugin_info"`
	PackageReady   bool                      `json:"service_package_installed"`
	ServicePackage string                    `json:"service_package"`
}

func (n *Execute) Run(ctx context.Context, s *pipeline.State) Outcome {
	log := n.d.Log.With(n.Name())
	root := s.Repository.Paths.RepoRoot
	script := filepath.Join(root, filepath.FromSlash(artifact.StartScript))
	if s.Plugin != nil {
		if p, ok := s.Plugin.Files[artifact.StartScript]; ok && p != "" {
			script = p
		}
	}
	if root == "" || !isFile(script) {
		s.Fail(n.Name(), pipeline.KindInvalidInput, "Missing start_mcp.py")
		return Outcome{}
	}

	x := executor{n: n, env: s.Env, root: root, timeout: n.d.runTimeout()}
	ready := x.ensureServicePackage(ctx)

	var basic *pipeline.ExecutionResult
	if test := filepath.Join(root, filepath.FromSlash(artifact.BasicTest)); isFile(test) {
		r := x.python(ctx, test)
		basic = &r
		if r.Success {
			log.Infof("basic test passed")
		} else {
			log.Warnf("basic test failed: %s", strings.TrimSpace(process.Tail(r.Output(), 300)))
		}
	}

	res := x.python(ctx, script, "--help")
	if !res.Success && !res.TimedOut {
		res = x.python(ctx, script)
	}
	if !res.Success {
		res.Kind = diagnose.Classify(res.Stdout, res.Stderr, res.TimedOut)
		text := res.Stderr
		if strings.TrimSpace(text) == "" {
			text = res.Stdout
		}
		if strings.TrimSpace(text) == "" {
			text = "Unknown runtime error"
		}
		res.Error = diagnose.Prefix(res.Kind, text) + text
	}

	test := &pipeline.TestResult{
		Passed: res.Success,
		Method: "plugin",
		Stdout: process.Tail(res.Stdout, testTail),
		Stderr: process.Tail(res.Stderr, testTail),
	}
	s.Tests.Plugin = test
	s.RecordRun(res)

	save(s, log, pipeline.RunLogFile, runLog{
		Stage:          n.Name(),
		Test:           test,
		Run:            s.RunResult,
		BasicTest:      basic,
		Env:            s.Env,
		Plugin:         s.Plugin,
		PackageReady:   ready,
		ServicePackage: n.d.cfg().Pipeline.ServicePackage,
	})
	if n.d.Stats != nil {
		save(s, log, pipeline.LLMStatsFile, n.d.Stats.Snapshot())
	}

	if res.Success {
		log.Infof("service started")
	} else {
		log.Warnf("service failed (%s, exit %d)", res.Kind, res.ExitCode)
		s.AddError(n.Name(), pipeline.KindExecutionFailure, pipeline.SeverityHigh, pipeline.ActionNeedsRegeneration, res.Error)
	}
	s.MarkRunning()
	return Outcome{}
}

// executor runs Python inside the state's environment.
type executor struct {
	n       *Execute
	env     *pipeline.Environment
	root    string
	timeout time.Duration
}

func (x executor) python(ctx context.Context, args ...string) pipeline.ExecutionResult {
	return x.n.d.Runner.Run(ctx, process.Command{
		Args:    x.env.Command(x.root, append([]string{"python"}, args...)...),
		Dir:     x.root,
		Timeout: x.timeout,
	})
}

// ensureServicePackage installs the service package when it cannot be
// imported. It reports whether the package is importable afterwards.
func (x executor) ensureServicePackage(ctx context.Context) bool {
	pkg := x.n.d.cfg().Pipeline.ServicePackage
	if r := x.python(ctx, "-c", "import "+pkg+"; print('ok')"); r.Success {
		return true
	}
	log := x.n.d.Log.With(x.n.Name())
	log.Infof("installing %s", pkg)
	x.python(ctx, "-m", "pip", "install", "-U", "pip")
	if r := x.python(ctx, "-m", "pip", "install", pkg+">=0.1.0"); !r.Success {
		log.Warnf("installing %s failed: %s", pkg, strings.TrimSpace(process.Tail(r.Output(), 300)))
		return false
	}
	return true
}

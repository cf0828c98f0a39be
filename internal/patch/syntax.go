package patch

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
)

// SyntaxChecker parses source without executing it.
type SyntaxChecker interface {
	Check(ctx context.Context, src string) error
}

// Runner executes a command. *process.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd process.Command) pipeline.ExecutionResult
}

const astScript = "import ast, sys\nwith open(sys.argv[1], encoding='utf-8') as f:\n    ast.parse(f.read())\n"

// PythonChecker runs ast.parse inside an environment.
type PythonChecker struct {
	run Runner
	env *pipeline.Environment
	dir string
}

// NewPythonChecker creates a checker that runs in env from dir.
func NewPythonChecker(run Runner, env *pipeline.Environment, dir string) *PythonChecker {
	if env == nil {
		env = &pipeline.Environment{Kind: pipeline.BackendNone}
	}
	return &PythonChecker{run: run, env: env, dir: dir}
}

// Check reports the parser's complaint as an error.
func (c *PythonChecker) Check(ctx context.Context, src string) error {
	f, err := os.CreateTemp("", "factory-syntax-*.py")
	if err != nil {
		return fmt.Errorf("creating syntax probe: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(src); err != nil {
		f.Close()
		return fmt.Errorf("writing syntax probe: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing syntax probe: %w", err)
	}

	res := c.run.Run(ctx, process.Command{
		Args:    c.env.Command(c.dir, "python", "-c", astScript, f.Name()),
		Dir:     c.dir,
		Timeout: process.RunTimeout,
	})
	if res.Success {
		return nil
	}
	msg := strings.TrimSpace(res.Stderr)
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = msg[i+1:]
	}
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Errorf("syntax check failed: %s", msg)
}

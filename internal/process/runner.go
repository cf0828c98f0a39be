// Package process runs external commands with timeouts and captures bounded,
// lossily decoded output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

// Default timeouts.
const (
	EnvTimeout   = 1800 * time.Second
	RunTimeout   = 300 * time.Second
	CloneTimeout = 600 * time.Second
)

// DefaultTailBytes caps how much of each stream is kept.
const DefaultTailBytes = 8000

// Command describes one invocation. Args[0] is the program.
type Command struct {
	Args    []string
	Dir     string
	Timeout time.Duration
	Env     []string // extra KEY=VALUE entries appended to the host environment
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Executor abstracts process spawning for testability.
type Executor interface {
	Exec(ctx context.Context, cmd Command) (stdout []byte, stderr []byte, exitCode int, err error)
}

// OSExecutor implements Executor with os/exec.
type OSExecutor struct{}

func (OSExecutor) Exec(ctx context.Context, c Command) ([]byte, []byte, int, error) {
	if len(c.Args) == 0 {
		return nil, nil, -1, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitErr.ExitCode(), nil
		}
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), -1, fmt.Errorf("exec %s: %w", c.Args[0], err)
	}
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), 0, nil
}

// Runner executes commands and never fails: spawn errors and timeouts come
// back as failing results.
type Runner struct {
	exec      Executor
	tailBytes int
	log       *logging.Logger
}

// NewRunner creates a Runner. A nil executor uses OSExecutor.
func NewRunner(exec Executor, log *logging.Logger) *Runner {
	if exec == nil {
		exec = OSExecutor{}
	}
	return &Runner{exec: exec, tailBytes: DefaultTailBytes, log: log.With("process")}
}

// SetTailBytes overrides the per-stream output cap.
func (r *Runner) SetTailBytes(n int) {
	if n > 0 {
		r.tailBytes = n
	}
}

// Run executes cmd with its timeout (RunTimeout when unset).
func (r *Runner) Run(ctx context.Context, cmd Command) pipeline.ExecutionResult {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = RunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.log.Debugf("exec %s (dir=%s, timeout=%s)", cmd, cmd.Dir, timeout)

	start := time.Now()
	stdout, stderr, exitCode, err := r.exec.Exec(ctx, cmd)
	res := pipeline.ExecutionResult{
		Command:  cmd.Args,
		Dir:      cmd.Dir,
		ExitCode: exitCode,
		Stdout:   Tail(Decode(stdout), r.tailBytes),
		Stderr:   Tail(Decode(stderr), r.tailBytes),
		Duration: time.Since(start),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("timeout after %s: %s", timeout, cmd))
	case err != nil:
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, err.Error())
	}
	res.Success = !res.TimedOut && err == nil && res.ExitCode == 0
	return res
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

// Tail keeps the last n bytes of s, cutting on a rune boundary.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !isRuneStart(s[cut]) {
		cut++
	}
	return "…(truncated)\n" + s[cut:]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Package workspace lays out the per-repository working directory and
// clones sources into it.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
)

// Directory names under the repository root.
const (
	SourceDir    = "source"
	OutputDir    = "mcp_output"
	PluginDir    = "mcp_plugin"
	TestsDir     = "tests_mcp"
	LogsDir      = "mcp_logs"
	tempCloneDir = "temp_clone"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ProcessGit implements GitRunner on top of the process runner so clones get
// the same timeout handling and output capture as every other command.
type ProcessGit struct {
	Runner  *process.Runner
	Timeout time.Duration
}

func (g *ProcessGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	res := g.Runner.Run(ctx, process.Command{
		Args:    append([]string{"git"}, args...),
		Dir:     dir,
		Timeout: g.Timeout,
	})
	if !res.Success {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return msg, fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Manager owns the workspace root (one subdirectory per repository).
type Manager struct {
	git     GitRunner
	baseDir string
}

// NewManager creates a workspace manager rooted at baseDir.
func NewManager(git GitRunner, baseDir string) *Manager {
	return &Manager{git: git, baseDir: baseDir}
}

// BaseDir returns the workspace root.
func (m *Manager) BaseDir() string { return m.baseDir }

// Layout returns the paths for a repository without touching disk.
func (m *Manager) Layout(name string) pipeline.LocalPaths {
	root := filepath.Join(m.baseDir, name)
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	out := filepath.Join(root, OutputDir)
	return pipeline.LocalPaths{
		RepoRoot:   root,
		SourceRoot: filepath.Join(root, SourceDir),
		Output:     out,
		Plugin:     filepath.Join(out, PluginDir),
		Tests:      filepath.Join(out, TestsDir),
		Logs:       filepath.Join(out, LogsDir),
	}
}

// Prepare creates the output directory tree for a repository. name must be
// a single path element.
func (m *Manager) Prepare(name string) (pipeline.LocalPaths, error) {
	if err := pipeline.ValidateRepoName(name); err != nil {
		return pipeline.LocalPaths{}, err
	}
	p := m.Layout(name)
	for _, dir := range []string{p.RepoRoot, p.Output, p.Plugin, p.Tests, p.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return p, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return p, nil
}

// CloneError distinguishes the clone step from the move step.
type CloneError struct {
	Kind pipeline.ErrorKind
	Err  error
}

func (e *CloneError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *CloneError) Unwrap() error { return e.Err }

// HasSource reports whether source/ already holds a git checkout.
func HasSource(p pipeline.LocalPaths) bool {
	_, err := os.Stat(filepath.Join(p.SourceRoot, ".git"))
	return err == nil
}

// Clone fetches url into source/ by cloning into temp_clone and moving the
// entries across. An existing checkout is left alone. On failure source/ is
// left as an empty directory.
func (m *Manager) Clone(ctx context.Context, url string, p pipeline.LocalPaths) error {
	if HasSource(p) {
		return nil
	}
	if err := os.RemoveAll(p.SourceRoot); err != nil {
		return &CloneError{Kind: pipeline.KindFileMoveFailed, Err: err}
	}
	if err := os.MkdirAll(p.SourceRoot, 0o755); err != nil {
		return &CloneError{Kind: pipeline.KindFileMoveFailed, Err: err}
	}

	tmp := filepath.Join(p.RepoRoot, tempCloneDir)
	os.RemoveAll(tmp)
	if _, err := m.git.Run(ctx, p.RepoRoot, "clone", url, tmp); err != nil {
		os.RemoveAll(tmp)
		return &CloneError{Kind: pipeline.KindCloneFailed, Err: err}
	}

	if err := moveEntries(tmp, p.SourceRoot); err != nil {
		return &CloneError{Kind: pipeline.KindFileMoveFailed, Err: err}
	}
	if err := os.RemoveAll(tmp); err != nil {
		return &CloneError{Kind: pipeline.KindFileMoveFailed, Err: err}
	}
	return nil
}

func moveEntries(from, to string) error {
	entries, err := os.ReadDir(from)
	if err != nil {
		return fmt.Errorf("reading %s: %w", from, err)
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(from, e.Name()), filepath.Join(to, e.Name())); err != nil {
			return fmt.Errorf("moving %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Names lists repository directories in the workspace.
func (m *Manager) Names() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

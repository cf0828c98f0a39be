// Package stage implements the pipeline stages. Every stage is a total
// function over the workflow state: faults become ErrorRecords, never
// returned errors.
package stage

import (
	"context"
	"os"
	"time"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/config"
	"github.com/lucasnoah/servicefactory/internal/llm"
	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/patch"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
	"github.com/lucasnoah/servicefactory/internal/prompt"
)

// Outcome reports what a stage did beyond mutating the state.
type Outcome struct {
	// FixAttempted is set by Review when it asked for a direct fix,
	// whether or not the fix was applied.
	FixAttempted bool
}

// Node is one pipeline stage.
type Node interface {
	Name() string
	Run(ctx context.Context, s *pipeline.State) Outcome
}

// Runner executes a command. *process.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd process.Command) pipeline.ExecutionResult
}

// Workspace lays out and populates a repository's directory.
// *workspace.Manager satisfies it.
type Workspace interface {
	Prepare(name string) (pipeline.LocalPaths, error)
	Clone(ctx context.Context, url string, p pipeline.LocalPaths) error
}

// Provisioner creates and validates environments. *env.Provisioner
// satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, repo pipeline.Repository, deps pipeline.Dependencies) (*pipeline.Environment, []string)
	Validate(ctx context.Context, env *pipeline.Environment, repoRoot string, packages []string) pipeline.TestResult
}

// Diagnoser produces a verdict on the pending failure. *diagnose.Engine
// satisfies it.
type Diagnoser interface {
	Analyze(ctx context.Context, s *pipeline.State) *pipeline.Diagnosis
}

// Fixer proposes and applies a direct fix. *patch.Applier satisfies it.
type Fixer interface {
	ProposeAndApply(ctx context.Context, req patch.Request) (pipeline.FixAttempt, bool)
}

// ServiceFunc returns the generation service for a stage.
type ServiceFunc func(stage string) (llm.Service, error)

// FactoryServices adapts an llm.Factory.
func FactoryServices(f *llm.Factory) ServiceFunc {
	return func(stage string) (llm.Service, error) {
		c, err := f.ForStage(stage)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Deps holds the collaborators shared by every stage.
type Deps struct {
	Config      *config.Config
	Log         *logging.Logger
	Runner      Runner
	Workspace   Workspace
	Provisioner Provisioner
	Summarizer  analysis.Summarizer
	Services    ServiceFunc
	Stats       *llm.Stats
	Prompts     *prompt.Library
	Diagnoser   Diagnoser
	Fixer       Fixer
	Now         func() time.Time
}

func (d *Deps) cfg() *config.Config {
	if d.Config == nil {
		d.Config = config.Default()
	}
	return d.Config
}

func (d *Deps) prompts() *prompt.Library {
	if d.Prompts == nil {
		d.Prompts = prompt.NewLibrary("")
	}
	return d.Prompts
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) runTimeout() time.Duration {
	return config.Duration(d.cfg().Timeouts.Run, process.RunTimeout)
}

// service returns the stage's generation service, or nil when none is
// configured.
func (d *Deps) service(stage string) llm.Service {
	if d.Services == nil {
		return nil
	}
	svc, err := d.Services(stage)
	if err != nil {
		d.Log.With(stage).Warnf("generation service unavailable: %v", err)
		return nil
	}
	return svc
}

// Nodes builds every stage keyed by name.
func Nodes(d *Deps) map[string]Node {
	nodes := []Node{
		&Download{d: d},
		&Analyze{d: d},
		&Provision{d: d},
		&Generate{d: d},
		&Execute{d: d},
		&Review{d: d},
		&Finalize{d: d},
	}
	out := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		out[n.Name()] = n
	}
	return out
}

// store returns the audit store for the state's repository.
func store(s *pipeline.State) *pipeline.Store {
	return pipeline.NewStore(s.Repository.Paths.Output)
}

// save writes an audit file, downgrading failure to a warning.
func save(s *pipeline.State, log *logging.Logger, name string, v interface{}) {
	if s.Repository.Paths.Output == "" {
		return
	}
	if err := store(s).Save(name, v); err != nil {
		log.Warnf("saving %s: %v", name, err)
		s.Warnf(pipeline.KindPersistFailed, "saving %s: %v", name, err)
	}
}

// requireRoot fails the run when the repository root is missing.
func requireRoot(s *pipeline.State, stage string) (string, bool) {
	root := s.Repository.Paths.RepoRoot
	if root == "" {
		s.Fail(stage, pipeline.KindInvalidInput, "repo_root path missing")
		return "", false
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		s.Fail(stage, pipeline.KindInvalidInput, "repo_root does not exist: "+root)
		return "", false
	}
	return root, true
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

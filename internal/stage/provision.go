package stage

import (
	"context"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
)

// testTail bounds the output kept on a TestResult.
const testTail = 1000

// Provision creates the execution environment and validates the original
// repository inside it.
type Provision struct{ d *Deps }

func (n *Provision) Name() string { return pipeline.StageProvision }

// envInfo is what env_info.json records.
type envInfo struct {
	Env   *pipeline.Environment `json:"env"`
	Tests *pipeline.TestResult  `json:"tests"`
}

func (n *Provision) Run(ctx context.Context, s *pipeline.State) Outcome {
	log := n.d.Log.With(n.Name())
	root, ok := requireRoot(s, n.Name())
	if !ok {
		return Outcome{}
	}

	var deps pipeline.Dependencies
	var packages []string
	if s.Analysis != nil {
		deps = s.Analysis.Dependencies
		packages = s.Analysis.Packages
	}

	env, warnings := n.d.Provisioner.Provision(ctx, s.Repository, deps)
	for _, w := range warnings {
		log.Warnf("%s", w)
		s.Warnf(pipeline.KindEnvSetupFailed, "%s", w)
	}
	if env == nil || env.Kind == pipeline.BackendNone {
		s.AddError(n.Name(), pipeline.KindEnvSetupFailed, pipeline.SeverityMedium, pipeline.ActionContinue,
			"Unable to create any type of environment")
		if env == nil {
			env = &pipeline.Environment{Kind: pipeline.BackendNone, Name: "none", Manifest: map[string]string{}}
		}
	}
	s.Env = env
	log.Infof("environment %s (%s)", env.Name, env.Kind)

	res := n.d.Provisioner.Validate(ctx, env, root, packages)
	res.Stdout = process.Tail(res.Stdout, testTail)
	res.Stderr = process.Tail(res.Stderr, testTail)
	s.Tests.Original = &res
	if !res.Passed {
		log.Warnf("original repository validation failed (%s)", res.Method)
	}

	save(s, log, pipeline.EnvInfoFile, envInfo{Env: env, Tests: &res})
	s.MarkRunning()
	return Outcome{}
}

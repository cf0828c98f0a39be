package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/config"
	"github.com/lucasnoah/servicefactory/internal/db"
	"github.com/lucasnoah/servicefactory/internal/diagnose"
	"github.com/lucasnoah/servicefactory/internal/env"
	"github.com/lucasnoah/servicefactory/internal/llm"
	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/orchestrator"
	"github.com/lucasnoah/servicefactory/internal/patch"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
	"github.com/lucasnoah/servicefactory/internal/prompt"
	"github.com/lucasnoah/servicefactory/internal/stage"
	"github.com/lucasnoah/servicefactory/internal/workspace"
)

var getenv = os.Getenv

// runFlags are the overrides shared by run and batch.
type runFlags struct {
	output    string
	provider  string
	model     string
	maxFix    int
	maxGen    int
	overrides []string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "workspace directory (overrides pipeline.workspace)")
	cmd.Flags().StringVar(&f.provider, "provider", "", "generation service provider (openai, deepseek, qwen, ollama)")
	cmd.Flags().StringVar(&f.model, "model", "", "generation service model")
	cmd.Flags().IntVar(&f.maxFix, "max-fix-retries", -1, "direct-fix budget")
	cmd.Flags().IntVar(&f.maxGen, "max-generation-retries", -1, "regeneration budget")
	cmd.Flags().StringArrayVar(&f.overrides, "stage-model", nil, "per-stage override STAGE=PROVIDER[:MODEL], repeatable")
}

func (f *runFlags) apply(cfg *config.Config) error {
	if f.output != "" {
		cfg.Pipeline.Workspace = f.output
	}
	if f.provider != "" {
		cfg.LLM.Provider = strings.ToLower(f.provider)
	}
	if f.model != "" {
		cfg.LLM.Model = f.model
	}
	if f.maxFix >= 0 {
		cfg.Pipeline.MaxFixRetries = f.maxFix
	}
	if f.maxGen >= 0 {
		cfg.Pipeline.MaxGenerationRetries = f.maxGen
	}
	for _, o := range f.overrides {
		st, spec, ok := strings.Cut(o, "=")
		if !ok || st == "" || spec == "" {
			return fmt.Errorf("invalid --stage-model %q: want STAGE=PROVIDER[:MODEL]", o)
		}
		provider, model, _ := strings.Cut(spec, ":")
		if cfg.LLM.Overrides == nil {
			cfg.LLM.Overrides = map[string]config.LLMOverride{}
		}
		cfg.LLM.Overrides[st] = config.LLMOverride{Provider: provider, Model: model}
	}
	return nil
}

// app is everything a run needs, wired from the config.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	ledger *db.DB
	orch   *orchestrator.Orchestrator
}

func newApp(cmd *cobra.Command, flags *runFlags) (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if flags != nil {
		if err := flags.apply(cfg); err != nil {
			return nil, nil, err
		}
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", e)
		}
		return nil, nil, fmt.Errorf("config has %d validation error(s)", len(errs))
	}

	log := logging.New(logging.Options{
		File:     cfg.Logging.File,
		Level:    cfg.Logging.Level,
		JSON:     cfg.Logging.JSON,
		Progress: cmd.ErrOrStderr(),
	})

	runner := process.NewRunner(nil, log)
	runner.SetTailBytes(cfg.Pipeline.OutputTailBytes)
	factory := llm.NewFactory(cfg.LLM, log)
	lib := prompt.NewLibrary(templatesDir)

	deps := &stage.Deps{
		Config: cfg,
		Log:    log,
		Runner: runner,
		Workspace: workspace.NewManager(&workspace.ProcessGit{
			Runner:  runner,
			Timeout: config.Duration(cfg.Timeouts.Clone, process.CloneTimeout),
		}, cfg.Pipeline.Workspace),
		Provisioner: env.New(runner, env.Options{
			Prefer:        cfg.Environment.Prefer,
			PythonVersion: cfg.Environment.PythonVersion,
			HostPython:    cfg.Environment.HostPython,
			Timeout:       config.Duration(cfg.Timeouts.Env, process.EnvTimeout),
		}, log),
		Summarizer: analysis.NewDigest(),
		Services:   stage.FactoryServices(factory),
		Stats:      factory.Stats(),
		Prompts:    lib,
	}
	if svc, err := factory.ForStage(pipeline.StageReview); err == nil {
		deps.Diagnoser = diagnose.NewEngine(svc.WithBackoff(diagnose.Backoff), lib, log)
		deps.Fixer = patch.NewApplier(svc, lib, log)
	} else {
		log.Warnf("review service unavailable, failures go straight to regeneration: %v", err)
	}

	a := &app{cfg: cfg, log: log}
	var ledger orchestrator.Ledger
	if cfg.Database.DSN != "" {
		database, err := db.Open(cfg.Database.DSN)
		if err != nil {
			log.Close()
			return nil, nil, fmt.Errorf("open run ledger: %w", err)
		}
		if err := database.Migrate(); err != nil {
			database.Close()
			log.Close()
			return nil, nil, fmt.Errorf("migrate run ledger: %w", err)
		}
		a.ledger = database
		ledger = database
	}
	a.orch = orchestrator.NewOrchestrator(stage.Nodes(deps), ledger, log, cfg)

	cleanup := func() {
		a.ledger.Close()
		log.Close()
	}
	return a, cleanup, nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

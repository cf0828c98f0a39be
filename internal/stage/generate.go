package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/artifact"
	"github.com/lucasnoah/servicefactory/internal/llm"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/prompt"
)

// maxGeneratedNames caps the functions and classes handed to code
// generation.
const maxGeneratedNames = 12

// Generate produces the service artifact. Every generated file falls back
// to a template when the generation service gives nothing usable, so the
// stage always produces a complete artifact unless the disk write fails.
type Generate struct{ d *Deps }

func (n *Generate) Name() string { return pipeline.StageGenerate }

func (n *Generate) Run(ctx context.Context, s *pipeline.State) Outcome {
	log := n.d.Log.With(n.Name())
	root, ok := requireRoot(s, n.Name())
	if !ok {
		return Outcome{}
	}
	paths := s.Repository.Paths

	var detail analysis.Detail
	if s.Analysis != nil && len(s.Analysis.Detail) > 0 {
		if err := json.Unmarshal(s.Analysis.Detail, &detail); err != nil {
			log.Warnf("decoding analysis: %v", err)
		}
	}
	if detail.ImportStrategy.Primary == "" && s.Analysis != nil {
		var ep analysis.EntryPoints
		_ = json.Unmarshal(s.Analysis.EntryPoints, &ep)
		detail = analysis.Basic(s.Analysis.Packages, ep)
	}
	mode := detail.Mode()
	pruned := analysis.Prune(detail, paths.SourceRoot, maxGeneratedNames)

	var guidance string
	if s.GenerationRetryCount > 0 {
		reason := artifact.RetryReason(s.Errors, s.PreviousRuns)
		s.RetryReasons = append(s.RetryReasons, pipeline.RetryReason{
			Attempt: s.GenerationRetryCount,
			Reason:  reason,
			Time:    n.d.now().UTC(),
		})
		guidance = fmt.Sprintf("This is regeneration attempt %d. Previous failure: %s", s.GenerationRetryCount, reason)
		if !s.Diagnosis.Empty() && s.Diagnosis.Summary != "" {
			guidance += "\nDiagnosis: " + s.Diagnosis.Summary
		}
		log.Infof("regeneration %d: %s", s.GenerationRetryCount, reason)
	}

	if err := n.ensurePackageInits(paths.SourceRoot, s.Repository.Name, pruned); err != nil {
		log.Warnf("package init files: %v", err)
		s.Warnf(pipeline.KindInternal, "writing package init files: %v", err)
	}

	analysisJSON, _ := json.MarshalIndent(pruned, "", "  ")
	var loop string
	if s.LoopSummary != nil {
		data, _ := json.Marshal(s.LoopSummary)
		loop = string(data)
	}
	g := generator{
		n:   n,
		svc: n.d.service(n.Name()),
		s:   s,
		vars: prompt.Vars{
			"analysis":        string(analysisJSON),
			"loop_summary":    loop,
			"retry_guidance":  guidance,
			"service_package": n.d.cfg().Pipeline.ServicePackage,
			"service_name":    artifact.ServiceName(s.Repository.Name),
			"repo_name":       s.Repository.Name,
		},
	}

	files := artifact.Fixed()
	files[artifact.ServiceFile] = g.code(ctx, prompt.GenerateServ, func() string {
		return artifact.ServiceFallback(pruned, s.Repository.Name)
	})
	switch mode {
	case analysis.ModeImport:
		files[artifact.AdapterFile] = g.code(ctx, prompt.AdapterImport, func() string {
			return artifact.AdapterImportFallback(pruned)
		})
	case analysis.ModeCLI:
		files[artifact.AdapterFile] = g.code(ctx, prompt.AdapterCLI, func() string {
			return artifact.AdapterCLIFallback(pruned)
		})
	default:
		files[artifact.AdapterFile] = artifact.AdapterBlackbox()
	}
	requirements := artifact.RequirementsFile(pruned)
	files[artifact.Requirements] = requirements
	files[artifact.ReadmeFile] = g.docs(ctx, func() string {
		return artifact.ReadmeFallback(pruned, s.Repository.Name)
	})

	written, err := artifact.Write(root, files)
	if err != nil {
		s.Fail(n.Name(), pipeline.KindGenerationFailed, err.Error())
		return Outcome{}
	}
	s.Plugin = &pipeline.Plugin{
		Files:        written,
		AdapterMode:  mode,
		MainEntry:    artifact.MainEntry,
		Requirements: requirementLines(requirements),
	}
	log.Infof("generated %d files (adapter %s)", len(written), mode)
	s.MarkRunning()
	return Outcome{}
}

// ensurePackageInits makes source/ (and source/src/ when core modules live
// there) importable. Existing files are left alone.
func (n *Generate) ensurePackageInits(sourceRoot, repo string, d analysis.Detail) error {
	if sourceRoot == "" {
		return nil
	}
	inits := map[string]string{
		filepath.Join(sourceRoot, "__init__.py"): fmt.Sprintf("# -*- coding: utf-8 -*-\n\"\"\"\n%s Project Package Initialization File\n\"\"\"\n", repo),
	}
	if artifact.NeedsSrcInit(d) {
		inits[filepath.Join(sourceRoot, "src", "__init__.py")] = "# -*- coding: utf-8 -*-\n\"\"\"\nsrc Package Initialization File\n\"\"\"\n"
	}
	for path, content := range inits {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := pipeline.WriteAtomic(path, []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

// generator asks the generation service for one file at a time.
type generator struct {
	n    *Generate
	svc  llm.Service
	s    *pipeline.State
	vars prompt.Vars
}

func (g generator) ask(ctx context.Context, tmpl, system string) string {
	if g.svc == nil {
		return ""
	}
	log := g.n.d.Log.With(g.n.Name())
	user, err := g.n.d.prompts().Execute(tmpl, g.vars)
	if err != nil {
		log.Warnf("rendering %s: %v", tmpl, err)
		return ""
	}
	resp, err := g.svc.Generate(ctx, system, user)
	if err != nil {
		log.Warnf("%s: %v", tmpl, err)
		g.s.Warnf(pipeline.KindGenerationFailed, "%s: %v", strings.TrimSuffix(tmpl, ".md"), err)
		return ""
	}
	return llm.StripFences(resp)
}

// code returns generated Python, or the fallback when the answer is too
// short to be real code.
func (g generator) code(ctx context.Context, tmpl string, fallback func() string) string {
	if out := g.ask(ctx, tmpl, prompt.SystemCodegen); artifact.Usable(out) {
		return out
	}
	return fallback()
}

func (g generator) docs(ctx context.Context, fallback func() string) string {
	if out := g.ask(ctx, prompt.Readme, prompt.SystemDocs); strings.TrimSpace(out) != "" {
		return out
	}
	return fallback()
}

func requirementLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out
}

package stage

import (
	"context"
	"encoding/json"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/llm"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/prompt"
)

// Analyze scans the checkout and asks the generation service how to wrap
// it. Every failure past the input check degrades to the basic analysis.
type Analyze struct{ d *Deps }

func (n *Analyze) Name() string { return pipeline.StageAnalyze }

// summaryInfo is the part of the digest kept on the state; the tree and
// excerpts only go to the prompt.
type summaryInfo struct {
	Files      int      `json:"file_count"`
	Truncated  bool     `json:"truncated"`
	Languages  []string `json:"languages,omitempty"`
	SourceRoot string   `json:"source_root"`
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
}

func (n *Analyze) Run(ctx context.Context, s *pipeline.State) Outcome {
	log := n.d.Log.With(n.Name())
	if s.Repository.URL == "" {
		s.Fail(n.Name(), pipeline.KindInvalidInput, "Missing repo_url or repo_root path")
		return Outcome{}
	}
	root, ok := requireRoot(s, n.Name())
	if !ok {
		return Outcome{}
	}
	paths := s.Repository.Paths

	packages, err := analysis.ScanPackages(root)
	if err != nil {
		log.Warnf("package scan: %v", err)
		s.Warnf(pipeline.KindInternal, "package scan failed: %v", err)
	}
	if packages == nil {
		packages = []string{}
	}
	ep := analysis.ScanEntryPoints(root, paths.SourceRoot)
	deps := analysis.DetectDependencies(root, paths.SourceRoot)

	info := summaryInfo{Status: "skipped"}
	var digest string
	if n.d.Summarizer != nil {
		info.Status = "success"
		sum, err := n.d.Summarizer.Summarize(ctx, paths.SourceRoot)
		if err != nil {
			log.Warnf("digest failed: %v", err)
			s.Warnf(pipeline.KindInternal, "repository digest failed: %v", err)
			info = summaryInfo{Status: "failed", Error: err.Error()}
		} else {
			digest = sum.Text()
			info.Files = sum.Files
			info.Truncated = sum.Truncated
			info.Languages = sum.Languages
			info.SourceRoot = sum.SourceRoot
		}
	}

	detail := analysis.Basic(packages, ep)
	if svc := n.d.service(n.Name()); svc != nil {
		if d, ok := n.ask(ctx, svc, s.Repository.URL, digest, packages, ep); ok {
			detail = d
		} else {
			s.Warnf(pipeline.KindGenerationFailed, "repository analysis unavailable, using basic analysis")
		}
	}
	log.Infof("analysis: %d packages, %d cli commands, mode %s", len(packages), len(ep.CLI), detail.Mode())

	a := &pipeline.Analysis{
		Packages:     packages,
		Dependencies: deps,
		AdapterMode:  detail.Mode(),
	}
	a.EntryPoints, _ = json.Marshal(ep)
	a.Summary, _ = json.Marshal(info)
	a.Detail, _ = json.Marshal(detail)
	s.Analysis = a

	save(s, log, pipeline.AnalysisFile, a)
	s.MarkRunning()
	return Outcome{}
}

func (n *Analyze) ask(ctx context.Context, svc llm.Service, url, digest string, packages []string, ep analysis.EntryPoints) (analysis.Detail, bool) {
	log := n.d.Log.With(n.Name())
	pkgs, _ := json.MarshalIndent(packages, "", "  ")
	eps, _ := json.MarshalIndent(ep, "", "  ")
	user, err := n.d.prompts().Execute(prompt.Analyze, prompt.Vars{
		"repo_url":     url,
		"digest":       digest,
		"packages":     string(pkgs),
		"entry_points": string(eps),
	})
	if err != nil {
		log.Warnf("rendering analysis prompt: %v", err)
		return analysis.Detail{}, false
	}
	resp, err := svc.Generate(ctx, prompt.SystemAnalyst, user)
	if err != nil {
		log.Warnf("analysis request failed: %v", err)
		return analysis.Detail{}, false
	}
	d, ok := analysis.ParseDetail(llm.ExtractJSON(resp))
	if !ok {
		log.Warnf("analysis response held no usable JSON")
	}
	return d, ok
}

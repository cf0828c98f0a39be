package env

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
)

// SmokeTestPath is where the import smoke test is written, relative to the
// repository root.
const SmokeTestPath = "mcp_output/tests_smoke/test_smoke.py"

// SmokeOKMarker starts the line the smoke test prints on a successful import.
const SmokeOKMarker = "OK - Successfully imported"

// SmokeTarget picks the package the smoke test imports: the shallowest one
// whose name does not mention tests. The bare source/src containers never
// qualify. "" when none do.
func SmokeTarget(packages []string) string {
	var pkgs []string
	for _, p := range packages {
		if p == "source" || p == "src" {
			continue
		}
		if !strings.Contains(strings.ToLower(p), "tests") {
			pkgs = append(pkgs, p)
		}
	}
	return analysis.TopPackage(pkgs)
}

// SmokeCandidates lists import names to try for pkg, in order, deduplicated.
func SmokeCandidates(pkg string) []string {
	var out []string
	parts := strings.Split(pkg, ".")
	switch {
	case strings.HasPrefix(pkg, "source."):
		if len(parts) >= 3 {
			out = append(out, strings.Join(parts[1:], "."), parts[len(parts)-1])
		} else if len(parts) == 2 {
			out = append(out, parts[1])
		}
	case strings.HasPrefix(pkg, "src."):
		out = append(out, strings.TrimPrefix(pkg, "src."))
	case strings.Contains(pkg, "."):
		out = append(out, parts[len(parts)-1])
	}
	out = append(out, pkg)

	seen := map[string]bool{}
	uniq := out[:0]
	for _, c := range out {
		if c != "" && !seen[c] {
			seen[c] = true
			uniq = append(uniq, c)
		}
	}
	return uniq
}

// SmokeScript renders the import smoke test for pkg.
func SmokeScript(pkg string) string {
	var b strings.Builder
	b.WriteString(`import importlib
import os
import sys

sys.path.insert(0, os.getcwd())
source_dir = os.path.join(os.getcwd(), "source")
if os.path.exists(source_dir):
    sys.path.insert(0, source_dir)

`)
	if pkg == "" {
		b.WriteString(`print("NO_PACKAGE - No testable package found")` + "\n")
		return b.String()
	}
	quoted := make([]string, 0)
	for _, c := range SmokeCandidates(pkg) {
		quoted = append(quoted, strconv.Quote(c))
	}
	fmt.Fprintf(&b, "candidates = [%s]\n", strings.Join(quoted, ", "))
	b.WriteString(`for name in candidates:
    try:
        importlib.import_module(name)
        print(f"` + SmokeOKMarker + ` {name}")
        break
    except ImportError as e:
        print(f"Failed to import {name}: {e}")
else:
    print("All import attempts failed")
`)
	return b.String()
}

// Validate checks the original repository works inside env: pytest when a
// tests/ directory exists, otherwise (or when pytest fails) an import
// smoke test.
func (p *Provisioner) Validate(ctx context.Context, env *pipeline.Environment, repoRoot string, packages []string) pipeline.TestResult {
	if fi, err := os.Stat(filepath.Join(repoRoot, "tests")); err == nil && fi.IsDir() {
		res := p.exec(ctx, repoRoot, env.Command(repoRoot, "python", "-m", "pytest", "-q")...)
		if res.Success {
			return pipeline.TestResult{Passed: true, Method: "pytest", Stdout: res.Stdout, Stderr: res.Stderr}
		}
		p.log.Warnf("pytest failed, falling back to import smoke test")
	}

	script := filepath.Join(repoRoot, filepath.FromSlash(SmokeTestPath))
	if err := pipeline.WriteAtomic(script, []byte(SmokeScript(SmokeTarget(packages)))); err != nil {
		return pipeline.TestResult{Method: "smoke", Stderr: err.Error()}
	}
	res := p.run.Run(ctx, process.Command{
		Args:    env.Command(repoRoot, "python", script),
		Dir:     repoRoot,
		Timeout: process.RunTimeout,
	})
	return pipeline.TestResult{
		Passed:     res.Success && smokePassed(res.Stdout),
		Method:     "smoke",
		ReportPath: script,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	}
}

func smokePassed(stdout string) bool {
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), SmokeOKMarker) {
			return true
		}
	}
	return false
}

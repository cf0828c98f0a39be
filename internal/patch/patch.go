// Package patch turns a proposed fix from the generation service into a
// validated, atomically written file replacement.
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/servicefactory/internal/diagnose"
	"github.com/lucasnoah/servicefactory/internal/llm"
	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/prompt"
)

// PatchDir holds recorded diffs, relative to the repository root.
const PatchDir = "mcp_output/mcp_logs/patches"

// maxCurrentBytes caps the current file content sent with the request.
const maxCurrentBytes = 4000

var (
	ErrNoResponse   = errors.New("no response from generation service")
	ErrNoContent    = errors.New("response carried no file content")
	ErrNoPath       = errors.New("could not determine the file to replace")
	ErrOutsideRoot  = errors.New("target path escapes the repository root")
	ErrSyntaxRepair = errors.New("replacement failed syntax check after repair")
)

// Request carries everything a fix proposal needs.
type Request struct {
	Diagnosis *pipeline.Diagnosis
	Target    string // absolute path, "" when it could not be inferred
	Current   string
	Run       *pipeline.ExecutionResult
	RepoRoot  string
	Checker   SyntaxChecker // nil skips syntax validation
}

// Applier requests fixes and applies them.
type Applier struct {
	svc llm.Service
	lib *prompt.Library
	log *logging.Logger
	now func() time.Time
}

// NewApplier creates an Applier.
func NewApplier(svc llm.Service, lib *prompt.Library, log *logging.Logger) *Applier {
	if lib == nil {
		lib = prompt.NewLibrary("")
	}
	return &Applier{svc: svc, lib: lib, log: log.With("patch"), now: time.Now}
}

// ProposeAndApply asks for a complete replacement of the failing file and
// writes it. It returns true only when a file was replaced; on false the
// attempt's Reason says why and nothing was written.
func (a *Applier) ProposeAndApply(ctx context.Context, req Request) (pipeline.FixAttempt, bool) {
	attempt := pipeline.FixAttempt{Target: req.Target}
	if err := a.apply(ctx, req, &attempt); err != nil {
		attempt.Reason = err.Error()
		a.log.Warnf("fix not applied: %v", err)
		return attempt, false
	}
	a.log.Infof("fix applied to %s", attempt.Target)
	return attempt, true
}

func (a *Applier) apply(ctx context.Context, req Request, attempt *pipeline.FixAttempt) error {
	root, err := filepath.Abs(req.RepoRoot)
	if err != nil || req.RepoRoot == "" {
		return fmt.Errorf("invalid repository root %q", req.RepoRoot)
	}
	user, err := a.lib.Execute(prompt.Fix, a.vars(root, req))
	if err != nil {
		return fmt.Errorf("rendering fix prompt: %w", err)
	}

	resp, err := a.svc.Generate(ctx, prompt.SystemFixer, user)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	if strings.TrimSpace(resp) == "" {
		return ErrNoResponse
	}
	path, body, err := parse(resp, req.Target)
	if err != nil {
		return err
	}
	body = Sanitize(body)

	if strings.HasSuffix(path, ".py") && req.Checker != nil {
		if cerr := req.Checker.Check(ctx, body); cerr != nil {
			a.log.Warnf("proposed fix does not parse, requesting repair: %v", cerr)
			path, body, err = a.repair(ctx, req.Checker, user, path, cerr)
			if err != nil {
				return err
			}
			attempt.Repaired = true
		}
	}
	attempt.SyntaxValid = true

	abs, err := Resolve(root, path)
	if err != nil {
		return err
	}
	attempt.Target = abs
	attempt.Content = body

	before, _ := os.ReadFile(abs)
	if err := pipeline.WriteAtomic(abs, []byte(body)); err != nil {
		return fmt.Errorf("writing %s: %w", abs, err)
	}
	attempt.Applied = true

	rel, _ := filepath.Rel(root, abs)
	attempt.Diff = Diff(filepath.ToSlash(rel), string(before), body)
	a.recordDiff(root, rel, attempt.Diff)
	return nil
}

// repair issues the single re-request allowed after a failed parse. The
// second answer is accepted only if it parses too.
func (a *Applier) repair(ctx context.Context, checker SyntaxChecker, previous, path string, cause error) (string, string, error) {
	user, err := a.lib.Execute(prompt.FixRepair, prompt.Vars{
		"previous":    previous,
		"parse_error": cause.Error(),
	})
	if err != nil {
		return "", "", fmt.Errorf("rendering repair prompt: %w", err)
	}
	resp, err := a.svc.Generate(ctx, prompt.SystemFixer, user)
	if err != nil || strings.TrimSpace(resp) == "" {
		return "", "", fmt.Errorf("%w: no repair response", ErrSyntaxRepair)
	}
	rpath, body, err := parse(resp, path)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSyntaxRepair, err)
	}
	body = Sanitize(body)
	if err := checker.Check(ctx, body); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSyntaxRepair, err)
	}
	return rpath, body, nil
}

func parse(resp, fallback string) (string, string, error) {
	path, body, ok := ParseResponse(resp, fallback)
	switch {
	case ok:
		return path, body, nil
	case body == "":
		return "", "", ErrNoContent
	default:
		return "", "", ErrNoPath
	}
}

func (a *Applier) vars(root string, req Request) prompt.Vars {
	v := prompt.Vars{
		"repo_root": root,
		"target":    "",
		"error":     "",
		"stderr":    "",
		"stdout":    "",
		"exit_code": "",
	}
	if req.Target != "" {
		if rel, err := filepath.Rel(root, req.Target); err == nil {
			v["target"] = filepath.ToSlash(rel)
		}
	}
	current := req.Current
	if len(current) > maxCurrentBytes {
		current = current[:maxCurrentBytes]
	}
	v["current"] = current
	if r := req.Run; r != nil {
		v["error"] = r.Error
		v["stderr"] = r.Stderr
		v["stdout"] = r.Stdout
		v["exit_code"] = strconv.Itoa(r.ExitCode)
		if mi, ok := diagnose.ParseMissingImport(r.Error + "\n" + r.Stderr); ok {
			v["hint"] = fmt.Sprintf("importing %s from %s failed. Use the project's current public API, import lazily and check existence with getattr.", mi.Name, mi.Module)
		}
	}
	if d := req.Diagnosis; !d.Empty() {
		v["diagnosis"] = d.Summary
	}
	return v
}

// Resolve maps a declared path to an absolute path inside root.
func Resolve(root, path string) (string, error) {
	p := filepath.FromSlash(strings.TrimSpace(path))
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return p, nil
}

func (a *Applier) recordDiff(root, rel, diff string) {
	if diff == "" {
		return
	}
	name := fmt.Sprintf("%s_%s.diff", a.now().UTC().Format("20060102T150405.000"), strings.ReplaceAll(filepath.ToSlash(rel), "/", "_"))
	if err := pipeline.WriteAtomic(filepath.Join(root, filepath.FromSlash(PatchDir), name), []byte(diff)); err != nil {
		a.log.Warnf("recording diff: %v", err)
	}
}

// Package env provisions an isolated Python environment for a repository:
// a conda env when conda is available, a venv otherwise.
package env

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/process"
)

// ErrCondaNotFound is returned by FindConda when no conda executable works.
var ErrCondaNotFound = errors.New("conda not found")

// Manifest keys recorded on the Environment.
const (
	ManifestEnvironmentYML = "environment_yml"
	ManifestPyproject      = "pyproject_toml"
	ManifestRequirements   = "requirements_txt"
)

// Runner executes a command. *process.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd process.Command) pipeline.ExecutionResult
}

// Options configure the provisioner.
type Options struct {
	Prefer        string // "conda" or "venv"
	PythonVersion string
	HostPython    string
	Timeout       time.Duration
}

// Provisioner creates environments. Host lookups are fields so tests can
// replace them.
type Provisioner struct {
	run  Runner
	opts Options
	log  *logging.Logger

	getenv func(string) string
	home   func() (string, error)
	goos   string
	now    func() time.Time
}

// New creates a Provisioner.
func New(run Runner, opts Options, log *logging.Logger) *Provisioner {
	if opts.PythonVersion == "" {
		opts.PythonVersion = "3.10"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = process.EnvTimeout
	}
	if opts.Prefer == "" {
		opts.Prefer = "conda"
	}
	return &Provisioner{
		run:    run,
		opts:   opts,
		log:    log.With("env"),
		getenv: os.Getenv,
		home:   os.UserHomeDir,
		goos:   runtime.GOOS,
		now:    time.Now,
	}
}

func (p *Provisioner) exec(ctx context.Context, dir string, args ...string) pipeline.ExecutionResult {
	return p.run.Run(ctx, process.Command{Args: args, Dir: dir, Timeout: p.opts.Timeout})
}

// Provision creates the environment for repo. It never fails: when no
// backend can be created the returned Environment has kind none and the
// warnings say why.
func (p *Provisioner) Provision(ctx context.Context, repo pipeline.Repository, deps pipeline.Dependencies) (*pipeline.Environment, []string) {
	var warnings []string

	if p.opts.Prefer != "venv" {
		conda, err := p.FindConda(ctx)
		if err == nil {
			name := CondaEnvName(repo.Name, p.now())
			warnings = append(warnings, p.reclaim(ctx, conda, repo.Name, name)...)
			env, w, err := p.createConda(ctx, conda, name, repo, deps)
			warnings = append(warnings, w...)
			if err == nil {
				return env, warnings
			}
			warnings = append(warnings, fmt.Sprintf("conda environment failed, falling back to venv: %v", err))
		} else {
			p.log.Infof("conda unavailable, using venv")
		}
	}

	env, w, err := p.createVenv(ctx, repo, deps)
	warnings = append(warnings, w...)
	if err == nil {
		return env, warnings
	}
	warnings = append(warnings, fmt.Sprintf("venv failed: %v", err))
	return &pipeline.Environment{
		Kind:     pipeline.BackendNone,
		Name:     "none",
		Manifest: map[string]string{},
		Runtime:  p.opts.PythonVersion,
	}, warnings
}

// CondaEnvName is {repo}_{last 6 digits of unix seconds}_env.
func CondaEnvName(repo string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	if len(ts) > 6 {
		ts = ts[len(ts)-6:]
	}
	return fmt.Sprintf("%s_%s_env", repo, ts)
}

// VenvName is {repo}_{unix seconds}_venv.
func VenvName(repo string, t time.Time) string {
	return fmt.Sprintf("%s_%d_venv", repo, t.Unix())
}

func (p *Provisioner) condaCandidates() []string {
	var paths []string
	if home, err := p.home(); err == nil && home != "" {
		for _, dist := range []string{"anaconda3", "miniconda3", "anaconda", "miniconda"} {
			paths = append(paths, filepath.Join(home, dist, "bin", "conda"))
		}
	}
	if p.goos == "windows" {
		user := p.getenv("USERNAME")
		for _, dist := range []string{"anaconda3", "miniconda3", "anaconda", "miniconda"} {
			paths = append(paths, fmt.Sprintf("C:/Users/%s/%s/Scripts/conda.exe", user, dist))
		}
		paths = append(paths,
			"C:/ProgramData/Anaconda3/Scripts/conda.exe",
			"C:/ProgramData/Miniconda3/Scripts/conda.exe",
			"C:/Anaconda3/Scripts/conda.exe",
			"C:/Miniconda3/Scripts/conda.exe",
		)
	}
	if exe := p.getenv("CONDA_EXE"); exe != "" {
		paths = append(paths, exe)
	}
	if prefix := p.getenv("CONDA_PREFIX"); prefix != "" {
		paths = append(paths, filepath.Join(prefix, "bin", "conda"))
	}
	return paths
}

// FindConda locates a working conda executable.
func (p *Provisioner) FindConda(ctx context.Context) (string, error) {
	if res := p.exec(ctx, "", "conda", "--version"); res.Success {
		return "conda", nil
	}
	if p.goos == "windows" {
		if res := p.exec(ctx, "", "conda.exe", "--version"); res.Success {
			return "conda.exe", nil
		}
	}
	for _, path := range p.condaCandidates() {
		if !fileExists(path) {
			continue
		}
		if res := p.exec(ctx, "", path, "--version"); res.Success {
			return path, nil
		}
	}
	return "", ErrCondaNotFound
}

// condaEnvPaths decodes `conda env list --json`, which is either a list of
// prefixes or {"envs": [...]} with string or {"prefix": ...} entries.
func condaEnvPaths(out string) ([]string, error) {
	var raw any
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parsing conda env list: %w", err)
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		items, _ = v["envs"].([]any)
	default:
		return nil, fmt.Errorf("unknown conda env list shape %T", raw)
	}
	var paths []string
	for _, it := range items {
		switch e := it.(type) {
		case string:
			paths = append(paths, e)
		case map[string]any:
			if prefix, ok := e["prefix"].(string); ok && prefix != "" {
				paths = append(paths, prefix)
			}
		}
	}
	return paths, nil
}

// ownedEnvRe matches exactly the names CondaEnvName produces for repo.
func ownedEnvRe(repo string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(repo) + `_\d{1,6}_env$`)
}

// reclaim removes conda envs left by earlier runs for the same repository.
func (p *Provisioner) reclaim(ctx context.Context, conda, repo, current string) []string {
	res := p.exec(ctx, "", conda, "env", "list", "--json")
	if !res.Success {
		return []string{"listing conda envs failed: " + strings.TrimSpace(res.Output())}
	}
	paths, err := condaEnvPaths(res.Stdout)
	if err != nil {
		return []string{err.Error()}
	}
	owned := ownedEnvRe(repo)
	var warnings []string
	for _, path := range paths {
		name := filepath.Base(filepath.FromSlash(path))
		if name == current || !owned.MatchString(name) {
			continue
		}
		p.log.Infof("removing stale conda env %s", name)
		if rm := p.exec(ctx, "", conda, "env", "remove", "-n", name, "--yes"); !rm.Success {
			warnings = append(warnings, fmt.Sprintf("removing conda env %s failed: %s", name, strings.TrimSpace(rm.Output())))
		}
	}
	return warnings
}

func manifestDirs(repo pipeline.Repository) []string {
	return []string{repo.Paths.RepoRoot, repo.Paths.SourceRoot}
}

func (p *Provisioner) createConda(ctx context.Context, conda, name string, repo pipeline.Repository, deps pipeline.Dependencies) (*pipeline.Environment, []string, error) {
	root := repo.Paths.RepoRoot
	env := &pipeline.Environment{
		Kind:        pipeline.BackendFull,
		Name:        name,
		CondaExe:    conda,
		Interpreter: []string{conda, "run", "-n", name, "python"},
		Manifest:    map[string]string{},
		Runtime:     p.opts.PythonVersion,
	}
	var warnings []string

	if yml := analysis.FindManifest("environment.yml", manifestDirs(repo)...); deps.EnvironmentYML && yml != "" {
		res := p.exec(ctx, root, conda, "env", "create", "-n", name, "-f", yml)
		if res.Success {
			env.Manifest[ManifestEnvironmentYML] = yml
			p.log.Infof("conda env %s created from %s", name, yml)
			return env, warnings, nil
		}
		warnings = append(warnings, "conda env create from environment.yml failed: "+strings.TrimSpace(res.Output()))
	}

	res := p.exec(ctx, root, conda, "create", "-n", name, "python="+p.opts.PythonVersion, "--yes")
	if !res.Success {
		return nil, warnings, fmt.Errorf("conda create %s: %s", name, strings.TrimSpace(res.Output()))
	}
	warnings = append(warnings, p.installDeps(ctx, env, repo, deps)...)
	return env, warnings, nil
}

func (p *Provisioner) venvPython(path string) string {
	if p.goos == "windows" {
		return filepath.Join(path, "Scripts", "python.exe")
	}
	return filepath.Join(path, "bin", "python")
}

func (p *Provisioner) hostPythons() []string {
	if p.opts.HostPython != "" {
		return []string{p.opts.HostPython}
	}
	return []string{"python3", "python"}
}

func (p *Provisioner) createVenv(ctx context.Context, repo pipeline.Repository, deps pipeline.Dependencies) (*pipeline.Environment, []string, error) {
	root := repo.Paths.RepoRoot
	name := VenvName(repo.Name, p.now())
	path := filepath.Join(root, name)
	py := p.venvPython(path)

	if !fileExists(py) {
		var last string
		for _, host := range p.hostPythons() {
			res := p.exec(ctx, root, host, "-m", "venv", path)
			if res.Success {
				last = ""
				break
			}
			last = strings.TrimSpace(res.Output())
		}
		if last != "" || !fileExists(py) {
			if last == "" {
				last = "interpreter missing after venv creation"
			}
			return nil, nil, fmt.Errorf("python -m venv %s: %s", path, last)
		}
	}

	env := &pipeline.Environment{
		Kind:        pipeline.BackendLight,
		Name:        name,
		Path:        path,
		Interpreter: []string{py},
		Manifest:    map[string]string{},
		Runtime:     p.opts.PythonVersion,
	}
	var warnings []string
	if res := p.exec(ctx, root, py, "-m", "pip", "install", "-U", "pip"); !res.Success {
		warnings = append(warnings, "pip upgrade failed: "+strings.TrimSpace(res.Output()))
	}
	warnings = append(warnings, p.installDeps(ctx, env, repo, deps)...)
	return env, warnings, nil
}

// installDeps runs the best-effort install chain: editable pyproject,
// requirements.txt, then environment.yml pip entries.
func (p *Provisioner) installDeps(ctx context.Context, env *pipeline.Environment, repo pipeline.Repository, deps pipeline.Dependencies) []string {
	root := repo.Paths.RepoRoot
	dirs := manifestDirs(repo)
	pip := func(args ...string) pipeline.ExecutionResult {
		return p.exec(ctx, root, env.Command("", append([]string{"python", "-m", "pip", "install"}, args...)...)...)
	}
	var warnings []string

	if pyproject := analysis.FindManifest("pyproject.toml", dirs...); deps.Pyproject && pyproject != "" {
		if res := pip("-e", filepath.Dir(pyproject)); res.Success {
			env.Manifest[ManifestPyproject] = pyproject
		} else {
			warnings = append(warnings, "pip install -e failed: "+strings.TrimSpace(res.Output()))
		}
	}

	if req := analysis.FindManifest("requirements.txt", dirs...); deps.RequirementsTxt && req != "" {
		if res := pip("-r", req); res.Success {
			env.Manifest[ManifestRequirements] = req
		} else {
			warnings = append(warnings, "pip install -r requirements.txt failed: "+strings.TrimSpace(res.Output()))
		}
	}

	for _, dir := range dirs {
		yml := filepath.Join(dir, "environment.yml")
		for _, entry := range PipEntries(yml) {
			var res pipeline.ExecutionResult
			if file, ok := RequirementFile(entry); ok {
				if !filepath.IsAbs(file) {
					file = filepath.Join(filepath.Dir(yml), file)
				}
				res = pip("-r", file)
			} else {
				res = pip(entry)
			}
			if !res.Success {
				warnings = append(warnings, fmt.Sprintf("pip install %s failed: %s", entry, strings.TrimSpace(res.Output())))
			}
		}
	}
	return warnings
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

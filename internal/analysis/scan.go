// Package analysis inspects a cloned Python repository: importable packages,
// declared entry points, dependency manifests and a bounded text digest.
package analysis

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

// maxPackageDepth bounds the package scan (a.b.c is depth 3).
const maxPackageDepth = 3

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"mcp_output":   true,
	"temp_clone":   true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".tox":         true,
}

// ScanPackages returns dotted names of directories holding __init__.py, at
// most maxPackageDepth levels below root, sorted and deduplicated.
func ScanPackages(root string) ([]string, error) {
	seen := map[string]bool{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}
		if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") || strings.HasSuffix(d.Name(), "_venv") {
			return filepath.SkipDir
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) > maxPackageDepth {
			return filepath.SkipDir
		}
		if _, err := os.Stat(filepath.Join(path, "__init__.py")); err == nil {
			seen[strings.Join(parts, ".")] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	pkgs := make([]string, 0, len(seen))
	for p := range seen {
		pkgs = append(pkgs, p)
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

// EntryPoint is a declared command-line script.
type EntryPoint struct {
	Name   string `json:"name"`
	Module string `json:"module"`
	Type   string `json:"type"`
}

// EntryPoints groups what the repository declares.
type EntryPoints struct {
	Imports []string     `json:"imports"`
	CLI     []EntryPoint `json:"cli"`
	Modules []string     `json:"modules"`
}

var (
	consoleScriptsRe = regexp.MustCompile(`(?s)console_scripts.*?\[(.*?)\]`)
	scriptPairRe     = regexp.MustCompile(`["']([^"'=]+)=([^"']+)["']`)
)

type pyproject struct {
	Project struct {
		Scripts map[string]string `toml:"scripts"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Scripts map[string]string `toml:"scripts"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// ScanEntryPoints reads setup.py console_scripts and pyproject.toml scripts
// from each of dirs. Unreadable or malformed files are skipped.
func ScanEntryPoints(dirs ...string) EntryPoints {
	ep := EntryPoints{Imports: []string{}, CLI: []EntryPoint{}, Modules: []string{}}
	seen := map[string]bool{}
	add := func(e EntryPoint) {
		if seen[e.Name] {
			return
		}
		seen[e.Name] = true
		ep.CLI = append(ep.CLI, e)
	}

	for _, dir := range dirs {
		if data, err := os.ReadFile(filepath.Join(dir, "setup.py")); err == nil {
			for _, block := range consoleScriptsRe.FindAllStringSubmatch(string(data), -1) {
				for _, m := range scriptPairRe.FindAllStringSubmatch(block[1], -1) {
					add(EntryPoint{
						Name:   strings.TrimSpace(m[1]),
						Module: strings.TrimSpace(m[2]),
						Type:   "console_script",
					})
				}
			}
		}

		data, err := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
		if err != nil {
			continue
		}
		var pp pyproject
		if err := toml.Unmarshal(data, &pp); err != nil {
			continue
		}
		for _, scripts := range []map[string]string{pp.Project.Scripts, pp.Tool.Poetry.Scripts} {
			names := make([]string, 0, len(scripts))
			for name := range scripts {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				add(EntryPoint{Name: name, Module: scripts[name], Type: "pyproject_script"})
			}
		}
	}
	return ep
}

// DetectDependencies reports which manifests exist in the repository root
// or its source/ directory.
func DetectDependencies(repoRoot, sourceRoot string) pipeline.Dependencies {
	has := func(name string) bool {
		return FindManifest(name, repoRoot, sourceRoot) != ""
	}
	return pipeline.Dependencies{
		EnvironmentYML:  has("environment.yml"),
		RequirementsTxt: has("requirements.txt"),
		Pyproject:       has("pyproject.toml"),
		SetupCfg:        has("setup.cfg"),
		SetupPy:         has("setup.py"),
	}
}

// FindManifest returns the first dir/name that exists, or "".
func FindManifest(name string, dirs ...string) string {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			return path
		}
	}
	return ""
}

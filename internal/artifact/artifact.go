// Package artifact produces the files of the generated service: fixed
// scaffolding, requirements, and template fallbacks used when the
// generation service gives nothing usable.
package artifact

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

// Paths of generated files, relative to the repository root.
const (
	StartScript  = "mcp_output/start_mcp.py"
	PluginInit   = "mcp_output/mcp_plugin/__init__.py"
	ServiceFile  = "mcp_output/mcp_plugin/mcp_service.py"
	AdapterFile  = "mcp_output/mcp_plugin/adapter.py"
	MainFile     = "mcp_output/mcp_plugin/main.py"
	Requirements = "mcp_output/requirements.txt"
	ReadmeFile   = "mcp_output/README_MCP.md"
	BasicTest    = "mcp_output/tests_mcp/test_mcp_basic.py"
)

// MainEntry is the file the Execute stage launches.
const MainEntry = "start_mcp.py"

// BaseRequirements are always present in requirements.txt.
var BaseRequirements = []string{"fastmcp>=0.1.0", "pydantic>=2.0.0"}

// minGeneratedLen is the shortest generation-service output accepted as a
// real file.
const minGeneratedLen = 100

// Usable reports whether generated code is long enough to keep.
func Usable(code string) bool {
	return len(strings.TrimSpace(code)) >= minGeneratedLen
}

// Fixed returns the scaffolding files that never depend on the analysis.
func Fixed() map[string]string {
	return map[string]string{
		StartScript: startScript,
		PluginInit:  "",
		MainFile:    mainScript,
		BasicTest:   basicTest,
	}
}

// ServiceName is the registered service name for a repository.
func ServiceName(repo string) string {
	return strings.ToLower(repo) + "_service"
}

// DisplayName turns a repository name into a heading.
func DisplayName(repo string) string {
	words := strings.NewReplacer("-", " ", "_", " ").Replace(repo)
	return cases.Title(language.English).String(words)
}

// RequirementsFile renders requirements.txt: base packages, required
// dependencies, then optional ones commented out.
func RequirementsFile(d analysis.Detail) string {
	var b strings.Builder
	for _, r := range BaseRequirements {
		b.WriteString(r + "\n")
	}
	for _, dep := range d.Dependencies.Required {
		if dep = strings.TrimSpace(dep); dep != "" {
			b.WriteString(dep + "\n")
		}
	}
	if len(d.Dependencies.Optional) > 0 {
		b.WriteString("\n# Optional Dependencies\n")
		for _, dep := range d.Dependencies.Optional {
			if dep = strings.TrimSpace(dep); dep != "" {
				b.WriteString("# " + dep + "\n")
			}
		}
	}
	return b.String()
}

// Endpoints lists the tool names the service exposes.
func Endpoints(d analysis.Detail) []string {
	var out []string
	for _, m := range d.CoreModules {
		for _, f := range m.Functions {
			out = append(out, strings.TrimRight(f, "*"))
		}
		for _, c := range m.Classes {
			out = append(out, strings.ToLower(strings.TrimRight(c, "*")))
		}
	}
	return out
}

// NeedsSrcInit reports whether any core module lives under a src package.
func NeedsSrcInit(d analysis.Detail) bool {
	for _, m := range d.CoreModules {
		if strings.Contains(m.Package, "src.") {
			return true
		}
	}
	return false
}

// RetryReason summarizes why the artifact is being regenerated.
func RetryReason(errs []pipeline.ErrorRecord, runs []pipeline.ExecutionResult) string {
	var reasons []string
	for _, e := range errs {
		switch {
		case strings.Contains(e.Message, "No module named"):
			reasons = append(reasons, "Module import failed")
		case strings.Contains(e.Message, "ImportError"):
			reasons = append(reasons, "Import error")
		case strings.Contains(e.Message, "SyntaxError"):
			reasons = append(reasons, "Syntax error")
		case e.Severity == pipeline.SeverityHigh:
			reasons = append(reasons, "High severity error: "+string(e.Kind))
		}
	}
	for _, r := range runs {
		if !r.Success {
			kind := r.Kind
			if kind == "" {
				kind = pipeline.KindUnknown
			}
			reasons = append(reasons, "Execution failed: "+string(kind))
		}
	}
	if len(reasons) == 0 {
		return "Unknown error"
	}
	return strings.Join(reasons, "; ")
}

// importItem is one symbol the fallback service and adapter wrap.
type importItem struct {
	Path    string
	Names   []string
	Funcs   []string
	Classes []string
}

func importPath(m analysis.CoreModule) string {
	pkg := strings.TrimPrefix(m.Package, "source.")
	if m.Module != "" && m.Module != pkg && m.Module != m.Package && !strings.HasSuffix(pkg, m.Module) {
		return pkg + "." + m.Module
	}
	return pkg
}

func clean(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimRight(strings.TrimSpace(n), "*"); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func importItems(d analysis.Detail) []importItem {
	var items []importItem
	for _, m := range d.CoreModules {
		if m.Package == "" {
			continue
		}
		it := importItem{
			Path:    importPath(m),
			Funcs:   clean(m.Functions),
			Classes: clean(m.Classes),
		}
		seen := map[string]bool{}
		for _, n := range append(append([]string{}, it.Funcs...), it.Classes...) {
			if !seen[n] {
				seen[n] = true
				it.Names = append(it.Names, n)
			}
		}
		sort.Strings(it.Names)
		if len(it.Names) > 0 {
			items = append(items, it)
		}
	}
	return items
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"lower": strings.ToLower,
	"nones": func(names []string) string {
		parts := make([]string, len(names))
		for i := range parts {
			parts[i] = "None"
		}
		if len(parts) == 1 {
			return "None"
		}
		return strings.Join(parts, ", ")
	},
}

var serviceTmpl = template.Must(template.New("service").Funcs(funcs).Parse(`import os
import sys

source_path = os.path.join(os.path.dirname(os.path.dirname(os.path.dirname(os.path.abspath(__file__)))), "source")
sys.path.insert(0, source_path)

from fastmcp import FastMCP
{{range .Items}}
try:
    from {{.Path}} import {{join .Names ", "}}
except ImportError as e:
    print(f"import warning: {e}")
    {{join .Names ", "}} = {{nones .Names}}
{{end}}

mcp = FastMCP("{{.Service}}")


def _convert(value):
    if isinstance(value, str):
        try:
            return float(value) if "." in value else int(value)
        except ValueError:
            return value
    return value

{{range .Items}}{{range .Funcs}}
@mcp.tool(name="{{.}}", description="{{.}} function")
def {{.}}_tool(*args, **kwargs):
    if {{.}} is None:
        return {"success": False, "result": None, "error": "function {{.}} is not available"}
    try:
        result = {{.}}(*[_convert(a) for a in args], **{k: _convert(v) for k, v in kwargs.items()})
        return {"success": True, "result": result, "error": None}
    except Exception as e:
        return {"success": False, "result": None, "error": str(e)}
{{end}}{{range .Classes}}
@mcp.tool(name="{{lower .}}", description="{{.}} class")
def {{lower .}}_tool(*args, **kwargs):
    if {{.}} is None:
        return {"success": False, "result": None, "error": "class {{.}} is not available"}
    try:
        instance = {{.}}(*[_convert(a) for a in args], **{k: _convert(v) for k, v in kwargs.items()})
        return {"success": True, "result": str(instance), "error": None}
    except Exception as e:
        return {"success": False, "result": None, "error": str(e)}
{{end}}{{end}}{{if not .Items}}
@mcp.tool(name="core", description="Default core function")
def core(*args, **kwargs):
    return {"success": False, "result": None, "error": "no_import_available"}
{{end}}

def create_app():
    return mcp


if __name__ == "__main__":
    mcp.run(transport="http", host="0.0.0.0", port=8000)
`))

var adapterImportTmpl = template.Must(template.New("adapter-import").Funcs(funcs).Parse(`"""
Import mode adapter.
"""
import os
import sys
from typing import Any, Dict

source_path = os.path.join(os.path.dirname(os.path.dirname(os.path.dirname(os.path.abspath(__file__)))), "source")
sys.path.insert(0, source_path)
{{range .Items}}
try:
    from {{.Path}} import {{join .Names ", "}}
except ImportError:
    {{join .Names ", "}} = {{nones .Names}}
{{end}}

class Adapter:
    """Import mode adapter."""

    def __init__(self):
        self.mode = "import"
{{range .Items}}{{$path := .Path}}{{range .Funcs}}
    def {{.}}(self, payload: Dict[str, Any]) -> Dict[str, Any]:
        """Call {{$path}}.{{.}}"""
        if {{.}} is None:
            return {"error": "function {{.}} is not available", "status": "error"}
        try:
            return {"result": {{.}}(**payload), "status": "success"}
        except Exception as e:
            return {"error": str(e), "status": "error"}
{{end}}{{range .Classes}}
    def {{lower .}}(self, payload: Dict[str, Any]) -> Dict[str, Any]:
        """Instantiate {{$path}}.{{.}}"""
        if {{.}} is None:
            return {"error": "class {{.}} is not available", "status": "error"}
        try:
            return {"result": str({{.}}(**payload)), "status": "success"}
        except Exception as e:
            return {"error": str(e), "status": "error"}
{{end}}{{end}}{{if not .Items}}
    def core(self, payload: Dict[str, Any]) -> Dict[str, Any]:
        return {"result": "no_import_available", "status": "warning"}
{{end}}
    def get_status(self) -> Dict[str, Any]:
        return {"mode": self.mode, "status": "success", "available_functions": {{.Count}}}
`))

var adapterCLITmpl = template.Must(template.New("adapter-cli").Funcs(funcs).Parse(`import json
import subprocess
from typing import Any, Dict


class Adapter:
    """CLI mode adapter."""

    def __init__(self):
        self.mode = "cli"
{{range .Commands}}
    def {{.Method}}(self, payload: Dict[str, Any]) -> Dict[str, Any]:
        """Run CLI command {{.Name}}"""
        cmd = ["python", "-m", "{{.Module}}"]
        if payload:
            cmd.extend(["--input", json.dumps(payload)])
        try:
            result = subprocess.run(cmd, capture_output=True, text=True, timeout=30)
        except Exception as e:
            return {"error": str(e), "status": "error"}
        if result.returncode == 0:
            return {"result": result.stdout, "status": "success"}
        return {"error": result.stderr, "status": "error"}
{{else}}
    def core(self, payload: Dict[str, Any]) -> Dict[str, Any]:
        return {"result": "no_cli_available", "status": "warning"}
{{end}}`))

var readmeTmpl = template.Must(template.New("readme").Funcs(funcs).Parse(`# {{.Title}} MCP Plugin

## Overview
This is a service wrapper generated for the {{.Repo}} project, using {{.Mode}} mode.

## Installation
` + "```bash\npip install -r requirements.txt\n```" + `

## Start Service
` + "```bash\npython start_mcp.py\n```" + `

## Usage
After the service starts, the following tools are available:
{{range .Modules}}{{$d := .Description}}{{range .Functions}}
- ` + "`{{.}}(payload)`" + `: {{$d}} ({{.}} function){{end}}{{range .Classes}}
- ` + "`{{lower .}}(payload)`" + `: {{$d}} ({{.}} class){{end}}{{end}}

## Notes
- The wrapper does not modify the original project code.
- If a tool fails, check that the original project runs on its own.
`))

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		// Templates are static and the data is plain; this is a programming error.
		panic(fmt.Sprintf("artifact template %s: %v", t.Name(), err))
	}
	return buf.String()
}

// ServiceFallback renders mcp_service.py from the analysis alone.
func ServiceFallback(d analysis.Detail, repo string) string {
	return render(serviceTmpl, map[string]any{
		"Items":   importItems(d),
		"Service": ServiceName(repo),
	})
}

// AdapterImportFallback renders an import-mode adapter.
func AdapterImportFallback(d analysis.Detail) string {
	items := importItems(d)
	count := 0
	for _, it := range items {
		count += len(it.Funcs) + len(it.Classes)
	}
	return render(adapterImportTmpl, map[string]any{"Items": items, "Count": count})
}

type cliCommand struct {
	Name, Method, Module string
}

// pyIdent converts a script name to a Python method name.
func pyIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "command"
	}
	return b.String()
}

// AdapterCLIFallback renders a CLI-mode adapter from declared scripts.
func AdapterCLIFallback(d analysis.Detail) string {
	var cmds []cliCommand
	for _, c := range d.CLICommands {
		mod := c.Module
		if i := strings.Index(mod, ":"); i >= 0 {
			mod = mod[:i]
		}
		cmds = append(cmds, cliCommand{Name: c.Name, Method: pyIdent(c.Name), Module: strings.TrimSpace(mod)})
	}
	return render(adapterCLITmpl, map[string]any{"Commands": cmds})
}

// AdapterBlackbox is the adapter used when nothing can be imported or run.
func AdapterBlackbox() string { return blackboxAdapter }

// ReadmeFallback renders README_MCP.md from the analysis.
func ReadmeFallback(d analysis.Detail, repo string) string {
	return render(readmeTmpl, map[string]any{
		"Title":   DisplayName(repo),
		"Repo":    repo,
		"Mode":    d.Mode(),
		"Modules": d.CoreModules,
	})
}

// Write stores files (keyed by path relative to root) atomically and returns
// the relative-to-absolute path map recorded on the Plugin.
func Write(root string, files map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(files))
	names := make([]string, 0, len(files))
	for rel := range files {
		names = append(names, rel)
	}
	sort.Strings(names)
	for _, rel := range names {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := pipeline.WriteAtomic(abs, []byte(files[rel])); err != nil {
			return out, fmt.Errorf("writing %s: %w", rel, err)
		}
		out[rel] = abs
	}
	return out, nil
}

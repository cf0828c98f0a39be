package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/servicefactory/internal/analysis"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

func sampleDetail() analysis.Detail {
	return analysis.Detail{
		CoreModules: []analysis.CoreModule{
			{Package: "source.dateutil", Module: "parser", Functions: []string{"parse", "isoparse*"}, Classes: []string{"Parser"}, Description: "Date parsing"},
			{Package: "source.dateutil.tz", Module: "tz", Functions: []string{"gettz"}, ImportConfidence: "high"},
		},
		CLICommands:    []analysis.EntryPoint{{Name: "date-tool", Module: "dateutil.cli:main"}},
		ImportStrategy: analysis.ImportStrategy{Primary: analysis.ModeImport},
		Dependencies: analysis.DependencySplit{
			Required: []string{"six>=1.5", " "},
			Optional: []string{"pytz"},
		},
	}
}

func TestRequirementsFile(t *testing.T) {
	got := RequirementsFile(sampleDetail())
	want := "fastmcp>=0.1.0\npydantic>=2.0.0\nsix>=1.5\n\n# Optional Dependencies\n# pytz\n"
	if got != want {
		t.Errorf("requirements:\n%s\nwant:\n%s", got, want)
	}

	bare := RequirementsFile(analysis.Detail{})
	if bare != "fastmcp>=0.1.0\npydantic>=2.0.0\n" {
		t.Errorf("bare requirements = %q", bare)
	}
}

func TestEndpoints(t *testing.T) {
	got := strings.Join(Endpoints(sampleDetail()), ",")
	if got != "parse,isoparse,parser,gettz" {
		t.Errorf("endpoints = %s", got)
	}
}

func TestRetryReason(t *testing.T) {
	errs := []pipeline.ErrorRecord{
		{Kind: pipeline.KindExecutionFailure, Severity: pipeline.SeverityHigh, Message: "Module import failed: No module named 'x'"},
		{Kind: pipeline.KindExecutionFailure, Message: "ImportError: cannot import name"},
		{Kind: pipeline.KindExecutionFailure, Message: "SyntaxError: invalid syntax"},
		{Kind: pipeline.KindEnvSetupFailed, Severity: pipeline.SeverityHigh, Message: "conda missing"},
		{Kind: pipeline.KindCloneFailed, Severity: pipeline.SeverityLow, Message: "ignored"},
	}
	runs := []pipeline.ExecutionResult{
		{Success: false, Kind: pipeline.KindImportError},
		{Success: true},
		{Success: false},
	}
	got := RetryReason(errs, runs)
	want := "Module import failed; Import error; Syntax error; High severity error: EnvSetupFailed; Execution failed: ImportError; Execution failed: Unknown"
	if got != want {
		t.Errorf("reason =\n%s\nwant\n%s", got, want)
	}
	if RetryReason(nil, nil) != "Unknown error" {
		t.Error("empty history should give Unknown error")
	}
}

func TestServiceFallback(t *testing.T) {
	out := ServiceFallback(sampleDetail(), "DateUtil")
	for _, want := range []string{
		`from dateutil.parser import Parser, isoparse, parse`,
		`Parser, isoparse, parse = None, None, None`,
		`from dateutil.tz import gettz`,
		`gettz = None`,
		`mcp = FastMCP("dateutil_service")`,
		`@mcp.tool(name="isoparse", description="isoparse function")`,
		`@mcp.tool(name="parser", description="Parser class")`,
		"def create_app():",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("service missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "no_import_available") {
		t.Error("default tool should only appear without imports")
	}

	empty := ServiceFallback(analysis.Detail{}, "x")
	if !strings.Contains(empty, `name="core"`) || !strings.Contains(empty, "no_import_available") {
		t.Errorf("empty analysis should produce the core tool:\n%s", empty)
	}
}

func TestAdapterFallbacks(t *testing.T) {
	imp := AdapterImportFallback(sampleDetail())
	for _, want := range []string{`self.mode = "import"`, "def parse(self, payload", "def parser(self, payload", `"available_functions": 4`} {
		if !strings.Contains(imp, want) {
			t.Errorf("import adapter missing %q", want)
		}
	}

	cli := AdapterCLIFallback(sampleDetail())
	if !strings.Contains(cli, "def date_tool(self, payload") || !strings.Contains(cli, `"-m", "dateutil.cli"`) {
		t.Errorf("cli adapter:\n%s", cli)
	}
	if !strings.Contains(AdapterCLIFallback(analysis.Detail{}), "no_cli_available") {
		t.Error("cli adapter without commands should have the default method")
	}
	if !strings.Contains(AdapterBlackbox(), `self.mode = "blackbox"`) {
		t.Error("blackbox adapter mode")
	}
}

func TestReadmeFallback(t *testing.T) {
	out := ReadmeFallback(sampleDetail(), "python-dateutil")
	if !strings.HasPrefix(out, "# Python Dateutil MCP Plugin") {
		t.Errorf("heading: %q", strings.SplitN(out, "\n", 2)[0])
	}
	if !strings.Contains(out, "using import mode") {
		t.Error("mode missing")
	}
	if !strings.Contains(out, "- `parser(payload)`: Date parsing (Parser class)") {
		t.Errorf("class tool line missing:\n%s", out)
	}
}

func TestPyIdent(t *testing.T) {
	tests := map[string]string{
		"date-tool": "date_tool",
		"2fa":       "_2fa",
		"ok_name":   "ok_name",
		"":          "command",
	}
	for in, want := range tests {
		if got := pyIdent(in); got != want {
			t.Errorf("pyIdent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWrite(t *testing.T) {
	root := t.TempDir()
	files := Fixed()
	files[Requirements] = RequirementsFile(analysis.Detail{})

	written, err := Write(root, files)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(written) != len(files) {
		t.Fatalf("wrote %d files, want %d", len(written), len(files))
	}
	data, err := os.ReadFile(filepath.Join(root, "mcp_output", "start_mcp.py"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `os.environ.get("MCP_TRANSPORT", "stdio")`) {
		t.Error("start script content")
	}
	if written[PluginInit] != filepath.Join(root, "mcp_output", "mcp_plugin", "__init__.py") {
		t.Errorf("plugin init path = %s", written[PluginInit])
	}
}

func TestUsable(t *testing.T) {
	if Usable("print('hi')") {
		t.Error("short output should be rejected")
	}
	if !Usable(strings.Repeat("x", 100)) {
		t.Error("100 chars should be accepted")
	}
}

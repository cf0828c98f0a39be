package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	result, err := Render("Repo {{repo_name}} failed {{count}} times.", Vars{
		"repo_name": "dateutil",
		"count":     "3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Repo dateutil failed 3 times." {
		t.Errorf("got %q", result)
	}
}

func TestRender_MultipleMissing(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{c}}", Vars{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should mention %s, got: %v", name, err)
		}
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "Start.{{#if hint}}\nHint: {{hint}}\n{{/if}}End.", Vars{"hint": "x"}, "Start.\nHint: x\nEnd."},
		{"absent", "Start.{{#if hint}}\nHint: {{hint}}\n{{/if}}End.", Vars{}, "Start.End."},
		{"empty string", "{{#if hint}}has hint{{/if}}", Vars{"hint": ""}, ""},
		{"nested both", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "1", "b": "1"}, "outer inner end"},
		{"nested outer absent", "S{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}F", Vars{}, "SF"},
		{"absent block does not need its vars", "S{{#if x}}{{y}}{{/if}}F", Vars{}, "SF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_ValuesNotReExpanded(t *testing.T) {
	got, err := Render("{{a}} and {{b}}", Vars{"a": "{{b}}", "b": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "{{b}} and hello" {
		t.Errorf("got %q", got)
	}
}

func TestRender_UnclosedConditional(t *testing.T) {
	_, err := Render("START{{#if x}}content", Vars{"x": "yes"})
	if err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Fatalf("expected unclosed error, got %v", err)
	}
}

func TestRender_DanglingClose(t *testing.T) {
	_, err := Render("oops{{/if}}", Vars{})
	if err == nil || !strings.Contains(err.Error(), "dangling") {
		t.Fatalf("expected dangling error, got %v", err)
	}
}

func TestBuiltins_Render(t *testing.T) {
	lib := NewLibrary("")
	cases := map[string]Vars{
		Analyze: {"repo_url": "https://github.com/x/y", "digest": "tree", "packages": "[]", "entry_points": "{}"},
		GenerateServ: {
			"analysis": "{}", "service_package": "fastmcp", "service_name": "y_service",
			"loop_summary": "", "retry_guidance": "Module import failed",
		},
		AdapterImport: {"analysis": "{}", "loop_summary": ""},
		AdapterCLI:    {"analysis": "{}", "loop_summary": "{}"},
		Readme:        {"analysis": "{}", "repo_name": "y", "loop_summary": ""},
		Diagnose: {
			"error": "Module import failed: No module named 'foo'", "stderr": "Traceback",
			"retry_count": "1", "max_retries": "10", "recent_errors": "[]", "recent_runs": "[]",
		},
		Fix: {
			"repo_root": "/ws/y", "error": "e", "stderr": "s", "exit_code": "1", "stdout": "",
			"target": "mcp_output/mcp_plugin/adapter.py", "current": "import foo\n", "diagnosis": "", "hint": "",
		},
		FixRepair: {"previous": "prompt", "parse_error": "invalid syntax"},
		Finalize:  {"summary": "{}", "errors": "[]", "warnings": "[]", "tests": "{}"},
	}
	for _, name := range Names() {
		vars, ok := cases[name]
		if !ok {
			t.Errorf("no render case for builtin %s", name)
			continue
		}
		out, err := lib.Execute(name, vars)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if strings.Contains(out, "{{") {
			t.Errorf("%s left template syntax behind:\n%s", name, out)
		}
	}
}

func TestGenerateService_RetryGuidance(t *testing.T) {
	out, err := NewLibrary("").Execute(GenerateServ, Vars{
		"analysis": "{}", "service_package": "fastmcp", "service_name": "s",
		"loop_summary": `{"task":"runtime_fix"}`, "retry_guidance": "",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, `Loop summary: {"task":"runtime_fix"}`) {
		t.Errorf("loop summary should lead the prompt:\n%s", out)
	}
	if strings.Contains(out, "Previous attempts failed") {
		t.Error("retry guidance block should be omitted")
	}
}

func TestLibrary_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Diagnose), []byte("custom {{error}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := NewLibrary(dir).Execute(Diagnose, Vars{"error": "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "custom boom" {
		t.Errorf("got %q", out)
	}

	// other names still fall back to built-ins
	if _, err := NewLibrary(dir).Load(Fix); err != nil {
		t.Errorf("fallback failed: %v", err)
	}
}

func TestLibrary_NotFound(t *testing.T) {
	if _, err := NewLibrary("").Load("nonexistent.md"); err == nil {
		t.Error("expected error")
	}
}

func TestLibrary_PathTraversal(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	secret := filepath.Join(tmp, "secret.txt")
	if err := os.WriteFile(secret, []byte("TOP SECRET"), 0o644); err != nil {
		t.Fatal(err)
	}

	if content, err := NewLibrary(dir).Load("../secret.txt"); err == nil {
		t.Errorf("relative traversal succeeded: %q", content)
	}
	if content, err := NewLibrary(dir).Load(secret); err == nil {
		t.Errorf("absolute path bypassed the override dir: %q", content)
	}
}

func TestInstall(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	custom := filepath.Join(dir, Fix)
	if err := os.WriteFile(custom, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Install(dir); err != nil {
		t.Fatalf("Install: %v", err)
	}
	for _, name := range Names() {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	data, _ := os.ReadFile(custom)
	if string(data) != "mine" {
		t.Errorf("Install overwrote an existing template: %q", data)
	}
}

package prompt

// Template names.
const (
	Analyze       = "analyze.md"
	GenerateServ  = "generate-service.md"
	AdapterImport = "adapter-import.md"
	AdapterCLI    = "adapter-cli.md"
	Readme        = "readme.md"
	Diagnose      = "diagnose.md"
	Fix           = "fix.md"
	FixRepair     = "fix-repair.md"
	Finalize      = "finalize.md"
)

// System prompts.
const (
	SystemCodegen = `You are a professional Python code generation expert.

Generate Python code directly. Do not include Markdown tags, code fences or any formatting instructions.

Focus on clean, functional Python code.`

	SystemDocs = `You are a professional technical documentation writer.

Generate Markdown documentation directly without wrapping it in a code fence.`

	SystemAnalyst = `You analyze Python repositories and decide how to expose their functionality as a tool service with minimal intrusion. Answer with JSON only.`

	SystemDiagnose = `You are a senior software engineer responsible for analyzing code execution errors and choosing a repair strategy.

Determine:
1. Whether the error can be fixed directly by modifying the code
2. What repair strategy to take

Return the analysis as JSON.`

	SystemFixer = `You are a strict code fixer. You must output a complete file replacement and follow this protocol exactly:

Output protocol (only this one):
1) First line: File path: <relative path>
2) Immediately after, the complete new content of that file (plain code, no Markdown fences, no explanations).

Hard constraints:
- No unified diff, patch, Markdown or natural-language explanations
- Only modify the inferred target file; do not create or modify other files
- Make only the minimal necessary changes; preserve unchanged content, including whitespace
- Python code must pass ast.parse`

	SystemReporter = `You are an expert software engineer reviewing the results of an automated code-to-service generation run. Answer with JSON only.`
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	Analyze:       analyzeTemplate,
	GenerateServ:  generateServiceTemplate,
	AdapterImport: adapterImportTemplate,
	AdapterCLI:    adapterCLITemplate,
	Readme:        readmeTemplate,
	Diagnose:      diagnoseTemplate,
	Fix:           fixTemplate,
	FixRepair:     fixRepairTemplate,
	Finalize:      finalizeTemplate,
}

const analyzeTemplate = `Analyze the following repository and pick the most suitable strategy for wrapping it as a tool service.

Repository URL: {{repo_url}}

Repository digest:
{{digest}}

Python package structure (scanned, accurate):
{{packages}}

Identified entry points:
{{entry_points}}

Output a JSON object:
{
    "core_modules": [
        {
            "package": "full scanned package path",
            "module": "module name",
            "functions": ["function1"],
            "classes": ["Class1"],
            "description": "what it does"
        }
    ],
    "cli_commands": [
        {"name": "command", "module": "module path", "description": "what it does"}
    ],
    "import_strategy": {"primary": "import|cli|blackbox", "fallback": "cli", "confidence": 0.8},
    "dependencies": {"required": ["dep"], "optional": ["dep"]},
    "risk_assessment": {"import_feasibility": 0.8, "intrusiveness_risk": "low|medium|high", "complexity": "simple|medium|complex"}
}

The package field must use the full scanned package path unchanged.
`

const generateServiceTemplate = `{{#if loop_summary}}Loop summary: {{loop_summary}}

{{/if}}Generate tool service code for this repository:

Analysis result: {{analysis}}

Requirements:
1. Generate a complete service file using the {{service_package}} library
2. Start the file with path setup: import os, import sys, source_path = os.path.join(os.path.dirname(os.path.dirname(os.path.dirname(os.path.abspath(__file__)))), "source"), sys.path.insert(0, source_path)
3. Import FastMCP: from fastmcp import FastMCP
4. Create the application: mcp = FastMCP("{{service_name}}")
5. Add a tool endpoint for each core function with @mcp.tool(name="...", description="...")
6. Include a create_app() function returning the FastMCP instance
7. Tool functions return a dictionary with success, result and error fields
8. Do not use *args or **kwargs in any tool function; parameters must be explicit and typed
9. Imports drop the "source." prefix from the package field because sys.path already points at source/
{{#if retry_guidance}}

Previous attempts failed. Address these problems:
{{retry_guidance}}

Key requirements:
1. Verify modules exist before using them
2. Provide a fallback import path
3. Keep the service importable even when optional dependencies are missing
{{/if}}

Return Python code only.
`

const adapterImportTemplate = `{{#if loop_summary}}Loop summary: {{loop_summary}}

{{/if}}Generate an import-mode adapter for the service plugin:

Analysis result: {{analysis}}

Requirements:
1. A single class named Adapter with a mode attribute initialized to "import"
2. Start the file with path setup pointing sys.path at the repository's source/ directory
3. Import every identified class and function with its full package path minus the "source." prefix
4. One method per imported class (instance creation) and per function (call)
5. Every method returns a dictionary with a status field and handles exceptions
6. Degrade gracefully when an import fails
7. Error messages in English with actionable guidance

Return Python code only.
`

const adapterCLITemplate = `{{#if loop_summary}}Loop summary: {{loop_summary}}

{{/if}}Generate a CLI-mode adapter for the service plugin:

Analysis result: {{analysis}}

Requirements:
1. A single class named Adapter with a mode attribute initialized to "cli"
2. Start the file with path setup pointing sys.path at the repository's source/ directory
3. One method per CLI command, executed with subprocess
4. Every method returns a dictionary with a status field and handles exceptions

Return Python code only.
`

const readmeTemplate = `{{#if loop_summary}}Loop summary: {{loop_summary}}

{{/if}}Generate a README for the service plugin of {{repo_name}}:

Analysis result: {{analysis}}

Requirements:
1. Project overview, installation and usage
2. List every available tool endpoint
3. Notes and troubleshooting
`

const diagnoseTemplate = `Analyze the following code execution error:

Error message: {{error}}
Detailed output: {{stderr}}
Retry count: {{retry_count}}/{{max_retries}}
Historical errors: {{recent_errors}}
Historical run results: {{recent_runs}}

Return JSON:
{
    "status": "FAIL",
    "next_action": "fix_directly|regenerate|environment_fix",
    "confidence": 0.8,
    "summary": "Error analysis and repair suggestions"
}
`

const fixTemplate = `Project root: {{repo_root}}
Error message: {{error}}
Error details: {{stderr}}
Exit code: {{exit_code}}
Standard output:
{{stdout}}
File path: {{target}}
Current file content start:
{{current}}
Current file content end
{{#if diagnosis}}
Diagnosis: {{diagnosis}}
{{/if}}
Return the complete replacement content.{{#if hint}}
Hint: {{hint}}{{/if}}
`

const fixRepairTemplate = `{{previous}}

The last answer did not follow the protocol or failed to parse: {{parse_error}}
Follow the protocol strictly and output only the complete replacement.
`

const finalizeTemplate = `Analyze the following service generation run:

Workflow summary: {{summary}}
Errors: {{errors}}
Warnings: {{warnings}}
Test results: {{tests}}

Return JSON:
{
    "execution_analysis": {"overall_assessment": "excellent|good|fair|poor", "success_factors": [], "failure_reasons": []},
    "issue_diagnosis": {"critical_issues": [], "recommended_fixes": []},
    "improvement_recommendations": {"technical_improvements": [], "deployment_recommendations": []},
    "summary": "overall summary"
}
`

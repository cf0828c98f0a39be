package analysis

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Adapter modes.
const (
	ModeImport   = "import"
	ModeCLI      = "cli"
	ModeBlackbox = "blackbox"
)

// CoreModule is one importable unit the generated service may wrap.
type CoreModule struct {
	Package          string   `json:"package"`
	Module           string   `json:"module"`
	Functions        []string `json:"functions"`
	Classes          []string `json:"classes"`
	Description      string   `json:"description"`
	ImportConfidence string   `json:"import_confidence,omitempty"`
}

// ImportStrategy says how the adapter should reach the repository.
type ImportStrategy struct {
	Primary    string  `json:"primary"`
	Fallback   string  `json:"fallback"`
	Confidence float64 `json:"confidence"`
}

// DependencySplit separates required from optional packages.
type DependencySplit struct {
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// Risk is the analyst's view of how hard wrapping will be.
type Risk struct {
	ImportFeasibility float64 `json:"import_feasibility"`
	Intrusiveness     string  `json:"intrusiveness_risk"`
	Complexity        string  `json:"complexity"`
}

// Detail is the structured repository analysis, produced by the generation
// service or by Basic when that fails.
type Detail struct {
	CoreModules    []CoreModule    `json:"core_modules"`
	CLICommands    []EntryPoint    `json:"cli_commands"`
	ImportStrategy ImportStrategy  `json:"import_strategy"`
	Dependencies   DependencySplit `json:"dependencies"`
	RiskAssessment Risk            `json:"risk_assessment"`
}

// TopPackage returns the package with the fewest dots, or "".
func TopPackage(packages []string) string {
	top := ""
	for _, p := range packages {
		if top == "" || strings.Count(p, ".") < strings.Count(top, ".") {
			top = p
		}
	}
	return top
}

// Basic builds the fallback analysis from the package scan alone.
func Basic(packages []string, ep EntryPoints) Detail {
	d := Detail{
		CoreModules:  []CoreModule{},
		CLICommands:  ep.CLI,
		Dependencies: DependencySplit{Required: []string{}, Optional: []string{}},
	}
	if d.CLICommands == nil {
		d.CLICommands = []EntryPoint{}
	}
	if top := TopPackage(packages); top != "" {
		d.CoreModules = append(d.CoreModules, CoreModule{
			Package:     top,
			Module:      top,
			Functions:   []string{"main"},
			Classes:     []string{},
			Description: "Main function module",
		})
	}

	hasCLI := len(ep.CLI) > 0
	switch {
	case len(packages) > 0:
		d.ImportStrategy.Primary = ModeImport
	case hasCLI:
		d.ImportStrategy.Primary = ModeCLI
	default:
		d.ImportStrategy.Primary = ModeBlackbox
	}
	d.ImportStrategy.Fallback = ModeBlackbox
	if hasCLI {
		d.ImportStrategy.Fallback = ModeCLI
	}
	d.ImportStrategy.Confidence = 0.5

	d.RiskAssessment = Risk{ImportFeasibility: 0.2, Intrusiveness: "medium", Complexity: "simple"}
	if len(packages) > 0 {
		d.RiskAssessment.ImportFeasibility = 0.5
		d.RiskAssessment.Intrusiveness = "low"
	}
	return d
}

// ParseDetail decodes a generation-service response. ok is false when the
// response holds no usable analysis.
func ParseDetail(raw string) (Detail, bool) {
	var d Detail
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Detail{}, false
	}
	if len(d.CoreModules) == 0 && len(d.CLICommands) == 0 && d.ImportStrategy.Primary == "" {
		return Detail{}, false
	}
	switch d.ImportStrategy.Primary {
	case ModeImport, ModeCLI, ModeBlackbox:
	default:
		d.ImportStrategy.Primary = ModeBlackbox
	}
	return d, true
}

// Mode returns the adapter mode, defaulting to blackbox.
func (d Detail) Mode() string {
	if d.ImportStrategy.Primary == "" {
		return ModeBlackbox
	}
	return d.ImportStrategy.Primary
}

var (
	topDefRe   = regexp.MustCompile(`(?m)^(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	topClassRe = regexp.MustCompile(`(?m)^class\s+([A-Za-z_][A-Za-z0-9_]*)\s*[(:]`)
)

// topLevelNames lists public module-level functions and classes. Only
// unindented definitions count.
func topLevelNames(src string) (funcs, classes map[string]bool) {
	funcs, classes = map[string]bool{}, map[string]bool{}
	for _, m := range topDefRe.FindAllStringSubmatch(src, -1) {
		if !strings.HasPrefix(m[1], "_") {
			funcs[m[1]] = true
		}
	}
	for _, m := range topClassRe.FindAllStringSubmatch(src, -1) {
		if !strings.HasPrefix(m[1], "_") {
			classes[m[1]] = true
		}
	}
	return funcs, classes
}

func confidenceCap(c string) int {
	switch c {
	case "high":
		return 5
	case "", "medium":
		return 3
	default:
		return 1
	}
}

// moduleFile maps a dotted package to its file under sourceRoot.
func moduleFile(sourceRoot, pkg string) string {
	rel := strings.TrimPrefix(pkg, "source.")
	rel = strings.ReplaceAll(rel, ".", string(filepath.Separator))
	if fi, err := os.Stat(filepath.Join(sourceRoot, rel+".py")); err == nil && !fi.IsDir() {
		return filepath.Join(sourceRoot, rel+".py")
	}
	if _, err := os.Stat(filepath.Join(sourceRoot, rel, "__init__.py")); err == nil {
		return filepath.Join(sourceRoot, rel, "__init__.py")
	}
	return ""
}

func keepName(candidates []string, defined map[string]bool, limit int) []string {
	out := []string{}
	for _, c := range candidates {
		c = strings.TrimRight(c, "*")
		lower := strings.ToLower(c)
		if c == "" || strings.HasPrefix(c, "_") || strings.Contains(lower, "test") || strings.Contains(lower, "example") {
			continue
		}
		if !defined[c] {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Prune narrows core modules to names that really exist at module level in
// the checkout, capped at maxTotal names overall.
func Prune(d Detail, sourceRoot string, maxTotal int) Detail {
	kept := []CoreModule{}
	total := 0
	for _, m := range d.CoreModules {
		if m.Package == "" || strings.Contains(strings.ToLower(m.Package), "tests") {
			continue
		}
		file := moduleFile(sourceRoot, m.Package)
		if file == "" {
			continue
		}
		src, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		defFuncs, defClasses := topLevelNames(string(src))
		limit := confidenceCap(m.ImportConfidence)
		funcs := keepName(m.Functions, defFuncs, limit)
		classes := keepName(m.Classes, defClasses, limit)
		if len(funcs) == 0 && len(classes) == 0 {
			continue
		}
		if total+len(funcs)+len(classes) > maxTotal {
			remain := maxTotal - total
			if remain <= 0 {
				break
			}
			if len(funcs) > remain {
				funcs = funcs[:remain]
			}
			remain -= len(funcs)
			if len(classes) > remain {
				classes = classes[:remain]
			}
		}
		m.Functions, m.Classes = funcs, classes
		if m.ImportConfidence == "" {
			m.ImportConfidence = "medium"
		}
		kept = append(kept, m)
		total += len(funcs) + len(classes)
		if total >= maxTotal {
			break
		}
	}
	d.CoreModules = kept
	return d
}

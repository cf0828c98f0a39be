package diagnose

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lucasnoah/servicefactory/internal/analysis"
)

var (
	missingImportRe = regexp.MustCompile(`cannot import name ['"]([^'"]+)['"] from ['"]([^'"]+)['"] \(([^)]+)\)`)
	pyPathRe        = regexp.MustCompile(`(?:[A-Za-z]:)?[\w./\\-]+\.py\b`)
)

// MissingImport describes a "cannot import name" failure.
type MissingImport struct {
	Name   string
	Module string
	File   string
}

// ParseMissingImport extracts the missing name, its module and the module
// file from text. ok is false when text has no such failure.
func ParseMissingImport(text string) (MissingImport, bool) {
	m := missingImportRe.FindStringSubmatch(text)
	if m == nil {
		return MissingImport{}, false
	}
	return MissingImport{Name: m[1], Module: m[2], File: m[3]}, true
}

// within reports whether path lies inside root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolve turns a path token into an existing file inside root, or "".
func resolve(root, tok string) string {
	tok = filepath.FromSlash(strings.ReplaceAll(tok, `\`, "/"))
	var abs string
	if filepath.IsAbs(tok) {
		abs = filepath.Clean(tok)
	} else {
		abs = filepath.Join(root, tok)
	}
	if !within(root, abs) {
		return ""
	}
	if fi, err := os.Stat(abs); err != nil || fi.IsDir() {
		return ""
	}
	return abs
}

// InferTargetFile picks the file a direct fix should rewrite. Path tokens
// in errorText are tried innermost frame first, preferring files under
// mcp_output; then a basename search under mcp_output; then, for a missing
// import, the first generated file that references it. "" when nothing
// qualifies.
func InferTargetFile(errorText, repoRoot string) string {
	if errorText == "" || repoRoot == "" {
		return ""
	}
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return ""
	}
	output := filepath.Join(root, "mcp_output")

	toks := pyPathRe.FindAllString(errorText, -1)
	var fallback string
	for i := len(toks) - 1; i >= 0; i-- {
		abs := resolve(root, toks[i])
		if abs == "" {
			continue
		}
		if within(output, abs) {
			return abs
		}
		if fallback == "" {
			fallback = abs
		}
	}
	if fallback != "" {
		return fallback
	}

	for i := len(toks) - 1; i >= 0; i-- {
		base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(toks[i], `\`, "/")))
		if found := findBasename(output, base); found != "" {
			return found
		}
	}

	if mi, ok := ParseMissingImport(errorText); ok {
		return findReference(output, mi)
	}
	return ""
}

func findBasename(dir, base string) string {
	var found string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == base {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// findReference walks dir for the first .py file that mentions the missing
// import, from the most specific form to the least.
func findReference(dir string, mi MissingImport) string {
	ign := analysis.LoadIgnore(dir)
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil || rel == "." {
			return nil
		}
		if ign.MatchesPath(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".py") {
			files = append(files, path)
		}
		return nil
	})

	needles := []string{
		"from " + mi.Module + " import " + mi.Name,
		mi.Module + "." + mi.Name,
		mi.Name,
		mi.Module,
	}
	contents := make(map[string]string, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err == nil {
			contents[f] = string(data)
		}
	}
	for _, n := range needles {
		if n == "" {
			continue
		}
		for _, f := range files {
			if strings.Contains(contents[f], n) {
				return f
			}
		}
	}
	return ""
}

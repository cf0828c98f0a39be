package env

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// pipSectionRe finds the nested pip list of an environment.yml when the
// file does not parse as YAML. It runs up to the next unindented line.
var pipSectionRe = regexp.MustCompile(`(?m)^\s*-\s*pip\s*:\s*\n`)

type condaManifest struct {
	Name         string `yaml:"name"`
	Dependencies []any  `yaml:"dependencies"`
}

// PipEntries returns the entries of the pip section nested in an
// environment.yml. A missing file yields nil.
func PipEntries(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m condaManifest
	if err := yaml.Unmarshal(data, &m); err == nil {
		return pipFromYAML(m)
	}
	return pipFromText(string(data))
}

func pipFromYAML(m condaManifest) []string {
	var out []string
	for _, dep := range m.Dependencies {
		section, ok := dep.(map[string]any)
		if !ok {
			continue
		}
		list, ok := section["pip"].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

func pipFromText(text string) []string {
	loc := pipSectionRe.FindStringIndex(text)
	if loc == nil {
		return nil
	}
	var out []string
	sc := bufio.NewScanner(strings.NewReader(text[loc[1]:]))
	for sc.Scan() {
		line := sc.Text()
		if line != "" && line[0] != ' ' && line[0] != '\t' {
			break
		}
		s := strings.TrimSpace(line)
		if !strings.HasPrefix(s, "-") {
			continue
		}
		if pkg := strings.TrimSpace(strings.TrimLeft(s, "-")); pkg != "" {
			out = append(out, pkg)
		}
	}
	return out
}

// RequirementFile returns the file named by a "-r FILE" or
// "--requirement FILE" pip entry.
func RequirementFile(entry string) (string, bool) {
	for _, prefix := range []string{"-r ", "--requirement "} {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimSpace(entry[len(prefix):]), true
		}
	}
	return "", false
}

package analysis

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	ignore "github.com/sabhiram/go-gitignore"
)

// Summary is a compact description of a repository for prompting.
type Summary struct {
	Tree       string   `json:"tree"`
	Files      int      `json:"file_count"`
	Excerpts   string   `json:"content"`
	Truncated  bool     `json:"truncated"`
	Languages  []string `json:"languages,omitempty"`
	SourceRoot string   `json:"source_root"`
}

// Summarizer produces a repository summary.
type Summarizer interface {
	Summarize(ctx context.Context, root string) (*Summary, error)
}

// Digest walks the checkout honoring .gitignore and collects a tree listing
// plus bounded excerpts of the most relevant files.
type Digest struct {
	MaxFileBytes  int
	MaxTotalBytes int
	MaxTreeLines  int
}

// NewDigest returns a Digest with the default limits.
func NewDigest() *Digest {
	return &Digest{MaxFileBytes: 2000, MaxTotalBytes: 24000, MaxTreeLines: 400}
}

// defaultIgnores apply on top of the repository's own .gitignore.
var defaultIgnores = []string{
	".git/",
	"__pycache__/",
	"*.pyc",
	"*.so",
	"*.egg-info/",
	"build/",
	"dist/",
	"node_modules/",
	".venv/",
	"*_venv/",
}

// excerptPriority orders files for excerpting: manifests and docs first,
// then package inits, then other Python sources.
func excerptPriority(rel string) int {
	base := filepath.Base(rel)
	switch {
	case strings.HasPrefix(strings.ToLower(base), "readme"):
		return 0
	case base == "setup.py" || base == "pyproject.toml" || base == "setup.cfg" || base == "requirements.txt":
		return 1
	case base == "__init__.py":
		return 2
	case strings.HasSuffix(base, ".py"):
		return 3
	default:
		return 9
	}
}

// Summarize implements Summarizer.
func (d *Digest) Summarize(ctx context.Context, root string) (*Summary, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("digest %s: %w", root, err)
	}
	rules := loadIgnore(root)

	var files []string
	langs := map[string]bool{}
	err := filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		check := rel
		if e.IsDir() {
			check += "/"
		}
		if rules.MatchesPath(check) {
			if e.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !e.IsDir() {
			files = append(files, rel)
			if ext := filepath.Ext(rel); ext != "" {
				langs[ext] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	s := &Summary{Files: len(files), SourceRoot: root}
	var tree strings.Builder
	for i, f := range files {
		if d.MaxTreeLines > 0 && i >= d.MaxTreeLines {
			fmt.Fprintf(&tree, "... %d more files\n", len(files)-i)
			s.Truncated = true
			break
		}
		tree.WriteString(f)
		tree.WriteByte('\n')
	}
	s.Tree = tree.String()

	ranked := make([]string, 0, len(files))
	for _, f := range files {
		if excerptPriority(f) < 9 {
			ranked = append(ranked, f)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		pi, pj := excerptPriority(ranked[i]), excerptPriority(ranked[j])
		if pi != pj {
			return pi < pj
		}
		return strings.Count(ranked[i], "/") < strings.Count(ranked[j], "/")
	})

	var body strings.Builder
	for _, f := range ranked {
		if d.MaxTotalBytes > 0 && body.Len() >= d.MaxTotalBytes {
			s.Truncated = true
			break
		}
		excerpt, err := readHead(filepath.Join(root, f), d.MaxFileBytes)
		if err != nil || excerpt == "" {
			continue
		}
		fmt.Fprintf(&body, "================ %s ================\n%s\n", f, excerpt)
	}
	s.Excerpts = body.String()

	for ext := range langs {
		s.Languages = append(s.Languages, ext)
	}
	sort.Strings(s.Languages)
	return s, nil
}

// Text renders the summary for a prompt.
func (s *Summary) Text() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("Files: %d\n\nDirectory structure:\n%s\n%s", s.Files, s.Tree, s.Excerpts)
}

func loadIgnore(root string) *ignore.GitIgnore {
	lines := append([]string{}, defaultIgnores...)
	if f, err := os.Open(filepath.Join(root, ".gitignore")); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		f.Close()
	}
	return ignore.CompileIgnoreLines(lines...)
}

// LoadIgnore exposes the digest's ignore rules for other walkers.
func LoadIgnore(root string) *ignore.GitIgnore {
	return loadIgnore(root)
}

// readHead returns up to n bytes of a text file, cut on a rune boundary.
// Binary files yield "".
func readHead(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if n <= 0 {
		n = 2000
	}
	buf := make([]byte, n)
	m, _ := f.Read(buf)
	buf = buf[:m]
	for i := 0; i < len(buf) && i < 512; i++ {
		if buf[i] == 0 {
			return "", nil
		}
	}
	for len(buf) > 0 && !utf8.Valid(buf) {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

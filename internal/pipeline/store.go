package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Audit file names written under a repository's output directory.
const (
	StateFile         = "workflow_state.json"
	AnalysisFile      = "analysis.json"
	EnvInfoFile       = "env_info.json"
	ErrorAnalysisFile = "error_analysis.json"
	SummaryFile       = "workflow_summary.json"
	DiffReportFile    = "diff_report.md"
	ReadmeFile        = "README_MCP.md"
	RunLogFile        = "mcp_logs/run_log.json"
	LLMStatsFile      = "mcp_logs/llm_statistics.json"
)

// Store manages the audit trail for one repository on disk.
type Store struct {
	baseDir string // <repo_root>/mcp_output
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Path returns the absolute path of an audit file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(name))
}

// Save writes v as JSON under name.
func (s *Store) Save(name string, v interface{}) error {
	if err := WriteJSON(s.Path(name), v); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// SaveText writes a text artifact under name.
func (s *Store) SaveText(name, content string) error {
	if err := WriteAtomic(s.Path(name), []byte(content)); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Load reads the JSON file name into v.
func (s *Store) Load(name string, v interface{}) error {
	return ReadJSON(s.Path(name), v)
}

// SaveState persists the workflow record.
func (s *Store) SaveState(st *State) error {
	st.UpdatedAt = time.Now().UTC()
	return s.Save(StateFile, st)
}

// LoadState reads the persisted workflow record.
func (s *Store) LoadState() (*State, error) {
	var st State
	if err := s.Load(StateFile, &st); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no workflow state in %s: %w", s.baseDir, err)
		}
		return nil, err
	}
	return &st, nil
}

// Update performs a read-modify-write of the persisted record.
func (s *Store) Update(fn func(*State)) error {
	st, err := s.LoadState()
	if err != nil {
		return err
	}
	fn(st)
	return s.SaveState(st)
}

// RunInfo is a compact view of a persisted run.
type RunInfo struct {
	Name                 string    `json:"name"`
	URL                  string    `json:"url"`
	RunID                string    `json:"run_id"`
	WorkflowStatus       string    `json:"workflow_status"`
	FixRetryCount        int       `json:"fix_retry_count"`
	GenerationRetryCount int       `json:"generation_retry_count"`
	Errors               int       `json:"errors"`
	LastStage            string    `json:"last_stage,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Info summarises st.
func Info(st *State) RunInfo {
	ri := RunInfo{
		Name:                 st.Repository.Name,
		URL:                  st.Repository.URL,
		RunID:                st.RunID,
		WorkflowStatus:       st.WorkflowStatus,
		FixRetryCount:        st.FixRetryCount,
		GenerationRetryCount: st.GenerationRetryCount,
		Errors:               len(st.Errors),
		UpdatedAt:            st.UpdatedAt,
	}
	if n := len(st.Stages); n > 0 {
		ri.LastStage = st.Stages[n-1].Stage
	}
	return ri
}

// ListRuns returns the runs found under a workspace directory, optionally
// filtered by workflow status. Pass "" to return all runs.
func ListRuns(workspaceDir, statusFilter string) ([]RunInfo, error) {
	entries, err := os.ReadDir(workspaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", workspaceDir, err)
	}

	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := NewStore(filepath.Join(workspaceDir, entry.Name(), "mcp_output")).LoadState()
		if err != nil {
			continue // not a run directory
		}
		if statusFilter == "" || st.WorkflowStatus == statusFilter {
			runs = append(runs, Info(st))
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Name < runs[j].Name
	})
	return runs, nil
}

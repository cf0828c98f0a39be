package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/lucasnoah/servicefactory/internal/analytics"
	"github.com/lucasnoah/servicefactory/internal/db"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/workspace"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// validName rejects anything that is not a single workspace entry.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

func (s *Server) outputDir(name string) string {
	return filepath.Join(s.workspace, name, workspace.OutputDir)
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// recentRuns lists the workspace's runs, most recently updated first.
func (s *Server) recentRuns(status string) ([]pipeline.RunInfo, error) {
	runs, err := pipeline.ListRuns(s.workspace, status)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
	return runs, nil
}

// ---- Health ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- Dashboard ----

type dashboardData struct {
	Workspace string
	Runs      []pipeline.RunInfo
	Counts    map[string]int
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	runs, err := s.recentRuns(r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := dashboardData{Workspace: s.workspace, Runs: runs, Counts: map[string]int{}}
	for _, ri := range runs {
		data.Counts[ri.WorkflowStatus]++
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.dashboardTmpl.ExecuteTemplate(w, "dashboard", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ---- Runs ----

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.recentRuns(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []pipeline.RunInfo{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type runDetail struct {
	State   *pipeline.State `json:"state"`
	Summary json.RawMessage `json:"summary,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, name string) {
	if !validName(name) {
		writeError(w, http.StatusBadRequest, "invalid run name")
		return
	}
	store := pipeline.NewStore(s.outputDir(name))
	st, err := store.LoadState()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "run not found: "+name)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	detail := runDetail{State: st}
	if data, err := os.ReadFile(store.Path(pipeline.SummaryFile)); err == nil && json.Valid(data) {
		detail.Summary = data
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, name string) {
	if !validName(name) {
		http.Error(w, "invalid run name", http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(pipeline.NewStore(s.outputDir(name)).Path(pipeline.DiffReportFile))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write(data)
}

// ---- Ledger ----

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotFound, "no run ledger configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.db.ListRuns(r.URL.Query().Get("repo"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotFound, "no run ledger configured")
		return
	}
	since, err := analytics.ParseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := analytics.Build(s.db, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

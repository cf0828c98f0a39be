package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/servicefactory/internal/db"
	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/workspace"
)

// seedRun persists a state for name under dir and returns its store.
func seedRun(t *testing.T, dir, name, status string) *pipeline.Store {
	t.Helper()
	s := pipeline.NewState("https://github.com/example/"+name+".git", name, 10, 5)
	s.WorkflowStatus = status
	s.Status = status
	s.Stages = append(s.Stages, pipeline.StageHistoryEntry{Stage: pipeline.StageFinalize, Next: "terminal", WorkflowStatus: status})
	store := pipeline.NewStore(filepath.Join(dir, name, workspace.OutputDir))
	require.NoError(t, store.SaveState(s))
	return store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewServer(t.TempDir(), nil, ":0", nil).Handler()

	rec := get(t, h, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRuns_ListAndFilter(t *testing.T) {
	dir := t.TempDir()
	seedRun(t, dir, "alpha", pipeline.StatusSuccess)
	seedRun(t, dir, "beta", pipeline.StatusFailed)
	h := NewServer(dir, nil, ":0", nil).Handler()

	rec := get(t, h, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []pipeline.RunInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	rec = get(t, h, "/api/runs?status=failed")
	require.Equal(t, http.StatusOK, rec.Code)
	runs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "beta", runs[0].Name)
	assert.Equal(t, pipeline.StageFinalize, runs[0].LastStage)
}

func TestRuns_EmptyWorkspace(t *testing.T) {
	h := NewServer(filepath.Join(t.TempDir(), "missing"), nil, ":0", nil).Handler()

	rec := get(t, h, "/api/runs")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestRunDetail(t *testing.T) {
	dir := t.TempDir()
	store := seedRun(t, dir, "alpha", pipeline.StatusSuccess)
	require.NoError(t, store.Save(pipeline.SummaryFile, map[string]string{"status": "success"}))
	h := NewServer(dir, nil, ":0", nil).Handler()

	rec := get(t, h, "/api/runs/alpha")

	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		State   pipeline.State    `json:"state"`
		Summary map[string]string `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "alpha", detail.State.Repository.Name)
	assert.Equal(t, "success", detail.Summary["status"])
}

func TestRunDetail_Errors(t *testing.T) {
	h := NewServer(t.TempDir(), nil, ":0", nil).Handler()

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/runs/nope").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/runs/a/b/c").Code)
}

func TestRunReport(t *testing.T) {
	dir := t.TempDir()
	store := seedRun(t, dir, "alpha", pipeline.StatusSuccess)
	require.NoError(t, store.SaveText(pipeline.DiffReportFile, "# alpha service generation report\n"))
	h := NewServer(dir, nil, ":0", nil).Handler()

	rec := get(t, h, "/api/runs/alpha/report")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "generation report")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/runs/beta/report").Code)
}

func TestDashboard(t *testing.T) {
	dir := t.TempDir()
	seedRun(t, dir, "alpha", pipeline.StatusSuccess)
	h := NewServer(dir, nil, ":0", nil).Handler()

	rec := get(t, h, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "alpha")
	assert.Contains(t, body, "badge badge-success")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/unknown").Code)
}

func TestLedger_NotConfigured(t *testing.T) {
	h := NewServer(t.TempDir(), nil, ":0", nil).Handler()

	rec := get(t, h, "/api/ledger")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalytics(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	h := NewServer(t.TempDir(), db.New(conn), ":0", nil).Handler()

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/analytics?since=someday").Code)

	mock.ExpectQuery("SELECT stage, duration_ms").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "duration_ms"}).AddRow("execute", 2500))
	mock.ExpectQuery("WHERE stage = 'review'").
		WillReturnRows(sqlmock.NewRows([]string{"next", "count"}).AddRow("finalize", 1))
	mock.ExpectQuery("FROM runs\\s+WHERE finished_at").
		WillReturnRows(sqlmock.NewRows([]string{"workflow_status", "fix_retry_count", "generation_retry_count"}))
	mock.ExpectQuery("SELECT DISTINCT ON").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "detail"}))
	mock.ExpectQuery("date_trunc").
		WillReturnRows(sqlmock.NewRows([]string{"period", "started", "succeeded", "failed", "avg"}))

	rec := get(t, h, "/api/analytics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage": "execute"`)
	assert.Contains(t, rec.Body.String(), `"next": "finalize"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewServer(t.TempDir(), nil, ":0", nil).Handler()

	rec := get(t, h, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestValidName(t *testing.T) {
	assert.True(t, validName("alpha"))
	for _, name := range []string{"", ".", "..", "a/b"} {
		assert.False(t, validName(name), name)
	}
}

func TestRelTime(t *testing.T) {
	assert.Equal(t, "", relTime(time.Time{}))
	assert.Equal(t, "just now", relTime(time.Now()))
	assert.Equal(t, "5m ago", relTime(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3d ago", relTime(time.Now().Add(-73*time.Hour)))
}

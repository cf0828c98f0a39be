package db

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn), mock
}

func testState() *pipeline.State {
	s := pipeline.NewState("https://github.com/example/tool.git", "tool", 10, 5)
	s.RunID = "run-1"
	return s
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestMigrate_FreshDatabase(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM schema_version").
		WillReturnError(errors.New(`relation "schema_version" does not exist`))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_version").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.Migrate())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AlreadyApplied(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM schema_version").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, d.Migrate())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SchemaErrorRollsBack(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM schema_version").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := d.Migrate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply schema v1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRun(t *testing.T) {
	d, mock := newMock(t)
	s := testState()

	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run-1", "tool", "https://github.com/example/tool.git", pipeline.StatusRunning, s.WorkflowStatus, s.StartedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.StartRun(s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogRunEvent(t *testing.T) {
	d, mock := newMock(t)
	s := testState()
	s.FixRetryCount = 2

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO run_events").
		WithArgs("run-1", pipeline.StageReview, pipeline.StageExecute, s.WorkflowStatus, int64(1500), "fix applied").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE runs SET").
		WithArgs("run-1", s.Status, s.WorkflowStatus, 2, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.LogRunEvent(s, pipeline.StageReview, pipeline.StageExecute, 1500*time.Millisecond, "fix applied")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogRunEvent_InsertFails(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO run_events").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := d.LogRunEvent(testState(), pipeline.StageDownload, pipeline.StageAnalyze, 0, "")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRun(t *testing.T) {
	d, mock := newMock(t)
	s := testState()
	s.Fail(pipeline.StageReview, pipeline.KindExecutionFailure, "retry budgets exhausted")

	mock.ExpectExec("UPDATE runs SET .* finished_at = now\\(\\)").
		WithArgs("run-1", pipeline.StatusFailed, s.WorkflowStatus, 0, 0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.FinishRun(s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNilDBIsNoop(t *testing.T) {
	var d *DB
	s := testState()
	assert.NoError(t, d.StartRun(s))
	assert.NoError(t, d.LogRunEvent(s, pipeline.StageDownload, pipeline.StageAnalyze, 0, ""))
	assert.NoError(t, d.FinishRun(s))
	assert.NoError(t, d.Close())
}

func TestListRuns(t *testing.T) {
	d, mock := newMock(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(4 * time.Minute)

	rows := sqlmock.NewRows([]string{
		"run_id", "repo_name", "repo_url", "status", "workflow_status", "fix_retry_count",
		"generation_retry_count", "error_count", "started_at", "finished_at",
	}).
		AddRow("run-2", "tool", "https://github.com/example/tool.git", "success", "success", 1, 0, 1, started, finished).
		AddRow("run-1", "tool", "https://github.com/example/tool.git", "running", "running", 0, 0, 0, started, nil)
	mock.ExpectQuery("SELECT run_id, repo_name").WithArgs("tool", 50).WillReturnRows(rows)

	runs, err := d.ListRuns("tool", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, 1, runs[0].FixRetryCount)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, runs[0].FinishedAt.Equal(finished))
	assert.Nil(t, runs[1].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunEvents(t *testing.T) {
	d, mock := newMock(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "run_id", "stage", "next_stage", "workflow_status", "duration_ms", "detail", "timestamp",
	}).
		AddRow(1, "run-1", "download", "analyze", "running", 120, nil, ts).
		AddRow(2, "run-1", "finalize", nil, "success", nil, "done", ts)
	mock.ExpectQuery("SELECT id, run_id, stage").WithArgs("run-1").WillReturnRows(rows)

	events, err := d.GetRunEvents("run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "analyze", events[0].NextStage)
	assert.Equal(t, int64(120), events[0].DurationMs)
	assert.Equal(t, "", events[1].NextStage)
	assert.Equal(t, "done", events[1].Detail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

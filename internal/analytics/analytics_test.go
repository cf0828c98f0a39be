package analytics

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

type mockDB struct{ conn *sql.DB }

func (m mockDB) Conn() *sql.DB { return m.conn }

func testDB(t *testing.T) (mockDB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		conn.Close()
	})
	return mockDB{conn}, mock
}

// --- QueryStageDurations ---

func TestQueryStageDurations(t *testing.T) {
	d, mock := testDB(t)
	mock.ExpectQuery("SELECT stage, duration_ms\\s+FROM run_events").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "duration_ms"}).
			AddRow("generate", 10000).
			AddRow("generate", 20000).
			AddRow("execute", 1500))

	results, err := QueryStageDurations(d, time.Time{})
	if err != nil {
		t.Fatalf("QueryStageDurations: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(results))
	}

	// sorted by stage name
	if results[0].Stage != "execute" || results[1].Stage != "generate" {
		t.Errorf("stages = %s, %s", results[0].Stage, results[1].Stage)
	}
	gen := results[1]
	if gen.Count != 2 {
		t.Errorf("generate count = %d, want 2", gen.Count)
	}
	if gen.Avg != 15.0 {
		t.Errorf("generate avg = %f, want 15.0", gen.Avg)
	}
	if results[0].P50 != 1.5 {
		t.Errorf("execute p50 = %f, want 1.5", results[0].P50)
	}
}

func TestQueryStageDurations_Since(t *testing.T) {
	d, mock := testDB(t)
	since := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("AND timestamp >= \\$1").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"stage", "duration_ms"}))

	results, err := QueryStageDurations(d, since)
	if err != nil {
		t.Fatalf("QueryStageDurations: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func TestQueryStageDurations_Error(t *testing.T) {
	d, mock := testDB(t)
	mock.ExpectQuery("FROM run_events").WillReturnError(errors.New("connection reset"))

	if _, err := QueryStageDurations(d, time.Time{}); err == nil {
		t.Error("expected error")
	}
}

// --- QueryReviewOutcomes ---

func TestQueryReviewOutcomes(t *testing.T) {
	d, mock := testDB(t)
	mock.ExpectQuery("WHERE stage = 'review'").
		WillReturnRows(sqlmock.NewRows([]string{"next", "count"}).
			AddRow("finalize", 2).
			AddRow("execute", 6).
			AddRow("generate", 1).
			AddRow("terminal_failure", 1))

	results, err := QueryReviewOutcomes(d, time.Time{})
	if err != nil {
		t.Fatalf("QueryReviewOutcomes: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(results))
	}
	if results[0].Next != "execute" || results[0].Pct != 60.0 {
		t.Errorf("top outcome = %+v, want execute at 60%%", results[0])
	}
	// ties broken by name
	if results[2].Next != "generate" || results[3].Next != "terminal_failure" {
		t.Errorf("tie order = %s, %s", results[2].Next, results[3].Next)
	}
}

// --- QueryRetryDistribution ---

func TestQueryRetryDistribution(t *testing.T) {
	d, mock := testDB(t)
	mock.ExpectQuery("FROM runs\\s+WHERE finished_at IS NOT NULL").
		WillReturnRows(sqlmock.NewRows([]string{"workflow_status", "fix_retry_count", "generation_retry_count"}).
			AddRow("success", 0, 0).
			AddRow("success", 1, 0).
			AddRow("success", 1, 0).
			AddRow("success", 4, 1).
			AddRow("failed", 10, 5))

	results, err := QueryRetryDistribution(d, time.Time{})
	if err != nil {
		t.Fatalf("QueryRetryDistribution: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(results))
	}

	failed, success := results[0], results[1]
	if failed.Status != "failed" || failed.ThreePlus != 100.0 || failed.Regenerated != 100.0 {
		t.Errorf("failed = %+v", failed)
	}
	if success.Total != 4 {
		t.Errorf("success total = %d, want 4", success.Total)
	}
	if success.Zero != 25.0 || success.One != 50.0 || success.Two != 0 || success.ThreePlus != 25.0 {
		t.Errorf("success distribution = %+v", success)
	}
	if success.Regenerated != 25.0 {
		t.Errorf("success regenerated = %f, want 25.0", success.Regenerated)
	}
	if success.AvgFixRounds != 1.5 {
		t.Errorf("success avg fix rounds = %f, want 1.5", success.AvgFixRounds)
	}
}

// --- QueryFailurePoints ---

func TestQueryFailurePoints(t *testing.T) {
	d, mock := testDB(t)
	mock.ExpectQuery("SELECT DISTINCT ON \\(e.run_id\\)").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "detail"}).
			AddRow("review", "[review] ExecutionFailure: retry budgets exhausted").
			AddRow("review", "[execute] ImportError: No module named 'foo'").
			AddRow("review", "[review] ExecutionFailure: retry budgets exhausted").
			AddRow("download", "[download] CloneError: repository not found").
			AddRow("provision", ""))

	results, err := QueryFailurePoints(d, time.Time{})
	if err != nil {
		t.Fatalf("QueryFailurePoints: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(results))
	}
	top := results[0]
	if top.Stage != "review" || top.Count != 3 || top.Pct != 60.0 {
		t.Errorf("top = %+v", top)
	}
	if top.CommonKinds != "ExecutionFailure, ImportError" {
		t.Errorf("common kinds = %q", top.CommonKinds)
	}
	for _, r := range results {
		if r.Stage == "provision" && r.CommonKinds != "" {
			t.Errorf("provision kinds = %q, want empty", r.CommonKinds)
		}
	}
}

// --- QueryThroughput ---

func TestQueryThroughput(t *testing.T) {
	d, mock := testDB(t)
	mock.ExpectQuery("date_trunc\\('week', started_at\\)").
		WillReturnRows(sqlmock.NewRows([]string{"period", "started", "succeeded", "failed", "avg"}).
			AddRow("2026-W42", 5, 3, 2, 12.345).
			AddRow("2026-W41", 1, 0, 0, nil))

	results, err := QueryThroughput(d, time.Time{})
	if err != nil {
		t.Fatalf("QueryThroughput: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 periods, got %d", len(results))
	}
	if results[0].Period != "2026-W42" || results[0].Succeeded != 3 || results[0].AvgDuration != 12.3 {
		t.Errorf("W42 = %+v", results[0])
	}
	if results[1].AvgDuration != 0 {
		t.Errorf("unfinished week avg = %f, want 0", results[1].AvgDuration)
	}
}

// --- Build ---

func TestBuild_StopsOnError(t *testing.T) {
	d, mock := testDB(t)
	mock.ExpectQuery("SELECT stage, duration_ms").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "duration_ms"}).AddRow("execute", 100))
	mock.ExpectQuery("WHERE stage = 'review'").WillReturnError(errors.New("boom"))

	if _, err := Build(d, time.Time{}); err == nil {
		t.Error("expected error")
	}
}

func TestBuild(t *testing.T) {
	d, mock := testDB(t)
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT stage, duration_ms").WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"stage", "duration_ms"}))
	mock.ExpectQuery("WHERE stage = 'review'").WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"next", "count"}))
	mock.ExpectQuery("FROM runs\\s+WHERE finished_at").WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_status", "fix_retry_count", "generation_retry_count"}))
	mock.ExpectQuery("r.started_at >= \\$1").WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"stage", "detail"}))
	mock.ExpectQuery("date_trunc").WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"period", "started", "succeeded", "failed", "avg"}))

	r, err := Build(d, since)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.Since == nil || !r.Since.Equal(since) {
		t.Errorf("since = %v", r.Since)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"7d", now.AddDate(0, 0, -7)},
		{"36h", now.Add(-36 * time.Hour)},
		{"2026-10-01", time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got, err := ParseSince(c.in, now)
		if err != nil {
			t.Errorf("ParseSince(%q): %v", c.in, err)
			continue
		}
		if !got.Equal(c.want) {
			t.Errorf("ParseSince(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	for _, bad := range []string{"yesterday", "-3d", "0d"} {
		if _, err := ParseSince(bad, now); err == nil {
			t.Errorf("ParseSince(%q) should fail", bad)
		}
	}
}

// --- helpers ---

func TestDetailKind(t *testing.T) {
	cases := map[string]string{
		"[execute] ImportError: No module named 'x'": "ImportError",
		"[review] ExecutionFailure: retry budgets":   "ExecutionFailure",
		"plain text":                                 "",
		"":                                           "",
	}
	for in, want := range cases {
		if got := detailKind(in); got != want {
			t.Errorf("detailKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAvg(t *testing.T) {
	if v := avg([]float64{10, 20, 30}); v != 20.0 {
		t.Errorf("avg = %f, want 20.0", v)
	}
	if v := avg(nil); v != 0.0 {
		t.Errorf("avg(nil) = %f, want 0.0", v)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	p50 := percentile(values, 50)
	if p50 < 5.0 || p50 > 6.0 {
		t.Errorf("p50 = %f, expected ~5.5", p50)
	}
	p95 := percentile(values, 95)
	if p95 < 9.0 || p95 > 10.0 {
		t.Errorf("p95 = %f, expected ~9.6", p95)
	}
	if v := percentile(nil, 50); v != 0.0 {
		t.Errorf("percentile(nil, 50) = %f, want 0.0", v)
	}
}

func TestPct(t *testing.T) {
	if v := pct(1, 4); v != 25.0 {
		t.Errorf("pct(1,4) = %f, want 25.0", v)
	}
	if v := pct(0, 0); v != 0.0 {
		t.Errorf("pct(0,0) = %f, want 0.0", v)
	}
}

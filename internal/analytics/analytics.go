package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// sinceClause appends a lower time bound on column when since is set.
func sinceClause(query, column string, since time.Time, args []interface{}) (string, []interface{}) {
	if since.IsZero() {
		return query, args
	}
	args = append(args, since)
	return query + fmt.Sprintf(" AND %s >= $%d", column, len(args)), args
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStageDurations returns average and percentile durations per stage,
// from every recorded stage execution.
func QueryStageDurations(database DB, since time.Time) ([]StageDuration, error) {
	query := `
		SELECT stage, duration_ms
		FROM run_events
		WHERE duration_ms IS NOT NULL`
	query, args := sinceClause(query, "timestamp", since, nil)

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var ms int64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		stageDurations[stage] = append(stageDurations[stage], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// ReviewOutcome counts where the review stage routed runs.
type ReviewOutcome struct {
	Next  string  `json:"next"`
	Count int     `json:"count"`
	Pct   float64 `json:"pct"`
}

// QueryReviewOutcomes returns the distribution of review routing decisions:
// finalize, back to execute after a fix, another fix round, regeneration, or
// terminal failure.
func QueryReviewOutcomes(database DB, since time.Time) ([]ReviewOutcome, error) {
	query := `
		SELECT COALESCE(next_stage, ''), COUNT(*)
		FROM run_events
		WHERE stage = 'review'`
	query, args := sinceClause(query, "timestamp", since, nil)
	query += ` GROUP BY 1`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query review outcomes: %w", err)
	}
	defer rows.Close()

	var results []ReviewOutcome
	total := 0
	for rows.Next() {
		var o ReviewOutcome
		if err := rows.Scan(&o.Next, &o.Count); err != nil {
			return nil, fmt.Errorf("scan review outcome: %w", err)
		}
		total += o.Count
		results = append(results, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Next < results[j].Next
	})
	return results, nil
}

// RetryDist holds the fix-round distribution of runs that ended in one
// workflow status.
type RetryDist struct {
	Status       string  `json:"status"`
	Total        int     `json:"total"`
	Zero         float64 `json:"zero_fixes_pct"`
	One          float64 `json:"one_fix_pct"`
	Two          float64 `json:"two_fixes_pct"`
	ThreePlus    float64 `json:"three_plus_pct"`
	Regenerated  float64 `json:"regenerated_pct"`
	AvgFixRounds float64 `json:"avg_fix_rounds"`
}

// QueryRetryDistribution returns how many fix rounds finished runs needed,
// grouped by their final status.
func QueryRetryDistribution(database DB, since time.Time) ([]RetryDist, error) {
	query := `
		SELECT workflow_status, fix_retry_count, generation_retry_count
		FROM runs
		WHERE finished_at IS NOT NULL`
	query, args := sinceClause(query, "started_at", since, nil)

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query retry distribution: %w", err)
	}
	defer rows.Close()

	type roundCount struct {
		zero, one, two, threePlus, regen, total int
		rounds                                  []float64
	}
	byStatus := make(map[string]*roundCount)

	for rows.Next() {
		var status string
		var fix, gen int
		if err := rows.Scan(&status, &fix, &gen); err != nil {
			return nil, fmt.Errorf("scan retry distribution: %w", err)
		}

		rc, ok := byStatus[status]
		if !ok {
			rc = &roundCount{}
			byStatus[status] = rc
		}
		rc.total++
		rc.rounds = append(rc.rounds, float64(fix))
		if gen > 0 {
			rc.regen++
		}

		switch {
		case fix == 0:
			rc.zero++
		case fix == 1:
			rc.one++
		case fix == 2:
			rc.two++
		default:
			rc.threePlus++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []RetryDist
	for status, rc := range byStatus {
		results = append(results, RetryDist{
			Status:       status,
			Total:        rc.total,
			Zero:         pct(rc.zero, rc.total),
			One:          pct(rc.one, rc.total),
			Two:          pct(rc.two, rc.total),
			ThreePlus:    pct(rc.threePlus, rc.total),
			Regenerated:  pct(rc.regen, rc.total),
			AvgFixRounds: avg(rc.rounds),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Status < results[j].Status
	})
	return results, nil
}

// FailurePoint holds the stage failed runs stopped at, with their most
// common error kinds.
type FailurePoint struct {
	Stage       string  `json:"stage"`
	Count       int     `json:"count"`
	Pct         float64 `json:"pct"`
	CommonKinds string  `json:"common_kinds"`
}

// QueryFailurePoints returns where failed runs ended. The error kind is taken
// from the last event detail, formatted "[stage] Kind: message".
func QueryFailurePoints(database DB, since time.Time) ([]FailurePoint, error) {
	query := `
		SELECT DISTINCT ON (e.run_id) e.stage, COALESCE(e.detail, '')
		FROM run_events e
		JOIN runs r ON r.run_id = e.run_id
		WHERE r.workflow_status = 'failed'`
	query, args := sinceClause(query, "r.started_at", since, nil)
	query += ` ORDER BY e.run_id, e.id DESC`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failure points: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	kinds := make(map[string]map[string]int)
	total := 0
	for rows.Next() {
		var stage, detail string
		if err := rows.Scan(&stage, &detail); err != nil {
			return nil, fmt.Errorf("scan failure point: %w", err)
		}
		total++
		counts[stage]++
		if k := detailKind(detail); k != "" {
			if kinds[stage] == nil {
				kinds[stage] = make(map[string]int)
			}
			kinds[stage][k]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []FailurePoint
	for stage, n := range counts {
		results = append(results, FailurePoint{
			Stage:       stage,
			Count:       n,
			Pct:         pct(n, total),
			CommonKinds: topKinds(kinds[stage], 2),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// Throughput holds run counts for one ISO week.
type Throughput struct {
	Period      string  `json:"period"`
	Started     int     `json:"started"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration_minutes"`
}

// QueryThroughput returns run counts grouped by week, newest first.
func QueryThroughput(database DB, since time.Time) ([]Throughput, error) {
	query := `
		SELECT
			to_char(date_trunc('week', started_at), 'IYYY-"W"IW') AS period,
			COUNT(*),
			SUM(CASE WHEN workflow_status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN workflow_status = 'failed' THEN 1 ELSE 0 END),
			AVG(EXTRACT(EPOCH FROM finished_at - started_at)) / 60
		FROM runs
		WHERE TRUE`
	query, args := sinceClause(query, "started_at", since, nil)
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	var results []Throughput
	for rows.Next() {
		var t Throughput
		var avgMinutes sql.NullFloat64
		if err := rows.Scan(&t.Period, &t.Started, &t.Succeeded, &t.Failed, &avgMinutes); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		if avgMinutes.Valid {
			t.AvgDuration = math.Round(avgMinutes.Float64*10) / 10
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// Report bundles every query for one window.
type Report struct {
	Since          *time.Time      `json:"since,omitempty"`
	StageDurations []StageDuration `json:"stage_durations"`
	ReviewOutcomes []ReviewOutcome `json:"review_outcomes"`
	Retries        []RetryDist     `json:"retries"`
	FailurePoints  []FailurePoint  `json:"failure_points"`
	Throughput     []Throughput    `json:"throughput"`
}

// Build runs every query. since may be zero for all time.
func Build(database DB, since time.Time) (*Report, error) {
	r := &Report{}
	if !since.IsZero() {
		r.Since = &since
	}
	var err error
	if r.StageDurations, err = QueryStageDurations(database, since); err != nil {
		return nil, err
	}
	if r.ReviewOutcomes, err = QueryReviewOutcomes(database, since); err != nil {
		return nil, err
	}
	if r.Retries, err = QueryRetryDistribution(database, since); err != nil {
		return nil, err
	}
	if r.FailurePoints, err = QueryFailurePoints(database, since); err != nil {
		return nil, err
	}
	if r.Throughput, err = QueryThroughput(database, since); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseSince turns "7d", a Go duration such as "36h", or a date
// (2006-01-02) into a lower bound relative to now. "" means all time.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err == nil && n > 0 {
			return now.AddDate(0, 0, -n), nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want 7d, 36h or 2006-01-02", s)
}

// --- helpers ---

// detailKind extracts Kind from "[stage] Kind: message".
func detailKind(detail string) string {
	_, rest, ok := strings.Cut(detail, "] ")
	if !ok {
		return ""
	}
	kind, _, ok := strings.Cut(rest, ":")
	if !ok {
		return ""
	}
	return strings.TrimSpace(kind)
}

func topKinds(counts map[string]int, n int) string {
	type kc struct {
		kind  string
		count int
	}
	var all []kc
	for k, c := range counts {
		all = append(all, kc{k, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].kind < all[j].kind
	})
	var names []string
	for i := 0; i < len(all) && i < n; i++ {
		names = append(names, all[i].kind)
	}
	return strings.Join(names, ", ")
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

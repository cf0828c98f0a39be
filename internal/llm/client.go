package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/metrics"
)

// Totals is a point-in-time copy of Stats, persisted as llm_statistics.json.
type Totals struct {
	TotalCalls       int            `json:"total_calls"`
	FailedCalls      int            `json:"failed_calls"`
	Retries          int            `json:"retries"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	ByStage          map[string]int `json:"calls_by_stage"`
}

// Stats accumulates call statistics across a run. Safe for concurrent use.
type Stats struct {
	mu sync.Mutex
	t  Totals
}

// NewStats returns empty statistics.
func NewStats() *Stats {
	return &Stats{t: Totals{ByStage: map[string]int{}}}
}

// Snapshot returns a copy safe to marshal.
func (s *Stats) Snapshot() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.t
	out.ByStage = make(map[string]int, len(s.t.ByStage))
	for k, v := range s.t.ByStage {
		out.ByStage[k] = v
	}
	return out
}

func (s *Stats) record(stage string, u Usage, failed bool, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.TotalCalls++
	if failed {
		s.t.FailedCalls++
	}
	s.t.Retries += retries
	s.t.PromptTokens += u.PromptTokens
	s.t.CompletionTokens += u.CompletionTokens
	if s.t.ByStage == nil {
		s.t.ByStage = map[string]int{}
	}
	s.t.ByStage[stage]++
}

// Backoff describes a capped exponential retry schedule.
type Backoff struct {
	Retries int
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry attempt n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for i := 0; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Client wraps a Provider with per-call timeout, retries and statistics.
type Client struct {
	provider Provider
	stage    string
	timeout  time.Duration
	backoff  Backoff
	stats    *Stats
	log      *logging.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewClient builds a Client. stats may be shared between clients.
func NewClient(p Provider, stage string, timeout time.Duration, backoff Backoff, stats *Stats, log *logging.Logger) *Client {
	if stats == nil {
		stats = NewStats()
	}
	return &Client{
		provider: p,
		stage:    stage,
		timeout:  timeout,
		backoff:  backoff,
		stats:    stats,
		log:      log.With("llm"),
		sleep:    sleepCtx,
	}
}

// Stats returns the shared statistics.
func (c *Client) Stats() *Stats { return c.stats }

// WithBackoff returns a copy of c using a different retry schedule.
func (c *Client) WithBackoff(b Backoff) *Client {
	cp := *c
	cp.backoff = b
	return &cp
}

// Generate calls the provider until it succeeds or retries run out.
func (c *Client) Generate(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	var total Usage
	attempts := c.backoff.Retries + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := c.backoff.Delay(i - 1)
			c.log.Warnf("%s call failed (%v), retry %d/%d in %s", c.provider.Name(), lastErr, i, c.backoff.Retries, delay)
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		callCtx := ctx
		cancel := func() {}
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		out, usage, err := c.provider.Complete(callCtx, system, user)
		cancel()
		total.PromptTokens += usage.PromptTokens
		total.CompletionTokens += usage.CompletionTokens

		if err == nil {
			c.stats.record(c.stage, total, false, i)
			c.observe("success", total)
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	c.stats.record(c.stage, total, true, attempts-1)
	c.observe("error", total)
	return "", fmt.Errorf("generation service (%s): %w", c.provider.Name(), lastErr)
}

func (c *Client) observe(status string, u Usage) {
	name := c.provider.Name()
	metrics.LLMCalls.WithLabelValues(name, status).Inc()
	metrics.LLMTokens.WithLabelValues(name, "in").Add(float64(u.PromptTokens))
	metrics.LLMTokens.WithLabelValues(name, "out").Add(float64(u.CompletionTokens))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

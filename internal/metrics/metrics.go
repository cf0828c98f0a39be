// Package metrics holds the prometheus collectors shared by the pipeline,
// the generation-service client and the status server.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the factory's own registry. The status server exposes it on
// /metrics and Finalize writes it as a textfile.
var Registry = prometheus.NewRegistry()

var (
	StageRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factory_stage_runs_total",
			Help: "Stage executions by stage and resulting workflow status",
		},
		[]string{"stage", "status"},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "factory_stage_duration_seconds",
			Help:    "Stage duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"stage"},
	)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factory_runs_total",
			Help: "Completed pipeline runs by final status",
		},
		[]string{"status"},
	)
	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factory_retries_total",
			Help: "Retry budget consumption by loop (fix or generation)",
		},
		[]string{"loop"},
	)
	LLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factory_llm_calls_total",
			Help: "Generation service calls by provider and status",
		},
		[]string{"provider", "status"},
	)
	LLMTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factory_llm_tokens_total",
			Help: "Generation service tokens by provider and direction",
		},
		[]string{"provider", "direction"},
	)
)

func init() {
	Registry.MustRegister(StageRuns)
	Registry.MustRegister(StageDuration)
	Registry.MustRegister(Runs)
	Registry.MustRegister(Retries)
	Registry.MustRegister(LLMCalls)
	Registry.MustRegister(LLMTokens)
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

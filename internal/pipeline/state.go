package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxPreviousRuns bounds the execution history kept on the record.
const maxPreviousRuns = 10

// NewState creates a fresh record for the repository at url.
// An empty name is derived from the URL.
func NewState(url, name string, maxFix, maxGen int) *State {
	if name == "" {
		name = RepoName(url)
	}
	now := time.Now().UTC()
	return &State{
		Version:              StateVersion,
		RunID:                uuid.NewString(),
		Repository:           Repository{URL: url, Name: name},
		Status:               StatusRunning,
		WorkflowStatus:       StatusRunning,
		Errors:               []ErrorRecord{},
		Warnings:             []string{},
		Stages:               []StageHistoryEntry{},
		MaxFixRetries:        maxFix,
		MaxGenerationRetries: maxGen,
		StartedAt:            now,
		UpdatedAt:            now,
	}
}

// RepoName derives a repository name from its clone URL.
func RepoName(url string) string {
	name := strings.TrimRight(strings.TrimSpace(url), "/")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".git")
}

// ErrInvalidRepoName is returned by ValidateRepoName.
var ErrInvalidRepoName = errors.New("invalid repository name")

// ValidateRepoName rejects names that cannot be used as a single directory
// under the workspace root.
func ValidateRepoName(name string) error {
	switch {
	case strings.TrimSpace(name) == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidRepoName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidRepoName, name)
	}
	return nil
}

// AddError appends a record to the error log.
func (s *State) AddError(stage string, kind ErrorKind, sev Severity, action Action, msg string) {
	s.Errors = append(s.Errors, ErrorRecord{
		Stage:    stage,
		Kind:     kind,
		Severity: sev,
		Message:  msg,
		Action:   action,
		Time:     time.Now().UTC(),
	})
}

// Warnf records a warning tagged with kind.
func (s *State) Warnf(kind ErrorKind, format string, args ...interface{}) {
	s.Warnings = append(s.Warnings, fmt.Sprintf("%s: %s", kind, fmt.Sprintf(format, args...)))
}

// Fail records an aborting error and marks the run failed.
func (s *State) Fail(stage string, kind ErrorKind, msg string) {
	s.AddError(stage, kind, SeverityCritical, ActionAbort, msg)
	s.Status = StatusFailed
	s.WorkflowStatus = StatusFailed
}

// Failed reports whether the workflow has failed.
func (s *State) Failed() bool {
	return s.WorkflowStatus == StatusFailed
}

// SetWorkflowStatus changes the workflow status. A failed workflow stays failed.
func (s *State) SetWorkflowStatus(status string) {
	if s.Failed() {
		return
	}
	s.WorkflowStatus = status
	s.Status = status
}

// MarkRunning is what every successful stage does on exit.
func (s *State) MarkRunning() {
	if s.Failed() {
		return
	}
	s.Status = StatusRunning
	if s.WorkflowStatus == "" {
		s.WorkflowStatus = StatusRunning
	}
}

// PendingFailure reports whether the last execution failed and has not been re-run.
func (s *State) PendingFailure() bool {
	return s.RunResult != nil && !s.RunResult.Success
}

// FixBudgetExhausted reports whether no direct-fix attempts remain.
func (s *State) FixBudgetExhausted() bool {
	return s.FixRetryCount >= s.MaxFixRetries
}

// GenerationBudgetExhausted reports whether no regenerations remain.
func (s *State) GenerationBudgetExhausted() bool {
	return s.GenerationRetryCount >= s.MaxGenerationRetries
}

// RecordRun installs r as the pending execution, moving the previous one
// into history.
func (s *State) RecordRun(r ExecutionResult) {
	if s.RunResult != nil {
		s.PreviousRuns = append(s.PreviousRuns, *s.RunResult)
		if len(s.PreviousRuns) > maxPreviousRuns {
			s.PreviousRuns = s.PreviousRuns[len(s.PreviousRuns)-maxPreviousRuns:]
		}
	}
	s.RunResult = &r
}

// ClearPendingDiagnosis drops the diagnosis fields once a fix is applied.
func (s *State) ClearPendingDiagnosis() {
	s.Diagnosis = nil
	s.FixApplied = false
}

// RecentErrors returns at most the last n error records.
func (s *State) RecentErrors(n int) []ErrorRecord {
	if len(s.Errors) <= n {
		return s.Errors
	}
	return s.Errors[len(s.Errors)-n:]
}

// RecentRuns returns at most the last n previous executions.
func (s *State) RecentRuns(n int) []ExecutionResult {
	if len(s.PreviousRuns) <= n {
		return s.PreviousRuns
	}
	return s.PreviousRuns[len(s.PreviousRuns)-n:]
}

// SetExtra stores v under key in the extension map.
func (s *State) SetExtra(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal extra %q: %w", key, err)
	}
	if s.Extra == nil {
		s.Extra = make(map[string]json.RawMessage)
	}
	s.Extra[key] = data
	return nil
}

// GetExtra decodes the value under key into v. It returns false when absent.
func (s *State) GetExtra(key string, v interface{}) (bool, error) {
	data, ok := s.Extra[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshal extra %q: %w", key, err)
	}
	return true, nil
}

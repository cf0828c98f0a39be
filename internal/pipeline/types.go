package pipeline

import (
	"encoding/json"
	"time"
)

// StateVersion is bumped whenever the persisted shape of State changes.
const StateVersion = 1

// Status values shared by Status and WorkflowStatus.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Stage names.
const (
	StageDownload  = "download"
	StageAnalyze   = "analyze"
	StageProvision = "provision"
	StageGenerate  = "generate"
	StageExecute   = "execute"
	StageReview    = "review"
	StageFinalize  = "finalize"
)

// Severity of an ErrorRecord.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action records what the pipeline did in response to an error.
type Action string

const (
	ActionAbort             Action = "abort"
	ActionContinue          Action = "continue"
	ActionContinueWithEmpty Action = "continue_with_empty"
	ActionRecordOnly        Action = "record_only"
	ActionNeedsRegeneration Action = "needs_regeneration"
)

// ErrorKind names the failure taxonomy used in ErrorRecords.
type ErrorKind string

const (
	KindInvalidInput          ErrorKind = "InvalidInput"
	KindCloneFailed           ErrorKind = "CloneFailed"
	KindFileMoveFailed        ErrorKind = "FileMoveFailed"
	KindEnvSetupFailed        ErrorKind = "EnvSetupFailed"
	KindExecutionFailure      ErrorKind = "PluginSmokeFailed"
	KindDiagnosisInconclusive ErrorKind = "DiagnosisInconclusive"
	KindGenerationFailed      ErrorKind = "GenerationFailed"
	KindPatchFailed           ErrorKind = "PatchFailed"
	KindPersistFailed         ErrorKind = "PersistFailed"
	KindInternal              ErrorKind = "Internal"

	// Execution classifications; also used as record kinds.
	KindImportError  ErrorKind = "ImportError"
	KindSyntaxError  ErrorKind = "SyntaxError"
	KindRuntimeError ErrorKind = "RuntimeError"
	KindTimeout      ErrorKind = "Timeout"
	KindUnknown      ErrorKind = "Unknown"
)

// ErrorRecord is one entry in the append-only error log.
type ErrorRecord struct {
	Stage    string    `json:"stage"`
	Kind     ErrorKind `json:"kind"`
	Severity Severity  `json:"severity,omitempty"`
	Message  string    `json:"message"`
	Action   Action    `json:"action_taken"`
	Time     time.Time `json:"time"`
}

// LocalPaths holds the per-repository workspace layout.
type LocalPaths struct {
	RepoRoot   string `json:"repo_root"`
	SourceRoot string `json:"source_root"`
	Output     string `json:"output"`
	Plugin     string `json:"plugin"`
	Tests      string `json:"tests"`
	Logs       string `json:"logs"`
}

// Repository identifies the repository being processed.
type Repository struct {
	URL   string     `json:"url"`
	Name  string     `json:"name"`
	Paths LocalPaths `json:"local_paths"`
}

// Backend kinds for Environment.
const (
	BackendFull  = "full"
	BackendLight = "light"
	BackendNone  = "none"
)

// Environment is an isolated execution sandbox.
type Environment struct {
	Kind        string            `json:"kind"`
	Name        string            `json:"name"`
	Path        string            `json:"path,omitempty"`
	Interpreter []string          `json:"interpreter,omitempty"`
	CondaExe    string            `json:"conda_exe,omitempty"`
	Manifest    map[string]string `json:"manifest"`
	Runtime     string            `json:"runtime"`
}

// ExecutionResult is the outcome of one external command.
type ExecutionResult struct {
	Command  []string      `json:"command,omitempty"`
	Dir      string        `json:"dir,omitempty"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Kind     ErrorKind     `json:"error_kind,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Output returns stderr if present, otherwise stdout.
func (r *ExecutionResult) Output() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// TestResult records a validation run.
type TestResult struct {
	Passed     bool   `json:"passed"`
	Method     string `json:"method,omitempty"` // "pytest", "smoke", "plugin"
	ReportPath string `json:"report_path,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

// Tests groups the original-repo and generated-artifact results.
type Tests struct {
	Original *TestResult `json:"original,omitempty"`
	Plugin   *TestResult `json:"plugin,omitempty"`
}

// Next actions a Diagnosis may recommend.
const (
	NextFixDirectly    = "fix_directly"
	NextRegenerate     = "regenerate"
	NextEnvironmentFix = "environment_fix"
)

// Diagnosis is the structured verdict on a failed execution.
type Diagnosis struct {
	Status     string   `json:"status,omitempty"`
	NextAction string   `json:"next_action,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Summary    string   `json:"summary,omitempty"`
}

// Empty reports whether the generation service gave no usable verdict.
func (d *Diagnosis) Empty() bool {
	return d == nil || (d.Status == "" && d.NextAction == "" && d.Confidence == nil && d.Summary == "")
}

// FixAttempt describes one direct-repair attempt.
type FixAttempt struct {
	Target      string `json:"target,omitempty"`
	Content     string `json:"-"`
	SyntaxValid bool   `json:"syntax_valid"`
	Applied     bool   `json:"applied"`
	Repaired    bool   `json:"repaired,omitempty"`
	Diff        string `json:"diff,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// LoopSummary is the digest carried into the next regeneration.
type LoopSummary struct {
	Task       string     `json:"task"`
	RootCause  string     `json:"root_cause"`
	Fixes      string     `json:"fixes"`
	DepsChange bool       `json:"deps_change"`
	Risks      []string   `json:"risks"`
	NextFocus  string     `json:"next_focus"`
	Diagnosis  *Diagnosis `json:"errors,omitempty"`
}

// Plugin describes the generated artifact.
type Plugin struct {
	Files        map[string]string `json:"files"`
	AdapterMode  string            `json:"adapter_mode,omitempty"`
	MainEntry    string            `json:"main_entry,omitempty"`
	Requirements []string          `json:"requirements,omitempty"`
}

// Dependencies records which dependency manifests the repository declares.
type Dependencies struct {
	EnvironmentYML  bool `json:"has_environment_yml"`
	RequirementsTxt bool `json:"has_requirements_txt"`
	Pyproject       bool `json:"pyproject"`
	SetupCfg        bool `json:"setup_cfg"`
	SetupPy         bool `json:"setup_py"`
}

// Analysis is the Analyze stage output. Detail is opaque to the core.
type Analysis struct {
	Packages     []string        `json:"packages"`
	EntryPoints  json.RawMessage `json:"entry_points,omitempty"`
	Dependencies Dependencies    `json:"dependencies"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	Detail       json.RawMessage `json:"llm_analysis,omitempty"`
	AdapterMode  string          `json:"adapter_mode,omitempty"`
}

// RetryReason is recorded each time the artifact is regenerated.
type RetryReason struct {
	Attempt int       `json:"retry_count"`
	Reason  string    `json:"reason"`
	Time    time.Time `json:"timestamp"`
}

// StageHistoryEntry records one executed stage.
type StageHistoryEntry struct {
	Stage          string `json:"stage"`
	Next           string `json:"next"`
	Duration       string `json:"duration"`
	WorkflowStatus string `json:"workflow_status"`
}

// State is the record threaded through every stage.
type State struct {
	Version              int                        `json:"version"`
	RunID                string                     `json:"run_id"`
	Repository           Repository                 `json:"repository"`
	Status               string                     `json:"status"`
	WorkflowStatus       string                     `json:"workflow_status"`
	Analysis             *Analysis                  `json:"analysis,omitempty"`
	Env                  *Environment               `json:"env,omitempty"`
	Plugin               *Plugin                    `json:"plugin,omitempty"`
	Tests                Tests                      `json:"tests"`
	RunResult            *ExecutionResult           `json:"run_result,omitempty"`
	PreviousRuns         []ExecutionResult          `json:"previous_run_results,omitempty"`
	Errors               []ErrorRecord              `json:"errors"`
	Warnings             []string                   `json:"warnings"`
	FixRetryCount        int                        `json:"fix_retry_count"`
	GenerationRetryCount int                        `json:"generation_retry_count"`
	MaxFixRetries        int                        `json:"max_fix_retries"`
	MaxGenerationRetries int                        `json:"max_generation_retries"`
	Diagnosis            *Diagnosis                 `json:"error_analysis,omitempty"`
	LastFix              *FixAttempt                `json:"last_fix,omitempty"`
	FixApplied           bool                       `json:"fix_applied"`
	LoopSummary          *LoopSummary               `json:"loop_summary,omitempty"`
	RetryReasons         []RetryReason              `json:"retry_reasons,omitempty"`
	Stages               []StageHistoryEntry        `json:"stages"`
	Extra                map[string]json.RawMessage `json:"extra,omitempty"`
	StartedAt            time.Time                  `json:"started_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
}

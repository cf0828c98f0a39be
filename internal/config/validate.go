package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedProviders is the set of valid llm.provider values.
var recognizedProviders = map[string]bool{
	"openai":   true,
	"deepseek": true,
	"qwen":     true,
	"ollama":   true,
}

// recognizedStages may carry an llm override.
var recognizedStages = map[string]bool{
	"analyze":  true,
	"generate": true,
	"review":   true,
	"finalize": true,
}

var recognizedLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks a Config for semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	p := cfg.Pipeline
	if p.Workspace == "" {
		add("pipeline.workspace", "is required")
	}
	if p.MaxFixRetries < 0 {
		add("pipeline.max_fix_retries", "must be >= 0, got %d", p.MaxFixRetries)
	}
	if p.MaxGenerationRetries < 0 {
		add("pipeline.max_generation_retries", "must be >= 0, got %d", p.MaxGenerationRetries)
	}
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 1 {
		add("pipeline.confidence_floor", "must be within [0, 1], got %v", p.ConfidenceFloor)
	}

	for field, v := range map[string]string{
		"timeouts.env":   cfg.Timeouts.Env,
		"timeouts.run":   cfg.Timeouts.Run,
		"timeouts.clone": cfg.Timeouts.Clone,
		"timeouts.llm":   cfg.Timeouts.LLM,
		"llm.timeout":    cfg.LLM.Timeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			add(field, "invalid duration %q", v)
		}
	}

	switch cfg.Environment.Prefer {
	case "conda", "venv":
	default:
		add("environment.prefer", "must be conda or venv, got %q", cfg.Environment.Prefer)
	}

	if !recognizedProviders[cfg.LLM.Provider] {
		add("llm.provider", "unrecognized provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		add("llm.temperature", "must be within [0, 2], got %v", cfg.LLM.Temperature)
	}
	for stage, o := range cfg.LLM.Overrides {
		if !recognizedStages[stage] {
			add("llm.overrides."+stage, "unknown stage %q", stage)
		}
		if o.Provider != "" && !recognizedProviders[o.Provider] {
			add("llm.overrides."+stage+".provider", "unrecognized provider %q", o.Provider)
		}
	}

	if !recognizedLevels[cfg.Logging.Level] {
		add("logging.level", "unrecognized level %q", cfg.Logging.Level)
	}

	return errs
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Find when no config file exists.
var ErrNotFound = errors.New("no factory config found")

// Default budgets and settings.
const (
	DefaultMaxFixRetries        = 10
	DefaultMaxGenerationRetries = 5
	DefaultConfidenceFloor      = 0.3
	DefaultServicePackage       = "fastmcp"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it applies defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Find returns the first config file in the standard locations.
// Search order: ./factory.yaml, ~/.factory/config.yaml
func Find() (string, error) {
	candidates := []string{"factory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".factory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w (searched: %v)", ErrNotFound, candidates)
}

// LoadDefault loads the first config found in the standard locations, or
// the built-in defaults when none exists.
func LoadDefault() (*Config, error) {
	path, err := Find()
	if errors.Is(err, ErrNotFound) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// applyDefaults fills unset values.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.Workspace == "" {
		p.Workspace = "workspace"
	}
	if p.MaxFixRetries == 0 {
		p.MaxFixRetries = DefaultMaxFixRetries
	}
	if p.MaxGenerationRetries == 0 {
		p.MaxGenerationRetries = DefaultMaxGenerationRetries
	}
	if p.ConfidenceFloor == 0 {
		p.ConfidenceFloor = DefaultConfidenceFloor
	}
	if p.OutputTailBytes == 0 {
		p.OutputTailBytes = 8000
	}
	if p.ServicePackage == "" {
		p.ServicePackage = DefaultServicePackage
	}

	t := &cfg.Timeouts
	if t.Env == "" {
		t.Env = "30m"
	}
	if t.Run == "" {
		t.Run = "5m"
	}
	if t.Clone == "" {
		t.Clone = "10m"
	}
	if t.LLM == "" {
		t.LLM = "10m"
	}

	e := &cfg.Environment
	if e.Prefer == "" {
		e.Prefer = "conda"
	}
	if e.PythonVersion == "" {
		e.PythonVersion = "3.10"
	}

	l := &cfg.LLM
	if l.Provider == "" {
		l.Provider = "openai"
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = 10
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = 8192
	}
	if l.Timeout == "" {
		l.Timeout = "600s"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8089"
	}
}

package config

import "time"

// Config is the top-level configuration parsed from factory YAML.
type Config struct {
	Pipeline    Pipeline    `yaml:"pipeline"`
	Timeouts    Timeouts    `yaml:"timeouts"`
	Environment Environment `yaml:"environment"`
	LLM         LLM         `yaml:"llm"`
	Database    Database    `yaml:"database"`
	Logging     Logging     `yaml:"logging"`
	Metrics     Metrics     `yaml:"metrics"`
	Server      Server      `yaml:"server"`
}

// Pipeline holds the retry budgets and workspace layout.
type Pipeline struct {
	Workspace            string  `yaml:"workspace"`
	MaxFixRetries        int     `yaml:"max_fix_retries"`
	MaxGenerationRetries int     `yaml:"max_generation_retries"`
	ConfidenceFloor      float64 `yaml:"confidence_floor"`
	OutputTailBytes      int     `yaml:"output_tail_bytes"`
	ServicePackage       string  `yaml:"service_package"`
}

// Timeouts are Go duration strings ("30m", "300s").
type Timeouts struct {
	Env   string `yaml:"env"`
	Run   string `yaml:"run"`
	Clone string `yaml:"clone"`
	LLM   string `yaml:"llm"`
}

// Environment configures the provisioner.
type Environment struct {
	Prefer        string `yaml:"prefer"` // "conda" or "venv"
	PythonVersion string `yaml:"python_version"`
	HostPython    string `yaml:"host_python"`
}

// LLM configures the generation service.
type LLM struct {
	Provider    string                 `yaml:"provider"`
	Model       string                 `yaml:"model"`
	BaseURL     string                 `yaml:"base_url"`
	APIKey      string                 `yaml:"api_key"`
	Temperature float64                `yaml:"temperature"`
	MaxTokens   int                    `yaml:"max_tokens"`
	Timeout     string                 `yaml:"timeout"`
	MaxRetries  int                    `yaml:"max_retries"`
	Overrides   map[string]LLMOverride `yaml:"overrides"`
}

// LLMOverride replaces the provider or model for one stage.
type LLMOverride struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Database configures the optional run ledger.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Logging configures the rotating log file.
type Logging struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Metrics configures the prometheus textfile export.
type Metrics struct {
	Textfile string `yaml:"textfile"`
}

// Server configures the status server.
type Server struct {
	Addr string `yaml:"addr"`
}

// Duration parses s, falling back when empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

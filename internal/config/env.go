package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// ReadEnvFile parses a .env file into a map. Supports both "KEY=VALUE" and
// "export KEY=VALUE" lines; surrounding quotes are stripped. A missing file
// yields an empty map.
func ReadEnvFile(path string) map[string]string {
	vars := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return vars
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		vars[key] = val
	}
	return vars
}

// LoadDotEnv exports variables from a .env file into the process
// environment without overriding ones already set.
func LoadDotEnv(path string) {
	for k, v := range ReadEnvFile(path) {
		if _, ok := os.LookupEnv(k); !ok {
			os.Setenv(k, v)
		}
	}
}

// providerPrefix maps a provider to its env variable prefix.
var providerPrefix = map[string]string{
	"openai":   "OPENAI",
	"deepseek": "DEEPSEEK",
	"qwen":     "QWEN",
}

// ApplyEnv overlays environment variables onto cfg. getenv is usually
// os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("MODEL_PROVIDER"); v != "" {
		cfg.LLM.Provider = strings.ToLower(v)
	}
	if prefix, ok := providerPrefix[cfg.LLM.Provider]; ok {
		if v := getenv(prefix + "_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
		if v := getenv(prefix + "_BASE_URL"); v != "" {
			cfg.LLM.BaseURL = v
		}
		if v := getenv(prefix + "_MODEL"); v != "" {
			cfg.LLM.Model = v
		}
	}
	if cfg.LLM.Provider == "ollama" {
		if v := getenv("OLLAMA_BASE_URL"); v != "" {
			cfg.LLM.BaseURL = v
		}
		if v := getenv("OLLAMA_MODEL"); v != "" {
			cfg.LLM.Model = v
		}
	}
	if v := getenv("MODEL_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LLM.Temperature = f
		}
	}
	if v := getenv("MODEL_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLM.MaxTokens = n
		}
	}
	if v := getenv("MODEL_TIMEOUT"); v != "" {
		// bare numbers are seconds
		if _, err := strconv.Atoi(v); err == nil {
			v += "s"
		}
		cfg.LLM.Timeout = v
	}
	if v := getenv("MODEL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLM.MaxRetries = n
		}
	}
	if v := getenv("FACTORY_DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := getenv("FACTORY_WORKSPACE"); v != "" {
		cfg.Pipeline.Workspace = v
	}
}

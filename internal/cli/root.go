package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// ErrRunFailed is returned when a pipeline run ends in failure. main maps
// it to exit status 1 without printing it again.
var ErrRunFailed = errors.New("run failed")

var (
	configFile   string
	logLevel     string
	templatesDir string
	envFile      string
)

var rootCmd = &cobra.Command{
	Use:   "factory",
	Short: "servicefactory turns Python repositories into runnable MCP services",
	Long: `servicefactory clones a Python repository, analyzes it, provisions an isolated
environment, generates an MCP service wrapper, runs it, and repairs failures
through bounded fix and regeneration loops.

Each run leaves its artifacts under <workspace>/<repo>/mcp_output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to factory config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&templatesDir, "templates", "", "directory of prompt template overrides")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the process environment")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(templatesCmd)
}

// loadConfig resolves the config file, then overlays .env and the process
// environment.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if envFile != "" {
		config.LoadDotEnv(envFile)
	}
	config.ApplyEnv(cfg, getenv)
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

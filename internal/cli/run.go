package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/workspace"
)

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run <repo-url>",
	Short: "Convert one repository into an MCP service",
	Long: `Run the full pipeline for one repository: download, analyze, provision,
generate, execute, review (fix or regenerate as budgets allow), finalize.

Exits 0 when the generated service starts, 1 otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd, &runOpts)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signalContext(cmd)
		defer stop()

		name, _ := cmd.Flags().GetString("name")
		s, err := a.orch.Run(ctx, args[0], name)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if err := writeJSON(cmd, pipeline.Info(s)); err != nil {
				return err
			}
		} else {
			printRun(cmd, s, a.cfg.Pipeline.Workspace)
		}
		if s.WorkflowStatus != pipeline.StatusSuccess {
			return ErrRunFailed
		}
		return nil
	},
}

func printRun(cmd *cobra.Command, s *pipeline.State, ws string) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Repository:    %s (%s)\n", s.Repository.Name, s.Repository.URL)
	fmt.Fprintf(w, "Run:           %s\n", s.RunID)
	fmt.Fprintf(w, "Status:        %s\n", s.WorkflowStatus)
	fmt.Fprintf(w, "Fix attempts:  %d/%d\n", s.FixRetryCount, s.MaxFixRetries)
	fmt.Fprintf(w, "Regenerations: %d/%d\n", s.GenerationRetryCount, s.MaxGenerationRetries)
	out := s.Repository.Paths.Output
	if out == "" {
		out = filepath.Join(ws, s.Repository.Name, workspace.OutputDir)
	}
	fmt.Fprintf(w, "Output:        %s\n", out)
	if n := len(s.Errors); n > 0 {
		e := s.Errors[n-1]
		fmt.Fprintf(w, "Last error:    [%s] %s: %s\n", e.Stage, e.Kind, firstLine(e.Message))
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func init() {
	runOpts.register(runCmd)
	runCmd.Flags().String("name", "", "repository name (default: derived from the URL)")
	runCmd.Flags().String("format", "text", "Output format: text or json")
}

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/workspace"
)

var statusCmd = &cobra.Command{
	Use:   "status [repo|dir]",
	Short: "Show the runs in the workspace, or the summary of one",
	Long: `Without arguments, list every run under the workspace.

With a repository name, or a directory holding a run (the repository
directory or its mcp_output), show that run's workflow summary.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if ws, _ := cmd.Flags().GetString("workspace"); ws != "" {
			cfg.Pipeline.Workspace = ws
		}
		format, _ := cmd.Flags().GetString("format")

		if len(args) == 1 {
			return showRun(cmd, runDir(cfg.Pipeline.Workspace, args[0]), format)
		}

		filter, _ := cmd.Flags().GetString("status")
		infos, err := pipeline.ListRuns(cfg.Pipeline.Workspace, filter)
		if err != nil {
			return err
		}
		if format == "json" {
			if infos == nil {
				infos = []pipeline.RunInfo{}
			}
			return writeJSON(cmd, infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-24s %-10s %-10s %-4s %-5s %s\n", "REPO", "STATUS", "STAGE", "FIX", "REGEN", "UPDATED")
		fmt.Fprintf(w, "%-24s %-10s %-10s %-4s %-5s %s\n",
			strings.Repeat("-", 24),
			strings.Repeat("-", 10),
			strings.Repeat("-", 10),
			strings.Repeat("-", 4),
			strings.Repeat("-", 5),
			strings.Repeat("-", 16))
		for _, info := range infos {
			name := info.Name
			if len(name) > 24 {
				name = name[:21] + "..."
			}
			fmt.Fprintf(w, "%-24s %-10s %-10s %-4d %-5d %s\n",
				name, info.WorkflowStatus, info.LastStage, info.FixRetryCount, info.GenerationRetryCount,
				info.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

// runDir resolves a status argument to the directory holding the run's
// persisted files.
func runDir(ws, arg string) string {
	for _, dir := range []string{arg, filepath.Join(arg, workspace.OutputDir)} {
		for _, f := range []string{pipeline.SummaryFile, pipeline.StateFile} {
			if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
				return dir
			}
		}
	}
	return filepath.Join(ws, arg, workspace.OutputDir)
}

// showRun prints the workflow summary of one run, falling back to its state
// when the run never produced a summary.
func showRun(cmd *cobra.Command, dir, format string) error {
	store := pipeline.NewStore(dir)
	var summary map[string]interface{}
	err := store.Load(pipeline.SummaryFile, &summary)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	st, stErr := store.LoadState()
	if err != nil && stErr != nil {
		return fmt.Errorf("no run found in %s", dir)
	}

	if format == "json" {
		if summary != nil {
			return writeJSON(cmd, summary)
		}
		return writeJSON(cmd, st)
	}
	if st == nil {
		return writeJSON(cmd, summary)
	}
	printRun(cmd, st, filepath.Dir(filepath.Dir(dir)))
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "Stages:")
	for _, h := range st.Stages {
		fmt.Fprintf(w, "  %-10s -> %-16s %-8s %s\n", h.Stage, h.Next, h.WorkflowStatus, h.Duration)
	}
	return nil
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("status", "", "only runs with this workflow status")
	statusCmd.Flags().String("workspace", "", "workspace directory (overrides pipeline.workspace)")
}

package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run ledger management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply run ledger schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openLedger()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Run ledger schema is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the run ledger (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to reset the run ledger without --yes")
		}
		database, err := openLedger()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Run ledger reset.")
		return nil
	},
}

var dbRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openLedger()
		if err != nil {
			return err
		}
		defer database.Close()

		repo, _ := cmd.Flags().GetString("repo")
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := database.ListRuns(repo, limit)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tREPO\tSTATUS\tFIX\tREGEN\tERRORS\tSTARTED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", shortID(r.RunID), r.RepoName, r.WorkflowStatus,
				r.FixRetryCount, r.GenerationRetryCount, r.ErrorCount, r.StartedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func openLedger() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("no run ledger configured: set database.dsn or FACTORY_DATABASE_URL")
	}
	return db.Open(cfg.Database.DSN)
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbRunsCmd.Flags().String("repo", "", "only runs of this repository")
	dbRunsCmd.Flags().Int("limit", 50, "maximum number of runs")
	dbRunsCmd.Flags().String("format", "text", "Output format: text or json")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbRunsCmd)
}

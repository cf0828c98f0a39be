package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/db"
	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local run dashboard",
	Long: `Start a read-only browser UI showing the runs under the workspace, their
stage history and generation reports, plus Prometheus metrics on /metrics.

When a run ledger is configured its rows are served on /api/ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if ws, _ := cmd.Flags().GetString("workspace"); ws != "" {
			cfg.Pipeline.Workspace = ws
		}

		log := logging.New(logging.Options{
			File:     cfg.Logging.File,
			Level:    cfg.Logging.Level,
			JSON:     cfg.Logging.JSON,
			Progress: cmd.ErrOrStderr(),
		})
		defer log.Close()

		var database *db.DB
		if cfg.Database.DSN != "" {
			database, err = db.Open(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer database.Close()
			if err := database.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}

		ctx, stop := signalContext(cmd)
		defer stop()
		return web.NewServer(cfg.Pipeline.Workspace, database, cfg.Server.Addr, log).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().String("workspace", "", "workspace directory (overrides pipeline.workspace)")
}

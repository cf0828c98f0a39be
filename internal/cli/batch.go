package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

var batchOpts runFlags

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Convert every repository listed in a file, one after another",
	Long: `Read repository URLs from a file (one per line; blank lines and lines
starting with # are ignored) and run the pipeline for each in turn.
Use "-" to read from stdin. Exits 1 if any run failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open batch file: %w", err)
			}
			defer f.Close()
			r = f
		}
		urls, err := readURLs(r)
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No repositories listed.")
			return nil
		}

		a, cleanup, err := newApp(cmd, &batchOpts)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signalContext(cmd)
		defer stop()

		results := a.orch.Batch(ctx, urls)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if err := writeJSON(cmd, results); err != nil {
				return err
			}
		} else {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REPO\tSTATUS\tFIX\tREGEN\tDURATION\tERROR")
			for _, res := range results {
				msg := res.Error
				if len(msg) > 60 {
					msg = msg[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", res.Name, res.Status, res.FixRetries, res.GenRetries, res.Duration, msg)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		failed := 0
		for _, res := range results {
			if res.Status != pipeline.StatusSuccess {
				failed++
			}
		}
		if skipped := len(urls) - len(results); skipped > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d repositories skipped after interrupt\n", skipped)
			failed += skipped
		}
		if failed > 0 {
			return ErrRunFailed
		}
		return nil
	},
}

// readURLs returns the non-empty, non-comment lines of r.
func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return urls, nil
}

func init() {
	batchOpts.register(batchCmd)
	batchCmd.Flags().String("format", "text", "Output format: text or json")
}

package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Summarize recorded runs from the run ledger",
	Long: `Query the run ledger for stage durations, review routing, fix-round
distribution, failure points and weekly throughput.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceFlag, _ := cmd.Flags().GetString("since")
		since, err := analytics.ParseSince(sinceFlag, time.Now())
		if err != nil {
			return err
		}

		database, err := openLedger()
		if err != nil {
			return err
		}
		defer database.Close()

		report, err := analytics.Build(database, since)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, report)
		}
		return printReport(cmd, report)
	},
}

func printReport(cmd *cobra.Command, r *analytics.Report) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "STAGE DURATIONS (s)")
	fmt.Fprintln(w, "STAGE\tCOUNT\tAVG\tP50\tP95")
	for _, d := range r.StageDurations {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", d.Stage, d.Count, d.Avg, d.P50, d.P95)
	}

	fmt.Fprintln(w, "\nREVIEW ROUTING")
	fmt.Fprintln(w, "NEXT\tCOUNT\tPCT")
	for _, o := range r.ReviewOutcomes {
		fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", o.Next, o.Count, o.Pct)
	}

	fmt.Fprintln(w, "\nFIX ROUNDS")
	fmt.Fprintln(w, "STATUS\tRUNS\t0\t1\t2\t3+\tREGEN\tAVG")
	for _, d := range r.Retries {
		fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f\n",
			d.Status, d.Total, d.Zero, d.One, d.Two, d.ThreePlus, d.Regenerated, d.AvgFixRounds)
	}

	fmt.Fprintln(w, "\nFAILURE POINTS")
	fmt.Fprintln(w, "STAGE\tCOUNT\tPCT\tKINDS")
	for _, f := range r.FailurePoints {
		fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%s\n", f.Stage, f.Count, f.Pct, f.CommonKinds)
	}

	fmt.Fprintln(w, "\nTHROUGHPUT")
	fmt.Fprintln(w, "WEEK\tSTARTED\tSUCCEEDED\tFAILED\tAVG MIN")
	for _, t := range r.Throughput {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n", t.Period, t.Started, t.Succeeded, t.Failed, t.AvgDuration)
	}
	return w.Flush()
}

func init() {
	analyticsCmd.Flags().String("since", "", "window start: 7d, 36h or 2006-01-02 (default: all time)")
	analyticsCmd.Flags().String("format", "text", "Output format: text or json")
}

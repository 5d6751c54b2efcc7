package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/metagame-cli/internal/pipeline"
	"github.com/sells-group/metagame-cli/internal/stats"
)

var (
	reportWindow     windowFlags
	reportUnknown    bool
	reportDrawPolicy string
	reportSealedOnly bool
	reportTable      bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Compute metagame share, winrates and matchups from the cache",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("report"); err != nil {
			return err
		}
		filter, err := reportWindow.filter()
		if err != nil {
			return err
		}
		filter.SealedOnly = reportSealedOnly

		opts := cfg.Stats.Options()
		if cmd.Flags().Changed("include-unknown") {
			opts.IncludeUnknown = reportUnknown
		}
		if reportDrawPolicy != "" {
			opts.DrawPolicy = stats.DrawPolicy(reportDrawPolicy)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := pipeline.Report(ctx, st, filter, opts)
		if err != nil {
			return eris.Wrap(err, "report")
		}

		if reportTable {
			formatReport(os.Stdout, rep)
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func formatReport(w io.Writer, rep *stats.Report) {
	fmt.Fprintf(w, "%s: %d tournaments, %d decks (%d classified, %d unclassified)\n\n",
		rep.Format, rep.Tournaments, rep.Decks, rep.Classified, rep.Unclassified)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARCHETYPE\tDECKS\tSHARE\tW-L-D\tWINRATE\tINTERVAL\tTIER")
	for _, a := range rep.Archetypes {
		interval := "-"
		if a.Interval != nil {
			interval = fmt.Sprintf("%.1f%%..%.1f%%", a.Interval.Lower*100, a.Interval.Upper*100)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d-%d-%d\t%s\t%s\t%s\n",
			a.Name, a.Decks, percent(a.Share), a.Wins, a.Losses, a.Draws, percent(a.Winrate), interval, a.Tier)
	}
	tw.Flush()
}

func percent(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *p*100)
}

func init() {
	reportWindow.register(reportCmd)
	reportCmd.Flags().BoolVar(&reportUnknown, "include-unknown", false, "count Unknown decks in share and matchups")
	reportCmd.Flags().StringVar(&reportDrawPolicy, "draw-policy", "", "exclude or half (default from config)")
	reportCmd.Flags().BoolVar(&reportSealedOnly, "sealed-only", false, "only use completed, sealed tournaments")
	reportCmd.Flags().BoolVar(&reportTable, "table", false, "print a table instead of JSON")
	rootCmd.AddCommand(reportCmd)
}

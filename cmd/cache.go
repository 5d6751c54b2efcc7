package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the tournament cache",
	Long:  "Commands for summarizing cached tournaments, quarantined input and recorded fetch failures.",
}

// -- cache status --

type scopeStatus struct {
	Source   string
	Format   string
	Entries  int
	Sealed   int
	Decks    int
	Labelled int
	Newest   time.Time
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize cached tournaments per source and format",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		src, _ := cmd.Flags().GetString("source")
		format, _ := cmd.Flags().GetString("format")

		entries, err := st.List(ctx, store.EntryFilter{Source: src, Format: format})
		if err != nil {
			return eris.Wrap(err, "cache status")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Cache is empty.")
			return nil
		}
		formatCacheStatus(os.Stdout, summarizeEntries(entries))
		return nil
	},
}

func summarizeEntries(entries []model.CacheEntry) []scopeStatus {
	byScope := make(map[[2]string]*scopeStatus)
	for _, e := range entries {
		k := [2]string{e.Key.Source, e.Key.Format}
		s, ok := byScope[k]
		if !ok {
			s = &scopeStatus{Source: k[0], Format: k[1]}
			byScope[k] = s
		}
		s.Entries++
		if e.Sealed {
			s.Sealed++
		}
		for _, d := range e.Record.Decks {
			s.Decks++
			if d.Archetype != nil {
				s.Labelled++
			}
		}
		if e.Record.Tournament.Date.After(s.Newest) {
			s.Newest = e.Record.Tournament.Date
		}
	}

	out := make([]scopeStatus, 0, len(byScope))
	for _, s := range byScope {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Format < out[j].Format
	})
	return out
}

func formatCacheStatus(w io.Writer, rows []scopeStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tFORMAT\tTOURNAMENTS\tSEALED\tOPEN\tDECKS\tLABELLED\tNEWEST")
	for _, r := range rows {
		newest := "-"
		if !r.Newest.IsZero() {
			newest = r.Newest.Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Source, r.Format, r.Entries, r.Sealed, r.Entries-r.Sealed, r.Decks, r.Labelled, newest)
	}
	tw.Flush()
}

// -- cache quarantine --

var cacheQuarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "List decks and records rejected by validation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		src, _ := cmd.Flags().GetString("source")
		format, _ := cmd.Flags().GetString("format")
		reason, _ := cmd.Flags().GetString("reason")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListQuarantine(ctx, store.QuarantineFilter{
			Source: src,
			Format: format,
			Reason: reason,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "cache quarantine")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing quarantined.")
			return nil
		}
		formatQuarantine(os.Stdout, entries)
		return nil
	},
}

func formatQuarantine(w io.Writer, entries []store.QuarantineEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKEY\tPLAYER\tREASON\tDETAIL")
	for _, q := range entries {
		player := q.Player
		if player == "" {
			player = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			q.CreatedAt.Format(time.DateTime), q.Key, player, q.Reason, truncate(q.Detail, 60))
	}
	tw.Flush()
}

// -- cache failures --

var cacheFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List tournaments whose fetch failed after retries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		failures, err := st.ListFetchFailures(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "cache failures")
		}
		if len(failures) == 0 {
			fmt.Fprintln(os.Stderr, "No fetch failures recorded.")
			return nil
		}
		formatFailures(os.Stdout, failures)
		return nil
	},
}

func formatFailures(w io.Writer, failures []resilience.FetchFailure) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAILED\tKEY\tKIND\tATTEMPTS\tERROR")
	for _, f := range failures {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			f.FailedAt.Format(time.DateTime), f.Key, f.Kind, f.Attempts, truncate(f.Error, 80))
	}
	tw.Flush()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func init() {
	cacheStatusCmd.Flags().String("source", "", "filter by source")
	cacheStatusCmd.Flags().String("format", "", "filter by format")

	cacheQuarantineCmd.Flags().String("source", "", "filter by source")
	cacheQuarantineCmd.Flags().String("format", "", "filter by format")
	cacheQuarantineCmd.Flags().String("reason", "", "filter by rejection reason")
	cacheQuarantineCmd.Flags().Int("limit", 50, "max entries to show")

	cacheFailuresCmd.Flags().Int("limit", 50, "max failures to show")

	cacheCmd.AddCommand(cacheStatusCmd, cacheQuarantineCmd, cacheFailuresCmd)
	rootCmd.AddCommand(cacheCmd)
}

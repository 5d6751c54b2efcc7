package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/pipeline"
)

var (
	runWindow windowFlags
	runJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest tournaments for a format and date window",
	Long:  "Lists every enabled source, fetches only tournaments the cache is missing or has not sealed, merges them and classifies the window.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		start, end, err := runWindow.dates()
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, runErr := env.Engine.Run(ctx, pipeline.Request{
			Format:  runWindow.format,
			Start:   start,
			End:     end,
			Sources: runWindow.sources,
		})
		if res != nil {
			if runJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				formatRunResult(os.Stdout, res)
			}
		}
		if runErr != nil {
			return eris.Wrap(runErr, "run")
		}

		t := res.Totals()
		zap.L().Info("run finished",
			zap.String("format", res.Format),
			zap.Int("fetched", t.Fetched),
			zap.Int("failed", t.Failed),
			zap.Int("quarantined", t.Quarantined),
			zap.Int("classified", res.Classified),
		)
		return nil
	},
}

func formatRunResult(w io.Writer, res *pipeline.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tLISTED\tMISSING\tINSERTED\tUPDATED\tUNCHANGED\tSEALED\tNOT FOUND\tFAILED\tQUARANTINED\tSKIPPED\tDURATION\tERROR")
	row := func(s pipeline.Summary) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			s.Source, s.Listed, s.Missing, s.Inserted, s.Updated, s.Unchanged, s.SealedRejects,
			s.NotFound, s.Failed, s.Quarantined, s.Skipped, s.Duration.Round(time.Millisecond), s.Fatal)
	}
	for _, s := range res.Sources {
		row(s)
	}
	if len(res.Sources) > 1 {
		row(res.Totals())
	}
	tw.Flush()
	fmt.Fprintf(w, "\nClassified %d decks.\n", res.Classified)
}

func init() {
	runWindow.register(runCmd)
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run result as JSON")
	rootCmd.AddCommand(runCmd)
}

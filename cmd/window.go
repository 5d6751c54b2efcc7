package main

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/metagame-cli/internal/store"
)

// windowFlags are the selection flags shared by run, classify and report.
type windowFlags struct {
	format  string
	start   string
	end     string
	sources []string
}

func (w *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&w.format, "format", "", "game format, e.g. modern (required)")
	cmd.Flags().StringVar(&w.start, "start", "", "first event date, YYYY-MM-DD")
	cmd.Flags().StringVar(&w.end, "end", "", "last event date, YYYY-MM-DD (inclusive)")
	cmd.Flags().StringSliceVar(&w.sources, "source", nil, "limit to these sources (repeatable)")
	_ = cmd.MarkFlagRequired("format")
}

// dates parses the window. end is returned as the start of its day.
func (w *windowFlags) dates() (time.Time, time.Time, error) {
	start, err := parseDay(w.start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDay(w.end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, eris.Errorf("--end %s is before --start %s", w.end, w.start)
	}
	return start, end, nil
}

// filter builds a cache filter that includes the whole end day.
func (w *windowFlags) filter() (store.EntryFilter, error) {
	start, end, err := w.dates()
	if err != nil {
		return store.EntryFilter{}, err
	}
	if !end.IsZero() {
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	f := store.EntryFilter{Format: w.format, Start: start, End: end}
	if len(w.sources) == 1 {
		f.Source = w.sources[0]
	} else if len(w.sources) > 1 {
		return store.EntryFilter{}, eris.New("only one --source can be used to filter the cache")
	}
	return f, nil
}

func parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

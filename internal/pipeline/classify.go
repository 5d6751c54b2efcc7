package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/archetype"
	"github.com/sells-group/metagame-cli/internal/stats"
	"github.com/sells-group/metagame-cli/internal/store"
)

// Classify labels every cached deck matching filter with the rule set for
// filter.Format and stores the labels as annotations. It returns the number
// of decks labelled. Labels never touch the cached payload, so sealed
// entries are relabelled too.
func (e *Engine) Classify(ctx context.Context, filter store.EntryFilter) (int, error) {
	if e.rules == nil {
		return 0, eris.New("pipeline: no rule loader configured")
	}
	if filter.Format == "" {
		return 0, eris.New("pipeline: classify needs a format")
	}
	rs, err := e.rules.Load(ctx, filter.Format)
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: load rules for %s", filter.Format)
	}
	c, err := archetype.NewClassifier(rs)
	if err != nil {
		return 0, err
	}

	entries, err := e.store.List(ctx, filter)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list entries")
	}

	labelled := 0
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return labelled, eris.Wrap(err, "pipeline: classify canceled")
		}
		anns := c.ClassifyRecord(&entries[i].Record)
		if err := e.store.SetAnnotations(ctx, entries[i].Key, anns); err != nil {
			return labelled, eris.Wrapf(err, "pipeline: annotate %s", entries[i].Key)
		}
		labelled += len(anns)
	}
	e.metrics.ClassifiedTotal.WithLabelValues(filter.Format).Add(float64(labelled))
	zap.L().Info("classified",
		zap.String("component", "pipeline"),
		zap.String("format", filter.Format),
		zap.Int("tournaments", len(entries)),
		zap.Int("decks", labelled),
	)
	return labelled, nil
}

// Report aggregates the cached, labelled decks matching filter.
func Report(ctx context.Context, st store.Store, filter store.EntryFilter, opts stats.Options) (*stats.Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	entries, err := st.List(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list entries")
	}
	if opts.Format == "" {
		opts.Format = filter.Format
	}
	return stats.Aggregate(stats.InputsFromEntries(entries), opts), nil
}

// Package pipeline orchestrates an ingestion run: list each source, fetch
// what the cache is missing, validate, merge, then classify.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/metagame-cli/internal/archetype"
	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
	"github.com/sells-group/metagame-cli/internal/store"
)

// SourceOptions bound how hard the engine drives one source.
type SourceOptions struct {
	Concurrency    int
	RequestTimeout time.Duration
	Retry          resilience.RetryConfig
	Breaker        resilience.CircuitBreakerConfig
}

// DefaultSourceOptions returns conservative per-source limits.
func DefaultSourceOptions() SourceOptions {
	return SourceOptions{
		Concurrency:    4,
		RequestTimeout: 30 * time.Second,
		Retry:          resilience.DefaultRetryConfig(),
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// Engine runs ingestion against a set of adapters and one store.
type Engine struct {
	sources   *source.Registry
	store     store.Store
	rules     archetype.Loader
	defaults  SourceOptions
	perSource map[string]SourceOptions
	metrics   *Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules enables the classification step using l.
func WithRules(l archetype.Loader) Option {
	return func(e *Engine) { e.rules = l }
}

// WithDefaults sets the options used for sources without an override.
func WithDefaults(o SourceOptions) Option {
	return func(e *Engine) { e.defaults = o }
}

// WithSourceOptions overrides the options of one source.
func WithSourceOptions(name string, o SourceOptions) Option {
	return func(e *Engine) { e.perSource[name] = o }
}

// New creates an Engine.
func New(sources *source.Registry, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		sources:   sources,
		store:     st,
		defaults:  DefaultSourceOptions(),
		perSource: make(map[string]SourceOptions),
		metrics:   NewMetrics(),
	}
	for _, fn := range opts {
		fn(e)
	}
	return e
}

// Request selects what a run ingests.
type Request struct {
	Format string
	Start  time.Time
	End    time.Time
	// Sources limits the run to the named sources; empty means all.
	Sources []string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Format) == "" {
		return eris.New("pipeline: format is required")
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return eris.Errorf("pipeline: end %s before start %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return nil
}

func (e *Engine) optionsFor(name string) SourceOptions {
	o, ok := e.perSource[name]
	if !ok {
		o = e.defaults
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

// Run ingests every selected source in parallel and then classifies the
// window. Per-tournament failures are counted, never returned. Run returns
// an error only when every source failed or the request is invalid; the
// Result is populated either way.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	adapters, err := e.sources.Select(req.Sources)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: select sources")
	}
	if len(adapters) == 0 {
		return nil, eris.New("pipeline: no sources configured")
	}

	log := zap.L().With(zap.String("component", "pipeline"), zap.String("format", req.Format))
	log.Info("run starting", zap.Int("sources", len(adapters)))

	res := &Result{Format: req.Format, Start: req.Start, End: req.End, Sources: make([]Summary, len(adapters))}

	// Sources never cancel each other, so a plain group without a derived
	// context is enough.
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			res.Sources[i] = e.runSource(ctx, a, req)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, s := range res.Sources {
		if !s.OK() {
			failed++
		}
	}
	if failed == len(res.Sources) {
		return res, eris.Errorf("pipeline: all %d sources failed", failed)
	}
	if err := ctx.Err(); err != nil {
		return res, eris.Wrap(err, "pipeline: run canceled")
	}

	if e.rules != nil {
		n, err := e.Classify(ctx, store.EntryFilter{Format: req.Format, Start: req.Start, End: req.End})
		if err != nil {
			return res, err
		}
		res.Classified = n
	}

	e.metrics.LastRunTimestamp.SetToCurrentTime()
	log.Info("run complete", zap.Int("classified", res.Classified))
	return res, nil
}

func (e *Engine) runSource(ctx context.Context, a source.Adapter, req Request) Summary {
	start := time.Now()
	name := a.Name()
	opts := e.optionsFor(name)
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("source", name))

	t := &tally{s: Summary{Source: name}}
	defer func() {
		t.add(func(s *Summary) { s.Duration = time.Since(start) })
	}()
	fatal := func(err error) Summary {
		log.Error("source failed", zap.String("kind", string(resilience.KindOf(err))), zap.Error(err))
		t.add(func(s *Summary) {
			s.Fatal = err.Error()
			s.Duration = time.Since(start)
		})
		return t.snapshot()
	}

	listRetry := opts.Retry
	listRetry.OnRetry = resilience.RetryLogger(name, "list")
	listings, _, err := resilience.DoVal(ctx, listRetry, func(ctx context.Context) ([]source.Listing, error) {
		lctx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
		defer cancel()
		return a.ListTournaments(lctx, req.Format, req.Start, req.End)
	})
	if err != nil {
		return fatal(eris.Wrapf(err, "pipeline: list %s", name))
	}
	e.metrics.ListedTotal.WithLabelValues(name).Add(float64(len(listings)))

	missing, err := e.store.Missing(ctx, listings)
	if err != nil {
		return fatal(eris.Wrap(err, "pipeline: missing"))
	}
	t.add(func(s *Summary) {
		s.Listed = len(listings)
		s.Missing = len(missing)
	})
	log.Info("listed", zap.Int("listed", len(listings)), zap.Int("missing", len(missing)))

	breakerCfg := opts.Breaker
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		log.Warn("circuit breaker state change", zap.Stringer("from", from), zap.Stringer("to", to))
		e.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	}
	breaker := resilience.NewCircuitBreaker(breakerCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, l := range missing {
		if gctx.Err() != nil {
			skipped := len(missing) - i
			t.add(func(s *Summary) { s.Skipped += skipped })
			break
		}
		g.Go(func() error {
			return e.ingest(gctx, a, l, opts, breaker, t)
		})
	}
	if err := g.Wait(); err != nil {
		return fatal(err)
	}
	if err := ctx.Err(); err != nil {
		log.Warn("source interrupted", zap.Error(err))
	}

	sum := t.snapshot()
	sum.Duration = time.Since(start)
	log.Info("source complete",
		zap.Int("fetched", sum.Fetched),
		zap.Int("inserted", sum.Inserted),
		zap.Int("updated", sum.Updated),
		zap.Int("failed", sum.Failed),
		zap.Int("quarantined", sum.Quarantined),
		zap.Int("skipped", sum.Skipped),
	)
	return sum
}

// ingest fetches, validates and merges one tournament. Only errors that
// end the whole source are returned.
func (e *Engine) ingest(ctx context.Context, a source.Adapter, l source.Listing, opts SourceOptions, breaker *resilience.CircuitBreaker, t *tally) error {
	name := a.Name()
	key := l.Key
	log := zap.L().With(zap.String("source", name), zap.String("key", key.String()))

	if ctx.Err() != nil {
		t.add(func(s *Summary) { s.Skipped++ })
		return nil
	}

	retry := opts.Retry
	retry.OnRetry = resilience.RetryLogger(name, key.String())
	started := time.Now()
	rec, attempts, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.Record, error) {
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*model.Record, error) {
			fctx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
			defer cancel()
			return a.FetchTournamentDetail(fctx, key.Format, key.TournamentID)
		})
	})
	e.metrics.FetchDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())

	if err != nil {
		return e.fetchFailed(ctx, key, err, attempts, t, log)
	}
	e.metrics.FetchTotal.WithLabelValues(name, "ok").Inc()
	t.add(func(s *Summary) { s.Fetched++ })

	if rec.Key() != key {
		log.Warn("source returned a different key", zap.String("got", rec.Key().String()))
		rec.Tournament.Key = key
	}

	clean, violations := model.Partition(rec)
	if len(violations) > 0 {
		e.quarantine(ctx, rec, violations, log)
		n := rejectedCount(clean, violations)
		t.add(func(s *Summary) { s.Quarantined += n })
	}
	if clean == nil {
		return nil
	}

	// A fetched tournament is merged as a unit even if the run is being
	// canceled; the store commits it atomically.
	outcome, err := e.store.Merge(context.WithoutCancel(ctx), clean)
	if err != nil {
		log.Error("merge failed", zap.Error(err))
		t.add(func(s *Summary) { s.Failed++ })
		return nil
	}
	e.metrics.MergeTotal.WithLabelValues(name, string(outcome)).Inc()
	t.add(func(s *Summary) {
		switch outcome {
		case store.MergeInserted:
			s.Inserted++
		case store.MergeUpdated:
			s.Updated++
		case store.MergeUnchanged:
			s.Unchanged++
		case store.MergeRejectedSealed:
			s.SealedRejects++
		}
	})
	log.Debug("merged", zap.String("outcome", string(outcome)), zap.Int("attempts", attempts))
	return nil
}

func (e *Engine) fetchFailed(ctx context.Context, key model.Key, err error, attempts int, t *tally, log *zap.Logger) error {
	kind := resilience.KindOf(err)
	e.metrics.FetchTotal.WithLabelValues(key.Source, string(kind)).Inc()

	var se *model.StructuralError
	switch {
	case errors.Is(err, resilience.ErrSourceFatal), errors.Is(err, resilience.ErrAuthRequired):
		return eris.Wrapf(err, "pipeline: %s", key.Source)
	case errors.Is(err, resilience.ErrCircuitOpen), ctx.Err() != nil:
		t.add(func(s *Summary) { s.Skipped++ })
		return nil
	case errors.As(err, &se):
		rec := &model.Record{Tournament: model.Tournament{Key: key}}
		e.quarantine(ctx, rec, se.Violations, log)
		t.add(func(s *Summary) { s.Quarantined++ })
		return nil
	case errors.Is(err, resilience.ErrNotFound):
		log.Info("tournament not found, skipping", zap.Error(err))
		t.add(func(s *Summary) { s.NotFound++ })
	default:
		log.Warn("fetch failed", zap.String("kind", string(kind)), zap.Int("attempts", attempts), zap.Error(err))
		t.add(func(s *Summary) { s.Failed++ })
	}

	f := resilience.NewFetchFailure(key, err, attempts, time.Now())
	if rerr := e.store.RecordFetchFailure(context.WithoutCancel(ctx), f); rerr != nil {
		log.Error("record fetch failure", zap.Error(rerr))
	}
	return nil
}

// rejectedCount counts what a validation pass quarantined: each dropped
// deck once, or the whole tournament once when clean is nil.
func rejectedCount(clean *model.Record, violations []model.Violation) int {
	if clean == nil {
		return 1
	}
	decks := make(map[string]bool, len(violations))
	for _, v := range violations {
		decks[v.Player] = true
	}
	return len(decks)
}

func (e *Engine) quarantine(ctx context.Context, rec *model.Record, violations []model.Violation, log *zap.Logger) {
	decks := make(map[string]model.Deck, len(rec.Decks))
	for _, d := range rec.Decks {
		decks[d.Player] = d
	}
	for _, v := range violations {
		var payload any = rec
		if d, ok := decks[v.Player]; ok && v.DeckScoped() {
			payload = d
		}
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error("encode quarantine payload", zap.Error(err))
		}
		q := store.QuarantineEntry{
			Key:     rec.Key(),
			Player:  v.Player,
			Reason:  v.Reason,
			Detail:  v.Detail,
			Payload: data,
		}
		if err := e.store.Quarantine(context.WithoutCancel(ctx), q); err != nil {
			log.Error("quarantine write failed", zap.String("reason", v.Reason), zap.Error(err))
			continue
		}
		e.metrics.QuarantineTotal.WithLabelValues(rec.Key().Source, v.Reason).Inc()
		log.Warn("quarantined", zap.String("reason", v.Reason), zap.String("player", v.Player), zap.String("detail", v.Detail))
	}
}

package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/archetype"
	"github.com/sells-group/metagame-cli/internal/config"
	"github.com/sells-group/metagame-cli/internal/fetcher"
	"github.com/sells-group/metagame-cli/internal/pipeline"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
	"github.com/sells-group/metagame-cli/internal/source/eventapi"
	"github.com/sells-group/metagame-cli/internal/source/htmlsite"
	"github.com/sells-group/metagame-cli/internal/store"
)

// pipelineEnv holds the store, the source registry and the engine needed by
// the run, classify and serve commands.
type pipelineEnv struct {
	Store   store.Store
	Sources *source.Registry
	Engine  *pipeline.Engine
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the config for mode, opens the store and builds
// the engine. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	reg, err := buildRegistry(cfg, source.EnvCredentials{})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithDefaults(sourceOptions(cfg.Fetch, config.SourceConfig{}))}
	for _, name := range reg.Names() {
		opts = append(opts, pipeline.WithSourceOptions(name, sourceOptions(cfg.Fetch, cfg.Sources[name])))
	}
	if cfg.Rules.Dir != "" {
		opts = append(opts, pipeline.WithRules(archetype.YAMLLoader{
			Dir:            cfg.Rules.Dir,
			CardColorsPath: cfg.Rules.CardColors,
		}))
	}

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("sources", reg.Names()),
	)

	return &pipelineEnv{
		Store:   st,
		Sources: reg,
		Engine:  pipeline.New(reg, st, opts...),
	}, nil
}

// buildRegistry creates one adapter per enabled source, each with its own
// paced HTTP fetcher.
func buildRegistry(c *config.Config, creds source.CredentialProvider) (*source.Registry, error) {
	reg := source.NewRegistry()
	for _, name := range c.EnabledSources() {
		sc := c.Fetch.Resolve(c.Sources[name])
		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			Source:            name,
			UserAgent:         c.Fetch.UserAgent,
			Timeout:           time.Duration(sc.TimeoutSecs) * time.Second,
			RequestsPerSecond: sc.RequestsPerSec,
			Burst:             1,
		})

		switch kind := sc.AdapterType(name); kind {
		case "eventapi":
			reg.Register(eventapi.New(sc.BaseURL, creds, eventapi.WithName(name), eventapi.WithFetcher(f)))
		case "htmlsite":
			reg.Register(htmlsite.New(sc.BaseURL, htmlsite.WithName(name), htmlsite.WithFetcher(f)))
		default:
			return nil, eris.Errorf("unknown adapter type %q for source %s", kind, name)
		}
	}
	return reg, nil
}

// sourceOptions resolves the engine limits for one source.
func sourceOptions(f config.FetchConfig, s config.SourceConfig) pipeline.SourceOptions {
	s = f.Resolve(s)
	return pipeline.SourceOptions{
		Concurrency:    s.Concurrency,
		RequestTimeout: time.Duration(s.TimeoutSecs) * time.Second,
		Retry:          resilience.FromRetryConfig(s.MaxAttempts, f.InitialBackoffMs, f.MaxBackoffMs),
		Breaker:        resilience.FromCircuitConfig(s.BreakerThreshold, f.BreakerResetSeconds),
	}
}

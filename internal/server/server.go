// Package server exposes cached metagame data, reports and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/pipeline"
	"github.com/sells-group/metagame-cli/internal/stats"
	"github.com/sells-group/metagame-cli/internal/store"
)

// Runner starts ingestion runs. *pipeline.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	Stats          stats.Options
	RequestTimeout time.Duration
}

// Server wires handlers to a store and an optional runner.
type Server struct {
	store  store.Store
	runner Runner
	opts   Options
	// runCtx bounds background runs started over HTTP.
	runCtx context.Context
}

// New creates a Server. runner may be nil, which disables POST /api/v1/runs.
func New(ctx context.Context, st store.Store, runner Runner, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{store: st, runner: runner, opts: opts, runCtx: ctx}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
		r.Get("/report", s.handleReport)
		r.Get("/tournaments", s.handleListTournaments)
		r.Get("/tournaments/{source}/{format}/{id}", s.handleGetTournament)
		r.Get("/quarantine", s.handleQuarantine)
		r.Get("/failures", s.handleFailures)
		r.Post("/runs", s.handleStartRun)
	})
	return r
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Format == "" {
		writeError(w, http.StatusBadRequest, eris.New("format is required"))
		return
	}

	opts := s.opts.Stats
	q := r.URL.Query()
	if v := q.Get("include_unknown"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid include_unknown %q", v))
			return
		}
		opts.IncludeUnknown = b
	}
	if v := q.Get("draw_policy"); v != "" {
		opts.DrawPolicy = stats.DrawPolicy(v)
	}
	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rep, err := pipeline.Report(r.Context(), s.store, filter, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type tournamentSummary struct {
	Key      model.Key    `json:"key"`
	Name     string       `json:"name"`
	Date     time.Time    `json:"date"`
	Status   model.Status `json:"status"`
	Decks    int          `json:"decks"`
	Sealed   bool         `json:"sealed"`
	MergedAt time.Time    `json:"merged_at"`
}

func (s *Server) handleListTournaments(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]tournamentSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, tournamentSummary{
			Key:      e.Key,
			Name:     e.Record.Tournament.Name,
			Date:     e.Record.Tournament.Date,
			Status:   e.Record.Tournament.Status,
			Decks:    len(e.Record.Decks),
			Sealed:   e.Sealed,
			MergedAt: e.MergedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTournament(w http.ResponseWriter, r *http.Request) {
	key := model.Key{
		Source:       chi.URLParam(r, "source"),
		Format:       chi.URLParam(r, "format"),
		TournamentID: chi.URLParam(r, "id"),
	}
	entry, err := s.store.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, eris.Errorf("tournament %s not cached", key))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.store.ListQuarantine(r.Context(), store.QuarantineFilter{
		Source: q.Get("source"),
		Format: q.Get("format"),
		Reason: q.Get("reason"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []store.QuarantineEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	failures, err := s.store.ListFetchFailures(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

type runRequest struct {
	Format  string   `json:"format"`
	Start   string   `json:"start"`
	End     string   `json:"end"`
	Sources []string `json:"sources"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, eris.New("ingestion is not enabled on this server"))
		return
	}
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if body.Format == "" {
		writeError(w, http.StatusBadRequest, eris.New("format is required"))
		return
	}
	start, err := parseDate(body.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := parseDate(body.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := pipeline.Request{Format: body.Format, Start: start, End: end, Sources: body.Sources}

	go func() {
		res, err := s.runner.Run(s.runCtx, req)
		if err != nil {
			zap.L().Error("http-triggered run failed", zap.String("format", req.Format), zap.Error(err))
			return
		}
		t := res.Totals()
		zap.L().Info("http-triggered run complete",
			zap.String("format", req.Format),
			zap.Int("fetched", t.Fetched),
			zap.Int("quarantined", t.Quarantined),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "format": req.Format})
}

func entryFilter(r *http.Request) (store.EntryFilter, error) {
	q := r.URL.Query()
	start, err := parseDate(q.Get("start"))
	if err != nil {
		return store.EntryFilter{}, err
	}
	end, err := parseDate(q.Get("end"))
	if err != nil {
		return store.EntryFilter{}, err
	}
	if !end.IsZero() {
		// Make the end date inclusive of the whole day.
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	sealed, _ := strconv.ParseBool(q.Get("sealed"))
	return store.EntryFilter{
		Source:     q.Get("source"),
		Format:     q.Get("format"),
		Start:      start,
		End:        end,
		SealedOnly: sealed,
	}, nil
}

func parseDate(s string) (time.Time, error) {
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

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

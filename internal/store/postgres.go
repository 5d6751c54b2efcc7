package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/db"
	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var entryColumns = []string{
	"source", "format", "tournament_id", "bucket", "event_date", "status", "sealed", "payload", "merged_at",
}

// entryUpsertSQL only updates open entries whose payload actually changed,
// so a returned row means inserted or updated and no row means sealed or
// unchanged.
var entryUpsertSQL = func() string {
	sql, err := db.UpsertSQL(db.UpsertConfig{
		Table:        "entries",
		Columns:      entryColumns,
		ConflictKeys: []string{"source", "format", "tournament_id"},
		Where:        "entries.sealed = FALSE AND entries.payload IS DISTINCT FROM EXCLUDED.payload",
		Returning:    "(xmax = 0) AS inserted",
	})
	if err != nil {
		panic(err)
	}
	return sql
}()

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts ...Option) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	o := buildOptions(opts)
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: o.now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entries (
	source        TEXT NOT NULL,
	format        TEXT NOT NULL,
	tournament_id TEXT NOT NULL,
	bucket        TEXT NOT NULL,
	event_date    TIMESTAMPTZ,
	status        TEXT NOT NULL,
	sealed        BOOLEAN NOT NULL DEFAULT FALSE,
	payload       JSONB NOT NULL,
	merged_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source, format, tournament_id)
);

CREATE TABLE IF NOT EXISTS annotations (
	source        TEXT NOT NULL,
	format        TEXT NOT NULL,
	tournament_id TEXT NOT NULL,
	player        TEXT NOT NULL,
	archetype     TEXT NOT NULL,
	colors        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (source, format, tournament_id, player)
);

CREATE TABLE IF NOT EXISTS quarantine (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source        TEXT NOT NULL,
	format        TEXT NOT NULL,
	tournament_id TEXT NOT NULL,
	player        TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL,
	detail        TEXT NOT NULL DEFAULT '',
	payload       JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fetch_failures (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source        TEXT NOT NULL,
	format        TEXT NOT NULL,
	tournament_id TEXT NOT NULL,
	kind          TEXT NOT NULL,
	error         TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	failed_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entries_scope_date ON entries(source, format, event_date);
CREATE INDEX IF NOT EXISTS idx_entries_sealed ON entries(sealed);
CREATE INDEX IF NOT EXISTS idx_quarantine_key ON quarantine(source, format, tournament_id);
CREATE INDEX IF NOT EXISTS idx_fetch_failures_key ON fetch_failures(source, format, tournament_id);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate implements Store.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// Missing implements Store.
func (s *PostgresStore) Missing(ctx context.Context, listings []source.Listing) ([]source.Listing, error) {
	kinds := permanentKinds()
	skip := make(map[model.Key]bool)
	for scope, group := range groupByScope(listings) {
		ids := make([]string, len(group))
		for i, l := range group {
			ids[i] = l.Key.TournamentID
		}
		rows, err := s.pool.Query(ctx,
			`SELECT tournament_id FROM entries
			 WHERE source = $1 AND format = $2 AND sealed AND tournament_id = ANY($3)
			 UNION
			 SELECT tournament_id FROM fetch_failures
			 WHERE source = $1 AND format = $2 AND tournament_id = ANY($3) AND kind = ANY($4)`,
			scope[0], scope[1], ids, kinds,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: query skipped keys")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan skipped key")
			}
			skip[model.Key{Source: scope[0], Format: scope[1], TournamentID: id}] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "postgres: iterate skipped keys")
		}
	}
	return excludeKeys(listings, skip), nil
}

// Merge implements Store.
func (s *PostgresStore) Merge(ctx context.Context, rec *model.Record) (MergeOutcome, error) {
	payload, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	key := rec.Key()

	var eventDate *time.Time
	if !rec.Tournament.Date.IsZero() {
		d := rec.Tournament.Date.UTC()
		eventDate = &d
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: merge: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		outcome  MergeOutcome
		inserted bool
	)
	err = tx.QueryRow(ctx, entryUpsertSQL,
		key.Source, key.Format, key.TournamentID, model.Bucket(rec.Tournament.Date), eventDate,
		string(rec.Tournament.Status), rec.Tournament.Complete(), string(payload), s.clock(),
	).Scan(&inserted)
	switch {
	case err == nil && inserted:
		outcome = MergeInserted
	case err == nil:
		outcome = MergeUpdated
	case errors.Is(err, pgx.ErrNoRows):
		var sealed bool
		if err := tx.QueryRow(ctx,
			`SELECT sealed FROM entries WHERE source = $1 AND format = $2 AND tournament_id = $3`,
			key.Source, key.Format, key.TournamentID,
		).Scan(&sealed); err != nil {
			return "", eris.Wrapf(err, "postgres: merge: read %s", key)
		}
		outcome = MergeUnchanged
		if sealed {
			outcome = MergeRejectedSealed
			zap.L().Debug("merge on sealed key ignored", zap.String("key", key.String()))
		}
	default:
		return "", eris.Wrapf(err, "postgres: merge: upsert %s", key)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM fetch_failures WHERE source = $1 AND format = $2 AND tournament_id = $3`,
		key.Source, key.Format, key.TournamentID,
	); err != nil {
		return "", eris.Wrap(err, "postgres: merge: clear fetch failures")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: merge: commit")
	}
	return outcome, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key model.Key) (*model.CacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT source, format, tournament_id, payload, sealed, merged_at FROM entries
		 WHERE source = $1 AND format = $2 AND tournament_id = $3`,
		key.Source, key.Format, key.TournamentID,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s", key)
	}

	anns, err := s.Annotations(ctx, key)
	if err != nil {
		return nil, err
	}
	applyAnnotations(&entry.Record, anns)
	return entry, nil
}

func postgresEntryWhere(f EntryFilter) (string, []any) {
	where := ` WHERE TRUE`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.Source != "" {
		add("e.source = $%d", f.Source)
	}
	if f.Format != "" {
		add("e.format = $%d", f.Format)
	}
	if !f.Start.IsZero() {
		add("e.event_date >= $%d", f.Start.UTC())
	}
	if !f.End.IsZero() {
		add("e.event_date <= $%d", f.End.UTC())
	}
	if f.SealedOnly {
		where += ` AND e.sealed`
	}
	return where, args
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, filter EntryFilter) ([]model.CacheEntry, error) {
	where, args := postgresEntryWhere(filter)

	rows, err := s.pool.Query(ctx,
		`SELECT e.source, e.format, e.tournament_id, e.payload, e.sealed, e.merged_at FROM entries e`+where+
			` ORDER BY e.source, e.format, e.tournament_id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entries")
	}
	var entries []model.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		entries = append(entries, *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate entries")
	}

	arows, err := s.pool.Query(ctx,
		`SELECT a.source, a.format, a.tournament_id, a.player, a.archetype, a.colors
		 FROM annotations a JOIN entries e ON e.source = a.source
		   AND e.format = a.format AND e.tournament_id = a.tournament_id`+where,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list annotations")
	}
	defer arows.Close()

	anns := make(map[model.Key]map[string]model.Annotation)
	for arows.Next() {
		var k model.Key
		var a model.Annotation
		if err := arows.Scan(&k.Source, &k.Format, &k.TournamentID, &a.Player, &a.Archetype, &a.Colors); err != nil {
			return nil, eris.Wrap(err, "postgres: scan annotation")
		}
		if anns[k] == nil {
			anns[k] = make(map[string]model.Annotation)
		}
		anns[k][a.Player] = a
	}
	if err := arows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate annotations")
	}

	for i := range entries {
		applyAnnotations(&entries[i].Record, anns[entries[i].Key])
	}
	return entries, nil
}

// Annotations implements Store.
func (s *PostgresStore) Annotations(ctx context.Context, key model.Key) (map[string]model.Annotation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT player, archetype, colors FROM annotations
		 WHERE source = $1 AND format = $2 AND tournament_id = $3`,
		key.Source, key.Format, key.TournamentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: annotations %s", key)
	}
	defer rows.Close()

	out := make(map[string]model.Annotation)
	for rows.Next() {
		var a model.Annotation
		if err := rows.Scan(&a.Player, &a.Archetype, &a.Colors); err != nil {
			return nil, eris.Wrap(err, "postgres: scan annotation")
		}
		out[a.Player] = a
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate annotations")
}

// SetAnnotations implements Store. It replaces every label for key.
func (s *PostgresStore) SetAnnotations(ctx context.Context, key model.Key, anns []model.Annotation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: annotations: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM annotations WHERE source = $1 AND format = $2 AND tournament_id = $3`,
		key.Source, key.Format, key.TournamentID,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear annotations %s", key)
	}
	for _, a := range anns {
		if _, err := tx.Exec(ctx,
			`INSERT INTO annotations (source, format, tournament_id, player, archetype, colors) VALUES ($1, $2, $3, $4, $5, $6)`,
			key.Source, key.Format, key.TournamentID, a.Player, a.Archetype, a.Colors,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert annotation %s/%s", key, a.Player)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: annotations: commit")
}

// Quarantine implements Store.
func (s *PostgresStore) Quarantine(ctx context.Context, q QuarantineEntry) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.clock()
	}
	var payload *string
	if len(q.Payload) > 0 {
		p := string(q.Payload)
		payload = &p
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quarantine (id, source, format, tournament_id, player, reason, detail, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		q.ID, q.Key.Source, q.Key.Format, q.Key.TournamentID, q.Player, q.Reason, q.Detail, payload, q.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: quarantine %s", q.Key)
}

// ListQuarantine implements Store.
func (s *PostgresStore) ListQuarantine(ctx context.Context, filter QuarantineFilter) ([]QuarantineEntry, error) {
	query := `SELECT id, source, format, tournament_id, player, reason, detail, payload, created_at FROM quarantine WHERE TRUE`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}
	if filter.Source != "" {
		add("source = $%d", filter.Source)
	}
	if filter.Format != "" {
		add("format = $%d", filter.Format)
	}
	if filter.Reason != "" {
		add("reason = $%d", filter.Reason)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quarantine")
	}
	defer rows.Close()

	var out []QuarantineEntry
	for rows.Next() {
		var q QuarantineEntry
		var payload []byte
		if err := rows.Scan(&q.ID, &q.Key.Source, &q.Key.Format, &q.Key.TournamentID,
			&q.Player, &q.Reason, &q.Detail, &payload, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quarantine")
		}
		if len(payload) > 0 {
			q.Payload = json.RawMessage(payload)
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate quarantine")
}

// RecordFetchFailure implements Store.
func (s *PostgresStore) RecordFetchFailure(ctx context.Context, f resilience.FetchFailure) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fetch_failures (id, source, format, tournament_id, kind, error, attempts, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.Key.Source, f.Key.Format, f.Key.TournamentID, string(f.Kind), f.Error, f.Attempts, f.FailedAt,
	)
	return eris.Wrapf(err, "postgres: record fetch failure %s", f.Key)
}

// ListFetchFailures implements Store.
func (s *PostgresStore) ListFetchFailures(ctx context.Context, limit int) ([]resilience.FetchFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, format, tournament_id, kind, error, attempts, failed_at
		 FROM fetch_failures ORDER BY failed_at DESC, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fetch failures")
	}
	defer rows.Close()

	var out []resilience.FetchFailure
	for rows.Next() {
		var f resilience.FetchFailure
		var kind string
		if err := rows.Scan(&f.ID, &f.Key.Source, &f.Key.Format, &f.Key.TournamentID,
			&kind, &f.Error, &f.Attempts, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fetch failure")
		}
		f.Kind = resilience.Kind(kind)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate fetch failures")
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time keeps read-decide-write merges serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	o := buildOptions(opts)
	return &SQLiteStore{db: db, now: o.now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entries (
	source        TEXT NOT NULL,
	format        TEXT NOT NULL,
	tournament_id TEXT NOT NULL,
	bucket        TEXT NOT NULL,
	event_date    INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	sealed        INTEGER NOT NULL DEFAULT 0,
	payload       TEXT NOT NULL,
	merged_at     DATETIME NOT NULL,
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
	id            TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	format        TEXT NOT NULL,
	tournament_id TEXT NOT NULL,
	player        TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL,
	detail        TEXT NOT NULL DEFAULT '',
	payload       TEXT,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fetch_failures (
	id            TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	format        TEXT NOT NULL,
	tournament_id TEXT NOT NULL,
	kind          TEXT NOT NULL,
	error         TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	failed_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_scope_date ON entries(source, format, event_date);
CREATE INDEX IF NOT EXISTS idx_entries_sealed ON entries(sealed);
CREATE INDEX IF NOT EXISTS idx_quarantine_key ON quarantine(source, format, tournament_id);
CREATE INDEX IF NOT EXISTS idx_fetch_failures_key ON fetch_failures(source, format, tournament_id);
`

// Migrate implements Store.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Missing implements Store.
func (s *SQLiteStore) Missing(ctx context.Context, listings []source.Listing) ([]source.Listing, error) {
	kinds := permanentKinds()
	failureQuery := `SELECT DISTINCT tournament_id FROM fetch_failures WHERE source = ? AND format = ? AND kind IN (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(kinds)), ", ") + `)`
	skip := make(map[model.Key]bool)
	for scope := range groupByScope(listings) {
		if err := s.collectIDs(ctx, skip, scope,
			`SELECT tournament_id FROM entries WHERE source = ? AND format = ? AND sealed = 1`,
			scope[0], scope[1],
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: query sealed keys")
		}
		args := []any{scope[0], scope[1]}
		for _, k := range kinds {
			args = append(args, k)
		}
		if err := s.collectIDs(ctx, skip, scope, failureQuery, args...); err != nil {
			return nil, eris.Wrap(err, "sqlite: query permanent failures")
		}
	}
	return excludeKeys(listings, skip), nil
}

// collectIDs adds every tournament_id returned by query to into, keyed
// within scope.
func (s *SQLiteStore) collectIDs(ctx context.Context, into map[model.Key]bool, scope [2]string, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		into[model.Key{Source: scope[0], Format: scope[1], TournamentID: id}] = true
	}
	return rows.Err()
}

// Merge implements Store.
func (s *SQLiteStore) Merge(ctx context.Context, rec *model.Record) (MergeOutcome, error) {
	payload, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	key := rec.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: merge: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		current []byte
		sealed  bool
		exists  = true
	)
	err = tx.QueryRowContext(ctx,
		`SELECT payload, sealed FROM entries WHERE source = ? AND format = ? AND tournament_id = ?`,
		key.Source, key.Format, key.TournamentID,
	).Scan(&current, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return "", eris.Wrapf(err, "sqlite: merge: read %s", key)
	}

	outcome := decide(exists, sealed, current, payload)
	switch outcome {
	case MergeInserted, MergeUpdated:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (source, format, tournament_id, bucket, event_date, status, sealed, payload, merged_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source, format, tournament_id) DO UPDATE SET
			   bucket = excluded.bucket, event_date = excluded.event_date, status = excluded.status,
			   sealed = excluded.sealed, payload = excluded.payload, merged_at = excluded.merged_at
			 WHERE entries.sealed = 0`,
			key.Source, key.Format, key.TournamentID,
			model.Bucket(rec.Tournament.Date), rec.Tournament.Date.Unix(),
			string(rec.Tournament.Status), rec.Tournament.Complete(), string(payload), s.now().UTC(),
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: merge: upsert %s", key)
		}
	case MergeRejectedSealed:
		zap.L().Debug("merge on sealed key ignored", zap.String("key", key.String()))
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fetch_failures WHERE source = ? AND format = ? AND tournament_id = ?`,
		key.Source, key.Format, key.TournamentID,
	); err != nil {
		return "", eris.Wrap(err, "sqlite: merge: clear fetch failures")
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: merge: commit")
	}
	return outcome, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key model.Key) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source, format, tournament_id, payload, sealed, merged_at FROM entries
		 WHERE source = ? AND format = ? AND tournament_id = ?`,
		key.Source, key.Format, key.TournamentID,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s", key)
	}

	anns, err := s.Annotations(ctx, key)
	if err != nil {
		return nil, err
	}
	applyAnnotations(&entry.Record, anns)
	return entry, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, filter EntryFilter) ([]model.CacheEntry, error) {
	where, args := sqliteEntryWhere(filter)

	rows, err := s.db.QueryContext(ctx,
		`SELECT source, format, tournament_id, payload, sealed, merged_at FROM entries`+where+
			` ORDER BY source, format, tournament_id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entries")
	}
	var entries []model.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan entry")
		}
		entries = append(entries, *e)
	}
	if err := rows.Close(); err != nil {
		return nil, eris.Wrap(err, "sqlite: close rows")
	}

	anns, err := s.annotationsFor(ctx, where, args)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		applyAnnotations(&entries[i].Record, anns[entries[i].Key])
	}
	return entries, nil
}

func sqliteEntryWhere(f EntryFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if f.Source != "" {
		where += ` AND entries.source = ?`
		args = append(args, f.Source)
	}
	if f.Format != "" {
		where += ` AND entries.format = ?`
		args = append(args, f.Format)
	}
	if !f.Start.IsZero() {
		where += ` AND entries.event_date >= ?`
		args = append(args, f.Start.Unix())
	}
	if !f.End.IsZero() {
		where += ` AND entries.event_date <= ?`
		args = append(args, f.End.Unix())
	}
	if f.SealedOnly {
		where += ` AND entries.sealed = 1`
	}
	return where, args
}

func (s *SQLiteStore) annotationsFor(ctx context.Context, where string, args []any) (map[model.Key]map[string]model.Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.source, a.format, a.tournament_id, a.player, a.archetype, a.colors
		 FROM annotations a JOIN entries ON entries.source = a.source
		   AND entries.format = a.format AND entries.tournament_id = a.tournament_id`+where,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list annotations")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.Key]map[string]model.Annotation)
	for rows.Next() {
		var k model.Key
		var a model.Annotation
		if err := rows.Scan(&k.Source, &k.Format, &k.TournamentID, &a.Player, &a.Archetype, &a.Colors); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan annotation")
		}
		if out[k] == nil {
			out[k] = make(map[string]model.Annotation)
		}
		out[k][a.Player] = a
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate annotations")
}

// Annotations implements Store.
func (s *SQLiteStore) Annotations(ctx context.Context, key model.Key) (map[string]model.Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT player, archetype, colors FROM annotations
		 WHERE source = ? AND format = ? AND tournament_id = ?`,
		key.Source, key.Format, key.TournamentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: annotations %s", key)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]model.Annotation)
	for rows.Next() {
		var a model.Annotation
		if err := rows.Scan(&a.Player, &a.Archetype, &a.Colors); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan annotation")
		}
		out[a.Player] = a
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate annotations")
}

// SetAnnotations implements Store. It replaces every label for key.
func (s *SQLiteStore) SetAnnotations(ctx context.Context, key model.Key, anns []model.Annotation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: annotations: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM annotations WHERE source = ? AND format = ? AND tournament_id = ?`,
		key.Source, key.Format, key.TournamentID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear annotations %s", key)
	}
	for _, a := range anns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO annotations (source, format, tournament_id, player, archetype, colors) VALUES (?, ?, ?, ?, ?, ?)`,
			key.Source, key.Format, key.TournamentID, a.Player, a.Archetype, a.Colors,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert annotation %s/%s", key, a.Player)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: annotations: commit")
}

// Quarantine implements Store.
func (s *SQLiteStore) Quarantine(ctx context.Context, q QuarantineEntry) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now().UTC()
	}
	var payload *string
	if len(q.Payload) > 0 {
		p := string(q.Payload)
		payload = &p
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quarantine (id, source, format, tournament_id, player, reason, detail, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Key.Source, q.Key.Format, q.Key.TournamentID, q.Player, q.Reason, q.Detail, payload, q.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: quarantine %s", q.Key)
}

// ListQuarantine implements Store.
func (s *SQLiteStore) ListQuarantine(ctx context.Context, filter QuarantineFilter) ([]QuarantineEntry, error) {
	query := `SELECT id, source, format, tournament_id, player, reason, detail, payload, created_at FROM quarantine WHERE 1=1`
	var args []any
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Format != "" {
		query += ` AND format = ?`
		args = append(args, filter.Format)
	}
	if filter.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, filter.Reason)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quarantine")
	}
	defer rows.Close() //nolint:errcheck

	var out []QuarantineEntry
	for rows.Next() {
		var q QuarantineEntry
		var payload sql.NullString
		if err := rows.Scan(&q.ID, &q.Key.Source, &q.Key.Format, &q.Key.TournamentID,
			&q.Player, &q.Reason, &q.Detail, &payload, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quarantine")
		}
		if payload.Valid {
			q.Payload = json.RawMessage(payload.String)
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate quarantine")
}

// RecordFetchFailure implements Store.
func (s *SQLiteStore) RecordFetchFailure(ctx context.Context, f resilience.FetchFailure) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_failures (id, source, format, tournament_id, kind, error, attempts, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Key.Source, f.Key.Format, f.Key.TournamentID, string(f.Kind), f.Error, f.Attempts, f.FailedAt,
	)
	return eris.Wrapf(err, "sqlite: record fetch failure %s", f.Key)
}

// ListFetchFailures implements Store.
func (s *SQLiteStore) ListFetchFailures(ctx context.Context, limit int) ([]resilience.FetchFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, format, tournament_id, kind, error, attempts, failed_at
		 FROM fetch_failures ORDER BY failed_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fetch failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.FetchFailure
	for rows.Next() {
		var f resilience.FetchFailure
		var kind string
		if err := rows.Scan(&f.ID, &f.Key.Source, &f.Key.Format, &f.Key.TournamentID,
			&kind, &f.Error, &f.Attempts, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fetch failure")
		}
		f.Kind = resilience.Kind(kind)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate fetch failures")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.CacheEntry, error) {
	var (
		e       model.CacheEntry
		payload []byte
	)
	if err := row.Scan(&e.Key.Source, &e.Key.Format, &e.Key.TournamentID, &payload, &e.Sealed, &e.MergedAt); err != nil {
		return nil, err
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return nil, err
	}
	e.Record = rec
	e.MergedAt = e.MergedAt.UTC()
	return &e, nil
}

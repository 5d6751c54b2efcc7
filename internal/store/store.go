// Package store persists merged tournament records keyed by
// (source, format, tournament id), together with derived annotations,
// quarantined input and fetch failures.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
)

// MergeOutcome describes what a Merge did.
type MergeOutcome string

const (
	MergeInserted       MergeOutcome = "inserted"
	MergeUpdated        MergeOutcome = "updated"
	MergeUnchanged      MergeOutcome = "unchanged"
	MergeRejectedSealed MergeOutcome = "rejected_sealed"
)

// EntryFilter selects cached entries. Zero fields do not filter.
type EntryFilter struct {
	Source     string    `json:"source,omitempty"`
	Format     string    `json:"format,omitempty"`
	Start      time.Time `json:"start,omitempty"`
	End        time.Time `json:"end,omitempty"`
	SealedOnly bool      `json:"sealed_only,omitempty"`
}

// Match reports whether an entry with the given key, date and seal state
// passes the filter. Start and End are inclusive.
func (f EntryFilter) Match(key model.Key, date time.Time, sealed bool) bool {
	if f.Source != "" && key.Source != f.Source {
		return false
	}
	if f.Format != "" && key.Format != f.Format {
		return false
	}
	if !f.Start.IsZero() && date.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && date.After(f.End) {
		return false
	}
	if f.SealedOnly && !sealed {
		return false
	}
	return true
}

// QuarantineEntry is input rejected by structural validation. Nothing is
// silently dropped: every rejected deck or record lands here.
type QuarantineEntry struct {
	ID        string          `json:"id"`
	Key       model.Key       `json:"key"`
	Player    string          `json:"player,omitempty"`
	Reason    string          `json:"reason"`
	Detail    string          `json:"detail"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// QuarantineFilter selects quarantine rows. Zero fields do not filter.
type QuarantineFilter struct {
	Source string `json:"source,omitempty"`
	Format string `json:"format,omitempty"`
	Reason string `json:"reason,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Store is the durable cache. Merge is atomic per key; merges on distinct
// keys may run concurrently.
type Store interface {
	// Missing returns the listings that must be fetched: absent keys and
	// keys whose cached entry is not sealed. Keys with a permanent fetch
	// failure (the source reported them gone) are never returned.
	Missing(ctx context.Context, listings []source.Listing) ([]source.Listing, error)
	// Merge writes rec under its key. Complete records seal the key.
	Merge(ctx context.Context, rec *model.Record) (MergeOutcome, error)
	// Get returns the entry for key with annotations applied, or nil.
	Get(ctx context.Context, key model.Key) (*model.CacheEntry, error)
	// List returns matching entries with annotations applied, ordered by key.
	List(ctx context.Context, filter EntryFilter) ([]model.CacheEntry, error)

	Annotations(ctx context.Context, key model.Key) (map[string]model.Annotation, error)
	SetAnnotations(ctx context.Context, key model.Key, anns []model.Annotation) error

	Quarantine(ctx context.Context, q QuarantineEntry) error
	ListQuarantine(ctx context.Context, filter QuarantineFilter) ([]QuarantineEntry, error)

	RecordFetchFailure(ctx context.Context, f resilience.FetchFailure) error
	ListFetchFailures(ctx context.Context, limit int) ([]resilience.FetchFailure, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow injects the clock used for MergedAt and CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// encodeRecord serializes the sealed part of rec. Annotations are stored
// separately so labelling never changes the payload.
func encodeRecord(rec *model.Record) ([]byte, error) {
	if rec == nil {
		return nil, eris.New("store: nil record")
	}
	if rec.Key().IsZero() {
		return nil, eris.Errorf("store: record has incomplete key %q", rec.Key().String())
	}
	clean := *rec
	clean.Decks = make([]model.Deck, len(rec.Decks))
	for i, d := range rec.Decks {
		d.Archetype = nil
		d.Colors = nil
		clean.Decks[i] = d
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal record")
	}
	return data, nil
}

func decodeRecord(data []byte) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, eris.Wrap(err, "store: unmarshal record")
	}
	return rec, nil
}

// decide applies the merge rules to the current state of a key.
func decide(exists, sealed bool, current, incoming []byte) MergeOutcome {
	switch {
	case !exists:
		return MergeInserted
	case sealed:
		return MergeRejectedSealed
	case bytes.Equal(current, incoming):
		return MergeUnchanged
	default:
		return MergeUpdated
	}
}

// applyAnnotations copies labels onto the decks they belong to.
func applyAnnotations(rec *model.Record, anns map[string]model.Annotation) {
	for i := range rec.Decks {
		a, ok := anns[rec.Decks[i].Player]
		if !ok {
			continue
		}
		archetype, colors := a.Archetype, a.Colors
		rec.Decks[i].Archetype = &archetype
		rec.Decks[i].Colors = &colors
	}
}

// groupByScope buckets listings by (source, format) so backends can look
// up skipped keys with one query per scope.
func groupByScope(listings []source.Listing) map[[2]string][]source.Listing {
	out := make(map[[2]string][]source.Listing)
	for _, l := range listings {
		scope := [2]string{l.Key.Source, l.Key.Format}
		out[scope] = append(out[scope], l)
	}
	return out
}

// excludeKeys keeps listings whose key is not in skip, preserving order.
func excludeKeys(listings []source.Listing, skip map[model.Key]bool) []source.Listing {
	out := make([]source.Listing, 0, len(listings))
	for _, l := range listings {
		if !skip[l.Key] {
			out = append(out, l)
		}
	}
	return out
}

// permanentKinds returns the failure kinds that take a key out of Missing,
// as strings for SQL parameters.
func permanentKinds() []string {
	kinds := resilience.PermanentKinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/store"
)

// scanLimit caps how many rows a single collection reads.
const scanLimit = 10000

// MetricsSnapshot holds a point-in-time view of cache health.
type MetricsSnapshot struct {
	// Fetch failures recorded within the lookback window.
	FetchFailures  int                     `json:"fetch_failures"`
	FailuresByKind map[resilience.Kind]int `json:"failures_by_kind,omitempty"`

	// Quarantined decks and records within the lookback window.
	Quarantined        int            `json:"quarantined"`
	QuarantineByReason map[string]int `json:"quarantine_by_reason,omitempty"`

	// Tournaments still open StaleOpenDays after their event date.
	StaleOpen     int      `json:"stale_open"`
	StaleOpenKeys []string `json:"stale_open_keys,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers health metrics from the store.
type Collector struct {
	store         store.Store
	staleOpenDays int
	now           func() time.Time
}

// NewCollector creates a new metrics collector. staleOpenDays <= 0 skips
// the stale-open scan.
func NewCollector(st store.Store, staleOpenDays int) *Collector {
	return &Collector{store: st, staleOpenDays: staleOpenDays, now: time.Now}
}

// Collect gathers a snapshot of cache health over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		FailuresByKind:     make(map[resilience.Kind]int),
		QuarantineByReason: make(map[string]int),
		LookbackHours:      lookbackHours,
		CollectedAt:        now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Both lists come back newest first, so stop at the first old row.
	failures, err := c.store.ListFetchFailures(ctx, scanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list fetch failures")
	}
	for _, f := range failures {
		if f.FailedAt.Before(cutoff) {
			break
		}
		snap.FetchFailures++
		snap.FailuresByKind[f.Kind]++
	}

	quarantined, err := c.store.ListQuarantine(ctx, store.QuarantineFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list quarantine")
	}
	for _, q := range quarantined {
		if q.CreatedAt.Before(cutoff) {
			break
		}
		snap.Quarantined++
		snap.QuarantineByReason[q.Reason]++
	}

	if c.staleOpenDays > 0 {
		entries, err := c.store.List(ctx, store.EntryFilter{
			End: now.AddDate(0, 0, -c.staleOpenDays),
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list entries")
		}
		for _, e := range entries {
			if e.Sealed || e.Record.Tournament.Date.IsZero() {
				continue
			}
			snap.StaleOpen++
			snap.StaleOpenKeys = append(snap.StaleOpenKeys, e.Key.String())
		}
	}

	return snap, nil
}

// Package source defines the contract every tournament source implements,
// the registry of configured sources, and per-adapter authenticated sessions.
package source

import (
	"context"
	"time"

	"github.com/sells-group/metagame-cli/internal/model"
)

// Listing is one tournament id reported by a source for a date window.
type Listing struct {
	Key    model.Key    `json:"key"`
	Status model.Status `json:"status"`
}

// Adapter is implemented once per source. Implementations must return
// normalized records (see model.Normalize) and classify failures with the
// resilience error taxonomy.
type Adapter interface {
	// Name is the source identifier used in composite keys.
	Name() string

	// ListTournaments returns the tournaments held for format within
	// [start, end], in any order.
	ListTournaments(ctx context.Context, format string, start, end time.Time) ([]Listing, error)

	// FetchTournamentDetail returns the full record for one tournament.
	FetchTournamentDetail(ctx context.Context, format, tournamentID string) (*model.Record, error)
}

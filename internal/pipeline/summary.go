package pipeline

import (
	"sync"
	"time"
)

// Summary counts what happened to one source during a run. It is always
// returned, even when the source failed.
type Summary struct {
	Source        string `json:"source"`
	Listed        int    `json:"listed"`
	Missing       int    `json:"missing"`
	Fetched       int    `json:"fetched"`
	Inserted      int    `json:"inserted"`
	Updated       int    `json:"updated"`
	Unchanged     int    `json:"unchanged"`
	SealedRejects int    `json:"sealed_rejects"`
	NotFound      int    `json:"not_found"`
	Failed        int    `json:"failed"`
	// Quarantined counts rejected decks, plus one per tournament rejected
	// as a whole.
	Quarantined int           `json:"quarantined"`
	Skipped     int           `json:"skipped"`
	Fatal       string        `json:"fatal,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// OK reports whether the source completed without a fatal error.
func (s Summary) OK() bool {
	return s.Fatal == ""
}

// Result is the outcome of Engine.Run.
type Result struct {
	Format     string    `json:"format"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Sources    []Summary `json:"sources"`
	Classified int       `json:"classified"`
}

// Totals sums the per-source counters.
func (r *Result) Totals() Summary {
	t := Summary{Source: "total"}
	for _, s := range r.Sources {
		t.Listed += s.Listed
		t.Missing += s.Missing
		t.Fetched += s.Fetched
		t.Inserted += s.Inserted
		t.Updated += s.Updated
		t.Unchanged += s.Unchanged
		t.SealedRejects += s.SealedRejects
		t.NotFound += s.NotFound
		t.Failed += s.Failed
		t.Quarantined += s.Quarantined
		t.Skipped += s.Skipped
		if s.Duration > t.Duration {
			t.Duration = s.Duration
		}
	}
	return t
}

// tally guards a Summary shared by a source's fetch workers.
type tally struct {
	mu sync.Mutex
	s  Summary
}

func (t *tally) add(fn func(s *Summary)) {
	t.mu.Lock()
	fn(&t.s)
	t.mu.Unlock()
}

func (t *tally) snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

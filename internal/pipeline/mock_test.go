package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
)

// --- Adapter Mock ---

type mockAdapter struct {
	mock.Mock
	name string
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) ListTournaments(ctx context.Context, format string, start, end time.Time) ([]source.Listing, error) {
	args := m.Called(ctx, format, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]source.Listing), args.Error(1)
}

func (m *mockAdapter) FetchTournamentDetail(ctx context.Context, format, id string) (*model.Record, error) {
	args := m.Called(ctx, format, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Record), args.Error(1)
}

// --- Fake source ---

// fakeSource serves an in-memory set of tournaments and counts fetches.
// Errors queued in failures are returned, in order, before the record.
type fakeSource struct {
	name string

	mu          sync.Mutex
	records     map[string]*model.Record
	failures    map[string][]error
	fetches     map[string]int
	listErr     error
	onFetch     func(id string)
	fetchAlways error
}

func newFakeSource(name string, recs ...*model.Record) *fakeSource {
	f := &fakeSource{
		name:     name,
		records:  make(map[string]*model.Record),
		failures: make(map[string][]error),
		fetches:  make(map[string]int),
	}
	for _, r := range recs {
		f.records[r.Tournament.Key.TournamentID] = r
	}
	return f
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ListTournaments(_ context.Context, format string, _, _ time.Time) ([]source.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []source.Listing
	for _, r := range f.records {
		if r.Tournament.Key.Format == format {
			out = append(out, source.Listing{Key: r.Tournament.Key, Status: r.Tournament.Status})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.TournamentID < out[j].Key.TournamentID })
	return out, nil
}

func (f *fakeSource) FetchTournamentDetail(_ context.Context, _, id string) (*model.Record, error) {
	f.mu.Lock()
	f.fetches[id]++
	hook := f.onFetch
	var err error
	if f.fetchAlways != nil {
		err = f.fetchAlways
	} else if q := f.failures[id]; len(q) > 0 {
		err, f.failures[id] = q[0], q[1:]
	}
	rec, ok := f.records[id]
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(resilience.ErrNotFound, "tournament %s", id)
	}
	cp := *rec
	cp.Decks = append([]model.Deck(nil), rec.Decks...)
	return &cp, nil
}

func (f *fakeSource) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeSource) setStatus(id string, status model.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id].Tournament.Status = status
}

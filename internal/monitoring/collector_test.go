package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/store"
)

var fixedNow = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func key(id string) model.Key {
	return model.Key{Source: "eventapi", Format: "modern", TournamentID: id}
}

func seedStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewFileStore(t.TempDir(), store.WithNow(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	merge := func(id string, status model.Status, date time.Time) {
		rec := &model.Record{Tournament: model.Tournament{Key: key(id), Name: id, Date: date, Status: status}}
		_, err := st.Merge(ctx, rec)
		require.NoError(t, err)
	}
	merge("stale", model.StatusInProgress, fixedNow.AddDate(0, 0, -20))
	merge("sealed", model.StatusComplete, fixedNow.AddDate(0, 0, -20))
	merge("recent", model.StatusInProgress, fixedNow.AddDate(0, 0, -2))

	fail := func(id string, age time.Duration, err error) {
		require.NoError(t, st.RecordFetchFailure(ctx, resilience.NewFetchFailure(key(id), err, 3, fixedNow.Add(-age))))
	}
	fail("f1", time.Hour, resilience.NewTransientError(eris.New("503"), 0))
	fail("f2", 2*time.Hour, resilience.NewTransientError(eris.New("timeout"), 0))
	fail("f3", 3*time.Hour, resilience.ErrNotFound)
	fail("old", 48*time.Hour, resilience.NewTransientError(eris.New("503"), 0))

	quarantine := func(id, reason string, age time.Duration) {
		require.NoError(t, st.Quarantine(ctx, store.QuarantineEntry{
			Key: key(id), Reason: reason, Detail: "test", CreatedAt: fixedNow.Add(-age),
		}))
	}
	quarantine("q1", model.ReasonCardCountMismatch, time.Hour)
	quarantine("q2", model.ReasonCardCountMismatch, 5*time.Hour)
	quarantine("q3", model.ReasonDuplicatePlayer, 30*time.Hour)

	return st
}

func newTestCollector(st store.Store, staleDays int) *Collector {
	c := NewCollector(st, staleDays)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	c := newTestCollector(seedStore(t), 7)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.FetchFailures)
	assert.Equal(t, 2, snap.FailuresByKind[resilience.KindTransient])
	assert.Equal(t, 1, snap.FailuresByKind[resilience.KindNotFound])

	assert.Equal(t, 2, snap.Quarantined)
	assert.Equal(t, map[string]int{model.ReasonCardCountMismatch: 2}, snap.QuarantineByReason)

	assert.Equal(t, 1, snap.StaleOpen)
	assert.Equal(t, []string{"eventapi/modern/stale"}, snap.StaleOpenKeys)

	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_StaleScanDisabled(t *testing.T) {
	c := newTestCollector(seedStore(t), 0)

	snap, err := c.Collect(context.Background(), 72)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.FetchFailures)
	assert.Equal(t, 3, snap.Quarantined)
	assert.Zero(t, snap.StaleOpen)
}

func TestCollector_EmptyStore(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	snap, err := newTestCollector(st, 7).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.FetchFailures)
	assert.Zero(t, snap.Quarantined)
	assert.Zero(t, snap.StaleOpen)
}

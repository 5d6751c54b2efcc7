package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
)

var fixedNow = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T, now func() time.Time) Store {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), WithNow(now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestFileStore(t *testing.T, now func() time.Time) Store {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), WithNow(now))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func key(id string) model.Key {
	return model.Key{Source: "eventapi", Format: "modern", TournamentID: id}
}

func record(id string, status model.Status, date time.Time, players ...string) *model.Record {
	rec := &model.Record{
		Tournament: model.Tournament{Key: key(id), Name: "Event " + id, Date: date, Status: status},
	}
	for i, p := range players {
		rec.Decks = append(rec.Decks, model.Deck{
			Player:    p,
			Rank:      i + 1,
			Mainboard: []model.Card{{Name: "Island", Count: 60}},
		})
		rec.Standings = append(rec.Standings, model.Standing{Rank: i + 1, Player: p})
	}
	model.Normalize(rec)
	return rec
}

func march(day int) time.Time {
	return time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC)
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestFileStore(t *testing.T) {
	storeTestSuite(t, newTestFileStore)
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T, now func() time.Time) Store) {
	ctx := context.Background()

	t.Run("MergeInsertThenUnchanged", func(t *testing.T) {
		clock := fixedNow
		s := newStore(t, func() time.Time { return clock })

		rec := record("t1", model.StatusInProgress, march(2), "alice")
		out, err := s.Merge(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, MergeInserted, out)

		first, err := s.Get(ctx, key("t1"))
		require.NoError(t, err)
		require.NotNil(t, first)

		clock = clock.Add(time.Hour)
		out, err = s.Merge(ctx, record("t1", model.StatusInProgress, march(2), "alice"))
		require.NoError(t, err)
		assert.Equal(t, MergeUnchanged, out)

		second, err := s.Get(ctx, key("t1"))
		require.NoError(t, err)
		assert.True(t, first.MergedAt.Equal(second.MergedAt), "unchanged merge must not touch merged_at")

		a, _ := json.Marshal(first)
		b, _ := json.Marshal(second)
		assert.JSONEq(t, string(a), string(b))
	})

	t.Run("OpenEntryLastWriteWins", func(t *testing.T) {
		s := newStore(t, func() time.Time { return fixedNow })

		_, err := s.Merge(ctx, record("t1", model.StatusInProgress, march(2), "alice"))
		require.NoError(t, err)
		out, err := s.Merge(ctx, record("t1", model.StatusInProgress, march(2), "alice", "bob"))
		require.NoError(t, err)
		assert.Equal(t, MergeUpdated, out)

		got, err := s.Get(ctx, key("t1"))
		require.NoError(t, err)
		assert.Len(t, got.Record.Decks, 2)
		assert.False(t, got.Sealed)
	})

	t.Run("SealIsImmutable", func(t *testing.T) {
		s := newStore(t, func() time.Time { return fixedNow })

		out, err := s.Merge(ctx, record("t1", model.StatusComplete, march(2), "alice", "bob"))
		require.NoError(t, err)
		assert.Equal(t, MergeInserted, out)

		out, err = s.Merge(ctx, record("t1", model.StatusInProgress, march(2), "carol"))
		require.NoError(t, err)
		assert.Equal(t, MergeRejectedSealed, out)

		got, err := s.Get(ctx, key("t1"))
		require.NoError(t, err)
		assert.True(t, got.Sealed)
		require.Len(t, got.Record.Decks, 2)
		assert.Equal(t, "alice", got.Record.Decks[0].Player)
	})

	t.Run("GetMissingReturnsNil", func(t *testing.T) {
		s := newStore(t, time.Now)
		got, err := s.Get(ctx, key("nope"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Missing", func(t *testing.T) {
		s := newStore(t, time.Now)
		_, err := s.Merge(ctx, record("sealed", model.StatusComplete, march(1), "a"))
		require.NoError(t, err)
		_, err = s.Merge(ctx, record("open", model.StatusInProgress, march(1), "a"))
		require.NoError(t, err)

		listings := []source.Listing{
			{Key: key("sealed"), Status: model.StatusComplete},
			{Key: key("open"), Status: model.StatusInProgress},
			{Key: key("new"), Status: model.StatusComplete},
			{Key: model.Key{Source: "htmlsite", Format: "modern", TournamentID: "sealed"}},
		}
		missing, err := s.Missing(ctx, listings)
		require.NoError(t, err)

		var ids []string
		for _, l := range missing {
			ids = append(ids, l.Key.String())
		}
		assert.Equal(t, []string{"eventapi/modern/open", "eventapi/modern/new", "htmlsite/modern/sealed"}, ids)
	})

	t.Run("ListFiltersAndOrders", func(t *testing.T) {
		s := newStore(t, time.Now)
		for _, r := range []*model.Record{
			record("c", model.StatusComplete, march(20), "a"),
			record("a", model.StatusComplete, march(5), "a"),
			record("b", model.StatusInProgress, time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC), "a"),
		} {
			_, err := s.Merge(ctx, r)
			require.NoError(t, err)
		}
		other := record("z", model.StatusComplete, march(5), "a")
		other.Tournament.Key.Format = "legacy"
		_, err := s.Merge(ctx, other)
		require.NoError(t, err)

		all, err := s.List(ctx, EntryFilter{Format: "modern"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].Key.TournamentID)
		assert.Equal(t, "c", all[2].Key.TournamentID)

		inMarch, err := s.List(ctx, EntryFilter{Source: "eventapi", Format: "modern", Start: march(1), End: march(31)})
		require.NoError(t, err)
		assert.Len(t, inMarch, 2)

		sealed, err := s.List(ctx, EntryFilter{SealedOnly: true})
		require.NoError(t, err)
		assert.Len(t, sealed, 3)
	})

	t.Run("DateChangeMovesBucket", func(t *testing.T) {
		s := newStore(t, time.Now)
		_, err := s.Merge(ctx, record("m", model.StatusInProgress, march(31), "a"))
		require.NoError(t, err)
		_, err = s.Merge(ctx, record("m", model.StatusComplete, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), "a"))
		require.NoError(t, err)

		got, err := s.Get(ctx, key("m"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Sealed)

		all, err := s.List(ctx, EntryFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("AnnotationsStoredBesidePayload", func(t *testing.T) {
		s := newStore(t, time.Now)
		_, err := s.Merge(ctx, record("t1", model.StatusComplete, march(2), "alice", "bob"))
		require.NoError(t, err)

		anns := []model.Annotation{
			{Player: "alice", Archetype: "Mono-Blue Tempo", Colors: "U"},
			{Player: "bob", Archetype: "Unknown"},
		}
		require.NoError(t, s.SetAnnotations(ctx, key("t1"), anns))

		got, err := s.Annotations(ctx, key("t1"))
		require.NoError(t, err)
		assert.Equal(t, "Mono-Blue Tempo", got["alice"].Archetype)

		entry, err := s.Get(ctx, key("t1"))
		require.NoError(t, err)
		require.NotNil(t, entry.Record.Decks[0].Archetype)
		assert.Equal(t, "Mono-Blue Tempo", *entry.Record.Decks[0].Archetype)

		listed, err := s.List(ctx, EntryFilter{})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		require.NotNil(t, listed[0].Record.Decks[1].Archetype)
		assert.Equal(t, "Unknown", *listed[0].Record.Decks[1].Archetype)

		// Labels never change the payload, so a re-merge stays a no-op.
		out, err := s.Merge(ctx, &entry.Record)
		require.NoError(t, err)
		assert.Equal(t, MergeRejectedSealed, out)

		require.NoError(t, s.SetAnnotations(ctx, key("t1"), anns[:1]))
		got, err = s.Annotations(ctx, key("t1"))
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("QuarantineNeverDropped", func(t *testing.T) {
		s := newStore(t, func() time.Time { return fixedNow })
		require.NoError(t, s.Quarantine(ctx, QuarantineEntry{
			Key: key("t1"), Player: "bob", Reason: model.ReasonCardCountMismatch, Detail: "main+side=59, declared 60",
			Payload: json.RawMessage(`{"player":"bob"}`),
		}))
		require.NoError(t, s.Quarantine(ctx, QuarantineEntry{
			Key: key("t2"), Reason: model.ReasonRankNotContiguous, Detail: "gap at 3",
		}))

		all, err := s.ListQuarantine(ctx, QuarantineFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		for _, q := range all {
			assert.NotEmpty(t, q.ID)
			assert.True(t, q.CreatedAt.Equal(fixedNow))
		}

		mismatch, err := s.ListQuarantine(ctx, QuarantineFilter{Reason: model.ReasonCardCountMismatch})
		require.NoError(t, err)
		require.Len(t, mismatch, 1)
		assert.Equal(t, "bob", mismatch[0].Player)
		assert.JSONEq(t, `{"player":"bob"}`, string(mismatch[0].Payload))

		limited, err := s.ListQuarantine(ctx, QuarantineFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("FetchFailuresClearedOnMerge", func(t *testing.T) {
		s := newStore(t, time.Now)
		f1 := resilience.NewFetchFailure(key("t1"), resilience.FromHTTPStatus(503, ""), 3, fixedNow)
		f2 := resilience.NewFetchFailure(key("t2"), resilience.FromHTTPStatus(404, ""), 1, fixedNow.Add(time.Minute))
		require.NoError(t, s.RecordFetchFailure(ctx, f1))
		require.NoError(t, s.RecordFetchFailure(ctx, f2))

		got, err := s.ListFetchFailures(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "t2", got[0].Key.TournamentID, "newest first")
		assert.Equal(t, resilience.KindNotFound, got[0].Kind)

		_, err = s.Merge(ctx, record("t1", model.StatusComplete, march(2), "a"))
		require.NoError(t, err)

		got, err = s.ListFetchFailures(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "t2", got[0].Key.TournamentID)
	})

	t.Run("MissingSkipsPermanentFailures", func(t *testing.T) {
		s := newStore(t, time.Now)
		gone := resilience.NewFetchFailure(key("gone"), resilience.FromHTTPStatus(404, ""), 1, fixedNow)
		busy := resilience.NewFetchFailure(key("busy"), resilience.FromHTTPStatus(503, ""), 3, fixedNow)
		require.NoError(t, s.RecordFetchFailure(ctx, gone))
		require.NoError(t, s.RecordFetchFailure(ctx, busy))

		missing, err := s.Missing(ctx, []source.Listing{
			{Key: key("gone"), Status: model.StatusInProgress},
			{Key: key("busy"), Status: model.StatusInProgress},
			{Key: model.Key{Source: "htmlsite", Format: "modern", TournamentID: "gone"}},
		})
		require.NoError(t, err)

		var ids []string
		for _, l := range missing {
			ids = append(ids, l.Key.String())
		}
		assert.Equal(t, []string{"eventapi/modern/busy", "htmlsite/modern/gone"}, ids)
	})

	t.Run("ConcurrentMergesSameAndDistinctKeys", func(t *testing.T) {
		s := newStore(t, time.Now)
		var wg sync.WaitGroup
		outcomes := make(chan MergeOutcome, 40)
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				out, err := s.Merge(ctx, record("same", model.StatusComplete, march(3), "alice"))
				assert.NoError(t, err)
				outcomes <- out
			}()
			go func(i int) {
				defer wg.Done()
				_, err := s.Merge(ctx, record(fmt.Sprintf("k%02d", i), model.StatusInProgress, march(3), "alice"))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		close(outcomes)

		counts := map[MergeOutcome]int{}
		for o := range outcomes {
			counts[o]++
		}
		assert.Equal(t, 1, counts[MergeInserted])
		assert.Equal(t, 19, counts[MergeRejectedSealed])

		all, err := s.List(ctx, EntryFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 21)
	})

	t.Run("RejectsIncompleteKey", func(t *testing.T) {
		s := newStore(t, time.Now)
		rec := record("", model.StatusComplete, march(1), "a")
		_, err := s.Merge(ctx, rec)
		assert.Error(t, err)
	})
}

func TestFileStore_IndexRebuiltOnOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = s1.Merge(ctx, record("t1", model.StatusComplete, march(9), "alice"))
	require.NoError(t, err)
	_, err = s1.Merge(ctx, record("t2", model.StatusInProgress, time.Time{}, "alice"))
	require.NoError(t, err)
	require.NoError(t, s1.Quarantine(ctx, QuarantineEntry{Key: key("t3"), Reason: "x"}))

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := s2.Get(ctx, key("t1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Sealed)

	missing, err := s2.Missing(ctx, []source.Listing{{Key: key("t1")}, {Key: key("t2")}})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "t2", missing[0].Key.TournamentID)

	assert.FileExists(t, filepath.Join(dir, "eventapi", "modern", "2024-03.json"))
	assert.FileExists(t, filepath.Join(dir, "eventapi", "modern", "undated.json"))
}

func TestFileStore_DateMoveRelocatesEntry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.Merge(ctx, record("t1", model.StatusInProgress, march(30), "alice"))
	require.NoError(t, err)
	april := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	out, err := s.Merge(ctx, record("t1", model.StatusInProgress, april, "alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, MergeUpdated, out)

	old, err := readBucket(filepath.Join(dir, "eventapi", "modern", "2024-03.json"))
	require.NoError(t, err)
	assert.Empty(t, old.Entries)

	all, err := s.List(ctx, EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Record.Decks, 2)
}

func TestFileStore_RebuildPrefersNewestDuplicate(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := fixedNow
	s1, err := NewFileStore(dir, WithNow(func() time.Time { return clock }))
	require.NoError(t, err)

	_, err = s1.Merge(ctx, record("t1", model.StatusInProgress, march(30), "alice"))
	require.NoError(t, err)
	marchPath := filepath.Join(dir, "eventapi", "modern", "2024-03.json")
	stale, err := readBucket(marchPath)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	april := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	_, err = s1.Merge(ctx, record("t1", model.StatusInProgress, april, "alice", "bob"))
	require.NoError(t, err)

	// Put the old copy back, as if the process died before the old bucket
	// was rewritten.
	require.NoError(t, writeBucket(marchPath, stale))

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := s2.Get(ctx, key("t1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Record.Decks, 2)
	assert.True(t, got.MergedAt.Equal(fixedNow.Add(time.Hour)))

	all, err := s2.List(ctx, EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, april, all[0].Record.Tournament.Date.UTC())
}

func TestEntryFilter_Match(t *testing.T) {
	f := EntryFilter{Source: "s", Start: march(1), End: march(31), SealedOnly: true}
	k := model.Key{Source: "s", Format: "f", TournamentID: "1"}
	assert.True(t, f.Match(k, march(31), true))
	assert.False(t, f.Match(k, march(31), false))
	assert.False(t, f.Match(k, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), true))
	assert.False(t, f.Match(model.Key{Source: "x"}, march(2), true))
}

func TestDecide(t *testing.T) {
	assert.Equal(t, MergeInserted, decide(false, false, nil, []byte("a")))
	assert.Equal(t, MergeRejectedSealed, decide(true, true, []byte("a"), []byte("b")))
	assert.Equal(t, MergeUnchanged, decide(true, false, []byte("a"), []byte("a")))
	assert.Equal(t, MergeUpdated, decide(true, false, []byte("a"), []byte("b")))
}

func TestEncodeRecord_StripsAnnotations(t *testing.T) {
	rec := record("t1", model.StatusComplete, march(1), "alice")
	label := "Burn"
	rec.Decks[0].Archetype = &label

	data, err := encodeRecord(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Burn")
	assert.NotNil(t, rec.Decks[0].Archetype, "input must not be mutated")
}

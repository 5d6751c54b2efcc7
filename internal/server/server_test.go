package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/pipeline"
	"github.com/sells-group/metagame-cli/internal/stats"
	"github.com/sells-group/metagame-cli/internal/store"
)

type fakeRunner struct {
	got chan pipeline.Request
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.got <- req
	return &pipeline.Result{Format: req.Format}, nil
}

func seededStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	rec := &model.Record{
		Tournament: model.Tournament{
			Key:    model.Key{Source: "eventapi", Format: "modern", TournamentID: "t1"},
			Name:   "Modern Challenge",
			Date:   time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
			Status: model.StatusComplete,
		},
		Decks: []model.Deck{
			{Player: "alice", Rank: 1, Mainboard: []model.Card{{Name: "Lightning Bolt", Count: 4}}},
			{Player: "bob", Rank: 2, Mainboard: []model.Card{{Name: "Counterspell", Count: 4}}},
		},
		Standings: []model.Standing{
			{Rank: 1, Player: "alice", Wins: 5, Losses: 1},
			{Rank: 2, Player: "bob", Wins: 4, Losses: 2},
		},
		Matches: []model.Match{{Round: 6, PlayerA: "alice", PlayerB: "bob", WinsA: 2, WinsB: 1}},
	}
	model.Normalize(rec)
	_, err = st.Merge(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, st.SetAnnotations(ctx, rec.Key(), []model.Annotation{
		{Player: "alice", Archetype: "Burn", Colors: "R"},
		{Player: "bob", Archetype: "Control", Colors: "U"},
	}))
	require.NoError(t, st.Quarantine(ctx, store.QuarantineEntry{
		Key: model.Key{Source: "eventapi", Format: "modern", TournamentID: "t2"}, Player: "carol",
		Reason: model.ReasonCardCountMismatch, Detail: "59 != 60",
	}))
	return st
}

func newTestServer(t *testing.T, runner Runner) http.Handler {
	t.Helper()
	return New(context.Background(), seededStore(t), runner, Options{Stats: stats.DefaultOptions()}).Handler()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestHealthz(t *testing.T) {
	w := get(t, newTestServer(t, nil), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetrics(t *testing.T) {
	w := get(t, newTestServer(t, nil), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestReport(t *testing.T) {
	h := newTestServer(t, nil)

	w := get(t, h, "/api/v1/report?format=modern&start=2024-05-01&end=2024-05-31")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rep stats.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "modern", rep.Format)
	require.Len(t, rep.Archetypes, 2)
	burn, ok := rep.Archetype("Burn")
	require.True(t, ok)
	assert.InDelta(t, 0.5, *burn.Share, 1e-9)
	assert.Equal(t, 5, burn.Wins)

	cell, ok := rep.Matchup("Burn", "Control")
	require.True(t, ok)
	assert.Equal(t, 1, cell.Wins)

	w = get(t, h, "/api/v1/report?format=modern&end=2024-05-03")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Empty(t, rep.Archetypes)
}

func TestReport_BadRequests(t *testing.T) {
	h := newTestServer(t, nil)
	for _, target := range []string{
		"/api/v1/report",
		"/api/v1/report?format=modern&start=May",
		"/api/v1/report?format=modern&include_unknown=maybe",
		"/api/v1/report?format=modern&draw_policy=coinflip",
	} {
		w := get(t, h, target)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.Contains(t, w.Body.String(), `"error"`)
	}
}

func TestTournaments(t *testing.T) {
	h := newTestServer(t, nil)

	w := get(t, h, "/api/v1/tournaments?format=modern&sealed=true")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Modern Challenge", list[0]["name"])
	assert.Equal(t, true, list[0]["sealed"])

	w = get(t, h, "/api/v1/tournaments/eventapi/modern/t1")
	require.Equal(t, http.StatusOK, w.Code)
	var entry model.CacheEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	require.Len(t, entry.Record.Decks, 2)
	require.NotNil(t, entry.Record.Decks[0].Archetype)
	assert.Equal(t, "Burn", *entry.Record.Decks[0].Archetype)

	w = get(t, h, "/api/v1/tournaments/eventapi/modern/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuarantineAndFailures(t *testing.T) {
	h := newTestServer(t, nil)

	w := get(t, h, "/api/v1/quarantine?reason="+model.ReasonCardCountMismatch)
	require.Equal(t, http.StatusOK, w.Code)
	var q []store.QuarantineEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	require.Len(t, q, 1)
	assert.Equal(t, "carol", q[0].Player)

	w = get(t, h, "/api/v1/quarantine?reason=other")
	assert.JSONEq(t, `[]`, w.Body.String())

	w = get(t, h, "/api/v1/failures?limit=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, h, "/api/v1/failures")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartRun(t *testing.T) {
	runner := &fakeRunner{got: make(chan pipeline.Request, 1)}
	h := newTestServer(t, runner)

	w := httptest.NewRecorder()
	body := `{"format":"modern","start":"2024-05-01","end":"2024-05-07","sources":["eventapi"]}`
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case req := <-runner.got:
		assert.Equal(t, "modern", req.Format)
		assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), req.Start)
		assert.Equal(t, []string{"eventapi"}, req.Sources)
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"start":"2024-05-01"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRun_Disabled(t *testing.T) {
	w := httptest.NewRecorder()
	newTestServer(t, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"format":"modern"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/report", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	newTestServer(t, nil).ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseDate(t *testing.T) {
	d, err := parseDate(" 2024-02-29 ")
	require.NoError(t, err)
	assert.Equal(t, 29, d.Day())

	d, err = parseDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = parseDate("02/29/2024")
	assert.Error(t, err)
}

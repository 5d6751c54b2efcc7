package htmlsite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metagame-cli/internal/fetcher"
	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
)

const listingHTML = `<html><body>
<table class="events">
  <tr class="event" data-id="h1" data-status="complete"><td>Friday Night</td></tr>
  <tr class="event" data-id="h2" data-status="Round 3"><td>Sunday Open</td></tr>
  <tr class="event" data-id="h1" data-status="complete"><td>dup</td></tr>
  <tr class="header"><th>Name</th></tr>
</table></body></html>`

const detailHTML = `<html><body>
<div id="event" data-status="complete" data-players="2">
  <h1 class="event-name">  Friday   Night </h1>
  <time class="event-date" datetime="2024-03-08">March 8</time>
</div>
<div class="deck" data-player="bob" data-rank="2" data-total="62">
  <ul>
    <li class="main" data-count="40">Shock</li>
    <li class="main" data-count="20">Mountain</li>
    <li class="side" data-count="2">Duress</li>
  </ul>
</div>
<div class="deck" data-player="alice" data-rank="1">
  <ul><li class="main" data-count="60">Island</li></ul>
</div>
<table class="standings"><thead><tr><th>#</th></tr></thead><tbody>
  <tr><td class="rank">1</td><td class="player">alice</td><td class="wins">1</td><td class="losses">0</td><td class="draws">0</td><td class="points">3</td></tr>
  <tr><td class="rank">2</td><td class="player">bob</td><td class="wins">0</td><td class="losses">1</td><td class="draws">0</td><td class="points">0</td></tr>
</tbody></table>
<table class="rounds"><tbody>
  <tr><td class="round">1</td><td class="player-a">bob</td><td class="player-b">alice</td><td class="result">1-2</td></tr>
</tbody></table>
</body></html>`

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "legacy", r.URL.Query().Get("format"))
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("from"))
		_, _ = w.Write([]byte(listingHTML))
	})
	mux.HandleFunc("GET /events/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "h1":
			_, _ = w.Write([]byte(detailHTML))
		case "challenge":
			_, _ = w.Write([]byte(`<html><head><title>Just a moment...</title></head><body>Checking your browser before accessing the site.</body></html>`))
		case "blank":
			_, _ = w.Write([]byte(`<html><body><p>maintenance</p></body></html>`))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Source: DefaultName, RequestsPerSecond: 1000, Burst: 100})
	return New(srv.URL, WithFetcher(f))
}

func TestListTournaments(t *testing.T) {
	a := newTestAdapter(t)
	got, err := a.ListTournaments(context.Background(), "legacy",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "h1", got[0].Key.TournamentID)
	assert.Equal(t, "htmlsite", got[0].Key.Source)
	assert.Equal(t, model.StatusComplete, got[0].Status)
	assert.Equal(t, model.StatusInProgress, got[1].Status)
}

func TestFetchTournamentDetail(t *testing.T) {
	a := newTestAdapter(t)
	rec, err := a.FetchTournamentDetail(context.Background(), "legacy", "h1")
	require.NoError(t, err)

	assert.Equal(t, "Friday Night", rec.Tournament.Name)
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), rec.Tournament.Date)
	assert.True(t, rec.Tournament.Complete())

	require.Len(t, rec.Decks, 2)
	assert.Equal(t, "alice", rec.Decks[0].Player)
	bob := rec.Decks[1]
	assert.Equal(t, 62, bob.DeclaredTotal)
	assert.Equal(t, []model.Card{{Name: "Mountain", Count: 20}, {Name: "Shock", Count: 40}}, bob.Mainboard)
	assert.Equal(t, []model.Card{{Name: "Duress", Count: 2}}, bob.Sideboard)

	require.Len(t, rec.Standings, 2)
	require.Len(t, rec.Matches, 1)
	assert.Equal(t, model.OutcomeWinB, rec.Matches[0].Outcome())
	assert.Empty(t, model.Validate(rec))
}

func TestFetchTournamentDetail_Errors(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.FetchTournamentDetail(context.Background(), "legacy", "missing")
	assert.ErrorIs(t, err, resilience.ErrNotFound)

	_, err = a.FetchTournamentDetail(context.Background(), "legacy", "blank")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no #event block")
	assert.False(t, resilience.IsTransient(err))

	_, err = a.FetchTournamentDetail(context.Background(), "legacy", "challenge")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "blocked by cloudflare")
}

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name string
		body string
		want blockType
	}{
		{"clean", detailHTML, blockNone},
		{"cloudflare", `<div id="cf-browser-verification"></div>`, blockCloudflare},
		{"captcha", `<form><div class="g-recaptcha" data-sitekey="x"></div></form>`, blockCaptcha},
		{"js shell", `<html><noscript>Please enable JavaScript</noscript></html>`, blockJSShell},
		{"meta refresh", `<meta http-equiv="refresh" content="0;url=/login">`, blockJSShell},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectBlock([]byte(tt.body)))
		})
	}
}

func TestParseResult(t *testing.T) {
	a, b, d := parseResult("2-1-1")
	assert.Equal(t, []int{2, 1, 1}, []int{a, b, d})
	a, b, d = parseResult("garbage")
	assert.Equal(t, []int{0, 0, 0}, []int{a, b, d})
}

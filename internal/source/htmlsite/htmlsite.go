// Package htmlsite implements a tournament source that publishes public HTML
// event pages. No authentication is involved.
package htmlsite

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metagame-cli/internal/fetcher"
	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
)

// DefaultName is the source identifier used in cache keys.
const DefaultName = "htmlsite"

const dateLayout = "2006-01-02"

// Adapter scrapes one event site.
type Adapter struct {
	name    string
	baseURL string
	fetch   fetcher.Fetcher
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithName overrides the source name.
func WithName(name string) Option {
	return func(a *Adapter) {
		a.name = name
	}
}

// WithFetcher sets the HTTP fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(a *Adapter) {
		a.fetch = f
	}
}

// New creates an Adapter for the site at baseURL.
func New(baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		name:    DefaultName,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, o := range opts {
		o(a)
	}
	if a.fetch == nil {
		a.fetch = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Source: a.name})
	}
	return a
}

// Name implements source.Adapter.
func (a *Adapter) Name() string { return a.name }

func (a *Adapter) document(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, err := a.fetch.GetBody(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "htmlsite: parse html")
	}
	// A challenge page is the site refusing us for now, not a malformed
	// event, so it must be retried rather than quarantined.
	if doc.Find("#event, tr.event").Length() == 0 {
		if block := detectBlock(body); block != blockNone {
			return nil, resilience.NewTransientError(eris.Errorf("htmlsite: blocked by %s page", block), 0)
		}
	}
	return doc, nil
}

// ListTournaments implements source.Adapter.
func (a *Adapter) ListTournaments(ctx context.Context, format string, start, end time.Time) ([]source.Listing, error) {
	q := url.Values{}
	q.Set("format", format)
	q.Set("from", start.UTC().Format(dateLayout))
	q.Set("to", end.UTC().Format(dateLayout))

	doc, err := a.document(ctx, a.baseURL+"/events?"+q.Encode())
	if err != nil {
		return nil, eris.Wrapf(err, "htmlsite: list %s", format)
	}

	var out []source.Listing
	seen := make(map[string]bool)
	doc.Find("tr.event[data-id]").Each(func(_ int, row *goquery.Selection) {
		id := strings.TrimSpace(row.AttrOr("data-id", ""))
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, source.Listing{
			Key:    model.Key{Source: a.name, Format: format, TournamentID: id},
			Status: model.ParseStatus(row.AttrOr("data-status", "")),
		})
	})
	return out, nil
}

// FetchTournamentDetail implements source.Adapter.
func (a *Adapter) FetchTournamentDetail(ctx context.Context, format, tournamentID string) (*model.Record, error) {
	doc, err := a.document(ctx, a.baseURL+"/events/"+url.PathEscape(tournamentID))
	if err != nil {
		return nil, eris.Wrapf(err, "htmlsite: fetch %s", tournamentID)
	}

	rec, err := parseDetail(doc, model.Key{Source: a.name, Format: format, TournamentID: tournamentID})
	if err != nil {
		return nil, eris.Wrapf(err, "htmlsite: fetch %s", tournamentID)
	}
	model.Normalize(rec)
	return rec, nil
}

func parseDetail(doc *goquery.Document, key model.Key) (*model.Record, error) {
	event := doc.Find("#event").First()
	if event.Length() == 0 {
		return nil, eris.New("htmlsite: page has no #event block")
	}

	rec := &model.Record{
		Tournament: model.Tournament{
			Key:             key,
			Name:            text(event.Find(".event-name").First()),
			Status:          model.ParseStatus(event.AttrOr("data-status", "")),
			ExpectedPlayers: atoi(event.AttrOr("data-players", "")),
		},
	}
	if d, ok := event.Find("time.event-date").Attr("datetime"); ok {
		rec.Tournament.Date = parseDate(d)
	}

	doc.Find(".deck[data-player]").Each(func(_ int, s *goquery.Selection) {
		deck := model.Deck{
			Player:        strings.TrimSpace(s.AttrOr("data-player", "")),
			Rank:          atoi(s.AttrOr("data-rank", "")),
			Result:        strings.TrimSpace(s.AttrOr("data-result", "")),
			DeclaredTotal: atoi(s.AttrOr("data-total", "")),
		}
		s.Find("li.main").Each(func(_ int, li *goquery.Selection) {
			deck.Mainboard = append(deck.Mainboard, card(li))
		})
		s.Find("li.side").Each(func(_ int, li *goquery.Selection) {
			deck.Sideboard = append(deck.Sideboard, card(li))
		})
		rec.Decks = append(rec.Decks, deck)
	})

	doc.Find("table.standings tbody tr").Each(func(_ int, tr *goquery.Selection) {
		rec.Standings = append(rec.Standings, model.Standing{
			Rank:   atoi(text(tr.Find("td.rank"))),
			Player: text(tr.Find("td.player")),
			Wins:   atoi(text(tr.Find("td.wins"))),
			Losses: atoi(text(tr.Find("td.losses"))),
			Draws:  atoi(text(tr.Find("td.draws"))),
			Points: atoi(text(tr.Find("td.points"))),
		})
	})

	doc.Find("table.rounds tbody tr").Each(func(_ int, tr *goquery.Selection) {
		m := model.Match{
			Round:   atoi(text(tr.Find("td.round"))),
			PlayerA: text(tr.Find("td.player-a")),
			PlayerB: text(tr.Find("td.player-b")),
		}
		m.WinsA, m.WinsB, m.Draws = parseResult(text(tr.Find("td.result")))
		rec.Matches = append(rec.Matches, m)
	})

	return rec, nil
}

func card(li *goquery.Selection) model.Card {
	return model.Card{
		Name:  text(li),
		Count: atoi(li.AttrOr("data-count", "")),
	}
}

// parseResult reads "W-L" or "W-L-D" game scores.
func parseResult(s string) (int, int, int) {
	parts := strings.Split(s, "-")
	n := make([]int, 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n[i] = atoi(parts[i])
	}
	return n[0], n[1], n[2]
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

// atoi returns 0 for blank or malformed numbers.
func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

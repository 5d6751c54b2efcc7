package eventapi

import (
	"time"

	"github.com/sells-group/metagame-cli/internal/model"
)

type payload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Date      string         `json:"date"`
	Status    string         `json:"status"`
	Players   int            `json:"players"`
	Decks     []deckJSON     `json:"decks"`
	Standings []standingJSON `json:"standings"`
	Rounds    []roundJSON    `json:"rounds"`
}

type cardJSON struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type deckJSON struct {
	Player string     `json:"player"`
	Rank   int        `json:"rank"`
	Result string     `json:"result"`
	Total  int        `json:"total"`
	Main   []cardJSON `json:"main"`
	Side   []cardJSON `json:"side"`
}

type standingJSON struct {
	Rank   int    `json:"rank"`
	Player string `json:"player"`
	Wins   int    `json:"wins"`
	Losses int    `json:"losses"`
	Draws  int    `json:"draws"`
	Points int    `json:"points"`
}

type roundJSON struct {
	Round   int    `json:"round"`
	PlayerA string `json:"player_a"`
	PlayerB string `json:"player_b"`
	WinsA   int    `json:"wins_a"`
	WinsB   int    `json:"wins_b"`
	Draws   int    `json:"draws"`
}

// parseDate accepts RFC 3339 timestamps and bare dates.
func parseDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func cards(in []cardJSON) []model.Card {
	out := make([]model.Card, 0, len(in))
	for _, c := range in {
		out = append(out, model.Card{Name: c.Name, Count: c.Count})
	}
	return out
}

func (p payload) toRecord(key model.Key) *model.Record {
	rec := &model.Record{
		Tournament: model.Tournament{
			Key:             key,
			Name:            p.Name,
			Date:            parseDate(p.Date),
			Status:          model.ParseStatus(p.Status),
			ExpectedPlayers: p.Players,
		},
	}
	for _, d := range p.Decks {
		rec.Decks = append(rec.Decks, model.Deck{
			Player:        d.Player,
			Rank:          d.Rank,
			Result:        d.Result,
			Mainboard:     cards(d.Main),
			Sideboard:     cards(d.Side),
			DeclaredTotal: d.Total,
		})
	}
	for _, s := range p.Standings {
		rec.Standings = append(rec.Standings, model.Standing{
			Rank: s.Rank, Player: s.Player, Wins: s.Wins, Losses: s.Losses, Draws: s.Draws, Points: s.Points,
		})
	}
	for _, r := range p.Rounds {
		rec.Matches = append(rec.Matches, model.Match{
			Round: r.Round, PlayerA: r.PlayerA, PlayerB: r.PlayerB, WinsA: r.WinsA, WinsB: r.WinsB, Draws: r.Draws,
		})
	}
	return rec
}

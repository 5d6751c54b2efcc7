package model

import (
	"sort"
	"strings"
)

// Normalize puts a record into canonical form in place: card lines are
// trimmed, merged by name and sorted, and decks, standings and matches are
// ordered deterministically. Fetching the same tournament twice therefore
// produces byte-identical payloads.
func Normalize(r *Record) {
	r.Tournament.Key.Source = strings.TrimSpace(r.Tournament.Key.Source)
	r.Tournament.Key.Format = strings.TrimSpace(r.Tournament.Key.Format)
	r.Tournament.Key.TournamentID = strings.TrimSpace(r.Tournament.Key.TournamentID)
	r.Tournament.Name = strings.TrimSpace(r.Tournament.Name)
	if !r.Tournament.Date.IsZero() {
		r.Tournament.Date = r.Tournament.Date.UTC()
	}

	for i := range r.Decks {
		d := &r.Decks[i]
		d.Player = strings.TrimSpace(d.Player)
		d.Mainboard = NormalizeCards(d.Mainboard)
		d.Sideboard = NormalizeCards(d.Sideboard)
	}
	sort.SliceStable(r.Decks, func(i, j int) bool {
		a, b := r.Decks[i], r.Decks[j]
		if a.Rank != b.Rank {
			return rankLess(a.Rank, b.Rank)
		}
		return a.Player < b.Player
	})

	for i := range r.Standings {
		r.Standings[i].Player = strings.TrimSpace(r.Standings[i].Player)
	}
	sort.SliceStable(r.Standings, func(i, j int) bool {
		a, b := r.Standings[i], r.Standings[j]
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.Player < b.Player
	})

	for i := range r.Matches {
		m := &r.Matches[i]
		m.PlayerA = strings.TrimSpace(m.PlayerA)
		m.PlayerB = strings.TrimSpace(m.PlayerB)
	}
	sort.SliceStable(r.Matches, func(i, j int) bool {
		a, b := r.Matches[i], r.Matches[j]
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.PlayerA != b.PlayerA {
			return a.PlayerA < b.PlayerA
		}
		return a.PlayerB < b.PlayerB
	})

	if r.Decks == nil {
		r.Decks = []Deck{}
	}
	if r.Standings == nil {
		r.Standings = []Standing{}
	}
}

// rankLess orders unranked (0) decks after ranked ones.
func rankLess(a, b int) bool {
	if a == 0 {
		return false
	}
	if b == 0 {
		return true
	}
	return a < b
}

// NormalizeCards merges duplicate lines and sorts by card name. Blank names
// are dropped; non-positive counts are kept so validation can reject them.
func NormalizeCards(cards []Card) []Card {
	merged := make(map[string]int, len(cards))
	order := make([]string, 0, len(cards))
	for _, c := range cards {
		name := strings.Join(strings.Fields(c.Name), " ")
		if name == "" {
			continue
		}
		if _, ok := merged[name]; !ok {
			order = append(order, name)
		}
		merged[name] += c.Count
	}
	out := make([]Card, 0, len(order))
	for _, name := range order {
		out = append(out, Card{Name: name, Count: merged[name]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Count < out[j].Count
	})
	return out
}

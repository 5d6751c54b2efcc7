package model

import (
	"strings"
	"time"
)

// Status is the lifecycle state a source reports for a tournament.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
)

// ParseStatus maps the loose status strings sources emit onto a Status.
// Anything not recognisably finished is treated as in progress so it gets
// re-fetched on the next run.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "complete", "completed", "final", "finished", "ended", "done":
		return StatusComplete
	default:
		return StatusInProgress
	}
}

// Key is the composite identity of a cached tournament.
type Key struct {
	Source       string `json:"source"`
	Format       string `json:"format"`
	TournamentID string `json:"tournament_id"`
}

// String renders the key as source/format/id.
func (k Key) String() string {
	return k.Source + "/" + k.Format + "/" + k.TournamentID
}

// IsZero reports whether any identity component is missing.
func (k Key) IsZero() bool {
	return k.Source == "" || k.Format == "" || k.TournamentID == ""
}

// Tournament is the header of a single event.
type Tournament struct {
	Key             Key       `json:"key"`
	Name            string    `json:"name"`
	Date            time.Time `json:"date"`
	Status          Status    `json:"status"`
	ExpectedPlayers int       `json:"expected_players,omitempty"`
}

// Complete reports whether the tournament has finished.
func (t Tournament) Complete() bool {
	return t.Status == StatusComplete
}

// Card is one decklist line.
type Card struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Deck is a single player's registered list.
type Deck struct {
	Player    string `json:"player"`
	Rank      int    `json:"rank,omitempty"`
	Result    string `json:"result,omitempty"` // e.g. "5-2", "Top 8"
	Mainboard []Card `json:"mainboard"`
	Sideboard []Card `json:"sideboard"`
	// DeclaredTotal is the card count the source claims; 0 means not supplied.
	DeclaredTotal int `json:"declared_total,omitempty"`
	// Archetype and Colors are derived annotations, never identity.
	Archetype *string `json:"archetype,omitempty"`
	Colors    *string `json:"colors,omitempty"`
}

// MainCount returns the number of mainboard cards.
func (d Deck) MainCount() int {
	return countCards(d.Mainboard)
}

// SideCount returns the number of sideboard cards.
func (d Deck) SideCount() int {
	return countCards(d.Sideboard)
}

func countCards(cards []Card) int {
	n := 0
	for _, c := range cards {
		n += c.Count
	}
	return n
}

// Standing is a player's final position.
type Standing struct {
	Rank   int    `json:"rank"`
	Player string `json:"player"`
	Wins   int    `json:"wins"`
	Losses int    `json:"losses"`
	Draws  int    `json:"draws"`
	Points int    `json:"points"`
}

// Outcome is the result of a match from PlayerA's side.
type Outcome int

const (
	OutcomeDraw Outcome = iota
	OutcomeWinA
	OutcomeWinB
)

// Match is a single round pairing. PlayerB is empty for a bye.
type Match struct {
	Round   int    `json:"round"`
	PlayerA string `json:"player_a"`
	PlayerB string `json:"player_b,omitempty"`
	WinsA   int    `json:"wins_a"`
	WinsB   int    `json:"wins_b"`
	Draws   int    `json:"draws,omitempty"`
}

// Bye reports whether the match had no opponent.
func (m Match) Bye() bool {
	return m.PlayerB == ""
}

// Outcome derives the match result from game wins.
func (m Match) Outcome() Outcome {
	switch {
	case m.WinsA > m.WinsB:
		return OutcomeWinA
	case m.WinsB > m.WinsA:
		return OutcomeWinB
	default:
		return OutcomeDraw
	}
}

// Record is everything a source knows about one tournament. It is the
// payload stored per cache key.
type Record struct {
	Tournament Tournament `json:"tournament"`
	Decks      []Deck     `json:"decks"`
	Standings  []Standing `json:"standings"`
	Matches    []Match    `json:"matches,omitempty"`
}

// Key is shorthand for r.Tournament.Key.
func (r *Record) Key() Key {
	return r.Tournament.Key
}

// CacheEntry is a persisted record plus merge bookkeeping.
type CacheEntry struct {
	Key      Key       `json:"key"`
	Record   Record    `json:"record"`
	MergedAt time.Time `json:"merged_at"`
	Sealed   bool      `json:"sealed"`
}

// Annotation holds the derived labels for one deck of a cached tournament.
type Annotation struct {
	Player    string `json:"player"`
	Archetype string `json:"archetype"`
	Colors    string `json:"colors,omitempty"`
}

// Bucket returns the calendar-month partition a tournament date falls in.
func Bucket(date time.Time) string {
	if date.IsZero() {
		return "undated"
	}
	return date.UTC().Format("2006-01")
}

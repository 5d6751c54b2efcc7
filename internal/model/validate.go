package model

import (
	"fmt"
	"sort"
	"strings"
)

// Reason codes attached to quarantined records.
const (
	ReasonCardCountMismatch  = "card_count_mismatch"
	ReasonNegativeCount      = "negative_count"
	ReasonDuplicatePlayer    = "duplicate_player"
	ReasonRankNotContiguous  = "rank_not_contiguous"
	ReasonMissingIdentity    = "missing_identity"
	ReasonUnknownMatchPlayer = "unknown_match_player"
)

// Violation is a single failed structural check. Player is set when the
// violation is confined to one deck; otherwise the whole record is invalid.
type Violation struct {
	Reason string `json:"reason"`
	Player string `json:"player,omitempty"`
	Detail string `json:"detail"`
}

// DeckScoped reports whether the violation only affects one deck.
func (v Violation) DeckScoped() bool {
	return v.Player != ""
}

func (v Violation) String() string {
	if v.Player != "" {
		return fmt.Sprintf("%s (%s): %s", v.Reason, v.Player, v.Detail)
	}
	return fmt.Sprintf("%s: %s", v.Reason, v.Detail)
}

// StructuralError reports a record that failed model invariants.
type StructuralError struct {
	Key        Key
	Violations []Violation
}

func (e *StructuralError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("structurally invalid record %s: %s", e.Key, strings.Join(parts, "; "))
}

// ValidateDeck checks the per-deck invariants.
func ValidateDeck(d Deck) []Violation {
	var out []Violation
	for _, c := range append(append([]Card{}, d.Mainboard...), d.Sideboard...) {
		if c.Count <= 0 {
			out = append(out, Violation{
				Reason: ReasonNegativeCount,
				Player: d.Player,
				Detail: fmt.Sprintf("card %q has count %d", c.Name, c.Count),
			})
		}
	}
	if d.DeclaredTotal > 0 {
		main, side := d.MainCount(), d.SideCount()
		if main+side != d.DeclaredTotal {
			out = append(out, Violation{
				Reason: ReasonCardCountMismatch,
				Player: d.Player,
				Detail: fmt.Sprintf("mainboard %d + sideboard %d != declared %d", main, side, d.DeclaredTotal),
			})
		}
	}
	return out
}

// Validate checks every invariant of a record and returns all violations.
func Validate(r *Record) []Violation {
	var out []Violation

	if r.Tournament.Key.IsZero() {
		out = append(out, Violation{
			Reason: ReasonMissingIdentity,
			Detail: fmt.Sprintf("incomplete key %q", r.Tournament.Key.String()),
		})
	}

	seen := make(map[string]bool, len(r.Decks))
	for _, d := range r.Decks {
		if d.Player == "" {
			out = append(out, Violation{Reason: ReasonMissingIdentity, Detail: "deck without player"})
			continue
		}
		if seen[d.Player] {
			out = append(out, Violation{
				Reason: ReasonDuplicatePlayer,
				Detail: fmt.Sprintf("player %q has more than one deck", d.Player),
			})
			continue
		}
		seen[d.Player] = true
		out = append(out, ValidateDeck(d)...)
	}

	if v, ok := checkRanks(r.Standings); !ok {
		out = append(out, v)
	}

	players := make(map[string]bool, len(r.Standings)+len(r.Decks))
	for _, s := range r.Standings {
		players[s.Player] = true
	}
	for _, d := range r.Decks {
		players[d.Player] = true
	}
	for _, m := range r.Matches {
		for _, p := range []string{m.PlayerA, m.PlayerB} {
			if p != "" && !players[p] {
				out = append(out, Violation{
					Reason: ReasonUnknownMatchPlayer,
					Detail: fmt.Sprintf("round %d references unknown player %q", m.Round, p),
				})
			}
		}
	}
	return out
}

// checkRanks verifies standings ranks form the permutation 1..n.
func checkRanks(standings []Standing) (Violation, bool) {
	if len(standings) == 0 {
		return Violation{}, true
	}
	ranks := make([]int, 0, len(standings))
	for _, s := range standings {
		ranks = append(ranks, s.Rank)
	}
	sort.Ints(ranks)
	for i, r := range ranks {
		if r != i+1 {
			return Violation{
				Reason: ReasonRankNotContiguous,
				Detail: fmt.Sprintf("expected rank %d at position %d, got %d", i+1, i+1, r),
			}, false
		}
	}
	return Violation{}, true
}

// Partition splits a record into the part that may be cached and the
// violations that must be quarantined. Deck-scoped violations drop just the
// offending deck; any record-scoped violation rejects the whole record, in
// which case the returned record is nil.
func Partition(r *Record) (*Record, []Violation) {
	violations := Validate(r)
	if len(violations) == 0 {
		return r, nil
	}

	bad := make(map[string]bool)
	for _, v := range violations {
		if !v.DeckScoped() {
			return nil, violations
		}
		bad[v.Player] = true
	}

	clean := *r
	clean.Decks = make([]Deck, 0, len(r.Decks))
	for _, d := range r.Decks {
		if !bad[d.Player] {
			clean.Decks = append(clean.Decks, d)
		}
	}
	return &clean, violations
}

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		Tournament: Tournament{
			Key:    Key{Source: "eventapi", Format: "standard", TournamentID: "t1"},
			Name:   " Weekly Challenge ",
			Date:   time.Date(2024, 3, 9, 18, 0, 0, 0, time.FixedZone("EST", -5*3600)),
			Status: StatusComplete,
		},
		Decks: []Deck{
			{
				Player:        "bob",
				Rank:          2,
				Mainboard:     []Card{{Name: "Shock", Count: 4}, {Name: "Mountain", Count: 20}, {Name: "Shock", Count: 0}},
				Sideboard:     []Card{{Name: "Duress", Count: 2}},
				DeclaredTotal: 26,
			},
			{
				Player:    "alice",
				Rank:      1,
				Mainboard: []Card{{Name: "Island", Count: 24}, {Name: "  Opt ", Count: 4}},
			},
		},
		Standings: []Standing{
			{Rank: 2, Player: "bob", Wins: 2, Losses: 1},
			{Rank: 1, Player: "alice", Wins: 3},
		},
		Matches: []Match{
			{Round: 2, PlayerA: "alice", PlayerB: "bob", WinsA: 2, WinsB: 1},
			{Round: 1, PlayerA: "bob", WinsA: 2},
		},
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"complete", StatusComplete},
		{"Finished", StatusComplete},
		{" FINAL ", StatusComplete},
		{"in progress", StatusInProgress},
		{"round 3", StatusInProgress},
		{"", StatusInProgress},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseStatus(tt.in), "input %q", tt.in)
	}
}

func TestKey(t *testing.T) {
	k := Key{Source: "a", Format: "modern", TournamentID: "42"}
	assert.Equal(t, "a/modern/42", k.String())
	assert.False(t, k.IsZero())
	assert.True(t, Key{Source: "a", Format: "modern"}.IsZero())
}

func TestBucket(t *testing.T) {
	assert.Equal(t, "2024-03", Bucket(time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-04", Bucket(time.Date(2024, 3, 31, 23, 0, 0, 0, time.FixedZone("X", -3*3600))))
	assert.Equal(t, "undated", Bucket(time.Time{}))
}

func TestMatchOutcome(t *testing.T) {
	assert.Equal(t, OutcomeWinA, Match{WinsA: 2, WinsB: 1}.Outcome())
	assert.Equal(t, OutcomeWinB, Match{WinsA: 0, WinsB: 2}.Outcome())
	assert.Equal(t, OutcomeDraw, Match{WinsA: 1, WinsB: 1, Draws: 1}.Outcome())
	assert.True(t, Match{PlayerA: "x"}.Bye())
}

func TestNormalize_SortsAndMerges(t *testing.T) {
	r := sampleRecord()
	Normalize(r)

	assert.Equal(t, "Weekly Challenge", r.Tournament.Name)
	assert.Equal(t, time.UTC, r.Tournament.Date.Location())

	require.Len(t, r.Decks, 2)
	assert.Equal(t, "alice", r.Decks[0].Player)
	assert.Equal(t, []Card{{Name: "Island", Count: 24}, {Name: "Opt", Count: 4}}, r.Decks[0].Mainboard)
	assert.Equal(t, []Card{{Name: "Mountain", Count: 20}, {Name: "Shock", Count: 4}}, r.Decks[1].Mainboard)

	assert.Equal(t, 1, r.Standings[0].Rank)
	assert.Equal(t, 1, r.Matches[0].Round)
}

func TestNormalize_Deterministic(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.Decks[0].Mainboard = []Card{{Name: "Mountain", Count: 20}, {Name: "Shock", Count: 4}}
	b.Decks[0], b.Decks[1] = b.Decks[1], b.Decks[0]

	Normalize(a)
	Normalize(b)

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
}

func TestNormalize_UnrankedLast(t *testing.T) {
	r := &Record{Decks: []Deck{{Player: "z", Rank: 0}, {Player: "y", Rank: 3}}}
	Normalize(r)
	assert.Equal(t, "y", r.Decks[0].Player)
	assert.NotNil(t, r.Standings)
}

func TestValidate_Clean(t *testing.T) {
	r := sampleRecord()
	Normalize(r)
	assert.Empty(t, Validate(r))
}

func TestValidate_CardCountMismatch(t *testing.T) {
	r := sampleRecord()
	r.Decks[0].DeclaredTotal = 60
	Normalize(r)

	vs := Validate(r)
	require.Len(t, vs, 1)
	assert.Equal(t, ReasonCardCountMismatch, vs[0].Reason)
	assert.Equal(t, "bob", vs[0].Player)
	assert.True(t, vs[0].DeckScoped())
}

func TestValidate_RankGap(t *testing.T) {
	r := sampleRecord()
	Normalize(r)
	r.Standings[0].Rank = 3
	vs := Validate(r)
	require.Len(t, vs, 1)
	assert.Equal(t, ReasonRankNotContiguous, vs[0].Reason)
	assert.False(t, vs[0].DeckScoped())
}

func TestValidate_RecordLevel(t *testing.T) {
	r := sampleRecord()
	r.Tournament.Key.TournamentID = ""
	r.Decks = append(r.Decks, Deck{Player: "alice"})
	r.Matches = append(r.Matches, Match{Round: 3, PlayerA: "alice", PlayerB: "mallory"})

	reasons := map[string]bool{}
	for _, v := range Validate(r) {
		reasons[v.Reason] = true
	}
	assert.True(t, reasons[ReasonMissingIdentity])
	assert.True(t, reasons[ReasonDuplicatePlayer])
	assert.True(t, reasons[ReasonUnknownMatchPlayer])
}

func TestPartition(t *testing.T) {
	t.Run("clean record passes through", func(t *testing.T) {
		r := sampleRecord()
		Normalize(r)
		got, vs := Partition(r)
		assert.Same(t, r, got)
		assert.Empty(t, vs)
	})

	t.Run("deck violation drops only that deck", func(t *testing.T) {
		r := sampleRecord()
		Normalize(r)
		r.Decks[1].DeclaredTotal = 75
		got, vs := Partition(r)
		require.NotNil(t, got)
		require.Len(t, vs, 1)
		require.Len(t, got.Decks, 1)
		assert.Equal(t, "alice", got.Decks[0].Player)
		assert.Len(t, r.Decks, 2, "input must not be mutated")
	})

	t.Run("record violation rejects everything", func(t *testing.T) {
		r := sampleRecord()
		Normalize(r)
		r.Standings[1].Rank = 7
		got, vs := Partition(r)
		assert.Nil(t, got)
		assert.NotEmpty(t, vs)
	})
}

func TestStructuralError(t *testing.T) {
	err := &StructuralError{
		Key:        Key{Source: "s", Format: "f", TournamentID: "1"},
		Violations: []Violation{{Reason: ReasonCardCountMismatch, Player: "p", Detail: "x"}},
	}
	assert.Contains(t, err.Error(), "s/f/1")
	assert.Contains(t, err.Error(), "card_count_mismatch (p): x")
}

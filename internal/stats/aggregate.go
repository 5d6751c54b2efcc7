// Package stats turns classified tournaments into a metagame report:
// archetype share, matchup matrix, Wilson intervals and tiers.
package stats

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metagame-cli/internal/model"
)

// Unknown mirrors archetype.Unknown without importing the classifier.
const Unknown = "Unknown"

// DrawPolicy decides how drawn matches enter the winrate sample.
type DrawPolicy string

const (
	// DrawExclude keeps draws out of the binomial sample: n = W + L.
	DrawExclude DrawPolicy = "exclude"
	// DrawHalf counts a draw as half a win and one trial: n = W + L + D.
	DrawHalf DrawPolicy = "half"
)

// TierThreshold assigns Name to archetypes meeting both minimums.
type TierThreshold struct {
	Name       string  `json:"name" yaml:"name" mapstructure:"name"`
	MinWinrate float64 `json:"min_winrate" yaml:"min_winrate" mapstructure:"min_winrate"`
	MinShare   float64 `json:"min_share" yaml:"min_share" mapstructure:"min_share"`
}

// Options configures Aggregate.
type Options struct {
	Format         string
	IncludeUnknown bool
	DrawPolicy     DrawPolicy
	Z              float64
	// Tiers are checked in order; the first satisfied threshold wins.
	Tiers       []TierThreshold
	DefaultTier string
}

// DefaultOptions returns the 95% interval, draws excluded, no tiers.
func DefaultOptions() Options {
	return Options{DrawPolicy: DrawExclude, Z: DefaultZ, DefaultTier: "unranked"}
}

// Validate reports configuration mistakes.
func (o Options) Validate() error {
	switch o.DrawPolicy {
	case "", DrawExclude, DrawHalf:
	default:
		return eris.Errorf("stats: unknown draw policy %q", o.DrawPolicy)
	}
	if o.Z < 0 {
		return eris.Errorf("stats: z must be positive, got %v", o.Z)
	}
	for i, t := range o.Tiers {
		if t.Name == "" {
			return eris.Errorf("stats: tier %d has no name", i)
		}
	}
	return nil
}

// Input is one cached tournament plus the labels of its decks, keyed by player.
type Input struct {
	Record      model.Record
	Annotations map[string]model.Annotation
}

// InputsFromEntries builds inputs from entries whose decks already carry
// archetype annotations. Decks without a label stay unclassified.
func InputsFromEntries(entries []model.CacheEntry) []Input {
	out := make([]Input, 0, len(entries))
	for _, e := range entries {
		anns := make(map[string]model.Annotation, len(e.Record.Decks))
		for _, d := range e.Record.Decks {
			if d.Archetype == nil {
				continue
			}
			a := model.Annotation{Player: d.Player, Archetype: *d.Archetype}
			if d.Colors != nil {
				a.Colors = *d.Colors
			}
			anns[d.Player] = a
		}
		out = append(out, Input{Record: e.Record, Annotations: anns})
	}
	return out
}

// Record is a win/loss/draw tally.
type Record struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`
}

// ArchetypeStats is one row of the report. Pointer fields are nil (null in
// JSON) when undefined.
type ArchetypeStats struct {
	Name  string   `json:"name"`
	Decks int      `json:"decks"`
	Share *float64 `json:"share"`
	Record
	Winrate  *float64  `json:"winrate"`
	Interval *Interval `json:"interval"`
	Tier     string    `json:"tier"`
}

// MatchupCell holds results of archetype A against archetype B. A == B is
// the mirror match.
type MatchupCell struct {
	A string `json:"a"`
	B string `json:"b"`
	Record
	Winrate  *float64  `json:"winrate"`
	Interval *Interval `json:"interval"`
}

// Report is the aggregation output.
type Report struct {
	Format       string           `json:"format,omitempty"`
	DrawPolicy   DrawPolicy       `json:"draw_policy"`
	Tournaments  int              `json:"tournaments"`
	Decks        int              `json:"decks"`
	Classified   int              `json:"classified"`
	Unclassified int              `json:"unclassified"`
	Denominator  int              `json:"share_denominator"`
	Archetypes   []ArchetypeStats `json:"archetypes"`
	Matchups     []MatchupCell    `json:"matchups"`
}

// Archetype returns the row for name.
func (r *Report) Archetype(name string) (ArchetypeStats, bool) {
	for _, a := range r.Archetypes {
		if a.Name == name {
			return a, true
		}
	}
	return ArchetypeStats{}, false
}

// Matchup returns the cell for a against b.
func (r *Report) Matchup(a, b string) (MatchupCell, bool) {
	i := sort.Search(len(r.Matchups), func(i int) bool {
		c := r.Matchups[i]
		return c.A > a || (c.A == a && c.B >= b)
	})
	if i < len(r.Matchups) && r.Matchups[i].A == a && r.Matchups[i].B == b {
		return r.Matchups[i], true
	}
	return MatchupCell{}, false
}

type pair struct{ a, b string }

// Aggregate computes the report. It is a pure function of its inputs.
func Aggregate(inputs []Input, opts Options) *Report {
	if opts.DrawPolicy == "" {
		opts.DrawPolicy = DrawExclude
	}
	if opts.Z <= 0 {
		opts.Z = DefaultZ
	}

	rep := &Report{Format: opts.Format, DrawPolicy: opts.DrawPolicy, Tournaments: len(inputs)}
	counts := make(map[string]int)
	records := make(map[string]*Record)
	cells := make(map[pair]*Record)

	counted := func(name string) bool {
		return name != Unknown || opts.IncludeUnknown
	}
	tally := func(name string) *Record {
		r, ok := records[name]
		if !ok {
			r = &Record{}
			records[name] = r
		}
		return r
	}
	cell := func(a, b string) *Record {
		c, ok := cells[pair{a, b}]
		if !ok {
			c = &Record{}
			cells[pair{a, b}] = c
		}
		return c
	}

	for _, in := range inputs {
		label := func(player string) (string, bool) {
			a, ok := in.Annotations[player]
			if !ok || a.Archetype == "" {
				return "", false
			}
			return a.Archetype, true
		}

		for _, d := range in.Record.Decks {
			rep.Decks++
			name, ok := label(d.Player)
			if !ok {
				rep.Unclassified++
				continue
			}
			rep.Classified++
			counts[name]++
			if counted(name) {
				rep.Denominator++
			}
		}

		for _, s := range in.Record.Standings {
			name, ok := label(s.Player)
			if !ok {
				continue
			}
			r := tally(name)
			r.Wins += s.Wins
			r.Losses += s.Losses
			r.Draws += s.Draws
		}

		for _, m := range in.Record.Matches {
			if m.Bye() {
				continue
			}
			a, okA := label(m.PlayerA)
			b, okB := label(m.PlayerB)
			if !okA || !okB || !counted(a) || !counted(b) {
				continue
			}
			ab, ba := cell(a, b), cell(b, a)
			switch m.Outcome() {
			case model.OutcomeWinA:
				ab.Wins++
				ba.Losses++
			case model.OutcomeWinB:
				ab.Losses++
				ba.Wins++
			default:
				ab.Draws++
				if a != b {
					ba.Draws++
				}
			}
		}
	}

	for name, n := range counts {
		row := ArchetypeStats{Name: name, Decks: n, Tier: opts.DefaultTier}
		if r, ok := records[name]; ok {
			row.Record = *r
		}
		if counted(name) && rep.Denominator > 0 {
			share := float64(n) / float64(rep.Denominator)
			row.Share = &share
		}
		row.Winrate, row.Interval = winrate(row.Record, opts)
		row.Tier = assignTier(row, opts)
		rep.Archetypes = append(rep.Archetypes, row)
	}
	sort.Slice(rep.Archetypes, func(i, j int) bool {
		si, sj := shareOf(rep.Archetypes[i]), shareOf(rep.Archetypes[j])
		if si != sj {
			return si > sj
		}
		return rep.Archetypes[i].Name < rep.Archetypes[j].Name
	})

	rep.Matchups = make([]MatchupCell, 0, len(cells))
	for p, r := range cells {
		c := MatchupCell{A: p.a, B: p.b, Record: *r}
		c.Winrate, c.Interval = winrate(*r, opts)
		rep.Matchups = append(rep.Matchups, c)
	}
	sort.Slice(rep.Matchups, func(i, j int) bool {
		if rep.Matchups[i].A != rep.Matchups[j].A {
			return rep.Matchups[i].A < rep.Matchups[j].A
		}
		return rep.Matchups[i].B < rep.Matchups[j].B
	})
	if rep.Archetypes == nil {
		rep.Archetypes = []ArchetypeStats{}
	}
	return rep
}

func winrate(r Record, opts Options) (*float64, *Interval) {
	wins, n := float64(r.Wins), float64(r.Wins+r.Losses)
	if opts.DrawPolicy == DrawHalf {
		wins += float64(r.Draws) / 2
		n += float64(r.Draws)
	}
	iv, ok := Wilson(wins, n, opts.Z)
	if !ok {
		return nil, nil
	}
	wr := wins / n
	return &wr, &iv
}

func assignTier(row ArchetypeStats, opts Options) string {
	if row.Winrate == nil || row.Share == nil {
		return opts.DefaultTier
	}
	for _, t := range opts.Tiers {
		if *row.Winrate >= t.MinWinrate && *row.Share >= t.MinShare {
			return t.Name
		}
	}
	return opts.DefaultTier
}

func shareOf(a ArchetypeStats) float64 {
	if a.Share == nil {
		return -1
	}
	return *a.Share
}

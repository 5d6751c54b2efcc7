// Package archetype assigns decks to named strategies using a declarative
// rule set. Rules are a small condition tree evaluated by one interpreter.
package archetype

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Unknown is the label for decks no rule or fallback can name.
const Unknown = "Unknown"

// ColorsPlaceholder is replaced with the deck's color identity in a
// fallback rule name, e.g. "Generic {colors}".
const ColorsPlaceholder = "{colors}"

// Kind selects what a Condition tests.
type Kind string

const (
	KindInclude Kind = "include" // card present, optionally within [min, max] copies
	KindExclude Kind = "exclude" // card absent
	KindCount   Kind = "count"   // total copies of the listed cards within [min, max]
	KindColors  Kind = "colors"  // color identity contains (or equals) the given colors
	KindAny     Kind = "any"     // at least one child matches
	KindAll     Kind = "all"     // every child matches
)

// Zone selects which part of the deck a card condition inspects.
type Zone string

const (
	ZoneMain Zone = "main"
	ZoneSide Zone = "side"
	ZoneAny  Zone = "any"
)

// Condition is one node of a rule's condition tree.
type Condition struct {
	Kind  Kind     `yaml:"kind" json:"kind"`
	Card  string   `yaml:"card,omitempty" json:"card,omitempty"`
	Cards []string `yaml:"cards,omitempty" json:"cards,omitempty"`
	Min   int      `yaml:"min,omitempty" json:"min,omitempty"`
	Max   int      `yaml:"max,omitempty" json:"max,omitempty"` // 0 = unbounded
	Zone  Zone     `yaml:"zone,omitempty" json:"zone,omitempty"`

	Colors string `yaml:"colors,omitempty" json:"colors,omitempty"`
	Exact  bool   `yaml:"exact,omitempty" json:"exact,omitempty"`

	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Rule names an archetype and the conditions a deck must satisfy.
// Lower Priority values are evaluated first.
type Rule struct {
	Name       string      `yaml:"name" json:"name"`
	Priority   int         `yaml:"priority" json:"priority"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Fallback   bool        `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// RuleSet is the read-only configuration for one format.
type RuleSet struct {
	Format string `yaml:"format" json:"format"`
	Rules  []Rule `yaml:"rules" json:"rules"`
	// CardColors maps card name to its WUBRG letters. Cards missing from
	// the table are colorless.
	CardColors map[string]string `yaml:"card_colors,omitempty" json:"card_colors,omitempty"`
	// ColorOverrides forces the display colors of an archetype after matching.
	ColorOverrides map[string]string `yaml:"color_overrides,omitempty" json:"color_overrides,omitempty"`
	// ColorNames renders an identity in fallback names, e.g. "UR" -> "Izzet".
	ColorNames map[string]string `yaml:"color_names,omitempty" json:"color_names,omitempty"`
}

// Validate checks the rule set for structural problems.
func (rs *RuleSet) Validate() error {
	if rs == nil {
		return eris.New("archetype: nil rule set")
	}
	var problems []string
	seen := make(map[string]bool, len(rs.Rules))
	fallbacks := 0
	for i, r := range rs.Rules {
		where := fmt.Sprintf("rule %d", i)
		if strings.TrimSpace(r.Name) == "" {
			problems = append(problems, where+": empty name")
		} else {
			where = fmt.Sprintf("rule %q", r.Name)
			if seen[r.Name] {
				problems = append(problems, where+": duplicate name")
			}
			seen[r.Name] = true
		}
		if r.Fallback {
			fallbacks++
			if len(r.Conditions) > 0 {
				problems = append(problems, where+": fallback rule cannot have conditions")
			}
			continue
		}
		if len(r.Conditions) == 0 {
			problems = append(problems, where+": no conditions")
		}
		for j, c := range r.Conditions {
			problems = append(problems, validateCondition(c, fmt.Sprintf("%s condition %d", where, j))...)
		}
	}
	if fallbacks > 1 {
		problems = append(problems, fmt.Sprintf("%d fallback rules, at most one allowed", fallbacks))
	}
	for card, colors := range rs.CardColors {
		if !validColors(colors) {
			problems = append(problems, fmt.Sprintf("card %q: invalid colors %q", card, colors))
		}
	}
	for name, colors := range rs.ColorOverrides {
		if !validColors(colors) {
			problems = append(problems, fmt.Sprintf("override %q: invalid colors %q", name, colors))
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("archetype: invalid rule set %q: %s", rs.Format, strings.Join(problems, "; "))
	}
	return nil
}

func validateCondition(c Condition, where string) []string {
	var out []string
	switch c.Zone {
	case "", ZoneMain, ZoneSide, ZoneAny:
	default:
		out = append(out, fmt.Sprintf("%s: unknown zone %q", where, c.Zone))
	}
	if c.Min < 0 || c.Max < 0 {
		out = append(out, where+": negative bound")
	}
	if c.Max > 0 && c.Min > c.Max {
		out = append(out, fmt.Sprintf("%s: min %d > max %d", where, c.Min, c.Max))
	}
	switch c.Kind {
	case KindInclude, KindExclude:
		if strings.TrimSpace(c.Card) == "" {
			out = append(out, fmt.Sprintf("%s: %s needs a card", where, c.Kind))
		}
	case KindCount:
		if strings.TrimSpace(c.Card) == "" && len(c.Cards) == 0 {
			out = append(out, where+": count needs card or cards")
		}
	case KindColors:
		if c.Colors == "" || !validColors(c.Colors) {
			out = append(out, fmt.Sprintf("%s: invalid colors %q", where, c.Colors))
		}
	case KindAny, KindAll:
		if len(c.Conditions) == 0 {
			out = append(out, fmt.Sprintf("%s: %s needs child conditions", where, c.Kind))
		}
		for i, child := range c.Conditions {
			out = append(out, validateCondition(child, fmt.Sprintf("%s.%d", where, i))...)
		}
	default:
		out = append(out, fmt.Sprintf("%s: unknown kind %q", where, c.Kind))
	}
	return out
}

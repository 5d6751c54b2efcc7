package archetype

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/metagame-cli/internal/model"
)

// Result is the outcome of classifying one deck.
type Result struct {
	Archetype string `json:"archetype"`
	Colors    string `json:"colors"`
	Rule      string `json:"rule,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// Classifier is a prepared RuleSet. It is immutable after construction and
// safe for concurrent use.
type Classifier struct {
	rules      []compiledRule
	fallback   *Rule
	cardColors map[string]uint8
	overrides  map[string]string
	colorNames map[string]string
}

type compiledRule struct {
	name       string
	conditions []compiledCondition
}

type compiledCondition struct {
	kind     Kind
	cards    []string
	min, max int // max 0 = unbounded
	zone     Zone
	colors   uint8
	exact    bool
	children []compiledCondition
}

// NewClassifier validates rs and prepares it for matching. Rules are
// ordered by ascending priority, then by name, so the order they were
// listed in never matters.
func NewClassifier(rs *RuleSet) (*Classifier, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	c := &Classifier{
		cardColors: make(map[string]uint8, len(rs.CardColors)),
		overrides:  make(map[string]string, len(rs.ColorOverrides)),
		colorNames: make(map[string]string, len(rs.ColorNames)),
	}
	for name, colors := range rs.CardColors {
		c.cardColors[foldName(name)] |= toMask(colors)
	}
	for name, colors := range rs.ColorOverrides {
		c.overrides[name] = CanonicalColors(colors)
	}
	for colors, name := range rs.ColorNames {
		c.colorNames[CanonicalColors(colors)] = name
	}

	ordered := make([]Rule, 0, len(rs.Rules))
	for i := range rs.Rules {
		r := rs.Rules[i]
		if r.Fallback {
			c.fallback = &r
			continue
		}
		ordered = append(ordered, r)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})
	for _, r := range ordered {
		c.rules = append(c.rules, compiledRule{name: r.Name, conditions: compileConditions(r.Conditions)})
	}
	return c, nil
}

func compileConditions(conds []Condition) []compiledCondition {
	out := make([]compiledCondition, len(conds))
	for i, c := range conds {
		cc := compiledCondition{
			kind:   c.Kind,
			min:    c.Min,
			max:    c.Max,
			zone:   c.Zone,
			colors: toMask(c.Colors),
			exact:  c.Exact,
		}
		if cc.zone == "" {
			cc.zone = ZoneMain
		}
		if c.Card != "" {
			cc.cards = append(cc.cards, foldName(c.Card))
		}
		for _, name := range c.Cards {
			cc.cards = append(cc.cards, foldName(name))
		}
		cc.children = compileConditions(c.Conditions)
		out[i] = cc
	}
	return out
}

// Classify assigns deck to the first matching rule, falling back to the
// color-derived fallback rule and finally to Unknown.
func (c *Classifier) Classify(deck model.Deck) Result {
	v := c.view(deck)
	identity := fromMask(v.identity)

	res := Result{Archetype: Unknown, Colors: identity}
	matched := false
	for _, r := range c.rules {
		if v.all(r.conditions) {
			res.Archetype, res.Rule = r.name, r.name
			matched = true
			break
		}
	}
	if !matched && c.fallback != nil && identity != "" {
		display := identity
		if name, ok := c.colorNames[identity]; ok {
			display = name
		}
		res.Archetype = strings.ReplaceAll(c.fallback.Name, ColorsPlaceholder, display)
		res.Rule = c.fallback.Name
		res.Fallback = true
	}
	if override, ok := c.overrides[res.Archetype]; ok {
		res.Colors = override
	}
	return res
}

// ClassifyRecord labels every deck in rec.
func (c *Classifier) ClassifyRecord(rec *model.Record) []model.Annotation {
	out := make([]model.Annotation, 0, len(rec.Decks))
	for _, d := range rec.Decks {
		r := c.Classify(d)
		out = append(out, model.Annotation{Player: d.Player, Archetype: r.Archetype, Colors: r.Colors})
	}
	return out
}

// Classify is a one-shot convenience around NewClassifier. An invalid rule
// set classifies everything as Unknown.
func Classify(deck model.Deck, rs *RuleSet) Result {
	c, err := NewClassifier(rs)
	if err != nil {
		return Result{Archetype: Unknown}
	}
	return c.Classify(deck)
}

// ClassifyRecord is the one-shot form of Classifier.ClassifyRecord.
func ClassifyRecord(rec *model.Record, rs *RuleSet) ([]model.Annotation, error) {
	c, err := NewClassifier(rs)
	if err != nil {
		return nil, err
	}
	return c.ClassifyRecord(rec), nil
}

// deckView holds per-zone card counts keyed by folded name.
type deckView struct {
	main, side map[string]int
	identity   uint8
}

func (c *Classifier) view(deck model.Deck) deckView {
	v := deckView{
		main: make(map[string]int, len(deck.Mainboard)),
		side: make(map[string]int, len(deck.Sideboard)),
	}
	for _, card := range deck.Mainboard {
		if card.Count <= 0 {
			continue
		}
		name := foldName(card.Name)
		v.main[name] += card.Count
		v.identity |= c.cardColors[name]
	}
	for _, card := range deck.Sideboard {
		if card.Count > 0 {
			v.side[foldName(card.Name)] += card.Count
		}
	}
	return v
}

func (v deckView) count(name string, zone Zone) int {
	switch zone {
	case ZoneSide:
		return v.side[name]
	case ZoneAny:
		return v.main[name] + v.side[name]
	default:
		return v.main[name]
	}
}

func (v deckView) all(conds []compiledCondition) bool {
	for _, c := range conds {
		if !v.match(c) {
			return false
		}
	}
	return true
}

func (v deckView) match(c compiledCondition) bool {
	switch c.kind {
	case KindInclude:
		lo := c.min
		if lo < 1 {
			lo = 1
		}
		return inRange(v.count(c.cards[0], c.zone), lo, c.max)
	case KindExclude:
		return v.count(c.cards[0], c.zone) == 0
	case KindCount:
		total := 0
		for _, name := range c.cards {
			total += v.count(name, c.zone)
		}
		return inRange(total, c.min, c.max)
	case KindColors:
		if c.exact {
			return v.identity == c.colors
		}
		return v.identity&c.colors == c.colors
	case KindAny:
		for _, child := range c.children {
			if v.match(child) {
				return true
			}
		}
		return false
	case KindAll:
		return v.all(c.children)
	default:
		return false
	}
}

func inRange(n, lo, hi int) bool {
	return n >= lo && (hi == 0 || n <= hi)
}

// foldName canonicalizes a card name for comparison: NFC, trimmed, case
// folded. A Caser is stateful, so one is built per call.
func foldName(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

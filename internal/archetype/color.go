package archetype

import (
	"strings"

	"github.com/sells-group/metagame-cli/internal/model"
)

// wubrg is the canonical color order.
const wubrg = "WUBRG"

// CanonicalColors returns the distinct WUBRG letters of s in canonical
// order. Other characters are ignored.
func CanonicalColors(s string) string {
	return fromMask(toMask(s))
}

// ColorIdentity returns the union of the colors of every card in cards,
// looked up in table. Cards missing from the table are colorless.
func ColorIdentity(cards []model.Card, table map[string]string) string {
	folded := make(map[string]string, len(table))
	for name, colors := range table {
		folded[foldName(name)] = colors
	}
	var mask uint8
	for _, c := range cards {
		if c.Count <= 0 {
			continue
		}
		mask |= toMask(folded[foldName(c.Name)])
	}
	return fromMask(mask)
}

func validColors(s string) bool {
	for _, r := range strings.ToUpper(s) {
		if !strings.ContainsRune(wubrg, r) {
			return false
		}
	}
	return true
}

func toMask(s string) uint8 {
	var mask uint8
	for _, r := range strings.ToUpper(s) {
		if i := strings.IndexRune(wubrg, r); i >= 0 {
			mask |= 1 << i
		}
	}
	return mask
}

func fromMask(mask uint8) string {
	var b strings.Builder
	for i := 0; i < len(wubrg); i++ {
		if mask&(1<<i) != 0 {
			b.WriteByte(wubrg[i])
		}
	}
	return b.String()
}

package archetype

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metagame-cli/internal/model"
)

const standardRules = `
rules:
  - name: X Aggro
    priority: 10
    conditions:
      - kind: include
        card: Card X
        min: 4
  - name: Unknown
    fallback: true
card_colors:
  Card X: g
color_overrides:
  X Aggro: RG
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestYAMLLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "standard.yaml"), standardRules)
	writeFile(t, filepath.Join(dir, "colors.yaml"), "Card X: R\nMountain: \"\"\nShock: R\n")

	l := YAMLLoader{Dir: dir, CardColorsPath: filepath.Join(dir, "colors.yaml")}
	rs, err := l.Load(context.Background(), "standard")
	require.NoError(t, err)

	assert.Equal(t, "standard", rs.Format)
	require.Len(t, rs.Rules, 2)
	assert.Equal(t, 4, rs.Rules[0].Conditions[0].Min)
	assert.True(t, rs.Rules[1].Fallback)
	assert.Equal(t, "g", rs.CardColors["Card X"], "inline colors win over the shared table")
	assert.Equal(t, "R", rs.CardColors["Shock"])

	c, err := NewClassifier(rs)
	require.NoError(t, err)
	res := c.Classify(model.Deck{Mainboard: []model.Card{{Name: "Card X", Count: 4}}})
	assert.Equal(t, "X Aggro", res.Archetype)
	assert.Equal(t, "RG", res.Colors)
}

func TestYAMLLoader_MissingFormat(t *testing.T) {
	_, err := YAMLLoader{Dir: t.TempDir()}.Load(context.Background(), "vintage")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestYAMLLoader_InvalidRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "modern.yaml"), "rules:\n  - name: Broken\n    conditions:\n      - kind: include\n")

	_, err := YAMLLoader{Dir: dir}.Load(context.Background(), "modern")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include needs a card")
}

func TestYAMLLoader_ParseError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "modern.yaml"), "rules: [unterminated")

	_, err := YAMLLoader{Dir: dir}.Load(context.Background(), "modern")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archetype: parse rules")
}

func TestLoaderFunc(t *testing.T) {
	l := LoaderFunc(func(_ context.Context, format string) (*RuleSet, error) {
		return &RuleSet{Format: format}, nil
	})
	rs, err := l.Load(context.Background(), "pioneer")
	require.NoError(t, err)
	assert.Equal(t, "pioneer", rs.Format)
}

func TestYAMLLoader_BundledModernRules(t *testing.T) {
	l := YAMLLoader{Dir: "../../rules", CardColorsPath: "../../rules/card_colors.yaml"}
	rs, err := l.Load(context.Background(), "modern")
	require.NoError(t, err)
	assert.Equal(t, "modern", rs.Format)

	c, err := NewClassifier(rs)
	require.NoError(t, err)

	burn := model.Deck{Mainboard: []model.Card{
		{Name: "Lightning Bolt", Count: 4},
		{Name: "Goblin Guide", Count: 4},
		{Name: "Monastery Swiftspear", Count: 4},
	}}
	res := c.Classify(burn)
	assert.Equal(t, "Burn", res.Archetype)
	assert.Equal(t, "R", res.Colors)

	murktide := model.Deck{Mainboard: []model.Card{
		{Name: "Murktide Regent", Count: 4},
		{Name: "Lightning Bolt", Count: 4},
	}}
	assert.Equal(t, "Murktide", c.Classify(murktide).Archetype)

	pile := model.Deck{Mainboard: []model.Card{{Name: "Lightning Bolt", Count: 2}}}
	res = c.Classify(pile)
	assert.Equal(t, "Generic R", res.Archetype)
	assert.True(t, res.Fallback)
}

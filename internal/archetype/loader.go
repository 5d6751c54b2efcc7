package archetype

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Loader supplies the rule set for a format. Rule sets are loaded once per
// run and treated as read-only.
type Loader interface {
	Load(ctx context.Context, format string) (*RuleSet, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, format string) (*RuleSet, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, format string) (*RuleSet, error) {
	return f(ctx, format)
}

// YAMLLoader reads <Dir>/<format>.yaml plus an optional shared card-color
// file. Colors declared inline in a rule file win over the shared table.
type YAMLLoader struct {
	Dir            string
	CardColorsPath string
}

// Load implements Loader.
func (l YAMLLoader) Load(_ context.Context, format string) (*RuleSet, error) {
	path := filepath.Join(l.Dir, format+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "archetype: read rules %s", path)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, eris.Wrapf(err, "archetype: parse rules %s", path)
	}
	if rs.Format == "" {
		rs.Format = format
	}

	if l.CardColorsPath != "" {
		shared, err := LoadCardColors(l.CardColorsPath)
		if err != nil {
			return nil, err
		}
		if rs.CardColors == nil {
			rs.CardColors = make(map[string]string, len(shared))
		}
		for card, colors := range shared {
			if _, ok := rs.CardColors[card]; !ok {
				rs.CardColors[card] = colors
			}
		}
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// LoadCardColors reads a YAML map of card name to WUBRG letters.
func LoadCardColors(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "archetype: read card colors %s", path)
	}
	var table map[string]string
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, eris.Wrapf(err, "archetype: parse card colors %s", path)
	}
	return table, nil
}

package engine

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"threatguard/internal/model"
)

//go:embed patterns.yaml
var defaultPatterns []byte

type patternFile struct {
	Patterns []model.ThreatPattern `yaml:"patterns"`
}

// LoadPatterns reads the pattern catalogue from path, or the built-in
// catalogue when path is empty.
func LoadPatterns(path string) ([]model.ThreatPattern, error) {
	data := defaultPatterns
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read patterns: %w", err)
		}
		data = b
	}
	return ParsePatterns(data)
}

func ParsePatterns(data []byte) ([]model.ThreatPattern, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode patterns: %w", err)
	}
	if len(f.Patterns) == 0 {
		return nil, errors.New("pattern catalogue is empty")
	}
	seen := make(map[string]struct{}, len(f.Patterns))
	for i := range f.Patterns {
		p := &f.Patterns[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("pattern %d has no name", i)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate pattern %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if len(p.Indicators) == 0 {
			return nil, fmt.Errorf("pattern %q has no indicators", p.Name)
		}
		if p.Window <= 0 {
			return nil, fmt.Errorf("pattern %q window must be > 0", p.Name)
		}
		if p.Threshold <= 0 {
			return nil, fmt.Errorf("pattern %q threshold must be > 0", p.Name)
		}
		for j, k := range p.Indicators {
			p.Indicators[j] = model.ParseKind(string(k))
		}
		if p.Weight <= 0 {
			p.Weight = 1
		}
	}
	return f.Patterns, nil
}

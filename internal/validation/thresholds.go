package validation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds parameterize the deterministic rule battery. Production runs
// with the defaults; operators may override individual values from a YAML
// file without redeploying.
type Thresholds struct {
	MinSpaces             int      `yaml:"min_spaces"`
	LowConfidenceScore    float64  `yaml:"low_confidence_score"`
	MaxLowConfidenceRatio float64  `yaml:"max_low_confidence_ratio"`
	MaxAmbiguousRatio     float64  `yaml:"max_ambiguous_ratio"`
	MaxFailures           int      `yaml:"max_failures"`
	CriticalCategories    []string `yaml:"critical_categories"`
	HabitableCategories   []string `yaml:"habitable_categories"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSpaces:             2,
		LowConfidenceScore:    0.5,
		MaxLowConfidenceRatio: 0.5,
		MaxAmbiguousRatio:     0.3,
		MaxFailures:           5,
		CriticalCategories:    []string{"bedroom", "bathroom", "kitchen"},
		HabitableCategories:   []string{"bedroom", "living_room", "kitchen", "dining_room", "office"},
	}
}

// LoadThresholds reads YAML overrides on top of the defaults. A missing
// path returns the defaults unchanged.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, fmt.Errorf("read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("parse thresholds file %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return t, fmt.Errorf("thresholds file %s: %w", path, err)
	}
	return t, nil
}

func (t Thresholds) validate() error {
	if t.MinSpaces < 1 {
		return fmt.Errorf("min_spaces must be >= 1")
	}
	if t.LowConfidenceScore <= 0 || t.LowConfidenceScore > 1 {
		return fmt.Errorf("low_confidence_score must be in (0, 1]")
	}
	if t.MaxLowConfidenceRatio < 0 || t.MaxLowConfidenceRatio > 1 {
		return fmt.Errorf("max_low_confidence_ratio must be in [0, 1]")
	}
	if t.MaxAmbiguousRatio < 0 || t.MaxAmbiguousRatio > 1 {
		return fmt.Errorf("max_ambiguous_ratio must be in [0, 1]")
	}
	if t.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be >= 1")
	}
	return nil
}

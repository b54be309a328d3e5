package validation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SpaceAnalysis is the structured document accompanying a generated
// artifact: every space the analyzer resolved from the plan, with its
// classification confidence and detected furnishings.
type SpaceAnalysis struct {
	PlanID string  `json:"plan_id,omitempty"`
	Style  string  `json:"style,omitempty"`
	Spaces []Space `json:"spaces"`
}

// Space is one detected space in a plan.
type Space struct {
	Label       string   `json:"label"`
	Category    string   `json:"category"`
	Confidence  float64  `json:"confidence"`
	Ambiguous   bool     `json:"ambiguous,omitempty"`
	AreaSQM     float64  `json:"area_sqm,omitempty"`
	Furnishings []string `json:"furnishings,omitempty"`
}

// ParseAnalysis decodes an analysis document. Structural validity is checked
// separately by the schema stage; this only requires well-formed JSON.
func ParseAnalysis(raw []byte) (*SpaceAnalysis, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty analysis document")
	}
	var doc SpaceAnalysis
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode analysis document: %w", err)
	}
	return &doc, nil
}

// Categories returns the set of space categories present, lowercased.
func (a *SpaceAnalysis) Categories() map[string]bool {
	out := make(map[string]bool, len(a.Spaces))
	for _, s := range a.Spaces {
		out[strings.ToLower(s.Category)] = true
	}
	return out
}

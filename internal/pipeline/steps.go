package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	types "github.com/casafex/planvista-backend/internal/domain"
)

// Step output variants, one per pipeline step, stored on the run as a
// tagged union keyed by step name. Each variant has its own schema instead
// of an open map so downstream consumers get typed access.

// Generation service identities, one per dispatchable step. Job rows carry
// these so the worker can route a claim to its handler.
const (
	ServiceStyle      = "style_generation"
	ServiceSpaces     = "space_detection"
	ServiceViewpoints = "viewpoint_planning"
	ServiceRenders    = "space_render"
	ServicePanoramas  = "space_panorama"
	ServiceTour       = "tour_assembly"
)

const (
	KeyIntake     = "intake"
	KeyStyle      = "style"
	KeySpaces     = "spaces"
	KeyViewpoints = "viewpoints"
	KeyRenders    = "renders"
	KeyPanoramas  = "panoramas"
	KeyTour       = "tour"
)

type IntakeOutput struct {
	SourceRef string `json:"source_ref"`
	PageCount int    `json:"page_count,omitempty"`
}

type StyleOutput struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	StyleName  string    `json:"style_name,omitempty"`
}

type SpacesOutput struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	SpaceCount int       `json:"space_count"`
	Labels     []string  `json:"labels,omitempty"`
}

type ViewpointsOutput struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	Count      int       `json:"count"`
}

type RendersOutput struct {
	// Keyed by space label, one rendered view per space.
	ArtifactIDs map[string]uuid.UUID `json:"artifact_ids"`
}

type PanoramasOutput struct {
	ArtifactIDs map[string]uuid.UUID `json:"artifact_ids"`
}

type TourOutput struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	SceneCount int       `json:"scene_count"`
}

// StepKeyFor maps a step number to its output key in the union.
func StepKeyFor(step int) (string, bool) {
	switch step {
	case types.StepIntake:
		return KeyIntake, true
	case types.StepStyle:
		return KeyStyle, true
	case types.StepSpaces:
		return KeySpaces, true
	case types.StepViewpoints:
		return KeyViewpoints, true
	case types.StepRenders:
		return KeyRenders, true
	case types.StepPanoramas:
		return KeyPanoramas, true
	case types.StepTour:
		return KeyTour, true
	}
	return "", false
}

// DecodeStepOutput decodes one entry of the union into its typed variant.
// Unknown keys are rejected; the union is closed like the phase set.
func DecodeStepOutput(key string, raw json.RawMessage) (any, error) {
	var (
		out any
		err error
	)
	switch key {
	case KeyIntake:
		v := IntakeOutput{}
		err = json.Unmarshal(raw, &v)
		out = v
	case KeyStyle:
		v := StyleOutput{}
		err = json.Unmarshal(raw, &v)
		out = v
	case KeySpaces:
		v := SpacesOutput{}
		err = json.Unmarshal(raw, &v)
		out = v
	case KeyViewpoints:
		v := ViewpointsOutput{}
		err = json.Unmarshal(raw, &v)
		out = v
	case KeyRenders:
		v := RendersOutput{}
		err = json.Unmarshal(raw, &v)
		out = v
	case KeyPanoramas:
		v := PanoramasOutput{}
		err = json.Unmarshal(raw, &v)
		out = v
	case KeyTour:
		v := TourOutput{}
		err = json.Unmarshal(raw, &v)
		out = v
	default:
		return nil, fmt.Errorf("unknown step output key %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", key, err)
	}
	return out, nil
}

// DecodeStepOutputs decodes the whole persisted union into typed variants.
// Unknown keys are an error; a run's outputs column only ever holds keys
// written through MergeStepOutput.
func DecodeStepOutputs(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode step outputs: %w", err)
	}
	for key, entry := range entries {
		v, err := DecodeStepOutput(key, entry)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

package domain

import (
	"encoding/json"
	"fmt"
)

// Phase is the fine-grained lifecycle label of a pipeline run. The set is
// closed: anything not listed here is rejected at the deserialization
// boundary rather than carried around as a loose string.
type Phase string

const (
	PhaseIntakePending     Phase = "intake_pending"
	PhaseIntakeRunning     Phase = "intake_running"
	PhaseIntakeReview      Phase = "intake_review"
	PhaseIntakeComplete    Phase = "intake_complete"
	PhaseStylePending      Phase = "style_pending"
	PhaseStyleRunning      Phase = "style_running"
	PhaseStyleReview       Phase = "style_review"
	PhaseStyleComplete     Phase = "style_complete"
	PhaseSpacesPending     Phase = "spaces_pending"
	PhaseSpacesRunning     Phase = "spaces_running"
	PhaseSpacesReview      Phase = "spaces_review"
	PhaseSpacesComplete    Phase = "spaces_complete"
	PhaseViewpointsPending  Phase = "viewpoints_pending"
	PhaseViewpointsRunning  Phase = "viewpoints_running"
	PhaseViewpointsReview   Phase = "viewpoints_review"
	PhaseViewpointsComplete Phase = "viewpoints_complete"
	PhaseRendersPending    Phase = "renders_pending"
	PhaseRendersRunning    Phase = "renders_running"
	PhaseRendersReview     Phase = "renders_review"
	PhaseRendersComplete   Phase = "renders_complete"
	PhasePanoramasPending  Phase = "panoramas_pending"
	PhasePanoramasRunning  Phase = "panoramas_running"
	PhasePanoramasReview   Phase = "panoramas_review"
	PhasePanoramasComplete Phase = "panoramas_complete"
	PhaseTourPending       Phase = "tour_pending"
	PhaseTourRunning       Phase = "tour_running"
	PhaseTourReview        Phase = "tour_review"
	PhaseTourComplete      Phase = "tour_complete"
)

// Step numbers for the seven pipeline stages, in execution order.
const (
	StepIntake     = 0
	StepStyle      = 1
	StepSpaces     = 2
	StepViewpoints = 3
	StepRenders    = 4
	StepPanoramas  = 5
	StepTour       = 6
)

// phaseSteps is the total phase -> step table. Every phase in the closed set
// has exactly one entry; Machine.Transition relies on totality.
var phaseSteps = map[Phase]int{
	PhaseIntakePending: StepIntake, PhaseIntakeRunning: StepIntake,
	PhaseIntakeReview: StepIntake, PhaseIntakeComplete: StepIntake,
	PhaseStylePending: StepStyle, PhaseStyleRunning: StepStyle,
	PhaseStyleReview: StepStyle, PhaseStyleComplete: StepStyle,
	PhaseSpacesPending: StepSpaces, PhaseSpacesRunning: StepSpaces,
	PhaseSpacesReview: StepSpaces, PhaseSpacesComplete: StepSpaces,
	PhaseViewpointsPending: StepViewpoints, PhaseViewpointsRunning: StepViewpoints,
	PhaseViewpointsReview: StepViewpoints, PhaseViewpointsComplete: StepViewpoints,
	PhaseRendersPending: StepRenders, PhaseRendersRunning: StepRenders,
	PhaseRendersReview: StepRenders, PhaseRendersComplete: StepRenders,
	PhasePanoramasPending: StepPanoramas, PhasePanoramasRunning: StepPanoramas,
	PhasePanoramasReview: StepPanoramas, PhasePanoramasComplete: StepPanoramas,
	PhaseTourPending: StepTour, PhaseTourRunning: StepTour,
	PhaseTourReview: StepTour, PhaseTourComplete: StepTour,
}

// legalNext maps each phase to the set of phases a transition may target.
// Within a step the only progression is pending -> running -> review ->
// complete; a step's complete phase maps to the next step's pending phase.
// The table never lowers the step number and never advances it by more
// than one.
var legalNext = map[Phase][]Phase{
	PhaseIntakePending:  {PhaseIntakeRunning},
	PhaseIntakeRunning:  {PhaseIntakeReview},
	PhaseIntakeReview:   {PhaseIntakeComplete},
	PhaseIntakeComplete: {PhaseStylePending},

	PhaseStylePending:  {PhaseStyleRunning},
	PhaseStyleRunning:  {PhaseStyleReview},
	PhaseStyleReview:   {PhaseStyleComplete},
	PhaseStyleComplete: {PhaseSpacesPending},

	PhaseSpacesPending:  {PhaseSpacesRunning},
	PhaseSpacesRunning:  {PhaseSpacesReview},
	PhaseSpacesReview:   {PhaseSpacesComplete},
	PhaseSpacesComplete: {PhaseViewpointsPending},

	PhaseViewpointsPending:  {PhaseViewpointsRunning},
	PhaseViewpointsRunning:  {PhaseViewpointsReview},
	PhaseViewpointsReview:   {PhaseViewpointsComplete},
	PhaseViewpointsComplete: {PhaseRendersPending},

	PhaseRendersPending:  {PhaseRendersRunning},
	PhaseRendersRunning:  {PhaseRendersReview},
	PhaseRendersReview:   {PhaseRendersComplete},
	PhaseRendersComplete: {PhasePanoramasPending},

	PhasePanoramasPending:  {PhasePanoramasRunning},
	PhasePanoramasRunning:  {PhasePanoramasReview},
	PhasePanoramasReview:   {PhasePanoramasComplete},
	PhasePanoramasComplete: {PhaseTourPending},

	PhaseTourPending: {PhaseTourRunning},
	PhaseTourRunning: {PhaseTourReview},
	PhaseTourReview:  {PhaseTourComplete},
	PhaseTourComplete: {},
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if _, ok := phaseSteps[p]; !ok {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Step returns the step number the phase belongs to. ok is false for a
// phase outside the closed set.
func (p Phase) Step() (int, bool) {
	s, ok := phaseSteps[p]
	return s, ok
}

func (p Phase) Valid() bool {
	_, ok := phaseSteps[p]
	return ok
}

// LegalTargets returns the phases a run in phase p may transition to.
func (p Phase) LegalTargets() []Phase {
	return legalNext[p]
}

// AllPhases returns every phase in the closed set. Order is unspecified.
func AllPhases() []Phase {
	out := make([]Phase, 0, len(phaseSteps))
	for p := range phaseSteps {
		out = append(out, p)
	}
	return out
}

func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Stage labels within a step.
const (
	StagePending  = "pending"
	StageRunning  = "running"
	StageReview   = "review"
	StageComplete = "complete"
)

var stepNames = [...]string{
	StepIntake:     "intake",
	StepStyle:      "style",
	StepSpaces:     "spaces",
	StepViewpoints: "viewpoints",
	StepRenders:    "renders",
	StepPanoramas:  "panoramas",
	StepTour:       "tour",
}

// PhaseForStep builds the phase name for a step and stage; ok is false when
// either is out of range.
func PhaseForStep(step int, stage string) (Phase, bool) {
	if step < 0 || step >= len(stepNames) {
		return "", false
	}
	p := Phase(stepNames[step] + "_" + stage)
	_, ok := phaseSteps[p]
	return p, ok
}

func (p Phase) IsRunning() bool {
	switch p {
	case PhaseIntakeRunning, PhaseStyleRunning, PhaseSpacesRunning,
		PhaseViewpointsRunning, PhaseRendersRunning, PhasePanoramasRunning,
		PhaseTourRunning:
		return true
	}
	return false
}

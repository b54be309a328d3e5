package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/casafex/planvista-backend/internal/data/repos"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// IllegalTransitionError rejects a caller/state mismatch. It is never
// auto-corrected; the run is left untouched.
type IllegalTransitionError struct {
	RunID  uuid.UUID
	From   types.Phase
	Target types.Phase
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for run %s: %s -> %s (%s)", e.RunID, e.From, e.Target, e.Reason)
}

// StalePhaseError means the caller presented an expected phase that no
// longer matches the persisted one. Callers should reload and re-decide
// instead of retrying blindly.
type StalePhaseError struct {
	RunID    uuid.UUID
	Expected types.Phase
	Actual   types.Phase
}

func (e *StalePhaseError) Error() string {
	return fmt.Sprintf("stale phase for run %s: expected %s, persisted %s", e.RunID, e.Expected, e.Actual)
}

// RunPausedError refuses to dispatch new work on a paused run. Work already
// in flight is unaffected.
type RunPausedError struct {
	RunID uuid.UUID
}

func (e *RunPausedError) Error() string {
	return fmt.Sprintf("run %s is paused", e.RunID)
}

// Machine is the single writer of a run's phase and step. It authorizes the
// next stage; it never dispatches work itself.
type Machine struct {
	runs repos.PipelineRunRepo
	log  *logger.Logger
}

func NewMachine(runs repos.PipelineRunRepo, baseLog *logger.Logger) *Machine {
	return &Machine{
		runs: runs,
		log:  baseLog.With("component", "PhaseMachine"),
	}
}

// Transition moves a run from expected to target. Re-requesting a transition
// whose target already matches the persisted phase is a no-op success, which
// makes external retries safe. The phase+step write is one atomic
// conditional update keyed on the expected phase, so concurrent writers
// serialize: the loser gets StalePhaseError.
func (m *Machine) Transition(ctx context.Context, runID uuid.UUID, expected, target types.Phase) (*types.PipelineRun, error) {
	dbc := dbctx.Context{Ctx: ctx}
	run, err := m.runs.GetByID(dbc, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	if !expected.Valid() {
		return nil, &IllegalTransitionError{RunID: runID, From: expected, Target: target, Reason: "unknown expected phase"}
	}
	if !target.Valid() {
		return nil, &IllegalTransitionError{RunID: runID, From: run.Phase, Target: target, Reason: "unknown target phase"}
	}

	// Idempotent re-request: already there.
	if run.Phase == target {
		return run, nil
	}
	if run.Phase != expected {
		return nil, &StalePhaseError{RunID: runID, Expected: expected, Actual: run.Phase}
	}

	if err := checkLegal(runID, run.Phase, target); err != nil {
		return nil, err
	}

	if run.Paused && target.IsRunning() {
		return nil, &RunPausedError{RunID: runID}
	}

	targetStep, _ := target.Step()
	ok, err := m.runs.CompareAndSetPhase(dbc, runID, expected, target, targetStep)
	if err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	if !ok {
		// Lost the race between our read and the conditional write.
		fresh, ferr := m.runs.GetByID(dbc, runID)
		if ferr == nil && fresh != nil && fresh.Phase == target {
			return fresh, nil
		}
		actual := expected
		if ferr == nil && fresh != nil {
			actual = fresh.Phase
		}
		return nil, &StalePhaseError{RunID: runID, Expected: expected, Actual: actual}
	}

	m.log.Info("Phase transition committed",
		"run_id", runID,
		"from", expected,
		"to", target,
		"step", targetStep,
	)
	run.Phase = target
	run.Step = targetStep
	return run, nil
}

// checkLegal enforces the transition table plus the step monotonicity
// guards: a target below the current step, or more than one step ahead, is
// rejected even if the table were ever edited to allow it.
func checkLegal(runID uuid.UUID, from, target types.Phase) error {
	fromStep, _ := from.Step()
	targetStep, _ := target.Step()
	if targetStep < fromStep {
		return &IllegalTransitionError{RunID: runID, From: from, Target: target, Reason: "step rewind"}
	}
	if targetStep-fromStep > 1 {
		return &IllegalTransitionError{RunID: runID, From: from, Target: target, Reason: "step skip"}
	}
	for _, allowed := range from.LegalTargets() {
		if allowed == target {
			return nil
		}
	}
	return &IllegalTransitionError{RunID: runID, From: from, Target: target, Reason: "no transition table entry"}
}

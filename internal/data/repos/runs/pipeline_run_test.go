package runs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/casafex/planvista-backend/internal/data/repos/testutil"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
)

func TestPipelineRunRepoCompareAndSetPhase(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewPipelineRunRepo(db, testutil.Logger(t))

	run := &types.PipelineRun{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		Phase:       types.PhaseIntakeComplete,
		Step:        types.StepIntake,
		StepOutputs: datatypes.JSON([]byte("{}")),
	}
	if _, err := repo.Create(dbc, []*types.PipelineRun{run}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := repo.CompareAndSetPhase(dbc, run.ID, types.PhaseIntakeComplete, types.PhaseStylePending, types.StepStyle)
	if err != nil {
		t.Fatalf("CompareAndSetPhase: %v", err)
	}
	if !ok {
		t.Fatalf("CompareAndSetPhase: expected success")
	}

	// A second writer presenting the stale phase must be refused.
	ok, err = repo.CompareAndSetPhase(dbc, run.ID, types.PhaseIntakeComplete, types.PhaseStylePending, types.StepStyle)
	if err != nil {
		t.Fatalf("CompareAndSetPhase (stale): %v", err)
	}
	if ok {
		t.Fatalf("CompareAndSetPhase (stale): expected refusal")
	}

	got, err := repo.GetByID(dbc, run.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID: err=%v", err)
	}
	if got.Phase != types.PhaseStylePending || got.Step != types.StepStyle {
		t.Fatalf("unexpected run state: %+v", got)
	}
}

func TestPipelineRunRepoMergeStepOutput(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewPipelineRunRepo(db, testutil.Logger(t))

	run := &types.PipelineRun{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		Phase:       types.PhaseStyleRunning,
		Step:        types.StepStyle,
		StepOutputs: datatypes.JSON([]byte("{}")),
	}
	if _, err := repo.Create(dbc, []*types.PipelineRun{run}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.MergeStepOutput(dbc, run.ID, "style", map[string]any{"artifact_id": "a1"}); err != nil {
		t.Fatalf("MergeStepOutput style: %v", err)
	}
	if err := repo.MergeStepOutput(dbc, run.ID, "spaces", map[string]any{"artifact_id": "a2"}); err != nil {
		t.Fatalf("MergeStepOutput spaces: %v", err)
	}

	got, err := repo.GetByID(dbc, run.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID: err=%v", err)
	}
	var outputs map[string]json.RawMessage
	if err := json.Unmarshal(got.StepOutputs, &outputs); err != nil {
		t.Fatalf("unmarshal step outputs: %v", err)
	}
	if _, ok := outputs["style"]; !ok {
		t.Fatalf("style output lost after merge: %s", got.StepOutputs)
	}
	if _, ok := outputs["spaces"]; !ok {
		t.Fatalf("spaces output missing: %s", got.StepOutputs)
	}
}

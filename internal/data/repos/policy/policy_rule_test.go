package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/casafex/planvista-backend/internal/data/repos/testutil"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
)

func sweepRule(t *testing.T, n, health int) *types.PolicyRule {
	t.Helper()
	id, err := uuid.Parse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	return &types.PolicyRule{
		ID:       id,
		Scope:    types.ScopeGlobal,
		Category: "bedroom",
		Rule:     fmt.Sprintf("rule %d", n),
		Strength: types.StrengthNudge,
		Health:   health,
	}
}

func TestPolicyRuleRepoListForSweepKeyset(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewPolicyRuleRepo(db, testutil.Logger(t))

	seed := []*types.PolicyRule{
		sweepRule(t, 1, 10),
		sweepRule(t, 2, 10),
		sweepRule(t, 3, 10),
		sweepRule(t, 4, 10),
	}
	if _, err := repo.Create(dbc, seed); err != nil {
		t.Fatalf("Create: %v", err)
	}

	page1, err := repo.ListForSweep(dbc, 2, uuid.Nil)
	if err != nil {
		t.Fatalf("ListForSweep page 1: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != seed[0].ID || page1[1].ID != seed[1].ID {
		t.Fatalf("page 1: expected rules 1 and 2, got %+v", page1)
	}

	// A nightly sweep decays rules out of the health filter as it walks.
	// The next page keys off the last id seen, so the shrinking result
	// set must not make it skip rows.
	for _, rule := range page1 {
		rule.Health = 0
		if err := repo.Save(dbc, rule); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	page2, err := repo.ListForSweep(dbc, 2, page1[len(page1)-1].ID)
	if err != nil {
		t.Fatalf("ListForSweep page 2: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != seed[2].ID || page2[1].ID != seed[3].ID {
		t.Fatalf("page 2: expected rules 3 and 4, got %+v", page2)
	}

	page3, err := repo.ListForSweep(dbc, 2, page2[len(page2)-1].ID)
	if err != nil {
		t.Fatalf("ListForSweep page 3: %v", err)
	}
	if len(page3) != 0 {
		t.Fatalf("page 3: expected empty tail, got %+v", page3)
	}
}

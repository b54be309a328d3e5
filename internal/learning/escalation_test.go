package learning

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/casafex/planvista-backend/internal/domain"
)

func uuidOf(t *testing.T, n int) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
	require.NoError(t, err)
	return id
}

func TestStrengthLadderThresholds(t *testing.T) {
	assert.Equal(t, types.StrengthNudge, StrengthForViolations(1))
	assert.Equal(t, types.StrengthNudge, StrengthForViolations(2))
	assert.Equal(t, types.StrengthCheck, StrengthForViolations(3))
	assert.Equal(t, types.StrengthCheck, StrengthForViolations(5))
	assert.Equal(t, types.StrengthGuard, StrengthForViolations(6))
	assert.Equal(t, types.StrengthGuard, StrengthForViolations(100))
}

func TestRecordViolationEscalatesAtThresholds(t *testing.T) {
	rule := newRule(types.StrengthNudge, 100)
	now := time.Now()

	var changes []*StrengthChange
	for i := 1; i <= 7; i++ {
		changes = append(changes, RecordViolation(rule, uuidOf(t, i), now))
	}
	// Crossing 3 and 6 each produce exactly one promotion.
	assert.Nil(t, changes[0])
	assert.Nil(t, changes[1])
	require.NotNil(t, changes[2])
	assert.Equal(t, types.StrengthCheck, changes[2].To)
	assert.Nil(t, changes[3])
	assert.Nil(t, changes[4])
	require.NotNil(t, changes[5])
	assert.Equal(t, types.StrengthGuard, changes[5].To)
	assert.Nil(t, changes[6])
	assert.Equal(t, types.StrengthGuard, rule.Strength)
}

func TestCountNeverPromotesToLaw(t *testing.T) {
	rule := newRule(types.StrengthGuard, 100)
	rule.ViolationCount = 500
	change := RecordViolation(rule, uuid.New(), time.Now())
	assert.Nil(t, change)
	assert.Equal(t, types.StrengthGuard, rule.Strength)
}

func TestScopePromotionRequiresIndependentRuns(t *testing.T) {
	rule := newRule(types.StrengthCheck, 100)
	sameRun := uuid.New()
	now := time.Now()

	// Many violations inside one run never widen scope.
	for i := 0; i < 10; i++ {
		RecordViolation(rule, sameRun, now)
	}
	assert.False(t, EligibleForScopePromotion(rule))

	RecordViolation(rule, uuid.New(), now)
	assert.False(t, EligibleForScopePromotion(rule))
	RecordViolation(rule, uuid.New(), now)
	assert.True(t, EligibleForScopePromotion(rule))
}

func TestPromoteScopeWidensOneLevel(t *testing.T) {
	runID := uuid.New()
	actorID := uuid.New()
	rule := newRule(types.StrengthCheck, 100)
	rule.RunID = &runID
	rule.ActorID = &actorID

	change := PromoteScope(rule)
	require.NotNil(t, change)
	assert.Equal(t, types.ScopeActor, rule.Scope)
	assert.Nil(t, rule.RunID)
	assert.NotNil(t, rule.ActorID)

	change = PromoteScope(rule)
	require.NotNil(t, change)
	assert.Equal(t, types.ScopeGlobal, rule.Scope)
	assert.Nil(t, rule.ActorID)

	assert.Nil(t, PromoteScope(rule))
}

func TestLawIsExemptFromCountEscalationButNotFromSeenRuns(t *testing.T) {
	rule := newRule(types.StrengthLaw, 100)
	change := RecordViolation(rule, uuid.New(), time.Now())
	assert.Nil(t, change)
	assert.Equal(t, 1, rule.ViolationCount)
	assert.Len(t, seenRuns(rule), 1)
}

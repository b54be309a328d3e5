package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseStepTableIsTotal(t *testing.T) {
	for _, p := range AllPhases() {
		_, ok := p.Step()
		assert.True(t, ok, "phase %q missing from step table", p)
	}
}

func TestLegalTargetsNeverSkipOrRewindSteps(t *testing.T) {
	for _, src := range AllPhases() {
		srcStep, ok := src.Step()
		require.True(t, ok)
		for _, dst := range src.LegalTargets() {
			dstStep, ok := dst.Step()
			require.True(t, ok, "target %q of %q not in step table", dst, src)
			assert.GreaterOrEqual(t, dstStep, srcStep, "%s -> %s rewinds the step", src, dst)
			assert.LessOrEqual(t, dstStep-srcStep, 1, "%s -> %s skips a step", src, dst)
		}
	}
}

func TestParsePhaseRejectsUnknownStrings(t *testing.T) {
	_, err := ParsePhase("style_exploded")
	assert.Error(t, err)

	p, err := ParsePhase("style_running")
	require.NoError(t, err)
	assert.Equal(t, PhaseStyleRunning, p)
}

func TestPhaseUnmarshalRejectsUnknownStrings(t *testing.T) {
	var p Phase
	err := json.Unmarshal([]byte(`"renders_review"`), &p)
	require.NoError(t, err)
	assert.Equal(t, PhaseRendersReview, p)

	err = json.Unmarshal([]byte(`"not_a_phase"`), &p)
	assert.Error(t, err)
}

func TestConfidenceRequiresMinimumSamples(t *testing.T) {
	r := &PolicyRule{TimesTriggered: 4, RejectionsCaused: 4}
	_, ok := r.Confidence()
	assert.False(t, ok)

	r.TimesTriggered = 5
	c, ok := r.Confidence()
	require.True(t, ok)
	assert.InDelta(t, 0.8, c, 1e-9)
}

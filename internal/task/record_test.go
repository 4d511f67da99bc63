package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	rec := NewRecord("blink an LED", []string{"LED toggles at 1Hz"})

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StateGenerating, rec.State)
	assert.Empty(t, rec.CodeVersions)
	assert.Empty(t, rec.Artifacts)
	assert.Zero(t, rec.ReviseAttempts)
}

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateGenerating, StateReviewing, true},
		{StateGenerating, StateFailed, true},
		{StateGenerating, StateCompiling, false},
		{StateReviewing, StateCompiling, true},
		{StateReviewing, StateRevising, true},
		{StateReviewing, StateDone, false},
		{StateRevising, StateReviewing, true},
		{StateRevising, StateCompiling, false},
		{StateCompiling, StateSimulating, true},
		{StateCompiling, StateRevising, true},
		{StateSimulating, StateDone, true},
		{StateSimulating, StateRevising, true},
		{StateSimulating, StateGenerating, false},
	}

	for _, tt := range tests {
		rec := NewRecord("x", nil)
		rec.State = tt.from
		err := rec.Transition(tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.to, rec.State)
		} else {
			assert.Error(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.from, rec.State, "state must not change on rejected transition")
		}
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	for _, terminal := range []State{StateDone, StateFailed} {
		rec := NewRecord("x", nil)
		rec.State = terminal
		assert.True(t, rec.State.Terminal())
		assert.Error(t, rec.Transition(StateReviewing))
		assert.Error(t, rec.Fail("nope"))
	}
}

func TestFailSetsError(t *testing.T) {
	rec := NewRecord("x", nil)
	require.NoError(t, rec.Fail("compilation budget exhausted"))
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "compilation budget exhausted", rec.Error)
}

func TestAppendVersionSequence(t *testing.T) {
	rec := NewRecord("x", nil)

	v1 := rec.AppendVersion("void main(void) {}", OriginGenerated)
	v2 := rec.AppendVersion("void main(void) { while(1); }", OriginRevised)

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, OriginGenerated, v1.Origin)
	assert.Equal(t, OriginRevised, v2.Origin)

	latest, ok := rec.LatestVersion()
	require.True(t, ok)
	assert.Equal(t, 2, latest.Version)
}

func TestReviewCleanAndCriticals(t *testing.T) {
	clean := ReviewResult{Findings: []Finding{
		{Severity: SeverityWarning, Message: "prefer unsigned loop counter"},
		{Severity: SeveritySuggestion, Message: "name the delay constant"},
	}}
	assert.True(t, clean.Clean())
	assert.Empty(t, clean.CriticalFindings())

	dirty := ReviewResult{Findings: []Finding{
		{Severity: SeveritySuggestion, Message: "minor"},
		{Severity: SeverityCritical, Message: "uses unsupported standard header"},
	}}
	assert.False(t, dirty.Clean())
	assert.Len(t, dirty.CriticalFindings(), 1)
}

func TestSetArtifactWriteOnce(t *testing.T) {
	rec := NewRecord("x", nil)
	require.NoError(t, rec.SetArtifact("hex", "/store/a.hex"))
	err := rec.SetArtifact("hex", "/store/b.hex")
	require.Error(t, err)
	assert.Equal(t, "/store/a.hex", rec.Artifacts["hex"])
	assert.NoError(t, rec.SetArtifact("schematic", "/store/a.dsn"))
}

func TestCloneIsDeep(t *testing.T) {
	rec := NewRecord("x", []string{"exp"})
	rec.AppendVersion("v1", OriginGenerated)
	rec.AppendReview(ReviewResult{TargetVersion: 1, Findings: []Finding{{Severity: SeverityCritical, Message: "m"}}})
	require.NoError(t, rec.SetArtifact("hex", "ref"))

	c := rec.Clone()
	c.AppendVersion("v2", OriginRevised)
	c.ReviewHistory[0].Findings[0].Message = "mutated"
	c.Artifacts["hex"] = "other"
	c.Expectations[0] = "changed"

	assert.Len(t, rec.CodeVersions, 1)
	assert.Equal(t, "m", rec.ReviewHistory[0].Findings[0].Message)
	assert.Equal(t, "ref", rec.Artifacts["hex"])
	assert.Equal(t, "exp", rec.Expectations[0])
}

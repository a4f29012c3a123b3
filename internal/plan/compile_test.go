package plan

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/types"
)

func step(id string, deps ...string) types.PlanStep {
	return types.PlanStep{
		ID:          id,
		Kind:        types.StepToolAction,
		Description: id,
		Tool:        "echo",
		DependsOn:   deps,
	}
}

func TestCompileParallelGroups(t *testing.T) {
	p, err := Compile("agent-1", "diamond", []types.PlanStep{
		step("a"),
		step("b"),
		step("c", "a", "b"),
		step("d", "c"),
	})
	require.NoError(t, err)

	want := [][]string{{"a", "b"}, {"c"}, {"d"}}
	if diff := cmp.Diff(want, p.ParallelGroups); diff != "" {
		t.Errorf("parallel groups mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, types.PlanPending, p.Status)
	assert.Equal(t, 4, p.TotalSteps)
	assert.NotEmpty(t, p.ID)
}

// Every step's dependencies must land in a strictly earlier group.
func TestCompileLayeringIsValid(t *testing.T) {
	p, err := Compile("agent-1", "wide", []types.PlanStep{
		step("fetch"),
		step("parse", "fetch"),
		step("index", "parse"),
		step("summarize", "parse"),
		step("report", "index", "summarize"),
		step("notify", "report"),
		step("archive", "fetch"),
	})
	require.NoError(t, err)

	groupOf := make(map[string]int)
	for g, ids := range p.ParallelGroups {
		for _, id := range ids {
			groupOf[id] = g
		}
	}
	for stepID, deps := range p.Dependencies {
		for _, dep := range deps {
			assert.Less(t, groupOf[dep], groupOf[stepID],
				"dependency %s of %s must be in an earlier group", dep, stepID)
		}
	}
}

func TestCompileRejectsCycle(t *testing.T) {
	_, err := Compile("agent-1", "cyclic", []types.PlanStep{
		step("a", "c"),
		step("b", "a"),
		step("c", "b"),
	})
	require.Error(t, err)

	var cyc *CyclicDependencyError
	require.True(t, errors.As(err, &cyc), "want CyclicDependencyError, got %v", err)
	assert.GreaterOrEqual(t, len(cyc.Cycle), 3)
	// The reported walk closes on itself.
	assert.Equal(t, cyc.Cycle[0], cyc.Cycle[len(cyc.Cycle)-1])
}

func TestCompileRejectsSelfDependency(t *testing.T) {
	_, err := Compile("agent-1", "self", []types.PlanStep{step("a", "a")})
	var cyc *CyclicDependencyError
	require.True(t, errors.As(err, &cyc))
}

func TestCompileRejectsUnknownDependency(t *testing.T) {
	_, err := Compile("agent-1", "dangling", []types.PlanStep{
		step("a"),
		step("b", "nope"),
	})
	var unk *UnknownDependencyError
	require.True(t, errors.As(err, &unk))
	assert.Equal(t, "b", unk.StepID)
	assert.Equal(t, "nope", unk.DependsOn)
}

func TestCompileAssignsMissingIDsAndOrder(t *testing.T) {
	p, err := Compile("agent-1", "bare", []types.PlanStep{
		{Kind: types.StepResearch, Description: "first"},
		{Kind: types.StepSynthesis, Description: "second"},
	})
	require.NoError(t, err)
	for i, st := range p.Steps {
		assert.NotEmpty(t, st.ID)
		assert.Equal(t, i+1, st.Order)
		assert.Equal(t, p.ID, st.PlanID)
	}
}

func TestCompileGroupsSortedByOrderHint(t *testing.T) {
	a := step("a")
	a.Order = 2
	b := step("b")
	b.Order = 1
	p, err := Compile("agent-1", "ordered", []types.PlanStep{a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, p.ParallelGroups[0])
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"connection refused", true},
		{"request timed out", true},
		{"upstream returned 503", true},
		{"database is locked", true},
		{"invalid argument: missing field", false},
		{"permission denied", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Transient(errors.New(tc.msg)), tc.msg)
	}

	assert.False(t, Transient(nil))
	assert.True(t, Transient(&StepFailure{StepID: "s", Err: errors.New("anything"), Transient: true}))
	assert.False(t, Transient(&StepFailure{StepID: "s", Err: errors.New("timeout"), Transient: false}))
}

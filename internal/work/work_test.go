package work

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	assert.Equal(t, Ref{Plan: "p1", Item: "t1"}, ParseRef("p1/t1", "other"))
	assert.Equal(t, Ref{Plan: "p1", Item: "t1"}, ParseRef("t1", "p1"))
	assert.Equal(t, "p1/t1", Ref{Plan: "p1", Item: "t1"}.String())
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
	// Unset priority defaults below low.
	assert.Greater(t, Priority("").Rank(), PriorityLow.Rank())
}

func TestPlanDerivedStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty plan", nil, StatusNotStarted},
		{"nothing started", []Status{StatusNotStarted, StatusNotStarted}, StatusNotStarted},
		{"all completed", []Status{StatusCompleted, StatusCompleted}, StatusCompleted},
		{"partially done", []Status{StatusCompleted, StatusNotStarted}, StatusInProgress},
		{"failure counts as started", []Status{StatusFailed, StatusNotStarted}, StatusInProgress},
		{"in progress", []Status{StatusInProgress}, StatusInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Plan{ID: "p"}
			for i, s := range tt.statuses {
				p.Items = append(p.Items, Item{ID: string(rune('a' + i)), Status: s})
			}
			assert.Equal(t, tt.want, p.Status())
		})
	}
}

func testRecord() *Record {
	return &Record{
		Phases: []Phase{
			{ID: "ph1", Rule: GateAllComplete, Plans: []string{"p1"}},
			{ID: "ph2", Rule: GateAllComplete, Plans: []string{"p2"}},
		},
		Plans: []Plan{
			{ID: "p1", Phase: "ph1", Items: []Item{
				{ID: "t1", Status: StatusCompleted, Priority: PriorityCritical},
				{ID: "t2", Status: StatusNotStarted, Priority: PriorityLow},
			}},
			{ID: "p2", Phase: "ph2", Items: []Item{
				{ID: "t3", Status: StatusNotStarted},
			}},
		},
	}
}

func TestRecordLookups(t *testing.T) {
	rec := testRecord()

	it, err := rec.Item(Ref{Plan: "p1", Item: "t2"})
	require.NoError(t, err)
	assert.Equal(t, "t2", it.ID)

	_, err = rec.Item(Ref{Plan: "p1", Item: "nope"})
	assert.True(t, IsNotFound(err))

	_, err = rec.Plan("nope")
	assert.True(t, IsNotFound(err))

	assert.Equal(t, 1, rec.PhaseIndex("ph2"))
	assert.Equal(t, -1, rec.PhaseIndex("nope"))
}

func TestPhaseGating(t *testing.T) {
	rec := testRecord()

	// ph1 has an unfinished low-priority item: all_complete not satisfied.
	assert.False(t, rec.PhaseSatisfied(&rec.Phases[0]))
	assert.True(t, rec.PhaseOpen(0))
	assert.False(t, rec.PhaseOpen(1))

	// With critical_complete, only the critical item matters and it is done.
	rec.Phases[0].Rule = GateCriticalComplete
	assert.True(t, rec.PhaseSatisfied(&rec.Phases[0]))
	assert.True(t, rec.PhaseOpen(1))
}

func TestRecount(t *testing.T) {
	rec := testRecord()
	rec.Recount()
	assert.Equal(t, Summary{NotStarted: 2, Completed: 1, Total: 3}, rec.Summary)
}

func TestNormalizeDefaults(t *testing.T) {
	rec := &Record{
		Phases: []Phase{{ID: "ph1"}},
		Plans:  []Plan{{ID: "p1", Phase: "ph1", Items: []Item{{ID: "t1"}}}},
	}
	rec.Normalize()
	assert.Equal(t, GateAllComplete, rec.Phases[0].Rule)
	assert.Equal(t, StatusNotStarted, rec.Plans[0].Items[0].Status)
	assert.Equal(t, 1, rec.Summary.Total)
}

func TestCloneIsDeep(t *testing.T) {
	rec := testRecord()
	clone := rec.Clone()

	clone.Plans[0].Items[0].Status = StatusFailed
	clone.Plans[0].Items[1].DependsOn = append(clone.Plans[0].Items[1].DependsOn, "t1")
	clone.Phases[0].Plans[0] = "changed"

	assert.Equal(t, StatusCompleted, rec.Plans[0].Items[0].Status)
	assert.Empty(t, rec.Plans[0].Items[1].DependsOn)
	assert.Equal(t, "p1", rec.Phases[0].Plans[0])
}

func TestGroupDefaultsToPlan(t *testing.T) {
	it := &Item{ID: "t"}
	assert.Equal(t, "p1", Group("p1", it))
	it.ExclusivityGroup = "db"
	assert.Equal(t, "db", Group("p1", it))
}

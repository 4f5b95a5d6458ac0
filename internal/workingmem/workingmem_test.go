package workingmem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestAddStaysWithinBudget(t *testing.T) {
	m := New(100)
	m.SetClock(newClock(time.Unix(0, 0)))

	for i := int64(1); i <= 10; i++ {
		m.Add(i, "content", 30, 1.0, false)
		assert.LessOrEqual(t, m.Tokens(), 100, "budget must hold after every add")
	}
}

func TestEvictionOrderHybrid(t *testing.T) {
	// Budget 100, five 30-token nodes with importances 1,1,5,5,9.
	// Each over-budget add evicts the lowest-importance, oldest entry.
	m := New(100)
	m.SetClock(newClock(time.Unix(0, 0)))

	importances := []float64{1, 1, 5, 5, 9}
	var evictions []int64
	for i, imp := range importances {
		evictions = append(evictions, m.Add(int64(i+1), "c", 30, imp, false)...)
	}
	// Adds 4 and 5 each had to free 20 tokens: the two importance-1 nodes go
	// first, oldest first.
	assert.Equal(t, []int64{1, 2}, evictions)

	// A sixth node (importance 2) evicts the oldest importance-5 entry.
	evicted := m.Add(6, "c", 30, 2, false)
	assert.Equal(t, []int64{3}, evicted)

	assert.ElementsMatch(t, []int64{4, 5, 6}, m.IDs())
	assert.Equal(t, 90, m.Tokens())
}

func TestEvictionMonotonicity(t *testing.T) {
	m := New(90)
	m.SetClock(newClock(time.Unix(0, 0)))

	m.Add(1, "a", 30, 5, false)
	m.Add(2, "b", 30, 1, false)
	m.Add(3, "c", 30, 3, false)
	evicted := m.Add(4, "d", 30, 9, false)

	require.Len(t, evicted, 1)
	assert.Equal(t, int64(2), evicted[0], "lowest importance evicts first")
	assert.True(t, m.Contains(1))
	assert.True(t, m.Contains(3))
}

func TestOversizedNodeNotAdmitted(t *testing.T) {
	m := New(50)
	m.Add(1, "a", 30, 1, false)
	evicted := m.Add(2, "big", 80, 1, false)

	assert.Equal(t, []int64{1}, evicted)
	assert.False(t, m.Contains(2))
	assert.Equal(t, 0, m.Tokens())
}

func TestReAddReplacesEntry(t *testing.T) {
	m := New(100)
	m.Add(1, "v1", 40, 1, false)
	m.Add(1, "v2", 20, 2, true)

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 20, m.Tokens())
}

func TestTouchPromotesRecency(t *testing.T) {
	m := New(100)
	m.SetClock(newClock(time.Unix(0, 0)))
	m.Add(1, "one", 10, 1, false)
	m.Add(2, "two", 10, 1, false)

	require.True(t, m.Touch(1))
	assert.False(t, m.Touch(99))

	// Recent ordering now leads with the touched node.
	out := m.AssembleContext(StrategyRecent, 0)
	assert.Equal(t, "one\ntwo", out)
}

func TestAssembleContextStrategies(t *testing.T) {
	m := New(1000)
	clock := time.Unix(0, 0)
	m.SetClock(func() time.Time { return clock })

	m.Add(1, "old-important", 10, 9, false)
	clock = clock.Add(10 * time.Hour)
	m.Add(2, "new-minor", 10, 1, false)
	clock = clock.Add(time.Minute)

	assert.Equal(t, "new-minor\nold-important", m.AssembleContext(StrategyRecent, 0))
	assert.Equal(t, "old-important\nnew-minor", m.AssembleContext(StrategyImportant, 0))
	// balanced: 9/(1+10h) ≈ 0.82 vs 1/(1+0h) = 1.0
	assert.Equal(t, "new-minor\nold-important", m.AssembleContext(StrategyBalanced, 0))
}

func TestAssembleContextRespectsTokenLimit(t *testing.T) {
	m := New(1000)
	m.Add(1, "aaa", 10, 1, false)
	m.Add(2, "bbb", 10, 1, false)
	m.Add(3, "ccc", 10, 1, false)

	out := m.AssembleContext(StrategyRecent, 20)
	assert.Equal(t, "ccc\nbbb", out)
}

func TestRemoveAndClear(t *testing.T) {
	m := New(100)
	m.Add(1, "a", 10, 1, false)
	m.Add(2, "b", 10, 1, false)

	assert.True(t, m.Remove(1))
	assert.False(t, m.Remove(1))
	assert.Equal(t, 10, m.Tokens())

	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.Tokens())
}

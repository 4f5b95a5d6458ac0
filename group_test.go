package htm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGroupFixture(t *testing.T) (*Hive, *Group, *HTM, *HTM) {
	t.Helper()
	h := openHive(t, testConfig(t))
	ctx := context.Background()

	g, err := h.Group(ctx, "ops")
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	primary, err := h.Robot(ctx, "primary")
	require.NoError(t, err)
	standby, err := h.Robot(ctx, "standby")
	require.NoError(t, err)

	require.NoError(t, g.AddActive(ctx, primary))
	require.NoError(t, g.AddPassive(ctx, standby))
	return h, g, primary, standby
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGroupRememberPropagatesToPassive(t *testing.T) {
	_, g, primary, standby := newGroupFixture(t)
	ctx := context.Background()

	res, err := g.Remember(ctx, "primary learned about the outage", RememberOptions{})
	require.NoError(t, err)

	assert.Contains(t, primary.WorkingSet(), res.NodeID)
	waitFor(t, func() bool {
		for _, id := range standby.WorkingSet() {
			if id == res.NodeID {
				return true
			}
		}
		return false
	}, "standby never received the broadcast node")
}

func TestGroupRememberRequiresActive(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	g, err := h.Group(ctx, "empty")
	require.NoError(t, err)
	defer g.Close()

	standby, err := h.Robot(ctx, "only-passive")
	require.NoError(t, err)
	require.NoError(t, g.AddPassive(ctx, standby))

	_, err = g.Remember(ctx, "nobody to write this", RememberOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroupFailoverPromotesStandby(t *testing.T) {
	_, g, _, standby := newGroupFixture(t)
	ctx := context.Background()

	res, err := g.Remember(ctx, "knowledge that must survive failover", RememberOptions{})
	require.NoError(t, err)

	promoted, err := g.Failover(ctx, "primary")
	require.NoError(t, err)
	assert.Equal(t, "standby", promoted)

	st := g.Status()
	assert.Equal(t, []string{"standby"}, st.Active)
	assert.Empty(t, st.Passive)
	assert.Equal(t, 1, st.Total)

	// The promoted member answers recalls and holds the shared set.
	assert.Contains(t, standby.WorkingSet(), res.NodeID)
	hits, err := g.Recall(ctx, "survive failover", RecallOptions{Strategy: "fulltext"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, res.NodeID, hits[0].NodeID)
}

func TestGroupFailoverWithoutStandbyFails(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	g, err := h.Group(ctx, "solo")
	require.NoError(t, err)
	defer g.Close()

	only, err := h.Robot(ctx, "only")
	require.NoError(t, err)
	require.NoError(t, g.AddActive(ctx, only))

	_, err = g.Failover(ctx, "only")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroupSyncAllCatchesUpLateJoiner(t *testing.T) {
	h, g, _, _ := newGroupFixture(t)
	ctx := context.Background()

	res, err := g.Remember(ctx, "history before the third member joined", RememberOptions{})
	require.NoError(t, err)

	late, err := h.Robot(ctx, "late-joiner")
	require.NoError(t, err)
	require.NoError(t, g.AddPassive(ctx, late))
	assert.NotContains(t, late.WorkingSet(), res.NodeID)

	require.NoError(t, g.SyncAll(ctx))
	assert.Contains(t, late.WorkingSet(), res.NodeID)
}

func TestGroupStatusInSync(t *testing.T) {
	_, g, primary, standby := newGroupFixture(t)
	ctx := context.Background()

	res, err := g.Remember(ctx, "shared item", RememberOptions{})
	require.NoError(t, err)
	waitFor(t, func() bool {
		return standby.wm.Contains(res.NodeID)
	}, "standby never synced")

	st := g.Status()
	assert.True(t, st.InSync)
	assert.Equal(t, []string{"primary"}, st.Active)
	assert.Equal(t, []string{"standby"}, st.Passive)

	// A private remember on one member desynchronizes the group.
	_, err = primary.Remember(ctx, "private side note", RememberOptions{})
	require.NoError(t, err)
	assert.False(t, g.Status().InSync)
}

func TestGroupStatusOrderIsDeterministic(t *testing.T) {
	h, g, _, _ := newGroupFixture(t)
	ctx := context.Background()

	for _, name := range []string{"worker-c", "worker-a", "worker-b"} {
		r, err := h.Robot(ctx, name)
		require.NoError(t, err)
		require.NoError(t, g.AddPassive(ctx, r))
	}

	st := g.Status()
	assert.Equal(t, []string{"standby", "worker-a", "worker-b", "worker-c"}, st.Passive)
	for i := 0; i < 5; i++ {
		assert.Equal(t, st.Passive, g.Status().Passive)
	}
}

func TestGroupDoubleJoinRejected(t *testing.T) {
	_, g, primary, _ := newGroupFixture(t)
	err := g.AddPassive(context.Background(), primary)
	assert.ErrorIs(t, err, ErrValidation)
}

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MadBomber/htm/internal/embedding"
	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/timeframe"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "htm.db"), DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func hashOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func mustCreate(t *testing.T, s *Store, content string) int64 {
	t.Helper()
	id, created, err := s.CreateNode(context.Background(), content, hashOf(content), len(content)/4, nil, nil)
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func TestCreateNodeDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, created, err := s.CreateNode(ctx, "hello world", hashOf("hello world"), 3, nil, nil)
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := s.CreateNode(ctx, "hello world", hashOf("hello world"), 3, nil, nil)
	require.NoError(t, err)
	assert.False(t, created, "second insert with same hash should dedup")
	assert.Equal(t, id1, id2)
}

func TestSoftDeleteRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, "ephemeral fact")
	require.NoError(t, s.SoftDeleteNode(ctx, id))

	_, err := s.ActiveNodeIDByHash(ctx, hashOf("ephemeral fact"))
	assert.ErrorIs(t, err, errs.ErrNotFound, "deleted node must not satisfy hash lookup")

	n, err := s.FindNode(ctx, id)
	require.NoError(t, err)
	assert.False(t, n.Active())

	require.NoError(t, s.RestoreNode(ctx, id))
	n, err = s.FindNode(ctx, id)
	require.NoError(t, err)
	assert.True(t, n.Active())
}

func TestRestoreConflictsWithActiveDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, "same content")
	require.NoError(t, s.SoftDeleteNode(ctx, id))

	// A new active node now owns the hash.
	id2, created, err := s.CreateNode(ctx, "same content", hashOf("same content"), 3, nil, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, id, id2)

	err = s.RestoreNode(ctx, id)
	assert.ErrorIs(t, err, errs.ErrDuplicateContent)
}

func TestPurgeDeletedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, "old and gone")
	require.NoError(t, s.SoftDeleteNode(ctx, id))
	keep := mustCreate(t, s, "still here")

	n, err := s.PurgeDeletedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.FindNode(ctx, id)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.FindNode(ctx, keep)
	assert.NoError(t, err)
}

func TestTagLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodeID := mustCreate(t, s, "postgres tuning notes")

	tagID, err := s.UpsertTag(ctx, "database:postgresql")
	require.NoError(t, err)
	again, err := s.UpsertTag(ctx, "database:postgresql")
	require.NoError(t, err)
	assert.Equal(t, tagID, again, "upsert must be idempotent")

	created, err := s.AttachTag(ctx, nodeID, tagID)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.AttachTag(ctx, nodeID, tagID)
	require.NoError(t, err)
	assert.False(t, created, "re-attach is a no-op")

	names, err := s.TagNamesForNode(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, []string{"database:postgresql"}, names)

	has, err := s.NodeHasTags(ctx, nodeID)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.DetachNodeTags(ctx, nodeID))
	has, err = s.NodeHasTags(ctx, nodeID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestTagIDsForTopicPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent, err := s.UpsertTag(ctx, "database")
	require.NoError(t, err)
	child, err := s.UpsertTag(ctx, "database:postgresql")
	require.NoError(t, err)
	_, err = s.UpsertTag(ctx, "databases-other") // must not match the prefix
	require.NoError(t, err)

	ids, err := s.TagIDsForTopic(ctx, "database", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{parent, child}, ids)

	ids, err = s.TagIDsForTopic(ctx, "database", true)
	require.NoError(t, err)
	assert.Equal(t, []int64{parent}, ids)
}

func TestSearchTagsTrigram(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"database:postgresql", "database:mysql", "language:go"} {
		_, err := s.UpsertTag(ctx, name)
		require.NoError(t, err)
	}

	matches, err := s.SearchTagsTrigram(ctx, "postgresql", 0.1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "database:postgresql", matches[0].Name)
}

func TestReapOrphanTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodeID := mustCreate(t, s, "linked content")
	linked, err := s.UpsertTag(ctx, "kept")
	require.NoError(t, err)
	_, err = s.AttachTag(ctx, nodeID, linked)
	require.NoError(t, err)
	_, err = s.UpsertTag(ctx, "orphan")
	require.NoError(t, err)

	n, err := s.ReapOrphanTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	names, err := s.ActiveTagNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, names)
}

func TestSearchFulltext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "the database connection pool was exhausted under load")
	mustCreate(t, s, "kubernetes rollout completed without incident")

	hits, err := s.SearchFulltext(ctx, "database pool", 10, Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Node.Content, "connection pool")
}

func TestSearchVectorScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pad := func(v []float32) []float32 {
		padded, err := embedding.Pad(v, vecWidth)
		require.NoError(t, err)
		return padded
	}

	near := mustCreate(t, s, "close in vector space")
	far := mustCreate(t, s, "far away in vector space")
	require.NoError(t, s.UpdateEmbedding(ctx, near, pad([]float32{1, 0, 0}), 3))
	require.NoError(t, s.UpdateEmbedding(ctx, far, pad([]float32{0, 1, 0}), 3))

	hits, err := s.SearchVector(ctx, pad([]float32{0.9, 0.1, 0}), 10, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near, hits[0].Node.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchFilterWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return base })
	old := mustCreate(t, s, "written last month somewhere")
	s.setClock(func() time.Time { return base.AddDate(0, 1, 0) })
	recent := mustCreate(t, s, "written just now somewhere")

	f := Filter{Windows: []timeframe.Window{{Start: base.AddDate(0, 0, 20), End: base.AddDate(0, 2, 0)}}}
	hits, err := s.SearchFulltext(ctx, "somewhere written", 10, f)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, recent, hits[0].Node.ID)
	_ = old
}

func TestNodesForTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tagged := mustCreate(t, s, "tagged content")
	mustCreate(t, s, "untagged content")
	tagID, err := s.UpsertTag(ctx, "topic:x")
	require.NoError(t, err)
	_, err = s.AttachTag(ctx, tagged, tagID)
	require.NoError(t, err)

	hits, err := s.NodesForTags(ctx, []int64{tagID}, 10, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, tagged, hits[0].Node.ID)
}

func TestRobotWorkingSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1, err := s.UpsertRobot(ctx, "alpha")
	require.NoError(t, err)
	r2, err := s.UpsertRobot(ctx, "beta")
	require.NoError(t, err)

	n1 := mustCreate(t, s, "first memory")
	n2 := mustCreate(t, s, "second memory")

	require.NoError(t, s.UpsertRobotNode(ctx, r1.ID, n1))
	require.NoError(t, s.UpsertRobotNode(ctx, r1.ID, n1)) // remember again
	require.NoError(t, s.UpsertRobotNode(ctx, r2.ID, n2))

	rn, err := s.FindRobotNode(ctx, r1.ID, n1)
	require.NoError(t, err)
	assert.Equal(t, 2, rn.RememberCount)
	assert.True(t, rn.WorkingMemory)

	ids, err := s.WorkingSetIDs(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{n1}, ids)

	shared, err := s.SharedWorkingSetIDs(ctx, []int64{r1.ID, r2.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{n1, n2}, shared)

	require.NoError(t, s.SetWorkingMemoryFlag(ctx, r1.ID, n1, false))
	ids, err = s.WorkingSetIDs(ctx, r1.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestNotifySubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := s.Subscribe(ctx, "htm.group.test")
	require.NoError(t, err)

	require.NoError(t, s.Notify(ctx, "htm.group.test", `{"event":"node_added","node_id":1}`))
	require.NoError(t, s.Notify(ctx, "htm.group.other", `{"event":"ignored"}`))
	require.NoError(t, s.Notify(ctx, "htm.group.test", `{"event":"node_added","node_id":2}`))

	var got []Message
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-timeout:
			t.Fatalf("timed out with %d messages", len(got))
		}
	}
	assert.Equal(t, "htm.group.test", got[0].Channel)
	assert.Contains(t, got[0].Payload, `"node_id":1`)
	assert.Contains(t, got[1].Payload, `"node_id":2`)
}

func TestFileSourceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mt := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	srcID, err := s.UpsertFileSource(ctx, "/docs/notes.md", "hash-1", mt, `{"title":"Notes"}`)
	require.NoError(t, err)

	// Re-upsert with a new hash keeps the id.
	srcID2, err := s.UpsertFileSource(ctx, "/docs/notes.md", "hash-2", mt.Add(time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, srcID, srcID2)

	src, err := s.FindFileSource(ctx, "/docs/notes.md")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", src.ContentHash)

	c1, _, err := s.CreateNode(ctx, "chunk one", hashOf("chunk one"), 2, nil, &SourceRef{SourceID: srcID, Position: 0})
	require.NoError(t, err)
	c2, _, err := s.CreateNode(ctx, "chunk two", hashOf("chunk two"), 2, nil, &SourceRef{SourceID: srcID, Position: 1})
	require.NoError(t, err)

	ids, err := s.NodeIDsForSource(ctx, srcID)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1, c2}, ids)

	require.NoError(t, s.DeleteFileSource(ctx, srcID))
	_, err = s.FindFileSource(ctx, "/docs/notes.md")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "counted")
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["nodes"])
	assert.Equal(t, int64(1), stats["nodes_unembedded"])
}

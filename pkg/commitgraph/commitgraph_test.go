package commitgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/types"
)

func testPage(b byte) types.PageID {
	var p types.PageID
	p[0] = b
	return p
}

func openTestGraph(t *testing.T) (*Graph, objectstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := objectstore.NewBoltStore(dir, testPage(1), types.GCEagerLiveReferences)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g, err := NewGraph(dir, testPage(1), store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, store
}

func rootDigest(store objectstore.Store, content string) types.Digest {
	id, err := store.AddPiece([]byte(content), types.ObjectTypeTreeNode, types.ProvenanceLocal)
	if err != nil {
		panic(err)
	}
	return id.Digest
}

func TestAddCommitFromLocal_RootCommit(t *testing.T) {
	g, store := openTestGraph(t)
	root := rootDigest(store, "root-1")

	c, err := g.AddCommitFromLocal(root, nil, []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Generation)

	heads, err := g.GetHeadCommits()
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, c.ID, heads[0].ID)
}

func TestAddCommitFromLocal_Idempotent(t *testing.T) {
	g, store := openTestGraph(t)
	root := rootDigest(store, "root-1")

	c1, err := g.AddCommitFromLocal(root, nil, []byte("body"))
	require.NoError(t, err)
	c2, err := g.AddCommitFromLocal(root, nil, []byte("body"))
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)

	heads, err := g.GetHeadCommits()
	require.NoError(t, err)
	assert.Len(t, heads, 1)
}

func TestAddCommitFromLocal_ChainAdvancesHeadSet(t *testing.T) {
	g, store := openTestGraph(t)
	root1 := rootDigest(store, "root-1")
	c1, err := g.AddCommitFromLocal(root1, nil, []byte("first"))
	require.NoError(t, err)

	root2 := rootDigest(store, "root-2")
	c2, err := g.AddCommitFromLocal(root2, []types.CommitID{c1.ID}, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c2.Generation)

	heads, err := g.GetHeadCommits()
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, c2.ID, heads[0].ID)
}

func TestAddCommitFromLocal_ParentNotHeadIsBadState(t *testing.T) {
	g, store := openTestGraph(t)
	root1 := rootDigest(store, "root-1")
	c1, err := g.AddCommitFromLocal(root1, nil, []byte("first"))
	require.NoError(t, err)

	root2 := rootDigest(store, "root-2")
	_, err = g.AddCommitFromLocal(root2, []types.CommitID{c1.ID}, []byte("second"))
	require.NoError(t, err)

	root3 := rootDigest(store, "root-3")
	_, err = g.AddCommitFromLocal(root3, []types.CommitID{c1.ID}, []byte("stale parent"))
	require.Error(t, err)
	assert.Equal(t, ledgererr.CodeBadState, ledgererr.CodeOf(err))
}

func TestAddCommitFromLocal_TwoConcurrentWritersCreateTwoHeads(t *testing.T) {
	g, store := openTestGraph(t)
	root1 := rootDigest(store, "root-1")
	c1, err := g.AddCommitFromLocal(root1, nil, []byte("first"))
	require.NoError(t, err)

	rootA := rootDigest(store, "root-a")
	a, err := g.AddCommitFromLocal(rootA, []types.CommitID{c1.ID}, []byte("a"))
	require.NoError(t, err)

	// The second writer's commit on c1 arrives through sync: a local commit
	// may only build on a current head, and c1 stopped being one once a landed.
	rootB := rootDigest(store, "root-b")
	b := types.Commit{RootDigest: rootB, ParentIDs: []types.CommitID{c1.ID}, Generation: c1.Generation + 1, CommitData: []byte("b")}
	b.ID = computeCommitID(&b)
	require.NoError(t, g.AddCommitsFromSync([]types.Commit{b}, types.ProvenanceCloud))

	heads, err := g.GetHeadCommits()
	require.NoError(t, err)
	assert.Len(t, heads, 2)

	ancestor, found, err := g.CommonAncestor(a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c1.ID, ancestor.ID)
}

func TestGetUnsyncedCommits_GenerationOrder(t *testing.T) {
	g, store := openTestGraph(t)
	root1 := rootDigest(store, "root-1")
	c1, err := g.AddCommitFromLocal(root1, nil, []byte("first"))
	require.NoError(t, err)

	root2 := rootDigest(store, "root-2")
	c2, err := g.AddCommitFromLocal(root2, []types.CommitID{c1.ID}, []byte("second"))
	require.NoError(t, err)

	unsynced, err := g.GetUnsyncedCommits()
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, c1.ID, unsynced[0].ID)
	assert.Equal(t, c2.ID, unsynced[1].ID)

	require.NoError(t, g.MarkSynced(c1.ID))
	unsynced, err = g.GetUnsyncedCommits()
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, c2.ID, unsynced[0].ID)
}

func TestAddCommitsFromSync_MissingAncestorIsIncomplete(t *testing.T) {
	g, store := openTestGraph(t)
	root := rootDigest(store, "orphan-root")
	orphan := types.Commit{
		RootDigest: root,
		ParentIDs:  []types.CommitID{{Type: types.ObjectTypeCommit}},
		Generation: 5,
	}
	orphan.ID = computeCommitID(&orphan)

	err := g.AddCommitsFromSync([]types.Commit{orphan}, types.ProvenanceCloud)
	require.Error(t, err)
	assert.Equal(t, ledgererr.CodeIncompleteCommitGraph, ledgererr.CodeOf(err))
}

func TestAddCommitsFromSync_MarksSyncedAndUpdatesHeads(t *testing.T) {
	g, store := openTestGraph(t)
	root := rootDigest(store, "root-1")

	pending := types.Commit{RootDigest: root, Generation: 0, CommitData: []byte("remote")}
	pending.ID = computeCommitID(&pending)

	err := g.AddCommitsFromSync([]types.Commit{pending}, types.ProvenanceCloud)
	require.NoError(t, err)

	state, err := g.State(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePresentSynced, state)

	unsynced, err := g.GetUnsyncedCommits()
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestRemoteIDMapping(t *testing.T) {
	g, store := openTestGraph(t)
	root := rootDigest(store, "root-1")
	c, err := g.AddCommitFromLocal(root, nil, []byte("body"))
	require.NoError(t, err)

	require.NoError(t, g.SetRemoteMapping("remote-42", c.ID))

	got, err := g.GetCommitIDFromRemoteID("remote-42")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got)

	_, err = g.GetCommitIDFromRemoteID("unknown")
	assert.Error(t, err)
}

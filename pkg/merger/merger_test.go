package merger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageledger/ledger/pkg/commitgraph"
	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/types"
)

type fakeTree struct {
	byRoot map[types.Digest]map[string]types.Entry
}

func (f *fakeTree) ListEntries(root types.Digest) (map[string]types.Entry, error) {
	entries, ok := f.byRoot[root]
	if !ok {
		return map[string]types.Entry{}, nil
	}
	out := make(map[string]types.Entry, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTree) BuildRoot(entries map[string]types.Entry) (types.Digest, error) {
	root := types.Digest{Type: types.ObjectTypeTreeNode}
	n := len(f.byRoot)
	root.Bytes[0] = byte(n + 1)
	copied := make(map[string]types.Entry, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	f.byRoot[root] = copied
	return root, nil
}

func (f *fakeTree) CreateEntry(key string, value []byte, priority types.Priority) (types.Entry, error) {
	e := entry(key, string(value))
	e.Priority = priority
	return e, nil
}

func testPage(b byte) types.PageID {
	var p types.PageID
	p[0] = b
	return p
}

func setupMergeFixture(t *testing.T) (*commitgraph.Graph, *fakeTree, objectstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := objectstore.NewBoltStore(dir, testPage(1), types.GCEagerLiveReferences)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	graph, err := commitgraph.NewGraph(dir, testPage(1), store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = graph.Close() })

	tree := &fakeTree{byRoot: make(map[types.Digest]map[string]types.Entry)}
	return graph, tree, store
}

var rootSeq int

func addRoot(t *testing.T, store objectstore.Store) types.Digest {
	t.Helper()
	rootSeq++
	id, err := store.AddPiece([]byte{byte(rootSeq), byte(rootSeq >> 8)}, types.ObjectTypeTreeNode, types.ProvenanceLocal)
	require.NoError(t, err)
	return id.Digest
}

func entry(key, entryID string) types.Entry {
	d := types.Digest{Type: types.ObjectTypeInlineBlob}
	copy(d.Bytes[:], []byte(entryID))
	return types.Entry{Key: key, EntryID: d}
}

func TestLastOneWins_PicksHigherGenerationTuple(t *testing.T) {
	graph, tree, store := setupMergeFixture(t)

	baseRoot := addRoot(t, store)
	base, err := graph.AddCommitFromLocal(baseRoot, nil, nil)
	require.NoError(t, err)

	leftRoot := addRoot(t, store)
	tree.byRoot[leftRoot] = map[string]types.Entry{
		"name": entry("name", "alice"),
		"city": entry("city", "paris"),
	}
	left, err := graph.AddCommitFromLocal(leftRoot, []types.CommitID{base.ID}, nil)
	require.NoError(t, err)

	rightRoot := addRoot(t, store)
	tree.byRoot[rightRoot] = map[string]types.Entry{
		"name":  entry("name", "bob"),
		"phone": entry("phone", "0123456789"),
	}
	right, err := graph.AddCommitFromLocal(rightRoot, []types.CommitID{base.ID}, nil)
	require.NoError(t, err)

	m := New(testPage(1), graph, tree, tree, types.MergeLastOneWins, nil)

	err = m.mergeOnce(left, right)
	require.NoError(t, err)

	heads, err := graph.GetHeadCommits()
	require.NoError(t, err)
	require.Len(t, heads, 1)

	merged, err := tree.ListEntries(heads[0].RootDigest)
	require.NoError(t, err)
	assert.Equal(t, "paris", string(merged["city"].EntryID.Bytes[:5]))
	assert.Equal(t, "0123456789", string(merged["phone"].EntryID.Bytes[:10]))
	_, hasName := merged["name"]
	assert.True(t, hasName)
}

// fakeResolver stands in for an external resolver session. Merge decides
// every genuine conflict (no precomputed Source) in favor of the right side,
// so tests can tell a request from a decision actually read back by the
// merger rather than one it computed itself.
type fakeResolver struct {
	diffCalls int
	requested []types.MergeValue
	done      bool
}

func (r *fakeResolver) Diff(token string) ([]types.Entry, string, bool, error) {
	r.diffCalls++
	return nil, "", true, nil
}

func (r *fakeResolver) MergeNonConflictingEntries() error { return nil }

func (r *fakeResolver) Merge(requests []types.MergeValue) ([]types.MergeValue, error) {
	r.requested = append(r.requested, requests...)
	decided := make([]types.MergeValue, len(requests))
	for i, v := range requests {
		if v.Source == "" {
			v.Source = types.SourceRight
		}
		decided[i] = v
	}
	return decided, nil
}

func (r *fakeResolver) Done() error {
	r.done = true
	return nil
}

func TestAutomaticWithFallback_RoutesOnlyConflicts(t *testing.T) {
	graph, tree, store := setupMergeFixture(t)

	baseRoot := addRoot(t, store)
	tree.byRoot[baseRoot] = map[string]types.Entry{
		"v": entry("v", "0"),
	}
	base, err := graph.AddCommitFromLocal(baseRoot, nil, nil)
	require.NoError(t, err)

	leftRoot := addRoot(t, store)
	tree.byRoot[leftRoot] = map[string]types.Entry{
		"v":      entry("v", "1"),
		"only_l": entry("only_l", "l"),
	}
	left, err := graph.AddCommitFromLocal(leftRoot, []types.CommitID{base.ID}, nil)
	require.NoError(t, err)

	rightRoot := addRoot(t, store)
	tree.byRoot[rightRoot] = map[string]types.Entry{
		"v": entry("v", "2"),
	}
	right, err := graph.AddCommitFromLocal(rightRoot, []types.CommitID{base.ID}, nil)
	require.NoError(t, err)

	var captured *fakeResolver
	factory := func(l, r, a map[string]types.Entry) (Resolver, error) {
		captured = &fakeResolver{}
		return captured, nil
	}

	m := New(testPage(1), graph, tree, tree, types.MergeAutomaticWithFallback, factory)
	err = m.mergeOnce(left, right)
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.True(t, captured.done)
	assert.Equal(t, 1, captured.diffCalls, "diff stream must be drained before merge")
	require.Len(t, captured.requested, 1)
	assert.Equal(t, "v", captured.requested[0].Key)
	assert.Equal(t, types.ConflictSource(""), captured.requested[0].Source, "a genuine two-sided conflict must reach the resolver with no precomputed source")

	heads, err := graph.GetHeadCommits()
	require.NoError(t, err)
	require.Len(t, heads, 1)
	merged, err := tree.ListEntries(heads[0].RootDigest)
	require.NoError(t, err)
	_, hasOnlyL := merged["only_l"]
	assert.True(t, hasOnlyL, "entry changed on only one side should be taken without consulting the resolver")
	assert.Equal(t, tree.byRoot[rightRoot]["v"].EntryID, merged["v"].EntryID, "the resolver's actual decision (right wins) must be applied, not a hardcoded default")
}

package pagestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/types"
)

func TestTree_EmptyRootRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := objectstore.NewBoltStore(dir, testPageID(1), types.GCEagerLiveReferences)
	require.NoError(t, err)
	defer store.Close()

	tree := NewTree(store)
	root, err := tree.BuildRoot(map[string]types.Entry{})
	require.NoError(t, err)
	assert.Equal(t, EmptyRoot, root)

	entries, err := tree.ListEntries(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTree_BuildAndListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := objectstore.NewBoltStore(dir, testPageID(1), types.GCEagerLiveReferences)
	require.NoError(t, err)
	defer store.Close()

	tree := NewTree(store)

	valueID, err := store.AddPiece([]byte("hello"), types.ObjectTypeInlineBlob, types.ProvenanceLocal)
	require.NoError(t, err)

	in := map[string]types.Entry{
		"k": {
			Key:      "k",
			Value:    valueID,
			Priority: types.PriorityEager,
			EntryID:  computeEntryID("k", valueID),
		},
	}
	root, err := tree.BuildRoot(in)
	require.NoError(t, err)
	require.NotEqual(t, EmptyRoot, root)

	out, err := tree.ListEntries(root)
	require.NoError(t, err)
	require.Contains(t, out, "k")
	assert.Equal(t, in["k"].EntryID, out["k"].EntryID)
	assert.Equal(t, in["k"].Value.Digest, out["k"].Value.Digest)
}

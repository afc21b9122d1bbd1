package pagestore

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/pageledger/ledger/pkg/types"
)

// computeEntryID derives a content-based entry identifier from a key and its
// value identifier, so identical independently-made edits produce equal
// entry-ids. It is also the id given to entries a merge creates
// (Tree.CreateEntry), so those ids carry no parent commit ids and no
// discriminator.
func computeEntryID(key string, value types.ObjectIdentifier) types.Digest {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write(value.Digest.Key())
	var d types.Digest
	d.Type = types.ObjectTypeTreeLeaf
	copy(d.Bytes[:], h.Sum(nil))
	return d
}

// computeMergeEntryID folds the parent pair and a per-key discriminator into
// an entry id, so that concurrent independent merges of the same conflict
// get the same entry-id. Nothing in this module calls it; merge-created
// entries get computeEntryID ids.
func computeMergeEntryID(key string, value types.ObjectIdentifier, left, right types.CommitID, discriminator uint32) types.Digest {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write(value.Digest.Key())
	h.Write(left.Key())
	h.Write(right.Key())
	var disc [4]byte
	binary.BigEndian.PutUint32(disc[:], discriminator)
	h.Write(disc[:])
	var d types.Digest
	d.Type = types.ObjectTypeTreeLeaf
	copy(d.Bytes[:], h.Sum(nil))
	return d
}

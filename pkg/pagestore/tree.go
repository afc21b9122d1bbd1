// Package pagestore ties the object store and commit graph together behind
// a client-facing surface of transactional Put/Delete/Clear, snapshots,
// and watchers.
package pagestore

import (
	"encoding/json"

	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/types"
)

// Tree reads and writes a page's key/value index as a single content-
// addressed piece. This is a simplified stand-in for a fan-out b-tree (one
// root piece holding the full sorted entry set rather than internal/leaf
// node pages); see DESIGN.md for the tradeoff.
type Tree struct {
	store objectstore.Store
}

// NewTree constructs a Tree over the page's object store.
func NewTree(store objectstore.Store) *Tree {
	return &Tree{store: store}
}

// EmptyRoot is the sentinel root digest for a page with no entries.
var EmptyRoot = types.Digest{Type: types.ObjectTypeTreeNode}

type entryDTO struct {
	Key        string         `json:"key"`
	ValueIndex types.KeyIndex `json:"value_key_index"`
	ValueType  types.ObjectType `json:"value_type"`
	ValueBytes [types.DigestSize]byte `json:"value_digest"`
	Priority   types.Priority `json:"priority"`
	EntryType  types.ObjectType `json:"entry_type"`
	EntryBytes [types.DigestSize]byte `json:"entry_id"`
}

// ListEntries decodes the full entry set reachable from root.
func (t *Tree) ListEntries(root types.Digest) (map[string]types.Entry, error) {
	if root == EmptyRoot {
		return map[string]types.Entry{}, nil
	}
	raw, err := t.store.GetPiece(types.NewObjectIdentifier(0, root, t.store))
	if err != nil {
		return nil, err
	}
	var dtos []entryDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeDataIntegrityError, "malformed tree node", err)
	}
	out := make(map[string]types.Entry, len(dtos))
	for _, d := range dtos {
		valueDigest := types.Digest{Type: d.ValueType, Bytes: d.ValueBytes}
		entryID := types.Digest{Type: d.EntryType, Bytes: d.EntryBytes}
		out[d.Key] = types.Entry{
			Key:      d.Key,
			Value:    types.NewObjectIdentifier(d.ValueIndex, valueDigest, t.store),
			Priority: d.Priority,
			EntryID:  entryID,
		}
	}
	return out, nil
}

// CreateEntry stores a brand-new value — produced by a merge resolver's
// SourceNew decision rather than copied from either side of the merge — and
// returns the resulting Entry, ready to be folded into BuildRoot's input.
func (t *Tree) CreateEntry(key string, value []byte, priority types.Priority) (types.Entry, error) {
	id, err := t.store.AddPiece(value, types.ObjectTypeInlineBlob, types.ProvenanceLocal)
	if err != nil {
		return types.Entry{}, err
	}
	entry := types.Entry{Key: key, Value: id, Priority: priority}
	entry.EntryID = computeEntryID(key, id)
	return entry, nil
}

// BuildRoot encodes entries into a new content-addressed tree root.
func (t *Tree) BuildRoot(entries map[string]types.Entry) (types.Digest, error) {
	if len(entries) == 0 {
		return EmptyRoot, nil
	}
	dtos := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, entryDTO{
			Key:        e.Key,
			ValueIndex: e.Value.KeyIndex,
			ValueType:  e.Value.Digest.Type,
			ValueBytes: e.Value.Digest.Bytes,
			Priority:   e.Priority,
			EntryType:  e.EntryID.Type,
			EntryBytes: e.EntryID.Bytes,
		})
	}
	raw, err := json.Marshal(dtos)
	if err != nil {
		return types.Digest{}, err
	}
	id, err := t.store.AddPiece(raw, types.ObjectTypeTreeNode, types.ProvenanceLocal)
	if err != nil {
		return types.Digest{}, err
	}
	return id.Digest, nil
}

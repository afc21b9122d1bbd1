// Package objectstore implements the content-addressed, chunked piece store:
// a single bbolt-backed key/value database per page directory holding both
// metadata (refcounts, provenance) and object bytes.
package objectstore

import (
	"github.com/pageledger/ledger/pkg/types"
)

// Store is the object store's public surface.
type Store interface {
	// AddPiece is idempotent: it computes the digest, writes bytes if
	// absent, increments the refcount, and records provenance.
	AddPiece(bytes []byte, objType types.ObjectType, source types.Provenance) (types.ObjectIdentifier, error)

	// GetPiece returns the full recomposed content addressed by identifier.
	GetPiece(id types.ObjectIdentifier) ([]byte, error)

	// GetObjectPart returns a partial fetch with negative-offset semantics:
	// offset < 0 counts from the end, maxSize == -1 means "to end", and
	// out-of-range offsets yield empty output rather than an error.
	GetObjectPart(id types.ObjectIdentifier, offset int64, maxSize int64) ([]byte, error)

	// MarkPieceSynced flips the provenance "synced" bit for a digest.
	MarkPieceSynced(d types.Digest) error

	// IsPieceSynced reads the provenance "synced" bit for a digest.
	IsPieceSynced(d types.Digest) (bool, error)

	// DeleteIfUnreferenced removes the piece addressed by d iff its
	// refcount is zero and the configured GC policy allows it.
	DeleteIfUnreferenced(d types.Digest) error

	// AddRef increments d's reference count by one; used by tree nodes and
	// commits recording an outgoing reference to a child piece.
	AddRef(d types.Digest) error

	// Release implements types.RefCountFactory: it decrements d's
	// reference count, deleting the piece if the resulting count is zero
	// and the GC policy is EAGER_LIVE_REFERENCES.
	Release(d types.Digest)

	// RefCount returns the current reference count for a digest, for
	// tests and diagnostics.
	RefCount(d types.Digest) (uint64, error)

	// PinSnapshot prevents GC of everything reachable from root until the
	// returned release function is called, implementing the "live
	// snapshot" half of the EAGER_LIVE_REFERENCES policy.
	PinSnapshot(root types.Digest) (release func(), err error)

	// Close closes the underlying database.
	Close() error
}

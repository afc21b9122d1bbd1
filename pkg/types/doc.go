/*
Package types defines the core data structures shared across the object
store, commit graph, merger, page storage, and sync subsystems.

This package has no dependencies on any other package in this module. It
exists so that every other package can agree on the shape of a digest, a
commit, an entry, and a clock without importing each other.

# Architecture

The types package defines:

  - Content addressing: Digest, ObjectType, ObjectIdentifier
  - B-tree entries: Entry, Priority
  - The commit graph's unit of history: CommitID, Commit
  - Page identity and configuration: PageID, Options, GCPolicy
  - Multi-device causality tracking: Clock, ClockEntry, DeviceFingerprint
  - Conflict resolution: MergePolicy, ConflictSource, MergeValue

All types are designed to be:
  - Serializable (gob/JSON encoding for on-disk and wire formats)
  - Self-contained (no behavior that requires another package's state)
  - Opaque where appropriate (PageID and DeviceFingerprint carry no
    structure beyond their byte/string representation)

# Core Types

Content Addressing:
  - Digest: a typed, fixed-width content hash identifying a stored piece
  - ObjectType: tags what a Digest addresses (inline blob, chunked root,
    tree node, tree leaf, commit)
  - ObjectIdentifier: a digest plus key generation, with a back-pointer
    for reference-count release on drop

Entries and Commits:
  - Entry: one (key, value, priority) mapping held in a b-tree node
  - Priority: EAGER (fetched with its commit) or LAZY (fetched on read)
  - Commit: an immutable commit-graph node referencing a root digest,
    parent commit IDs, a generation number, and a timestamp

Pages:
  - PageID: a 128-bit opaque identifier for one page, minted by the client
  - Options: garbage collection policy, verbosity, and sync toggle for a
    page storage instance
  - GCPolicy: NEVER, EAGER_LIVE_REFERENCES, or ON_DEMAND

Multi-Device Sync:
  - DeviceFingerprint: an opaque per-device identifier used by the cloud
    device set and the P2P mesh
  - Clock: maps a device fingerprint to that device's most recently
    observed clock entry, for detecting which devices are behind
  - ClockEntry: one device's head commit and generation, tagged LIVE,
    TOMBSTONE, or DELETION

Conflict Resolution:
  - MergePolicy: LAST_ONE_WINS, AUTOMATIC_WITH_FALLBACK, or CUSTOM
  - ConflictSource: which side (LEFT, RIGHT, DELETE, NEW) a resolved
    value came from
  - MergeValue: one resolver decision for a single key

# Usage

Minting a page id and opening it with default options:

	id := types.PageID(uuid.New())
	opts := types.DefaultOptions()

Building a digest for a stored piece:

	d := types.Digest{Type: types.ObjectTypeInlineBlob, Bytes: sha256.Sum256(value)}
	oid := types.NewObjectIdentifier(0, d, store)

Recording a resolver decision during a merge:

	resolved := types.MergeValue{Key: "config.json", Source: types.SourceLeft}

# Thread Safety

Values in this package are immutable once constructed, with the
exception of Clock, which is a plain map and must be synchronized by
any caller that shares one between goroutines.

# See Also

  - pkg/objectstore for how Digest and ObjectIdentifier are persisted
  - pkg/commitgraph for how Commit and Clock drive head tracking
  - pkg/merger for how MergePolicy and MergeValue resolve multi-head state
*/
package types

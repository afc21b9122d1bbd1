package cloudrpc

import (
	"time"

	"github.com/pageledger/ledger/pkg/types"
)

// Status is the application-level outcome of a cloud RPC, carried in every
// response alongside the transport-level grpc status: a transport
// failure (network partition, TLS handshake failure) surfaces as a grpc
// error mapped to NETWORK_ERROR by MapTransportError; a rejected but
// successfully-delivered request carries its Status field instead.
type Status string

const (
	StatusOK            Status = "OK"
	StatusAuthError     Status = "AUTH_ERROR"
	StatusArgumentError Status = "ARGUMENT_ERROR"
	StatusNetworkError  Status = "NETWORK_ERROR"
	StatusNotFound      Status = "NOT_FOUND"
	StatusServerError   Status = "SERVER_ERROR"
	StatusParseError    Status = "PARSE_ERROR"
	StatusInternalError Status = "INTERNAL_ERROR"
)

// WireCommit is a commit as carried over the wire: identical fields to
// types.Commit, given its own type so the wire shape can diverge from the
// in-process one without touching pkg/types.
type WireCommit struct {
	ID         types.Digest
	RootDigest types.Digest
	ParentIDs  []types.Digest
	Generation uint64
	Timestamp  time.Time
	CommitData []byte
}

func ToWireCommit(c types.Commit) WireCommit {
	return WireCommit{
		ID:         c.ID,
		RootDigest: c.RootDigest,
		ParentIDs:  c.ParentIDs,
		Generation: c.Generation,
		Timestamp:  c.Timestamp,
		CommitData: c.CommitData,
	}
}

func (w WireCommit) ToCommit() types.Commit {
	return types.Commit{
		ID:         w.ID,
		RootDigest: w.RootDigest,
		ParentIDs:  w.ParentIDs,
		Generation: w.Generation,
		Timestamp:  w.Timestamp,
		CommitData: w.CommitData,
	}
}

// AddCommitsRequest uploads a batch of commits atomically: a single
// rejected commit fails the whole batch.
type AddCommitsRequest struct {
	PageID  types.PageID
	Commits []WireCommit
}

type AddCommitsResponse struct {
	Status  Status
	Message string
}

// GetCommitsRequest fetches commits after an opaque cursor.
type GetCommitsRequest struct {
	PageID           types.PageID
	MinPositionToken string
}

type GetCommitsResponse struct {
	Status    Status
	Message   string
	Commits   []WireCommit
	NextToken string
}

// AddObjectRequest uploads one content-addressed piece plus the digests it
// references, so the cloud can maintain its own refcounts.
type AddObjectRequest struct {
	PageID     types.PageID
	Digest     types.Digest
	Buffer     []byte
	References []types.Digest
}

type AddObjectResponse struct {
	Status  Status
	Message string
}

type GetObjectRequest struct {
	PageID types.PageID
	Digest types.Digest
}

type GetObjectResponse struct {
	Status  Status
	Message string
	Buffer  []byte
}

// SetWatcherRequest registers server-side interest in new commits past a
// cursor. Since this package models grpc calls as unary RPCs only (no
// server-streaming ServiceDesc entries — see DESIGN.md), the "watcher" is
// realized by the caller polling GetCommits from the returned cursor rather
// than a true push stream; SetWatcher's only effect is to let the cloud
// pre-warm/validate the cursor before polling begins.
type SetWatcherRequest struct {
	PageID           types.PageID
	MinPositionToken string
}

type SetWatcherResponse struct {
	Status  Status
	Message string
}

// GetDiffRequest asks the cloud to compute a diff pack between commit_id and
// the nearest of possible_bases it already has, for the three-way merge
// fallback path when a local common ancestor isn't available.
type GetDiffRequest struct {
	PageID         types.PageID
	CommitID       types.Digest
	PossibleBases  []types.Digest
}

type GetDiffResponse struct {
	Status  Status
	Message string
	Diff    []byte
}

// ClockEntryWire mirrors types.ClockEntry for the wire.
type ClockEntryWire struct {
	Device     types.DeviceFingerprint
	Kind       types.ClockEntryKind
	Head       types.Digest
	Generation uint64
}

type UpdateClockRequest struct {
	PageID  types.PageID
	Entries []ClockEntryWire
}

type UpdateClockResponse struct {
	Status  Status
	Message string
	Entries []ClockEntryWire
}

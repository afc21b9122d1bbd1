// Package p2pwire frames the device-to-device message stream: a 4-byte
// big-endian length prefix around a JSON-encoded tagged-union envelope. No
// flatbuffers-style binary schema is used here; this is documented in
// DESIGN.md as a deliberate stdlib exception.
package p2pwire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/types"
)

// MaxFrameSize bounds a single frame so a corrupt or hostile length prefix
// cannot make a reader allocate unboundedly.
const MaxFrameSize = 64 * 1024 * 1024

// MessageKind tags a Request/Response body variant.
type MessageKind string

const (
	KindWatchStart      MessageKind = "WATCH_START"
	KindWatchStop       MessageKind = "WATCH_STOP"
	KindCommitRequest   MessageKind = "COMMIT_REQUEST"
	KindObjectRequest   MessageKind = "OBJECT_REQUEST"
	KindCommitResponse  MessageKind = "COMMIT_RESPONSE"
	KindObjectResponse  MessageKind = "OBJECT_RESPONSE"
)

// ResponseStatus is the closed status set a Response may carry.
type ResponseStatus string

const (
	StatusOK              ResponseStatus = "OK"
	StatusNotFound        ResponseStatus = "NOT_FOUND"
	StatusUnknownNamespace ResponseStatus = "UNKNOWN_NAMESPACE"
	StatusUnknownPage     ResponseStatus = "UNKNOWN_PAGE"
	StatusUnknownObject   ResponseStatus = "UNKNOWN_OBJECT"
)

// Envelope is the wire shape of every frame: a discriminator plus one
// populated payload field, JSON-encoded as a flat object rather than as a
// Go-native tagged union (encoding/json has no sum-type support).
type Envelope struct {
	Type      MessageKind    `json:"type"`
	Namespace string         `json:"namespace"`
	Page      types.PageID   `json:"page"`
	Status    ResponseStatus `json:"status,omitempty"`
	// RequestID correlates a CommitRequest/ObjectRequest with its eventual
	// CommitResponse/ObjectResponse, since a peer may have several requests
	// of the same kind outstanding at once.
	RequestID string `json:"request_id,omitempty"`

	CommitIDs   []types.Digest           `json:"commit_ids,omitempty"`
	Identifiers []types.Digest           `json:"identifiers,omitempty"`
	Commits     []WireCommit             `json:"commits,omitempty"`
	Objects     []WireObject             `json:"objects,omitempty"`
}

// WireCommit is a commit as carried over the P2P wire.
type WireCommit struct {
	ID         types.Digest
	RootDigest types.Digest
	ParentIDs  []types.Digest
	Generation uint64
	CommitData []byte
}

func ToWireCommit(c types.Commit) WireCommit {
	return WireCommit{ID: c.ID, RootDigest: c.RootDigest, ParentIDs: c.ParentIDs, Generation: c.Generation, CommitData: c.CommitData}
}

func (w WireCommit) ToCommit() types.Commit {
	return types.Commit{ID: w.ID, RootDigest: w.RootDigest, ParentIDs: w.ParentIDs, Generation: w.Generation, CommitData: w.CommitData}
}

// WireObject is one content-addressed piece carried over the P2P wire,
// with its sync-to-cloud bit so the receiver's provenance bookkeeping
// matches what the sender already knew.
type WireObject struct {
	Digest       types.Digest
	Buffer       []byte
	SyncedToCloud bool
}

// Request is a decoded p2pwire request message.
type Request struct {
	Namespace   string
	Page        types.PageID
	Kind        MessageKind
	CommitIDs   []types.Digest
	Identifiers []types.Digest
}

// Response is a decoded p2pwire response message.
type Response struct {
	Namespace string
	Page      types.PageID
	Status    ResponseStatus
	Kind      MessageKind
	Commits   []WireCommit
	Objects   []WireObject
}

// WriteFrame length-prefixes and writes v's JSON encoding to w.
func WriteFrame(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeDataIntegrityError, "encode p2p envelope", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return ledgererr.Wrap(ledgererr.CodeNetworkError, "write p2p frame length", err)
	}
	if _, err := w.Write(data); err != nil {
		return ledgererr.Wrap(ledgererr.CodeNetworkError, "write p2p frame body", err)
	}
	return nil
}

// ReadFrame reads and decodes one length-prefixed envelope from r. A body
// that fails to parse or validate yields DataIntegrityError after the whole
// frame has been read, so the next ReadFrame starts at the following frame.
// A length prefix exceeding MaxFrameSize also yields DataIntegrityError but
// leaves the body unread, so the stream cannot be read further. ReadFrame
// closes nothing; the caller decides whether to keep reading or close the
// channel.
func ReadFrame(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, ledgererr.Wrap(ledgererr.CodeNetworkError, "read p2p frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Envelope{}, ledgererr.New(ledgererr.CodeDataIntegrityError, "p2p frame exceeds maximum size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, ledgererr.Wrap(ledgererr.CodeNetworkError, "read p2p frame body", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, ledgererr.Wrap(ledgererr.CodeDataIntegrityError, "decode p2p envelope", err)
	}
	if err := validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func validate(env Envelope) error {
	switch env.Type {
	case KindWatchStart, KindWatchStop, KindCommitRequest, KindObjectRequest,
		KindCommitResponse, KindObjectResponse:
	default:
		return ledgererr.New(ledgererr.CodeDataIntegrityError, "p2p envelope has unknown or missing type: "+string(env.Type))
	}
	if env.Namespace == "" {
		return ledgererr.New(ledgererr.CodeDataIntegrityError, "p2p envelope missing namespace")
	}
	return nil
}

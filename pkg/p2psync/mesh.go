// Package p2psync implements the device-to-device sync mesh on top of
// pkg/p2pwire's framing: interest tracking, on-demand object fetch, commit
// propagation with anti-echo, and idempotent peer teardown.
package p2psync

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pageledger/ledger/pkg/commitgraph"
	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/log"
	"github.com/pageledger/ledger/pkg/metrics"
	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/p2pwire"
	"github.com/pageledger/ledger/pkg/types"
)

// PeerID names a connected device channel within the mesh.
type PeerID string

// SendFunc delivers one envelope to a connected peer; the concrete
// transport (length-framed socket via p2pwire.WriteFrame, or an in-process
// channel for tests) is injected by the caller of Connect.
type SendFunc func(p2pwire.Envelope) error

type pageRegistration struct {
	graph *commitgraph.Graph
	store objectstore.Store
}

// Mesh owns every connected peer and every registered page's interest set
// for one ledger manager's lifetime.
type Mesh struct {
	namespace string
	logger    zerolog.Logger

	mu        sync.Mutex
	peers     map[PeerID]SendFunc
	interest  map[types.PageID]map[PeerID]struct{}
	pages     map[types.PageID]pageRegistration
	pending   map[string]chan p2pwire.Envelope
}

func NewMesh(namespace string) *Mesh {
	return &Mesh{
		namespace: namespace,
		logger:    log.WithComponent("p2psync"),
		peers:     make(map[PeerID]SendFunc),
		interest:  make(map[types.PageID]map[PeerID]struct{}),
		pages:     make(map[types.PageID]pageRegistration),
		pending:   make(map[string]chan p2pwire.Envelope),
	}
}

// Connect registers a peer's send function. Safe to call again for the
// same id to replace a stale sender after reconnection.
func (m *Mesh) Connect(id PeerID, send SendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id] = send
}

// Disconnect removes the peer from the peer table and from every page's
// interest set. It does not answer outstanding GetObject calls on the
// peer's behalf: a GetObject still waiting for this peer's reply returns
// only once another peer supplies the object or its context ends. Safe to
// call more than once, and safe to call from within another callback (it
// takes the mesh lock only briefly).
func (m *Mesh) Disconnect(id PeerID) {
	m.mu.Lock()
	delete(m.peers, id)
	for page, peers := range m.interest {
		if _, ok := peers[id]; ok {
			delete(peers, id)
			metrics.P2PInterestedPeers.WithLabelValues(page.String()).Set(float64(len(peers)))
		}
	}
	m.mu.Unlock()
}

// RegisterPage makes a page's commit graph and object store available to
// answer incoming requests and to source propagated commits.
func (m *Mesh) RegisterPage(page types.PageID, graph *commitgraph.Graph, store objectstore.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page] = pageRegistration{graph: graph, store: store}
	if _, ok := m.interest[page]; !ok {
		m.interest[page] = make(map[PeerID]struct{})
	}
}

func (m *Mesh) UnregisterPage(page types.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, page)
	delete(m.interest, page)
}

func (m *Mesh) pageOf(page types.PageID) (pageRegistration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.pages[page]
	return reg, ok
}

func (m *Mesh) sendTo(id PeerID, env p2pwire.Envelope) error {
	m.mu.Lock()
	send, ok := m.peers[id]
	m.mu.Unlock()
	if !ok {
		return ledgererr.New(ledgererr.CodeNetworkError, "peer not connected")
	}
	return send(env)
}

// HandleEnvelope dispatches one inbound frame from the given peer.
func (m *Mesh) HandleEnvelope(from PeerID, env p2pwire.Envelope) {
	switch env.Type {
	case p2pwire.KindWatchStart:
		m.handleWatchStart(from, env)
	case p2pwire.KindWatchStop:
		m.handleWatchStop(from, env)
	case p2pwire.KindCommitRequest:
		m.handleCommitRequest(from, env)
	case p2pwire.KindObjectRequest:
		m.handleObjectRequest(from, env)
	case p2pwire.KindCommitResponse:
		m.handleCommitResponse(from, env)
	case p2pwire.KindObjectResponse:
		m.routeResponse(env)
	}
}

// handleWatchStart persists the peer as interested before replying, so the
// peer is only acknowledged once it is actually registered to receive
// future commit pushes.
func (m *Mesh) handleWatchStart(from PeerID, env p2pwire.Envelope) {
	reg, ok := m.pageOf(env.Page)
	if !ok {
		m.replyStatus(from, env, p2pwire.StatusUnknownPage, p2pwire.KindCommitResponse)
		return
	}

	m.mu.Lock()
	if m.interest[env.Page] == nil {
		m.interest[env.Page] = make(map[PeerID]struct{})
	}
	m.interest[env.Page][from] = struct{}{}
	count := len(m.interest[env.Page])
	m.mu.Unlock()
	metrics.P2PInterestedPeers.WithLabelValues(env.Page.String()).Set(float64(count))

	heads, err := reg.graph.GetHeadCommits()
	if err != nil || len(heads) != 1 {
		return
	}
	_ = m.sendTo(from, p2pwire.Envelope{
		Type:      p2pwire.KindCommitResponse,
		Namespace: m.namespace,
		Page:      env.Page,
		Status:    p2pwire.StatusOK,
		RequestID: env.RequestID,
		Commits:   []p2pwire.WireCommit{p2pwire.ToWireCommit(heads[0])},
	})
}

func (m *Mesh) handleWatchStop(from PeerID, env p2pwire.Envelope) {
	m.mu.Lock()
	if peers, ok := m.interest[env.Page]; ok {
		delete(peers, from)
		metrics.P2PInterestedPeers.WithLabelValues(env.Page.String()).Set(float64(len(peers)))
	}
	m.mu.Unlock()
}

func (m *Mesh) handleCommitRequest(from PeerID, env p2pwire.Envelope) {
	reg, ok := m.pageOf(env.Page)
	if !ok {
		m.replyStatus(from, env, p2pwire.StatusUnknownPage, p2pwire.KindCommitResponse)
		return
	}
	var commits []p2pwire.WireCommit
	for _, id := range env.CommitIDs {
		c, err := reg.graph.Get(id)
		if err != nil {
			continue
		}
		commits = append(commits, p2pwire.ToWireCommit(*c))
	}
	_ = m.sendTo(from, p2pwire.Envelope{
		Type:      p2pwire.KindCommitResponse,
		Namespace: m.namespace,
		Page:      env.Page,
		Status:    p2pwire.StatusOK,
		RequestID: env.RequestID,
		Commits:   commits,
	})
}

func (m *Mesh) handleObjectRequest(from PeerID, env p2pwire.Envelope) {
	reg, ok := m.pageOf(env.Page)
	if !ok {
		m.replyStatus(from, env, p2pwire.StatusUnknownPage, p2pwire.KindObjectResponse)
		return
	}
	var objects []p2pwire.WireObject
	for _, d := range env.Identifiers {
		buf, err := reg.store.GetPiece(types.NewObjectIdentifier(0, d, nil))
		if err != nil {
			continue
		}
		synced, _ := reg.store.IsPieceSynced(d)
		objects = append(objects, p2pwire.WireObject{Digest: d, Buffer: buf, SyncedToCloud: synced})
	}
	status := p2pwire.StatusOK
	if len(objects) == 0 {
		status = p2pwire.StatusUnknownObject
	}
	_ = m.sendTo(from, p2pwire.Envelope{
		Type:      p2pwire.KindObjectResponse,
		Namespace: m.namespace,
		Page:      env.Page,
		Status:    status,
		RequestID: env.RequestID,
		Objects:   objects,
	})
}

// handleCommitResponse applies an unsolicited or requested push of commits
// via the commit graph's batched add path. If the batch is rejected with
// IncompleteCommitGraph, it follows up with a CommitRequest for every parent
// id named in the batch, including parents already present.
func (m *Mesh) handleCommitResponse(from PeerID, env p2pwire.Envelope) {
	reg, ok := m.pageOf(env.Page)
	if !ok || len(env.Commits) == 0 {
		m.routeResponse(env)
		return
	}
	batch := make([]types.Commit, len(env.Commits))
	for i, w := range env.Commits {
		batch[i] = w.ToCommit()
	}
	err := reg.graph.AddCommitsFromSync(batch, types.ProvenanceP2P)
	if err != nil && ledgererr.Is(err, ledgererr.CodeIncompleteCommitGraph) {
		var missing []types.Digest
		for _, c := range batch {
			missing = append(missing, c.ParentIDs...)
		}
		_ = m.sendTo(from, p2pwire.Envelope{
			Type:      p2pwire.KindCommitRequest,
			Namespace: m.namespace,
			Page:      env.Page,
			RequestID: uuid.NewString(),
			CommitIDs: missing,
		})
	}
	m.routeResponse(env)
}

// routeResponse delivers a CommitResponse/ObjectResponse to a GetObject (or
// other) caller awaiting it by RequestID, if one is pending.
func (m *Mesh) routeResponse(env p2pwire.Envelope) {
	if env.RequestID == "" {
		return
	}
	m.mu.Lock()
	ch, ok := m.pending[env.RequestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

func (m *Mesh) replyStatus(from PeerID, env p2pwire.Envelope, status p2pwire.ResponseStatus, kind p2pwire.MessageKind) {
	_ = m.sendTo(from, p2pwire.Envelope{
		Type:      kind,
		Namespace: m.namespace,
		Page:      env.Page,
		Status:    status,
		RequestID: env.RequestID,
	})
}

// GetObject broadcasts an ObjectRequest to every connected peer, returning
// on the first successful reply, or NotFound once every connected peer has
// answered UNKNOWN_OBJECT.
func (m *Mesh) GetObject(ctx context.Context, page types.PageID, digest types.Digest) (buf []byte, syncedToCloud bool, err error) {
	m.mu.Lock()
	peerIDs := make([]PeerID, 0, len(m.peers))
	for id := range m.peers {
		peerIDs = append(peerIDs, id)
	}
	m.mu.Unlock()
	if len(peerIDs) == 0 {
		return nil, false, ledgererr.New(ledgererr.CodeInternalNotFound, "no peers connected")
	}

	reqID := uuid.NewString()
	ch := make(chan p2pwire.Envelope, len(peerIDs))
	m.mu.Lock()
	m.pending[reqID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, reqID)
		m.mu.Unlock()
	}()

	req := p2pwire.Envelope{
		Type:        p2pwire.KindObjectRequest,
		Namespace:   m.namespace,
		Page:        page,
		RequestID:   reqID,
		Identifiers: []types.Digest{digest},
	}
	for _, id := range peerIDs {
		_ = m.sendTo(id, req)
	}

	replies := 0
	for {
		select {
		case resp := <-ch:
			replies++
			if resp.Status == p2pwire.StatusOK && len(resp.Objects) > 0 {
				return resp.Objects[0].Buffer, resp.Objects[0].SyncedToCloud, nil
			}
			if replies >= len(peerIDs) {
				return nil, false, ledgererr.New(ledgererr.CodeInternalNotFound, "object not found on any connected peer")
			}
		case <-ctx.Done():
			return nil, false, ledgererr.Wrap(ledgererr.CodeInterrupted, "get_object cancelled", ctx.Err())
		}
	}
}

// PropagateCommit pushes a newly-made local commit to every peer currently
// interested in page. Must only be called for commits whose provenance is
// LOCAL, to avoid echoing a commit back to the peer it arrived from —
// callers applying a commit that arrived from CLOUD or P2P must not call
// this.
func (m *Mesh) PropagateCommit(page types.PageID, commit types.Commit) {
	m.mu.Lock()
	peers := make([]PeerID, 0, len(m.interest[page]))
	for id := range m.interest[page] {
		peers = append(peers, id)
	}
	m.mu.Unlock()

	env := p2pwire.Envelope{
		Type:      p2pwire.KindCommitResponse,
		Namespace: m.namespace,
		Page:      page,
		Status:    p2pwire.StatusOK,
		Commits:   []p2pwire.WireCommit{p2pwire.ToWireCommit(commit)},
	}
	for _, id := range peers {
		if err := m.sendTo(id, env); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(id)).Msg("failed to propagate commit to peer")
		}
	}
}

package pagestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pageledger/ledger/pkg/commitgraph"
	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/log"
	"github.com/pageledger/ledger/pkg/merger"
	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/types"
)

// Page wires the object store, commit graph, b-tree index, and merger
// behind a client-facing surface. All mutations run through a single
// mailbox goroutine, giving the page a cooperative, single-threaded
// concurrency model: every Put/Delete/Clear/Transaction is serialized
// through one channel rather than guarded by a lock.
type Page struct {
	id     types.PageID
	store  objectstore.Store
	graph  *commitgraph.Graph
	tree   *Tree
	merger *merger.Merger
	broker *watcherBroker
	logger zerolog.Logger

	mailbox chan func()
	stopCh  chan struct{}

	onLocalCommit func(types.Commit)
}

// Open creates or reopens a page's on-disk state and starts its mailbox and
// merger loops. factory may be nil when policy never needs an external
// resolver (LAST_ONE_WINS).
func Open(dataDir string, id types.PageID, opts types.Options, policy types.MergePolicy, factory merger.ResolverFactory) (*Page, error) {
	store, err := objectstore.NewBoltStore(dataDir, id, opts.GarbageCollectionPolicy)
	if err != nil {
		return nil, err
	}
	graph, err := commitgraph.NewGraph(dataDir, id, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	tree := NewTree(store)
	m := merger.New(id, graph, tree, tree, policy, factory)

	p := &Page{
		id:      id,
		store:   store,
		graph:   graph,
		tree:    tree,
		merger:  m,
		broker:  newWatcherBroker(),
		logger:  log.WithPageID(id.String()),
		mailbox: make(chan func(), 64),
		stopCh:  make(chan struct{}),
	}
	go p.run()
	m.Start()
	return p, nil
}

// ID returns the page identifier this instance was opened for.
func (p *Page) ID() types.PageID { return p.id }

// Graph exposes the underlying commit graph to callers that need to drive
// cloud or peer sync against it (pkg/ledgermgr). Not for use by code that
// mutates page state directly; go through Put/Delete/Clear/Transaction so
// every write passes through the mailbox and the merger gets notified.
func (p *Page) Graph() *commitgraph.Graph { return p.graph }

// Store exposes the underlying object store for the same reason as Graph.
func (p *Page) Store() objectstore.Store { return p.store }

// SetLocalCommitHook registers a callback invoked on the page's mailbox
// goroutine once per local commit made by Put/Delete/Clear or a transaction
// commit, after the commit is recorded; merge commits made by the merger do
// not invoke it. pkg/ledgermgr uses
// this to fan a new commit out to the peer mesh and to wake the cloud
// uploader, keeping pagestore itself free of any upward dependency on
// cloudsync or p2psync.
func (p *Page) SetLocalCommitHook(fn func(types.Commit)) {
	p.onLocalCommit = fn
}

// Close stops the mailbox and merger loops and closes underlying storage.
func (p *Page) Close() error {
	p.merger.Stop()
	close(p.stopCh)
	if err := p.graph.Close(); err != nil {
		return err
	}
	return p.store.Close()
}

func (p *Page) run() {
	for {
		select {
		case fn := <-p.mailbox:
			fn()
		case <-p.stopCh:
			return
		}
	}
}

// do submits fn to the page's single mailbox goroutine and blocks for its
// result, giving every mutation a total order without a shared mutex.
func (p *Page) do(fn func() error) error {
	done := make(chan error, 1)
	select {
	case p.mailbox <- func() { done <- fn() }:
	case <-p.stopCh:
		return ledgererr.New(ledgererr.CodeIllegalState, "page is closed")
	}
	return <-done
}

// Put writes one key unconditionally, auto-committing immediately as an
// implicit single-key transaction.
func (p *Page) Put(key string, value []byte, priority types.Priority) error {
	return p.do(func() error {
		id, err := p.store.AddPiece(value, types.ObjectTypeInlineBlob, types.ProvenanceLocal)
		if err != nil {
			return err
		}
		entry := types.Entry{Key: key, Value: id, Priority: priority}
		entry.EntryID = computeEntryID(key, id)
		_, err = p.mutate(map[string]*types.Entry{key: &entry}, false)
		return err
	})
}

// Delete removes one key, auto-committing immediately. Deleting an absent
// key is a no-op, not an error.
func (p *Page) Delete(key string) error {
	return p.do(func() error {
		_, err := p.mutate(map[string]*types.Entry{key: nil}, false)
		return err
	})
}

// Clear removes every key in the page, auto-committing immediately.
func (p *Page) Clear() error {
	return p.do(func() error {
		_, err := p.mutate(map[string]*types.Entry{}, true)
		return err
	})
}

// mutate applies an overlay (nil entry == delete) over the current state and
// commits the result. clearedBase discards the base entirely before the
// overlay is applied, implementing Clear's semantics; a transaction commit
// passes its own accumulated overlay and clearedBase flag the same way an
// implicit Put/Delete/Clear does.
func (p *Page) mutate(overlay map[string]*types.Entry, clearedBase bool) (*types.Commit, error) {
	heads, err := p.graph.GetHeadCommits()
	if err != nil {
		return nil, err
	}

	var parent *types.Commit
	if len(heads) > 0 {
		h := choosePrimaryHead(heads)
		parent = &h
	}

	var base map[string]types.Entry
	if parent != nil {
		base, err = p.tree.ListEntries(parent.RootDigest)
		if err != nil {
			return nil, err
		}
	} else {
		base = map[string]types.Entry{}
	}

	final := make(map[string]types.Entry, len(base)+len(overlay))
	if !clearedBase {
		for k, v := range base {
			final[k] = v
		}
	}
	for k, ov := range overlay {
		if ov == nil {
			delete(final, k)
			continue
		}
		final[k] = *ov
	}

	root, err := p.tree.BuildRoot(final)
	if err != nil {
		return nil, err
	}

	var parents []types.CommitID
	if parent != nil {
		parents = []types.CommitID{parent.ID}
	}
	commit, err := p.graph.AddCommitFromLocal(root, parents, nil)
	if err != nil {
		return nil, err
	}

	p.broker.publish(diffEntries(base, final))
	p.merger.Notify()
	if p.onLocalCommit != nil {
		p.onLocalCommit(*commit)
	}
	return commit, nil
}

// HeadCount reports the current number of commit-graph heads, for cache and
// metrics callers that only need the count rather than the full head set.
func (p *Page) HeadCount() (int, error) {
	heads, err := p.graph.GetHeadCommits()
	if err != nil {
		return 0, err
	}
	return len(heads), nil
}

// UnsyncedCount reports the number of commits not yet marked synced to the
// cloud, for the same callers as HeadCount.
func (p *Page) UnsyncedCount() (int, error) {
	unsynced, err := p.graph.GetUnsyncedCommits()
	if err != nil {
		return 0, err
	}
	return len(unsynced), nil
}

// choosePrimaryHead deterministically picks the head new local writes attach
// to while more than one head exists: the lowest-generation head, tied-broken
// by commit-id. The other head remains in the head set and is folded in by
// the next merge cycle, so a write made during an unresolved conflict never
// blocks on merge completion.
func choosePrimaryHead(heads []types.Commit) types.Commit {
	sorted := append([]types.Commit(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Generation != sorted[j].Generation {
			return sorted[i].Generation < sorted[j].Generation
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	return sorted[0]
}

func diffEntries(base, final map[string]types.Entry) PageChange {
	change := newPageChange()
	for k, v := range final {
		old, existed := base[k]
		if !existed || old.EntryID != v.EntryID {
			change.Changed[k] = v
		}
	}
	for k := range base {
		if _, stillPresent := final[k]; !stillPresent {
			change.Deleted = append(change.Deleted, k)
		}
	}
	return change
}

// Watch subscribes to changes under prefix ("" matches every key).
func (p *Page) Watch(prefix string) *Watcher {
	return p.broker.subscribe(prefix)
}

// Unwatch cancels a subscription created by Watch.
func (p *Page) Unwatch(w *Watcher) {
	p.broker.unsubscribe(w)
}

// WaitForConflictResolution blocks until the page's head set has collapsed
// to a single head, reporting whether a conflict was observed along the
// way. It polls at a short fixed interval rather than waiting on a
// condition variable, avoiding a second notification channel alongside
// the merger's.
func (p *Page) WaitForConflictResolution(ctx context.Context) (string, error) {
	sawConflict := false
	for {
		heads, err := p.graph.GetHeadCommits()
		if err != nil {
			return "", err
		}
		if len(heads) <= 1 {
			if sawConflict {
				return "CONFLICTS_RESOLVED", nil
			}
			return "NO_CONFLICTS", nil
		}
		sawConflict = true
		select {
		case <-ctx.Done():
			return "", ledgererr.New(ledgererr.CodeInterrupted, "wait for conflict resolution cancelled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Transaction accumulates Put/Delete/Clear operations and commits them as a
// single commit, or discards them on Rollback. Not safe for concurrent use
// by multiple goroutines; each transaction is meant to be driven by one
// caller.
type Transaction struct {
	page *Page

	mu       sync.Mutex
	overlay  map[string]*types.Entry
	cleared  bool
	done     bool
}

// BeginTransaction starts an explicit transaction. Reads within it (via
// Page.GetSnapshot) are not specially isolated from concurrent implicit
// writes; only the transaction's own commit is atomic.
func (p *Page) BeginTransaction() *Transaction {
	return &Transaction{page: p, overlay: make(map[string]*types.Entry)}
}

func (tx *Transaction) Put(key string, value []byte, priority types.Priority) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ledgererr.New(ledgererr.CodeIllegalState, "transaction already committed or rolled back")
	}
	id, err := tx.page.store.AddPiece(value, types.ObjectTypeInlineBlob, types.ProvenanceLocal)
	if err != nil {
		return err
	}
	entry := types.Entry{Key: key, Value: id, Priority: priority}
	entry.EntryID = computeEntryID(key, id)
	tx.overlay[key] = &entry
	return nil
}

func (tx *Transaction) Delete(key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ledgererr.New(ledgererr.CodeIllegalState, "transaction already committed or rolled back")
	}
	tx.overlay[key] = nil
	return nil
}

// Clear discards every entry committed before this transaction began plus
// every put made earlier in this transaction; puts made after Clear within
// the same transaction still persist on Commit.
func (tx *Transaction) Clear() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ledgererr.New(ledgererr.CodeIllegalState, "transaction already committed or rolled back")
	}
	tx.overlay = make(map[string]*types.Entry)
	tx.cleared = true
	return nil
}

// Commit applies the transaction's accumulated operations as one commit.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return ledgererr.New(ledgererr.CodeIllegalState, "transaction already committed or rolled back")
	}
	overlay := tx.overlay
	cleared := tx.cleared
	tx.done = true
	tx.mu.Unlock()

	return tx.page.do(func() error {
		_, err := tx.page.mutate(overlay, cleared)
		return err
	})
}

// Rollback discards the transaction's accumulated operations without
// touching the page.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ledgererr.New(ledgererr.CodeIllegalState, "transaction already committed or rolled back")
	}
	tx.done = true
	return nil
}

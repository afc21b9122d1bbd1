// Package commitgraph stores immutable commits and the per-page head set:
// ancestry queries, head-set maintenance, and the per-commit
// MISSING → ADDING → PRESENT_UNSYNCED → PRESENT_SYNCED state machine.
package commitgraph

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/types"
)

// CommitState is a commit's position in its per-id state machine.
type CommitState byte

const (
	StateMissing CommitState = iota
	StateAdding
	StatePresentUnsynced
	StatePresentSynced
)

var (
	bucketCommits   = []byte("commits")
	bucketHeads     = []byte("heads")
	bucketState     = []byte("state")
	bucketUnsynced  = []byte("unsynced_commits")
	bucketRemoteMap = []byte("remote_map")
)

// Graph is the bbolt-backed commit graph for a single page.
type Graph struct {
	db    *bolt.DB
	page  types.PageID
	store objectstore.Store

	mu     sync.Mutex
	adding map[types.CommitID]bool // ids mid add_commit_from_local/sync — exclusivity guard
}

// NewGraph opens (creating if absent) the commit graph for one page.
func NewGraph(dataDir string, page types.PageID, store objectstore.Store) (*Graph, error) {
	dbPath := filepath.Join(dataDir, "commits.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open commit graph: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCommits, bucketHeads, bucketState, bucketUnsynced, bucketRemoteMap} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Graph{
		db:     db,
		page:   page,
		store:  store,
		adding: make(map[types.CommitID]bool),
	}, nil
}

func (g *Graph) Close() error {
	return g.db.Close()
}

// beginAdd enters the ADDING state for id exclusively; the second of two
// concurrent adds for the same id is a no-op (returns false).
func (g *Graph) beginAdd(id types.CommitID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.adding[id] {
		return false
	}
	g.adding[id] = true
	return true
}

func (g *Graph) endAdd(id types.CommitID) {
	g.mu.Lock()
	delete(g.adding, id)
	g.mu.Unlock()
}

// AddCommitFromLocal assigns id/generation from (root, parents, body),
// validates parents ⊆ current heads, and atomically writes the commit,
// updates the head set, and records it unsynced.
func (g *Graph) AddCommitFromLocal(root types.Digest, parents []types.CommitID, body []byte) (*types.Commit, error) {
	if len(parents) > 2 {
		return nil, ledgererr.New(ledgererr.CodeArgumentError, "commits may have at most two parents")
	}

	generation, err := g.generationFor(parents)
	if err != nil {
		return nil, err
	}

	commit := &types.Commit{
		RootDigest: root,
		ParentIDs:  append([]types.CommitID(nil), parents...),
		Generation: generation,
		Timestamp:  time.Now(),
		CommitData: body,
	}
	commit.ID = computeCommitID(commit)

	if !g.beginAdd(commit.ID) {
		return g.Get(commit.ID)
	}
	defer g.endAdd(commit.ID)

	var result *types.Commit
	var isNew bool
	err = g.db.Update(func(tx *bolt.Tx) error {
		if existing := tx.Bucket(bucketCommits).Get(commit.ID.Key()); existing != nil {
			c, decErr := decodeCommit(existing)
			if decErr != nil {
				return decErr
			}
			result = c
			return nil
		}
		isNew = true

		heads := tx.Bucket(bucketHeads)
		for _, p := range parents {
			if heads.Get(p.Key()) == nil {
				return ledgererr.New(ledgererr.CodeBadState, "parent not a current head: "+p.String())
			}
		}

		if err := putCommit(tx, commit); err != nil {
			return err
		}
		for _, p := range parents {
			if err := heads.Delete(p.Key()); err != nil {
				return err
			}
		}
		if err := heads.Put(commit.ID.Key(), []byte{1}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketState).Put(commit.ID.Key(), []byte{byte(StatePresentUnsynced)}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUnsynced).Put(commit.ID.Key(), []byte{1}); err != nil {
			return err
		}
		result = commit
		return nil
	})
	if err != nil {
		return nil, err
	}

	if isNew {
		if err := g.store.AddRef(root); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// generationFor computes max(parent generations) + 1, 0 for a root commit.
func (g *Graph) generationFor(parents []types.CommitID) (uint64, error) {
	var maxGen uint64
	for _, p := range parents {
		c, err := g.Get(p)
		if err != nil {
			return 0, err
		}
		if c.Generation > maxGen {
			maxGen = c.Generation
		}
	}
	if len(parents) == 0 {
		return 0, nil
	}
	return maxGen + 1, nil
}

// AddCommitsFromSync accepts a topologically-ordered batch, applying commits
// in generation order after confirming ancestors are either present or
// included in the batch. Missing ancestors not resolvable from the batch
// yield IncompleteCommitGraph, abandoning the whole batch for upstream
// backoff-retry.
func (g *Graph) AddCommitsFromSync(batch []types.Commit, source types.Provenance) error {
	sorted := append([]types.Commit(nil), batch...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Generation < sorted[j].Generation })

	present := make(map[types.CommitID]bool)
	for _, c := range sorted {
		present[c.ID] = true
	}

	for _, c := range sorted {
		for _, p := range c.ParentIDs {
			if present[p] {
				continue
			}
			if _, err := g.Get(p); err != nil {
				return ledgererr.New(ledgererr.CodeIncompleteCommitGraph,
					"missing ancestor "+p.String()+" for commit "+c.ID.String())
			}
		}
	}

	for i := range sorted {
		commit := sorted[i]
		if !g.beginAdd(commit.ID) {
			continue
		}
		isNew, err := g.applySynced(&commit, source)
		g.endAdd(commit.ID)
		if err != nil {
			return err
		}
		if isNew {
			if err := g.store.AddRef(commit.RootDigest); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) applySynced(commit *types.Commit, source types.Provenance) (bool, error) {
	var isNew bool
	err := g.db.Update(func(tx *bolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		if commits.Get(commit.ID.Key()) != nil {
			if source == types.ProvenanceCloud {
				tx.Bucket(bucketState).Put(commit.ID.Key(), []byte{byte(StatePresentSynced)})
				tx.Bucket(bucketUnsynced).Delete(commit.ID.Key())
			}
			return nil
		}
		isNew = true

		heads := tx.Bucket(bucketHeads)
		for _, p := range commit.ParentIDs {
			heads.Delete(p.Key())
		}
		if err := putCommit(tx, commit); err != nil {
			return err
		}
		if err := heads.Put(commit.ID.Key(), []byte{1}); err != nil {
			return err
		}

		state := StatePresentUnsynced
		if source == types.ProvenanceCloud {
			state = StatePresentSynced
		} else {
			tx.Bucket(bucketUnsynced).Put(commit.ID.Key(), []byte{1})
		}
		return tx.Bucket(bucketState).Put(commit.ID.Key(), []byte{byte(state)})
	})
	return isNew, err
}

// Get returns the commit with the given id.
func (g *Graph) Get(id types.CommitID) (*types.Commit, error) {
	var commit *types.Commit
	err := g.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommits).Get(id.Key())
		if v == nil {
			return ledgererr.New(ledgererr.CodeInternalNotFound, "commit not found: "+id.String())
		}
		c, err := decodeCommit(v)
		if err != nil {
			return err
		}
		commit = c
		return nil
	})
	return commit, err
}

// GetHeadCommits returns the current head set.
func (g *Graph) GetHeadCommits() ([]types.Commit, error) {
	var heads []types.Commit
	err := g.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeads)
		commits := tx.Bucket(bucketCommits)
		return b.ForEach(func(k, _ []byte) error {
			v := commits.Get(k)
			if v == nil {
				return ledgererr.New(ledgererr.CodeDataIntegrityError, "head references missing commit")
			}
			c, err := decodeCommit(v)
			if err != nil {
				return err
			}
			heads = append(heads, *c)
			return nil
		})
	})
	return heads, err
}

// GetUnsyncedCommits returns unsynced commits in generation order.
func (g *Graph) GetUnsyncedCommits() ([]types.Commit, error) {
	var result []types.Commit
	err := g.db.View(func(tx *bolt.Tx) error {
		unsynced := tx.Bucket(bucketUnsynced)
		commits := tx.Bucket(bucketCommits)
		return unsynced.ForEach(func(k, _ []byte) error {
			v := commits.Get(k)
			if v == nil {
				return ledgererr.New(ledgererr.CodeDataIntegrityError, "unsynced set references missing commit")
			}
			c, err := decodeCommit(v)
			if err != nil {
				return err
			}
			result = append(result, *c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Generation < result[j].Generation })
	return result, nil
}

// MarkSynced flips a commit's state to PRESENT_SYNCED and clears its unsynced
// marker, used by cloud sync once a batch upload is acknowledged.
func (g *Graph) MarkSynced(id types.CommitID) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCommits).Get(id.Key()) == nil {
			return ledgererr.New(ledgererr.CodeInternalNotFound, "commit not found: "+id.String())
		}
		if err := tx.Bucket(bucketState).Put(id.Key(), []byte{byte(StatePresentSynced)}); err != nil {
			return err
		}
		return tx.Bucket(bucketUnsynced).Delete(id.Key())
	})
}

// SetRemoteMapping records the cloud-side identifier for a local commit.
func (g *Graph) SetRemoteMapping(remoteID string, local types.CommitID) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRemoteMap).Put([]byte(remoteID), local.Key())
	})
}

// GetCommitIDFromRemoteID translates a cloud-side commit reference back to
// its local identifier.
func (g *Graph) GetCommitIDFromRemoteID(remoteID string) (types.CommitID, error) {
	var id types.CommitID
	err := g.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRemoteMap).Get([]byte(remoteID))
		if v == nil {
			return ledgererr.New(ledgererr.CodeInternalNotFound, "no local commit for remote id: "+remoteID)
		}
		d, ok := types.DigestFromKey(v)
		if !ok {
			return ledgererr.New(ledgererr.CodeDataIntegrityError, "malformed remote map entry")
		}
		id = d
		return nil
	})
	return id, err
}

// State returns a commit's current state-machine position.
func (g *Graph) State(id types.CommitID) (CommitState, error) {
	var state CommitState
	err := g.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get(id.Key())
		if v == nil {
			state = StateMissing
			return nil
		}
		state = CommitState(v[0])
		return nil
	})
	return state, err
}

// IsAncestor reports whether ancestor is equal to or an ancestor of id,
// walking parent links. Used by the merger to find the common ancestor of
// two heads.
func (g *Graph) IsAncestor(ancestor, id types.CommitID) (bool, error) {
	visited := make(map[types.CommitID]bool)
	queue := []types.CommitID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == ancestor {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		c, err := g.Get(cur)
		if err != nil {
			return false, err
		}
		queue = append(queue, c.ParentIDs...)
	}
	return false, nil
}

// CommonAncestor finds a nearest common ancestor of a and b by collecting
// every ancestor of a, then walking b's ancestry until it meets that set and
// keeping the highest-generation meeting point, or reports none (disjoint
// histories).
func (g *Graph) CommonAncestor(a, b types.CommitID) (*types.Commit, bool, error) {
	ancestorsOf := func(start types.CommitID) (map[types.CommitID]bool, error) {
		set := make(map[types.CommitID]bool)
		queue := []types.CommitID{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if set[cur] {
				continue
			}
			set[cur] = true
			c, err := g.Get(cur)
			if err != nil {
				return nil, err
			}
			queue = append(queue, c.ParentIDs...)
		}
		return set, nil
	}

	aSet, err := ancestorsOf(a)
	if err != nil {
		return nil, false, err
	}

	visited := make(map[types.CommitID]bool)
	queue := []types.CommitID{b}
	var best *types.Commit
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if aSet[cur] {
			c, err := g.Get(cur)
			if err != nil {
				return nil, false, err
			}
			if best == nil || c.Generation > best.Generation {
				best = c
			}
			continue
		}
		c, err := g.Get(cur)
		if err != nil {
			return nil, false, err
		}
		queue = append(queue, c.ParentIDs...)
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

func putCommit(tx *bolt.Tx, c *types.Commit) error {
	return tx.Bucket(bucketCommits).Put(c.ID.Key(), encodeCommit(c))
}

// computeCommitID derives the commit's digest from its encoded body, giving
// identical independently-constructed commits the same id — a determinism
// property peers and the cloud both rely on to deduplicate commits.
func computeCommitID(c *types.Commit) types.CommitID {
	return objectstore.DigestCommit(encodeCommitBody(c))
}

func encodeCommitBody(c *types.Commit) []byte {
	buf := make([]byte, 0, 64+len(c.ParentIDs)*33)
	buf = append(buf, c.RootDigest.Key()...)
	buf = append(buf, byte(len(c.ParentIDs)))
	for _, p := range c.ParentIDs {
		buf = append(buf, p.Key()...)
	}
	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], c.Generation)
	buf = append(buf, gen[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.Timestamp.UnixNano()))
	buf = append(buf, ts[:]...)
	buf = append(buf, c.CommitData...)
	return buf
}

func encodeCommit(c *types.Commit) []byte {
	body := encodeCommitBody(c)
	out := make([]byte, 0, len(c.ID.Key())+len(body))
	out = append(out, c.ID.Key()...)
	out = append(out, body...)
	return out
}

func decodeCommit(raw []byte) (*types.Commit, error) {
	const keySize = 1 + types.DigestSize
	if len(raw) < keySize+keySize+1 {
		return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "truncated commit record")
	}
	id, ok := types.DigestFromKey(raw[:keySize])
	if !ok {
		return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "malformed commit id")
	}
	rest := raw[keySize:]
	root, ok := types.DigestFromKey(rest[:keySize])
	if !ok {
		return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "malformed commit root digest")
	}
	rest = rest[keySize:]
	if len(rest) < 1 {
		return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "truncated commit record")
	}
	numParents := int(rest[0])
	rest = rest[1:]
	parents := make([]types.CommitID, 0, numParents)
	for i := 0; i < numParents; i++ {
		if len(rest) < keySize {
			return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "truncated commit parent list")
		}
		p, ok := types.DigestFromKey(rest[:keySize])
		if !ok {
			return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "malformed parent id")
		}
		parents = append(parents, p)
		rest = rest[keySize:]
	}
	if len(rest) < 16 {
		return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "truncated commit generation/timestamp")
	}
	generation := binary.BigEndian.Uint64(rest[:8])
	tsNano := binary.BigEndian.Uint64(rest[8:16])
	data := append([]byte(nil), rest[16:]...)

	return &types.Commit{
		ID:         id,
		RootDigest: root,
		ParentIDs:  parents,
		Generation: generation,
		Timestamp:  time.Unix(0, int64(tsNano)),
		CommitData: data,
	}, nil
}

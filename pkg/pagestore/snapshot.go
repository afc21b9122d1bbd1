package pagestore

import (
	"sort"
	"strings"

	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/types"
)

// Snapshot is a read-only, point-in-time view of a page pinned against GC
// for its lifetime. Release must be called once the caller is done with it.
type Snapshot struct {
	store   objectstore.Store
	entries map[string]types.Entry
	keys    []string
	release func()
}

// GetSnapshot pins the page's current head (or its merged head, once a
// merge commit lands) and returns a view restricted to keys with the given
// prefix ("" for the whole page).
func (p *Page) GetSnapshot(prefix string) (*Snapshot, error) {
	var snap *Snapshot
	err := p.do(func() error {
		heads, err := p.graph.GetHeadCommits()
		if err != nil {
			return err
		}
		var root types.Digest
		if len(heads) > 0 {
			root = choosePrimaryHead(heads).RootDigest
		} else {
			root = EmptyRoot
		}

		all, err := p.tree.ListEntries(root)
		if err != nil {
			return err
		}

		release := func() {}
		if root != EmptyRoot {
			r, err := p.store.PinSnapshot(root)
			if err != nil {
				return err
			}
			release = r
		}

		filtered := make(map[string]types.Entry)
		keys := make([]string, 0, len(all))
		for k, v := range all {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			filtered[k] = v
			keys = append(keys, k)
		}
		sort.Strings(keys)

		snap = &Snapshot{store: p.store, entries: filtered, keys: keys, release: release}
		return nil
	})
	return snap, err
}

// Release unpins the snapshot's objects, allowing GC to reclaim them once no
// other snapshot or live commit references them.
func (s *Snapshot) Release() {
	s.release()
}

// Get returns the full value for key, recomposing a chunked blob if needed.
func (s *Snapshot) Get(key string) ([]byte, error) {
	e, ok := s.entries[key]
	if !ok {
		return nil, ledgererr.New(ledgererr.CodeKeyNotFound, "key not found: "+key)
	}
	return s.store.GetPiece(e.Value)
}

// GetInline returns a key's value only if it fits inline, erroring
// ValueTooLarge for a chunked value so callers can fall back to Fetch.
func (s *Snapshot) GetInline(key string) ([]byte, error) {
	e, ok := s.entries[key]
	if !ok {
		return nil, ledgererr.New(ledgererr.CodeKeyNotFound, "key not found: "+key)
	}
	if e.Value.Digest.Type == types.ObjectTypeChunkedRoot {
		return nil, ledgererr.New(ledgererr.CodeValueTooLarge, "value exceeds inline size: "+key)
	}
	return s.store.GetPiece(e.Value)
}

// Fetch returns a key's full value regardless of size.
func (s *Snapshot) Fetch(key string) ([]byte, error) {
	return s.Get(key)
}

// FetchPartial returns a byte range of a key's value using the object
// store's negative-offset/maxSize semantics.
func (s *Snapshot) FetchPartial(key string, offset, maxSize int64) ([]byte, error) {
	e, ok := s.entries[key]
	if !ok {
		return nil, ledgererr.New(ledgererr.CodeKeyNotFound, "key not found: "+key)
	}
	return s.store.GetObjectPart(e.Value, offset, maxSize)
}

// GetKeys returns up to pageSize keys at or after start (lexicographic),
// with a continuation token for the next call ("" once exhausted).
func (s *Snapshot) GetKeys(start string, pageSize int) ([]string, string) {
	idx := sort.SearchStrings(s.keys, start)
	end := idx + pageSize
	if end > len(s.keys) || pageSize <= 0 {
		end = len(s.keys)
	}
	page := s.keys[idx:end]
	next := ""
	if end < len(s.keys) {
		next = s.keys[end]
	}
	return page, next
}

// GetEntries is GetKeys's counterpart returning full entries instead of bare
// keys.
func (s *Snapshot) GetEntries(start string, pageSize int) ([]types.Entry, string) {
	keys, next := s.GetKeys(start, pageSize)
	out := make([]types.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entries[k])
	}
	return out, next
}

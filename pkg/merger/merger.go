// Package merger detects multi-head states in a page's commit graph and
// produces merge commits under one of three policies: pointwise
// last-one-wins, automatic merge of non-conflicting entries with resolver
// fallback, or a fully custom resolver.
package merger

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/pageledger/ledger/pkg/commitgraph"
	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/log"
	"github.com/pageledger/ledger/pkg/metrics"
	"github.com/pageledger/ledger/pkg/types"
)

// TreeReader resolves a commit's tree root into its full entry set. It is
// satisfied by page storage's b-tree; declared narrowly here so this
// package never imports pagestore.
type TreeReader interface {
	ListEntries(root types.Digest) (map[string]types.Entry, error)
}

// TreeWriter constructs a new tree root from a merge's resulting entry set.
type TreeWriter interface {
	BuildRoot(entries map[string]types.Entry) (types.Digest, error)
	// CreateEntry stores a brand-new value produced by a resolver's
	// SourceNew decision and returns the resulting Entry.
	CreateEntry(key string, value []byte, priority types.Priority) (types.Entry, error)
}

// Resolver is the external conflict-resolution session contract: a
// paginated diff stream, an optional bulk apply of non-conflicting
// entries, one or more partial merge calls that report back the resolver's
// actual decisions, and a final done().
type Resolver interface {
	Diff(token string) (entries []types.Entry, nextToken string, done bool, err error)
	MergeNonConflictingEntries() error
	Merge(requests []types.MergeValue) (decided []types.MergeValue, err error)
	Done() error
}

// ResolverFactory builds a Resolver bound to three read-only snapshots:
// left, right, and their common ancestor (nil if disjoint histories).
type ResolverFactory func(left, right, ancestor map[string]types.Entry) (Resolver, error)

// Merger observes a single page's commit graph and resolves multi-head
// states one at a time: at most one merge per page runs concurrently.
type Merger struct {
	page    types.PageID
	graph   *commitgraph.Graph
	reader  TreeReader
	writer  TreeWriter
	policy  types.MergePolicy
	factory ResolverFactory
	logger  zerolog.Logger

	mu       sync.Mutex
	notifyCh chan struct{}
	stopCh   chan struct{}
}

// New constructs a Merger for one page.
func New(page types.PageID, graph *commitgraph.Graph, reader TreeReader, writer TreeWriter, policy types.MergePolicy, factory ResolverFactory) *Merger {
	return &Merger{
		page:     page,
		graph:    graph,
		reader:   reader,
		writer:   writer,
		policy:   policy,
		factory:  factory,
		logger:   log.WithPageID(page.String()),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the merger's single-goroutine worker loop, edge-triggered by
// Notify instead of polled, since merges are triggered by new heads
// arriving.
func (m *Merger) Start() {
	go m.run()
}

func (m *Merger) Stop() {
	close(m.stopCh)
}

// Notify wakes the merger to check for a multi-head state. Safe to call
// from any goroutine (new local commit, sync download completion).
func (m *Merger) Notify() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

func (m *Merger) run() {
	m.logger.Info().Msg("merger started")
	for {
		select {
		case <-m.notifyCh:
			if err := m.maybeMerge(); err != nil {
				m.logger.Error().Err(err).Msg("merge cycle failed")
			}
		case <-m.stopCh:
			m.logger.Info().Msg("merger stopped")
			return
		}
	}
}

// maybeMerge performs at most one merge if the head set currently has more
// than one element; new commits arriving mid-merge are processed only
// after this call returns (no preemption, enforced by mu).
func (m *Merger) maybeMerge() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	heads, err := m.graph.GetHeadCommits()
	if err != nil {
		return err
	}
	if len(heads) <= 1 {
		return nil
	}

	left, right := pickPair(heads)

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MergeDuration)
		metrics.MergesTotal.WithLabelValues(string(m.policy)).Inc()
	}()

	return m.mergeOnce(left, right)
}

// pickPair selects the lowest-generation pair, tie-broken by commit-id
// lexicographic order.
func pickPair(heads []types.Commit) (types.Commit, types.Commit) {
	sorted := append([]types.Commit(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Generation != sorted[j].Generation {
			return sorted[i].Generation < sorted[j].Generation
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	return sorted[0], sorted[1]
}

func (m *Merger) mergeOnce(left, right types.Commit) error {
	leftEntries, err := m.reader.ListEntries(left.RootDigest)
	if err != nil {
		return err
	}
	rightEntries, err := m.reader.ListEntries(right.RootDigest)
	if err != nil {
		return err
	}

	var ancestorEntries map[string]types.Entry
	ancestorCommit, found, err := m.graph.CommonAncestor(left.ID, right.ID)
	if err != nil {
		return err
	}
	if found {
		ancestorEntries, err = m.reader.ListEntries(ancestorCommit.RootDigest)
		if err != nil {
			return err
		}
	}

	result, err := m.resolve(leftEntries, rightEntries, ancestorEntries, left, right)
	if err != nil {
		return err
	}

	root, err := m.writer.BuildRoot(result)
	if err != nil {
		return err
	}

	_, err = m.graph.AddCommitFromLocal(root, []types.CommitID{left.ID, right.ID}, nil)
	return err
}

// resolve applies the configured policy, producing the full resulting
// entry set for the merge commit.
func (m *Merger) resolve(left, right, ancestor map[string]types.Entry, leftCommit, rightCommit types.Commit) (map[string]types.Entry, error) {
	switch m.policy {
	case types.MergeLastOneWins:
		return m.resolveLastOneWins(left, right, leftCommit, rightCommit), nil
	case types.MergeAutomaticWithFallback:
		return m.resolveWithResolver(left, right, ancestor, false)
	case types.MergeCustom:
		return m.resolveWithResolver(left, right, ancestor, true)
	default:
		return nil, ledgererr.New(ledgererr.CodeArgumentError, "unknown merge policy: "+string(m.policy))
	}
}

// resolveLastOneWins picks, for each key differing between the two heads,
// the value from the head with the greater (generation, commit-id) tuple.
func (m *Merger) resolveLastOneWins(left, right map[string]types.Entry, leftCommit, rightCommit types.Commit) map[string]types.Entry {
	winnerIsRight := rightCommit.Generation > leftCommit.Generation ||
		(rightCommit.Generation == leftCommit.Generation && rightCommit.ID.String() > leftCommit.ID.String())

	result := make(map[string]types.Entry)
	keys := unionKeys(left, right)
	for _, k := range keys {
		le, lok := left[k]
		re, rok := right[k]
		switch {
		case lok && rok:
			if le.EntryID == re.EntryID {
				result[k] = le
				continue
			}
			if winnerIsRight {
				result[k] = re
			} else {
				result[k] = le
			}
		case lok:
			result[k] = le
		case rok:
			result[k] = re
		}
	}
	return result
}

// resolveWithResolver drives the external resolver protocol: diff, optional
// bulk non-conflicting apply, partial merges, done. full determines whether
// ALL differing entries (CUSTOM) or only conflicting ones
// (AUTOMATIC_WITH_FALLBACK) are routed to the resolver.
func (m *Merger) resolveWithResolver(left, right, ancestor map[string]types.Entry, full bool) (map[string]types.Entry, error) {
	result := make(map[string]types.Entry)
	for k, v := range ancestorOrEmpty(left, right, ancestor) {
		result[k] = v
	}

	keys := unionKeys(left, right)
	var conflicting []string
	for _, k := range keys {
		le, lok := left[k]
		re, rok := right[k]
		ae, aok := ancestor[k]

		leftSame := lok == aok && (!aok || le.EntryID == ae.EntryID)
		rightSame := rok == aok && (!aok || re.EntryID == ae.EntryID)
		leftChanged := !leftSame
		rightChanged := !rightSame

		switch {
		case lok && rok && le.EntryID == re.EntryID:
			result[k] = le
		case !full && leftChanged && !rightChanged:
			if lok {
				result[k] = le
			} else {
				delete(result, k)
			}
		case !full && rightChanged && !leftChanged:
			if rok {
				result[k] = re
			} else {
				delete(result, k)
			}
		default:
			conflicting = append(conflicting, k)
		}
	}
	sort.Strings(conflicting)

	if len(conflicting) == 0 {
		return result, nil
	}

	resolver, err := m.newResolverWithRetry(left, right, ancestor)
	if err != nil {
		return nil, err
	}

	// Step 1: request the diff stream from the merger to the resolver,
	// paginated by opaque token, draining it to completion before any
	// merge call.
	token := ""
	for {
		_, nextToken, done, err := resolver.Diff(token)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		token = nextToken
	}

	if !full {
		if err := resolver.MergeNonConflictingEntries(); err != nil {
			return nil, err
		}
	}

	// requests carries one entry per conflicting key. A key present on only
	// one side has an unambiguous outcome and is sent as a hint; a key that
	// genuinely differs on both sides carries no precomputed Source,
	// leaving the decision entirely to the resolver.
	requests := make([]types.MergeValue, 0, len(conflicting))
	for _, k := range conflicting {
		_, lok := left[k]
		_, rok := right[k]
		switch {
		case lok && !rok:
			requests = append(requests, types.MergeValue{Key: k, Source: types.SourceLeft})
		case rok && !lok:
			requests = append(requests, types.MergeValue{Key: k, Source: types.SourceRight})
		default:
			requests = append(requests, types.MergeValue{Key: k})
		}
	}

	decided, err := resolver.Merge(requests)
	if err != nil {
		return nil, err
	}
	if err := resolver.Done(); err != nil {
		return nil, err
	}

	for _, v := range decided {
		switch v.Source {
		case types.SourceLeft:
			result[v.Key] = left[v.Key]
		case types.SourceRight:
			result[v.Key] = right[v.Key]
		case types.SourceDelete:
			delete(result, v.Key)
		case types.SourceNew:
			entry, err := m.writer.CreateEntry(v.Key, v.Value, types.PriorityEager)
			if err != nil {
				return nil, err
			}
			result[v.Key] = entry
		}
	}
	return result, nil
}

// newResolverWithRetry builds a resolver session, retrying the factory call
// with exponential backoff for up to 30 seconds while it fails. Only session
// creation is retried: an error from Diff, MergeNonConflictingEntries, Merge
// or Done in resolveWithResolver fails the current merge cycle without a
// retry.
func (m *Merger) newResolverWithRetry(left, right, ancestor map[string]types.Entry) (Resolver, error) {
	var resolver Resolver
	op := func() error {
		r, err := m.factory(left, right, ancestor)
		if err != nil {
			return err
		}
		resolver = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeNetworkError, "resolver session failed", err)
	}
	return resolver, nil
}

func unionKeys(a, b map[string]types.Entry) []string {
	seen := make(map[string]bool)
	var keys []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func ancestorOrEmpty(left, right, ancestor map[string]types.Entry) map[string]types.Entry {
	if ancestor != nil {
		return ancestor
	}
	return map[string]types.Entry{}
}

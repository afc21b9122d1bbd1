package pagestore

import (
	"sync"

	"github.com/pageledger/ledger/pkg/types"
)

// ResultState tags a watcher delivery. Every delivery this package sends is
// COMPLETED and carries the whole aggregated delta, however large;
// PARTIAL_STARTED and PARTIAL_COMPLETED are defined but never sent.
type ResultState string

const (
	ResultCompleted        ResultState = "COMPLETED"
	ResultPartialStarted   ResultState = "PARTIAL_STARTED"
	ResultPartialCompleted ResultState = "PARTIAL_COMPLETED"
)

// PageChange is the aggregated set of entries changed or removed under a
// watcher's prefix since its last acknowledged delivery. Only the final
// value per key survives aggregation — an add followed by a delete within
// the same unacknowledged window nets out to a delete.
type PageChange struct {
	Changed map[string]types.Entry
	Deleted []string
}

func newPageChange() PageChange {
	return PageChange{Changed: make(map[string]types.Entry)}
}

func (c *PageChange) empty() bool {
	return len(c.Changed) == 0 && len(c.Deleted) == 0
}

// merge folds a newer change into c, keeping only the most recent outcome
// per key.
func (c *PageChange) merge(other PageChange) {
	for _, k := range other.Deleted {
		delete(c.Changed, k)
	}
	c.Deleted = append(c.Deleted, other.Deleted...)
	for k, v := range other.Changed {
		c.Changed[k] = v
		c.removeFromDeleted(k)
	}
}

func (c *PageChange) removeFromDeleted(key string) {
	for i, k := range c.Deleted {
		if k == key {
			c.Deleted = append(c.Deleted[:i], c.Deleted[i+1:]...)
			return
		}
	}
}

// Delivery is one message sent to a watcher's channel.
type Delivery struct {
	Change PageChange
	State  ResultState
}

// Watcher observes one page prefix. A watcher has at most one outstanding
// (unacknowledged) delivery at a time; changes arriving while a delivery is
// outstanding aggregate into the next one.
type Watcher struct {
	prefix string
	ch     chan Delivery

	mu         sync.Mutex
	pending    PageChange
	delivering bool
	closed     bool
}

// Deliveries returns the channel new aggregated changes arrive on.
func (w *Watcher) Deliveries() <-chan Delivery {
	return w.ch
}

// Ack acknowledges the most recent delivery, flushing any change that
// accumulated while it was outstanding.
func (w *Watcher) Ack() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delivering = false
	w.flushLocked()
}

func (w *Watcher) flushLocked() {
	if w.delivering || w.closed || w.pending.empty() {
		return
	}
	w.delivering = true
	delivery := Delivery{Change: w.pending, State: ResultCompleted}
	w.pending = newPageChange()
	select {
	case w.ch <- delivery:
	default:
		// Channel buffer is exactly one; a slow consumer still sees the
		// latest aggregated state once it drains and Acks.
		<-w.ch
		w.ch <- delivery
	}
}

func (w *Watcher) notify(change PageChange) {
	if change.empty() {
		return
	}
	filtered := filterPrefix(change, w.prefix)
	if filtered.empty() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending.merge(filtered)
	w.flushLocked()
}

func (w *Watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	close(w.ch)
}

func filterPrefix(change PageChange, prefix string) PageChange {
	if prefix == "" {
		return change
	}
	out := newPageChange()
	for k, v := range change.Changed {
		if hasPrefix(k, prefix) {
			out.Changed[k] = v
		}
	}
	for _, k := range change.Deleted {
		if hasPrefix(k, prefix) {
			out.Deleted = append(out.Deleted, k)
		}
	}
	return out
}

func hasPrefix(key, prefix string) bool {
	if len(key) < len(prefix) {
		return false
	}
	return key[:len(prefix)] == prefix
}

// watcherBroker tracks the live watchers for one page and fans a committed
// change out to each of them as a pub-sub broker with per-prefix,
// ack-gated delivery.
type watcherBroker struct {
	mu       sync.Mutex
	watchers map[*Watcher]struct{}
}

func newWatcherBroker() *watcherBroker {
	return &watcherBroker{watchers: make(map[*Watcher]struct{})}
}

func (b *watcherBroker) subscribe(prefix string) *Watcher {
	w := &Watcher{prefix: prefix, ch: make(chan Delivery, 1), pending: newPageChange()}
	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()
	return w
}

func (b *watcherBroker) unsubscribe(w *Watcher) {
	b.mu.Lock()
	_, ok := b.watchers[w]
	delete(b.watchers, w)
	b.mu.Unlock()
	if ok {
		w.close()
	}
}

func (b *watcherBroker) publish(change PageChange) {
	if change.empty() {
		return
	}
	b.mu.Lock()
	targets := make([]*Watcher, 0, len(b.watchers))
	for w := range b.watchers {
		targets = append(targets, w)
	}
	b.mu.Unlock()
	for _, w := range targets {
		w.notify(change)
	}
}

package metrics

import (
	"time"
)

// PageStats is the per-page snapshot a Collector polls periodically.
type PageStats struct {
	PageID          string
	Heads           int
	UnsyncedCommits int
	UploadState     string
}

// PageSource is implemented by the ledger manager; kept as a narrow local
// interface so this package never imports pkg/ledgermgr (which imports this
// package for instrumentation, and would otherwise form an import cycle).
type PageSource interface {
	CollectPageStats() []PageStats
}

// Collector polls a PageSource every 15 seconds and republishes each page's
// head count and unsynced-commit count as gauges; PageStats.UploadState is
// not published here.
type Collector struct {
	source PageSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source PageSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, stats := range c.source.CollectPageStats() {
		CommitGraphHeads.WithLabelValues(stats.PageID).Set(float64(stats.Heads))
		UnsyncedCommits.WithLabelValues(stats.PageID).Set(float64(stats.UnsyncedCommits))
	}
}

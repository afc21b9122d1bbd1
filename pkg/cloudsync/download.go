package cloudsync

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/pageledger/ledger/pkg/cloudrpc"
	"github.com/pageledger/ledger/pkg/commitgraph"
	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/log"
	"github.com/pageledger/ledger/pkg/types"
)

// pollInterval is how often a Downloader checks the cloud log for new
// commits once it has caught up, mirroring pkg/reconciler's ticker.
const pollInterval = 2 * time.Second

// Downloader tails a page's cloud commit log into the local commit graph.
// Missing-parent gaps (a batch referencing a parent neither stored locally
// nor present in the same batch) abort the batch for retry rather than
// advancing the cursor past it.
type Downloader struct {
	page   types.PageID
	graph  *commitgraph.Graph
	client cloudrpc.Client
	// onBatchComplete is called after every successfully applied batch
	// (including empty ones), letting the caller's Uploader resume once
	// WAIT_REMOTE_DOWNLOAD is no longer warranted.
	onBatchComplete func()
	logger          zerolog.Logger

	mu       sync.Mutex
	cursor   string
	active   bool
	backoff  backoff.BackOff
	stopCh   chan struct{}
	wakeCh   chan struct{}
}

func NewDownloader(page types.PageID, graph *commitgraph.Graph, client cloudrpc.Client, onBatchComplete func()) *Downloader {
	return &Downloader{
		page:            page,
		graph:           graph,
		client:          client,
		onBatchComplete: onBatchComplete,
		logger:          log.WithPageID(page.String()),
		backoff:         newUploadBackoff(),
		stopCh:          make(chan struct{}),
		wakeCh:          make(chan struct{}, 1),
	}
}

func (d *Downloader) Start() {
	go d.run()
	d.wake()
}

func (d *Downloader) Stop() { close(d.stopCh) }

// wake schedules an immediate poll, used after Start and after a retry
// backoff interval elapses.
func (d *Downloader) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Active reports whether a download batch is currently being applied; the
// page's Uploader uses this to hold off uploading while a download is in
// flight.
func (d *Downloader) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Downloader) setActive(v bool) {
	d.mu.Lock()
	d.active = v
	d.mu.Unlock()
}

func (d *Downloader) run() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.poll()
		case <-d.wakeCh:
			d.poll()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Downloader) poll() {
	d.setActive(true)
	defer d.setActive(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cursor := d.cursorValue()
	resp, err := d.client.GetCommits(ctx, &cloudrpc.GetCommitsRequest{PageID: d.page, MinPositionToken: cursor})
	if err != nil {
		d.retryAfterTransport(err)
		return
	}
	if resp.Status != cloudrpc.StatusOK {
		d.logger.Error().Str("status", string(resp.Status)).Str("message", resp.Message).Msg("download poll rejected")
		d.retry()
		return
	}

	if len(resp.Commits) > 0 {
		batch := make([]types.Commit, len(resp.Commits))
		for i, w := range resp.Commits {
			batch[i] = w.ToCommit()
		}
		if err := d.graph.AddCommitsFromSync(batch, types.ProvenanceCloud); err != nil {
			if ledgererr.Is(err, ledgererr.CodeIncompleteCommitGraph) {
				// A persistent gap: leave the cursor where it is so the next
				// poll re-fetches the same batch, possibly alongside the
				// missing parent once the cloud log catches up.
				d.logger.Warn().Err(err).Msg("download batch has missing parents, will retry")
				d.retry()
				return
			}
			d.logger.Error().Err(err).Msg("download batch rejected by commit graph")
			d.retry()
			return
		}
	}

	d.backoff.Reset()
	d.setCursor(resp.NextToken)
	if d.onBatchComplete != nil {
		d.onBatchComplete()
	}
}

func (d *Downloader) cursorValue() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

func (d *Downloader) setCursor(tok string) {
	d.mu.Lock()
	d.cursor = tok
	d.mu.Unlock()
}

func (d *Downloader) retryAfterTransport(err error) {
	d.logger.Warn().Err(err).Msg("download poll transport failure")
	d.retry()
}

func (d *Downloader) retry() {
	next := d.backoff.NextBackOff()
	if next == backoff.Stop {
		next = pollInterval
	}
	time.AfterFunc(next, d.wake)
}

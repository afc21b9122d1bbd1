// Package cloudsync drives per-page upload/download against the cloud wire
// surface (pkg/cloudrpc), plus the device set and clock pack machinery
// that gate it.
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
	"github.com/pageledger/ledger/pkg/metrics"
	"github.com/pageledger/ledger/pkg/objectstore"
	"github.com/pageledger/ledger/pkg/types"
)

// UploadState is a position in the upload state machine.
type UploadState string

const (
	UploadNotStarted            UploadState = "NOT_STARTED"
	UploadSetup                 UploadState = "SETUP"
	UploadIdle                  UploadState = "IDLE"
	UploadPending                UploadState = "PENDING"
	UploadWaitTooManyLocalHeads UploadState = "WAIT_TOO_MANY_LOCAL_HEADS"
	UploadWaitRemoteDownload    UploadState = "WAIT_REMOTE_DOWNLOAD"
	UploadInProgress            UploadState = "IN_PROGRESS"
	UploadTemporaryError        UploadState = "TEMPORARY_ERROR"
	UploadPermanentError        UploadState = "PERMANENT_ERROR"
)

// Uploader runs one page's upload state machine as a ticker+stopCh worker
// loop, edge-triggered by Notify the same way pkg/merger.Merger is.
type Uploader struct {
	page           types.PageID
	graph          *commitgraph.Graph
	store          objectstore.Store
	client         cloudrpc.Client
	downloadActive func() bool
	onPermanent    func(error)
	logger         zerolog.Logger

	mu       sync.Mutex
	state    UploadState
	backoff  backoff.BackOff
	notifyCh chan struct{}
	stopCh   chan struct{}
}

// NewUploader constructs an Uploader. downloadActive reports whether this
// page's Downloader currently has a batch in flight — upload is blocked
// while download is in progress; onPermanent is called once if a
// permanent error is reached, surfacing it upward to the caller.
func NewUploader(page types.PageID, graph *commitgraph.Graph, store objectstore.Store, client cloudrpc.Client, downloadActive func() bool, onPermanent func(error)) *Uploader {
	return &Uploader{
		page:           page,
		graph:          graph,
		store:          store,
		client:         client,
		downloadActive: downloadActive,
		onPermanent:    onPermanent,
		logger:         log.WithPageID(page.String()),
		state:          UploadNotStarted,
		backoff:        newUploadBackoff(),
		notifyCh:       make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
}

func newUploadBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // the state machine itself decides when to give up, not the backoff policy
	return b
}

func (u *Uploader) Start() {
	u.setState(UploadSetup)
	go u.run()
	u.Notify()
}

func (u *Uploader) Stop() {
	close(u.stopCh)
}

// Notify wakes the uploader to re-evaluate (new local commit, download
// completion, backoff timer firing).
func (u *Uploader) Notify() {
	select {
	case u.notifyCh <- struct{}{}:
	default:
	}
}

func (u *Uploader) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Uploader) setState(s UploadState) {
	u.mu.Lock()
	prev := u.state
	u.state = s
	u.mu.Unlock()
	if prev != s {
		metrics.UploadState.WithLabelValues(u.page.String(), string(prev)).Set(0)
	}
	metrics.UploadState.WithLabelValues(u.page.String(), string(s)).Set(1)
}

func (u *Uploader) run() {
	for {
		select {
		case <-u.notifyCh:
			u.cycle()
		case <-u.stopCh:
			return
		}
	}
}

// cycle runs one pass of the state machine. A single pass either reaches a
// stable waiting state (IDLE, WAIT_*) or transitions through IN_PROGRESS to
// one of IDLE/TEMPORARY_ERROR/PERMANENT_ERROR. PERMANENT_ERROR is terminal:
// once reached, later passes do nothing.
func (u *Uploader) cycle() {
	if u.State() == UploadPermanentError {
		return
	}
	if u.downloadActive != nil && u.downloadActive() {
		u.setState(UploadWaitRemoteDownload)
		return
	}

	heads, err := u.graph.GetHeadCommits()
	if err != nil {
		u.logger.Error().Err(err).Msg("upload cycle: failed to read head set")
		u.setState(UploadTemporaryError)
		u.scheduleRetry()
		return
	}
	if len(heads) > 1 {
		u.setState(UploadWaitTooManyLocalHeads)
		return
	}

	unsynced, err := u.graph.GetUnsyncedCommits()
	if err != nil {
		u.logger.Error().Err(err).Msg("upload cycle: failed to read unsynced set")
		u.setState(UploadTemporaryError)
		u.scheduleRetry()
		return
	}
	metrics.UnsyncedCommits.WithLabelValues(u.page.String()).Set(float64(len(unsynced)))
	if len(unsynced) == 0 {
		u.setState(UploadIdle)
		return
	}

	u.setState(UploadInProgress)
	if err := u.uploadBatch(unsynced); err != nil {
		if isTemporary(err) {
			u.setState(UploadTemporaryError)
			u.scheduleRetry()
			return
		}
		u.setState(UploadPermanentError)
		if u.onPermanent != nil {
			u.onPermanent(err)
		}
		return
	}

	u.backoff.Reset()
	u.setState(UploadIdle)
	u.Notify() // more commits may have landed locally while this batch uploaded
}

// uploadBatch sends the unsynced set as one atomic batch — atomic at the
// cloud level, so a single commit rejection fails the whole batch — and
// marks every involved commit and its root piece synced on success.
func (u *Uploader) uploadBatch(batch []types.Commit) error {
	wire := make([]cloudrpc.WireCommit, len(batch))
	for i, c := range batch {
		wire[i] = cloudrpc.ToWireCommit(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := u.client.AddCommits(ctx, &cloudrpc.AddCommitsRequest{PageID: u.page, Commits: wire})
	if err != nil {
		return ledgererr.Wrap(cloudrpc.MapTransportError(err), "add_commits transport failure", err)
	}
	if resp.Status != cloudrpc.StatusOK {
		return ledgererr.New(cloudrpc.MapStatus(resp.Status), "add_commits rejected: "+resp.Message)
	}

	for _, c := range batch {
		if err := u.graph.MarkSynced(c.ID); err != nil {
			return err
		}
		if err := u.store.MarkPieceSynced(c.RootDigest); err != nil {
			return err
		}
	}
	return nil
}

// scheduleRetry arms a one-shot timer at the backoff policy's next interval
// that re-notifies the uploader, without blocking the single worker
// goroutine the way backoff.Retry's busy-loop would.
func (u *Uploader) scheduleRetry() {
	next := u.backoff.NextBackOff()
	if next == backoff.Stop {
		u.setState(UploadPermanentError)
		if u.onPermanent != nil {
			u.onPermanent(ledgererr.New(ledgererr.CodeNetworkError, "upload retries exhausted"))
		}
		return
	}
	metrics.CloudRPCRetries.WithLabelValues("AddCommits").Inc()
	time.AfterFunc(next, u.Notify)
}

func isTemporary(err error) bool {
	return ledgererr.Is(err, ledgererr.CodeNetworkError)
}

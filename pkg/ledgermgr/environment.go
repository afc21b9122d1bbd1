// Package ledgermgr multiplexes pages within one on-disk repository: it
// owns the page cache, the device set watcher, and the P2P peer mesh, and
// wires a newly opened page's local commits into cloud upload and peer
// propagation without pagestore itself depending on cloudsync or p2psync.
package ledgermgr

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pageledger/ledger/pkg/cloudrpc"
	"github.com/pageledger/ledger/pkg/cloudsync"
	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/log"
	"github.com/pageledger/ledger/pkg/merger"
	"github.com/pageledger/ledger/pkg/metrics"
	"github.com/pageledger/ledger/pkg/p2psync"
	"github.com/pageledger/ledger/pkg/pagestore"
	"github.com/pageledger/ledger/pkg/singleflight"
	"github.com/pageledger/ledger/pkg/types"
)

// serializationVersion names the on-disk layout generation. Content under
// this directory is what cloud-erase wipes; "staging" sits one level up and
// survives.
const serializationVersion = "38"

// Config configures one Environment. CloudClient and DeviceSetClient may
// both be nil, in which case pages opened here run purely local with no
// cloud upload/download or erase detection — useful for tests and for a
// fully offline repository.
type Config struct {
	DataDir           string
	Namespace         string
	DeviceFingerprint types.DeviceFingerprint
	CloudClient       cloudrpc.Client
	DeviceSetClient   cloudsync.DeviceSetClient
	Options           types.Options
	MergePolicy       types.MergePolicy
	ResolverFactory   merger.ResolverFactory
}

type pageEntry struct {
	page       *pagestore.Page
	uploader   *cloudsync.Uploader
	downloader *cloudsync.Downloader
}

// Environment is the root object a launcher (cmd/ledger) constructs once
// per repository directory.
type Environment struct {
	cfg     Config
	rootDir string

	mesh      *p2psync.Mesh
	deviceSet *cloudsync.DeviceSet
	logger    zerolog.Logger

	openGroup singleflight.Group

	mu          sync.Mutex
	pages       map[types.PageID]*pageEntry
	p2pListener net.Listener
}

// NewEnvironment creates the repository root and staging directories (if
// absent) and constructs the device set watcher (Start begins it), mirroring
// pkg/manager.Manager.NewManager's "ensure data dir, wire subsystems,
// return ready-to-use handle" shape.
func NewEnvironment(cfg Config) (*Environment, error) {
	if cfg.DataDir == "" {
		return nil, ledgererr.New(ledgererr.CodeArgumentError, "data dir is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.MergePolicy == "" {
		cfg.MergePolicy = types.MergeLastOneWins
	}

	root := filepath.Join(cfg.DataDir, serializationVersion)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIoError, "failed to create repository root", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "staging"), 0755); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIoError, "failed to create staging directory", err)
	}

	env := &Environment{
		cfg:     cfg,
		rootDir: root,
		mesh:    p2psync.NewMesh(cfg.Namespace),
		pages:   make(map[types.PageID]*pageEntry),
		logger:  log.WithComponent("ledgermgr"),
	}

	if cfg.DeviceSetClient != nil {
		env.deviceSet = cloudsync.NewDeviceSet(cfg.DeviceSetClient, cfg.DeviceFingerprint)
		env.deviceSet.SetEraseHandler(env)
	}

	// This environment is what gives readiness meaning: it decides which
	// components gate the /ready endpoint rather than health.go holding a
	// fixed list, since a different launcher (e.g. a resolver-only process)
	// may not run storage or cloud sync at all.
	metrics.RequireCritical("objectstore", "commitgraph", "cloudsync")
	metrics.RegisterComponent("objectstore", true, "repository root created")
	metrics.RegisterComponent("commitgraph", true, "repository root created")
	if cfg.CloudClient == nil {
		metrics.RegisterComponent("cloudsync", true, "no cloud client configured")
	} else {
		metrics.RegisterComponent("cloudsync", true, "")
	}

	return env, nil
}

// Start performs the initial cloud-erase check (a NOT_FOUND response here
// is treated identically to a mid-session erase) and, if it passes, starts
// the device set's background poll loop.
func (e *Environment) Start(ctx context.Context) error {
	if e.deviceSet == nil {
		return nil
	}
	if err := e.deviceSet.InitialCheck(ctx); err != nil {
		return err
	}
	e.deviceSet.Start(30 * time.Second)
	return nil
}

// pageDir returns the on-disk directory for a page (base64-url of the page
// id) under the serialization-version root.
func (e *Environment) pageDir(id types.PageID) string {
	return filepath.Join(e.rootDir, pageDirName(id))
}

// OpenPage returns the cached page handle for id, opening it from disk on
// first access. Concurrent OpenPage calls for the same id coalesce onto a
// single pagestore.Open call, so at most one open is ever in flight per id.
func (e *Environment) OpenPage(id types.PageID) (*pagestore.Page, error) {
	e.mu.Lock()
	if entry, ok := e.pages[id]; ok {
		e.mu.Unlock()
		return entry.page, nil
	}
	e.mu.Unlock()

	v, _, err := e.openGroup.Do(id.String(), func() (interface{}, error) {
		return e.openPageLocked(id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*pagestore.Page), nil
}

func (e *Environment) openPageLocked(id types.PageID) (*pagestore.Page, error) {
	e.mu.Lock()
	if entry, ok := e.pages[id]; ok {
		e.mu.Unlock()
		return entry.page, nil
	}
	e.mu.Unlock()

	opts := e.cfg.Options
	if opts.GarbageCollectionPolicy == "" {
		opts = types.DefaultOptions()
	}

	dir := e.pageDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIoError, "failed to create page directory", err)
	}

	page, err := pagestore.Open(dir, id, opts, e.cfg.MergePolicy, e.cfg.ResolverFactory)
	if err != nil {
		return nil, err
	}

	entry := &pageEntry{page: page}
	e.mesh.RegisterPage(id, page.Graph(), page.Store())

	if e.cfg.CloudClient != nil {
		entry.uploader = cloudsync.NewUploader(id, page.Graph(), page.Store(), e.cfg.CloudClient,
			func() bool { return entry.downloader != nil && entry.downloader.Active() },
			func(err error) {
				e.logger.Error().Err(err).Str("page", id.String()).Msg("upload entered permanent error state")
				metrics.UpdateComponent("cloudsync", false, err.Error())
			})
		entry.downloader = cloudsync.NewDownloader(id, page.Graph(), e.cfg.CloudClient, func() {
			if entry.uploader != nil {
				entry.uploader.Notify()
			}
		})
		entry.uploader.Start()
		entry.downloader.Start()
	}

	page.SetLocalCommitHook(func(commit types.Commit) {
		e.mesh.PropagateCommit(id, commit)
		if entry.uploader != nil {
			entry.uploader.Notify()
		}
	})

	e.mu.Lock()
	e.pages[id] = entry
	e.mu.Unlock()

	return page, nil
}

// ClosePage closes and evicts one page from the cache, if open.
func (e *Environment) ClosePage(id types.PageID) error {
	e.mu.Lock()
	entry, ok := e.pages[id]
	if ok {
		delete(e.pages, id)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.closeEntry(id, entry)
}

func (e *Environment) closeEntry(id types.PageID, entry *pageEntry) error {
	e.mesh.UnregisterPage(id)
	if entry.uploader != nil {
		entry.uploader.Stop()
	}
	if entry.downloader != nil {
		entry.downloader.Stop()
	}
	return entry.page.Close()
}

// Mesh exposes the peer mesh directly for callers (tests, or a transport
// wired some other way than ListenP2P) that need lower-level access.
func (e *Environment) Mesh() *p2psync.Mesh { return e.mesh }

// ListenP2P binds addr and accepts peer connections into the mesh for the
// lifetime of the environment; the returned listener is closed by Close.
// Call at most once per environment.
func (e *Environment) ListenP2P(addr string) error {
	ln, err := e.mesh.Listen(addr)
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeNetworkError, "failed to bind p2p listener", err)
	}
	e.mu.Lock()
	e.p2pListener = ln
	e.mu.Unlock()
	return nil
}

// OnCloudErased implements cloudsync.EraseHandler. It closes every open page
// (disconnecting their clients), wipes everything under the
// serialization-version directory (staging lives beside it and survives), and leaves
// the environment in a state where a subsequent OpenPage creates a fresh
// page. The process itself stays up.
func (e *Environment) OnCloudErased() {
	e.logger.Warn().Msg("cloud erase detected, wiping local repository")

	e.mu.Lock()
	pages := e.pages
	e.pages = make(map[types.PageID]*pageEntry)
	e.mu.Unlock()

	for id, entry := range pages {
		if err := e.closeEntry(id, entry); err != nil {
			e.logger.Error().Err(err).Str("page", id.String()).Msg("error closing page during cloud erase")
		}
	}

	if err := os.RemoveAll(e.rootDir); err != nil {
		e.logger.Error().Err(err).Msg("failed to remove repository root during cloud erase")
		return
	}
	if err := os.MkdirAll(e.rootDir, 0755); err != nil {
		e.logger.Error().Err(err).Msg("failed to recreate repository root after cloud erase")
	}
}

// CollectPageStats satisfies pkg/metrics.PageSource.
func (e *Environment) CollectPageStats() []metrics.PageStats {
	e.mu.Lock()
	entries := make(map[types.PageID]*pageEntry, len(e.pages))
	for id, entry := range e.pages {
		entries[id] = entry
	}
	e.mu.Unlock()

	stats := make([]metrics.PageStats, 0, len(entries))
	for id, entry := range entries {
		heads, err := entry.page.HeadCount()
		if err != nil {
			e.logger.Warn().Err(err).Str("page", id.String()).Msg("failed to collect head count")
			continue
		}
		unsynced, err := entry.page.UnsyncedCount()
		if err != nil {
			e.logger.Warn().Err(err).Str("page", id.String()).Msg("failed to collect unsynced commit count")
			continue
		}
		state := ""
		if entry.uploader != nil {
			state = string(entry.uploader.State())
		}
		stats = append(stats, metrics.PageStats{
			PageID:          id.String(),
			Heads:           heads,
			UnsyncedCommits: unsynced,
			UploadState:     state,
		})
	}
	return stats
}

// Close stops every open page, the device set watcher, and the P2P listener
// if ListenP2P was called.
func (e *Environment) Close() error {
	if e.deviceSet != nil {
		e.deviceSet.Stop()
	}
	e.mu.Lock()
	pages := e.pages
	e.pages = make(map[types.PageID]*pageEntry)
	listener := e.p2pListener
	e.p2pListener = nil
	e.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	var firstErr error
	for id, entry := range pages {
		if err := e.closeEntry(id, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

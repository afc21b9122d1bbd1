package ledgermgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/pageledger/ledger/pkg/cloudrpc"
	"github.com/pageledger/ledger/pkg/types"
)

func testPage(b byte) types.PageID {
	var p types.PageID
	p[0] = b
	return p
}

// fakeCloudClient is a minimal in-memory cloudrpc.Client double; only
// AddCommits/GetCommits are exercised by these tests, the rest return OK
// with empty bodies.
type fakeCloudClient struct {
	mu         sync.Mutex
	addCommits int
}

func (f *fakeCloudClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addCommits
}

func (f *fakeCloudClient) AddCommits(ctx context.Context, in *cloudrpc.AddCommitsRequest, opts ...grpc.CallOption) (*cloudrpc.AddCommitsResponse, error) {
	f.mu.Lock()
	f.addCommits++
	f.mu.Unlock()
	return &cloudrpc.AddCommitsResponse{Status: cloudrpc.StatusOK}, nil
}
func (f *fakeCloudClient) GetCommits(ctx context.Context, in *cloudrpc.GetCommitsRequest, opts ...grpc.CallOption) (*cloudrpc.GetCommitsResponse, error) {
	return &cloudrpc.GetCommitsResponse{Status: cloudrpc.StatusOK, NextToken: in.MinPositionToken}, nil
}
func (f *fakeCloudClient) AddObject(ctx context.Context, in *cloudrpc.AddObjectRequest, opts ...grpc.CallOption) (*cloudrpc.AddObjectResponse, error) {
	return &cloudrpc.AddObjectResponse{Status: cloudrpc.StatusOK}, nil
}
func (f *fakeCloudClient) GetObject(ctx context.Context, in *cloudrpc.GetObjectRequest, opts ...grpc.CallOption) (*cloudrpc.GetObjectResponse, error) {
	return &cloudrpc.GetObjectResponse{Status: cloudrpc.StatusNotFound}, nil
}
func (f *fakeCloudClient) SetWatcher(ctx context.Context, in *cloudrpc.SetWatcherRequest, opts ...grpc.CallOption) (*cloudrpc.SetWatcherResponse, error) {
	return &cloudrpc.SetWatcherResponse{Status: cloudrpc.StatusOK}, nil
}
func (f *fakeCloudClient) GetDiff(ctx context.Context, in *cloudrpc.GetDiffRequest, opts ...grpc.CallOption) (*cloudrpc.GetDiffResponse, error) {
	return &cloudrpc.GetDiffResponse{Status: cloudrpc.StatusOK}, nil
}
func (f *fakeCloudClient) UpdateClock(ctx context.Context, in *cloudrpc.UpdateClockRequest, opts ...grpc.CallOption) (*cloudrpc.UpdateClockResponse, error) {
	return &cloudrpc.UpdateClockResponse{Status: cloudrpc.StatusOK}, nil
}

// fakeDeviceSetClient is an in-memory cloudsync.DeviceSetClient double.
type fakeDeviceSetClient struct {
	present map[types.DeviceFingerprint]bool
}

func (f *fakeDeviceSetClient) CheckFingerprint(ctx context.Context, fp types.DeviceFingerprint) (bool, error) {
	return f.present[fp], nil
}
func (f *fakeDeviceSetClient) SetFingerprint(ctx context.Context, fp types.DeviceFingerprint) error {
	if f.present == nil {
		f.present = make(map[types.DeviceFingerprint]bool)
	}
	f.present[fp] = true
	return nil
}

func TestOpenPage_CreatesAndCachesPage(t *testing.T) {
	env, err := NewEnvironment(Config{DataDir: t.TempDir(), Namespace: "ns"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	p1, err := env.OpenPage(testPage(1))
	require.NoError(t, err)
	p2, err := env.OpenPage(testPage(1))
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	require.NoError(t, p1.Put("hello", []byte("world"), types.PriorityEager))
	snap, err := p1.GetSnapshot("")
	require.NoError(t, err)
	defer snap.Release()
	v, err := snap.GetInline("hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), v)
}

func TestOpenPage_CreatesExpectedDirectoryLayout(t *testing.T) {
	dataDir := t.TempDir()
	env, err := NewEnvironment(Config{DataDir: dataDir, Namespace: "ns"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	_, err = env.OpenPage(testPage(7))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dataDir, "staging"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dataDir, serializationVersion, pageDirName(testPage(7)), "objects.db"))
	assert.NoError(t, err)
}

func TestLocalCommitHook_WakesUploader(t *testing.T) {
	client := &fakeCloudClient{}
	env, err := NewEnvironment(Config{DataDir: t.TempDir(), Namespace: "ns", CloudClient: client})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	page, err := env.OpenPage(testPage(1))
	require.NoError(t, err)
	require.NoError(t, page.Put("k", []byte("v"), types.PriorityEager))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.calls() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("uploader never called AddCommits after a local commit")
}

func TestOnCloudErased_WipesRepositoryAndClosesPages(t *testing.T) {
	dataDir := t.TempDir()
	env, err := NewEnvironment(Config{DataDir: dataDir, Namespace: "ns"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	page, err := env.OpenPage(testPage(1))
	require.NoError(t, err)
	require.NoError(t, page.Put("k", []byte("v"), types.PriorityEager))

	env.OnCloudErased()

	entries, err := os.ReadDir(filepath.Join(dataDir, serializationVersion))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = os.Stat(filepath.Join(dataDir, "staging"))
	assert.NoError(t, err, "staging directory must survive a cloud erase")

	// A subsequent open must succeed and start from a fresh page.
	fresh, err := env.OpenPage(testPage(1))
	require.NoError(t, err)
	snap, err := fresh.GetSnapshot("")
	require.NoError(t, err)
	defer snap.Release()
	_, err = snap.GetInline("k")
	require.Error(t, err)
}

func TestCollectPageStats_ReportsOpenPages(t *testing.T) {
	env, err := NewEnvironment(Config{DataDir: t.TempDir(), Namespace: "ns"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	page, err := env.OpenPage(testPage(3))
	require.NoError(t, err)
	require.NoError(t, page.Put("k", []byte("v"), types.PriorityEager))

	stats := env.CollectPageStats()
	require.Len(t, stats, 1)
	assert.Equal(t, testPage(3).String(), stats[0].PageID)
	assert.Equal(t, 1, stats[0].Heads)
}

func TestDeviceSetInitialCheck_RegistersFingerprintAndDetectsErase(t *testing.T) {
	client := &fakeDeviceSetClient{}
	env, err := NewEnvironment(Config{
		DataDir:           t.TempDir(),
		Namespace:         "ns",
		DeviceFingerprint: "device-a",
		DeviceSetClient:   client,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	require.NoError(t, env.Start(context.Background()))
	assert.True(t, client.present["device-a"])

	_, err = env.OpenPage(testPage(1))
	require.NoError(t, err)

	delete(client.present, "device-a")
	require.NoError(t, env.deviceSet.Poll(context.Background()))

	dataDir := env.cfg.DataDir
	entries, err := os.ReadDir(filepath.Join(dataDir, serializationVersion))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

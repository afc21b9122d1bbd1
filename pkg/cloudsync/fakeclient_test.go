package cloudsync

import (
	"context"
	"sync"

	"google.golang.org/grpc"

	"github.com/pageledger/ledger/pkg/cloudrpc"
)

// fakeClient is an in-memory cloudrpc.Client double used across this
// package's tests, standing in for a real grpc transport.
type fakeClient struct {
	mu sync.Mutex

	commits      []cloudrpc.WireCommit
	addErr       error
	rejectStatus cloudrpc.Status

	clockEntries []cloudrpc.ClockEntryWire

	addCommitsCalls int
	getCommitsCalls int
}

func (f *fakeClient) AddCommits(ctx context.Context, in *cloudrpc.AddCommitsRequest, opts ...grpc.CallOption) (*cloudrpc.AddCommitsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCommitsCalls++
	if f.addErr != nil {
		return nil, f.addErr
	}
	if f.rejectStatus != "" && f.rejectStatus != cloudrpc.StatusOK {
		return &cloudrpc.AddCommitsResponse{Status: f.rejectStatus, Message: "rejected"}, nil
	}
	f.commits = append(f.commits, in.Commits...)
	return &cloudrpc.AddCommitsResponse{Status: cloudrpc.StatusOK}, nil
}

func (f *fakeClient) GetCommits(ctx context.Context, in *cloudrpc.GetCommitsRequest, opts ...grpc.CallOption) (*cloudrpc.GetCommitsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCommitsCalls++
	if f.addErr != nil {
		return nil, f.addErr
	}
	start := 0
	if in.MinPositionToken != "" {
		for i, c := range f.commits {
			if c.ID.String() == in.MinPositionToken {
				start = i + 1
				break
			}
		}
	}
	var out []cloudrpc.WireCommit
	if start < len(f.commits) {
		out = append(out, f.commits[start:]...)
	}
	next := in.MinPositionToken
	if len(out) > 0 {
		next = out[len(out)-1].ID.String()
	}
	return &cloudrpc.GetCommitsResponse{Status: cloudrpc.StatusOK, Commits: out, NextToken: next}, nil
}

func (f *fakeClient) AddObject(ctx context.Context, in *cloudrpc.AddObjectRequest, opts ...grpc.CallOption) (*cloudrpc.AddObjectResponse, error) {
	return &cloudrpc.AddObjectResponse{Status: cloudrpc.StatusOK}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, in *cloudrpc.GetObjectRequest, opts ...grpc.CallOption) (*cloudrpc.GetObjectResponse, error) {
	return &cloudrpc.GetObjectResponse{Status: cloudrpc.StatusNotFound}, nil
}

func (f *fakeClient) SetWatcher(ctx context.Context, in *cloudrpc.SetWatcherRequest, opts ...grpc.CallOption) (*cloudrpc.SetWatcherResponse, error) {
	return &cloudrpc.SetWatcherResponse{Status: cloudrpc.StatusOK}, nil
}

func (f *fakeClient) GetDiff(ctx context.Context, in *cloudrpc.GetDiffRequest, opts ...grpc.CallOption) (*cloudrpc.GetDiffResponse, error) {
	return &cloudrpc.GetDiffResponse{Status: cloudrpc.StatusOK}, nil
}

func (f *fakeClient) UpdateClock(ctx context.Context, in *cloudrpc.UpdateClockRequest, opts ...grpc.CallOption) (*cloudrpc.UpdateClockResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := append([]cloudrpc.ClockEntryWire{}, f.clockEntries...)
	merged = append(merged, in.Entries...)
	return &cloudrpc.UpdateClockResponse{Status: cloudrpc.StatusOK, Entries: merged}, nil
}

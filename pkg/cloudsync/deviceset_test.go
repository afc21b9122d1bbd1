package cloudsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageledger/ledger/pkg/types"
)

type fakeDeviceSetClient struct {
	present    map[types.DeviceFingerprint]bool
	setCalls   int
}

func (f *fakeDeviceSetClient) CheckFingerprint(ctx context.Context, fp types.DeviceFingerprint) (bool, error) {
	return f.present[fp], nil
}

func (f *fakeDeviceSetClient) SetFingerprint(ctx context.Context, fp types.DeviceFingerprint) error {
	f.setCalls++
	f.present[fp] = true
	return nil
}

type fakeEraseHandler struct{ erased bool }

func (h *fakeEraseHandler) OnCloudErased() { h.erased = true }

func TestDeviceSet_InitialCheckUnknownFingerprintErasesThenRegisters(t *testing.T) {
	client := &fakeDeviceSetClient{present: map[types.DeviceFingerprint]bool{}}
	ds := NewDeviceSet(client, "device-1")
	handler := &fakeEraseHandler{}
	ds.SetEraseHandler(handler)

	require.NoError(t, ds.InitialCheck(context.Background()))
	assert.True(t, handler.erased, "NOT_FOUND at initial check must be treated identically to a mid-session cloud erase")
	assert.Equal(t, 1, client.setCalls)
	assert.True(t, client.present["device-1"])
}

func TestDeviceSet_PollDetectsCloudErase(t *testing.T) {
	client := &fakeDeviceSetClient{present: map[types.DeviceFingerprint]bool{"device-1": true}}
	ds := NewDeviceSet(client, "device-1")
	handler := &fakeEraseHandler{}
	ds.SetEraseHandler(handler)

	require.NoError(t, ds.InitialCheck(context.Background()))
	assert.False(t, handler.erased)

	delete(client.present, "device-1")
	require.NoError(t, ds.Poll(context.Background()))
	assert.True(t, handler.erased)
}

func TestDeviceSet_PollBeforeInitialCheckDoesNotFireErase(t *testing.T) {
	client := &fakeDeviceSetClient{present: map[types.DeviceFingerprint]bool{}}
	ds := NewDeviceSet(client, "device-1")
	handler := &fakeEraseHandler{}
	ds.SetEraseHandler(handler)

	require.NoError(t, ds.Poll(context.Background()))
	assert.False(t, handler.erased)
}

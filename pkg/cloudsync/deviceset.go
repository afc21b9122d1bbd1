package cloudsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pageledger/ledger/pkg/log"
	"github.com/pageledger/ledger/pkg/types"
)

// DeviceSetClient is the narrow surface DeviceSet needs from the cloud
// device registry: check_fingerprint and set_fingerprint. It is a small
// local interface rather than the full cloudrpc.Client so tests can fake
// it without standing up a grpc server.
type DeviceSetClient interface {
	CheckFingerprint(ctx context.Context, fp types.DeviceFingerprint) (bool, error)
	SetFingerprint(ctx context.Context, fp types.DeviceFingerprint) error
}

// EraseHandler is notified once this device observes that the cloud side
// no longer recognizes its fingerprint: the cloud repository was erased and
// this device must wipe its local mirror. The process stays up; it wipes
// everything under the repository directory except staging, and
// disconnects existing clients so they re-open against the fresh state.
type EraseHandler interface {
	OnCloudErased()
}

// DeviceSet tracks one device's membership in a page's cloud device
// registry and drives the NOT_FOUND-means-erased transition.
type DeviceSet struct {
	client      DeviceSetClient
	fingerprint types.DeviceFingerprint
	logger      zerolog.Logger

	mu           sync.Mutex
	checkedOnce  bool
	eraseHandler EraseHandler
	stopCh       chan struct{}
}

func NewDeviceSet(client DeviceSetClient, fingerprint types.DeviceFingerprint) *DeviceSet {
	return &DeviceSet{
		client:      client,
		fingerprint: fingerprint,
		logger:      log.WithComponent("deviceset"),
		stopCh:      make(chan struct{}),
	}
}

func (d *DeviceSet) SetEraseHandler(h EraseHandler) {
	d.mu.Lock()
	d.eraseHandler = h
	d.mu.Unlock()
}

// InitialCheck registers this device's fingerprint on first use. A NOT_FOUND
// result here carries the same meaning as one observed later by Poll: the
// cloud side doesn't recognize this device, because the repository was
// erased before this device got a chance to register (or while it was
// offline). Either way the local mirror must be wiped and callers
// disconnected before this device re-registers and moves on.
func (d *DeviceSet) InitialCheck(ctx context.Context) error {
	present, err := d.client.CheckFingerprint(ctx, d.fingerprint)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.checkedOnce = true
	handler := d.eraseHandler
	d.mu.Unlock()
	if !present {
		if handler != nil {
			handler.OnCloudErased()
		}
		return d.client.SetFingerprint(ctx, d.fingerprint)
	}
	return nil
}

// Poll re-checks fingerprint presence; called periodically by the owning
// ledger manager. Once InitialCheck has succeeded, a later absence means
// the cloud side erased this device's repository.
func (d *DeviceSet) Poll(ctx context.Context) error {
	present, err := d.client.CheckFingerprint(ctx, d.fingerprint)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	d.mu.Lock()
	checked := d.checkedOnce
	handler := d.eraseHandler
	d.mu.Unlock()
	if !checked {
		return nil
	}
	if handler != nil {
		handler.OnCloudErased()
	}
	return nil
}

// Start runs Poll on a fixed interval until Stop.
func (d *DeviceSet) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := d.Poll(ctx); err != nil {
					d.logger.Warn().Err(err).Msg("device set poll failed")
				}
				cancel()
			case <-d.stopCh:
				return
			}
		}
	}()
}

func (d *DeviceSet) Stop() { close(d.stopCh) }

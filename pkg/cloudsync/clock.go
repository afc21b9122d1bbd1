package cloudsync

import (
	"context"

	"github.com/pageledger/ledger/pkg/cloudrpc"
	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/types"
)

// EncodeClock flattens a Clock into its wire representation.
func EncodeClock(clock types.Clock) []cloudrpc.ClockEntryWire {
	out := make([]cloudrpc.ClockEntryWire, 0, len(clock))
	for device, entry := range clock {
		out = append(out, cloudrpc.ClockEntryWire{
			Device:     device,
			Kind:       entry.Kind,
			Head:       entry.Head,
			Generation: entry.Generation,
		})
	}
	return out
}

// DecodeClock rebuilds a Clock from its wire representation, rejecting any
// entry with a missing device fingerprint or an unrecognized kind as a
// DataIntegrityError rather than silently coercing a malformed payload.
func DecodeClock(wire []cloudrpc.ClockEntryWire) (types.Clock, error) {
	clock := make(types.Clock, len(wire))
	for _, w := range wire {
		if w.Device == "" {
			return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "clock entry missing device fingerprint")
		}
		switch w.Kind {
		case types.ClockLive, types.ClockTombstone, types.ClockDeletion:
		default:
			return nil, ledgererr.New(ledgererr.CodeDataIntegrityError, "clock entry has unrecognized kind: "+string(w.Kind))
		}
		clock[w.Device] = types.ClockEntry{Kind: w.Kind, Head: w.Head, Generation: w.Generation}
	}
	return clock, nil
}

// PushClock exchanges this device's view of the clock with the cloud's,
// returning the cloud's merged result. UpdateClock is a single round trip
// that both advertises and refreshes clock state.
func PushClock(ctx context.Context, client cloudrpc.Client, page types.PageID, local types.Clock) (types.Clock, error) {
	resp, err := client.UpdateClock(ctx, &cloudrpc.UpdateClockRequest{
		PageID:  page,
		Entries: EncodeClock(local),
	})
	if err != nil {
		return nil, ledgererr.Wrap(cloudrpc.MapTransportError(err), "update_clock transport failure", err)
	}
	if resp.Status != cloudrpc.StatusOK {
		return nil, ledgererr.New(cloudrpc.MapStatus(resp.Status), "update_clock rejected: "+resp.Message)
	}
	return DecodeClock(resp.Entries)
}

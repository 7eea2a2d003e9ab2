package ble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ble/ble"
	"github.com/rs/zerolog/log"
)

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
	return ble.WithSigHandler(ctx, cancel)
}

// Perform an active or passive scan and return every advertisement found.
func (h *Handle) ScanAll(ctx context.Context, onDevice func(Advertisement)) error {
	err := h.dev.Scan(ctx, true, onDevice)

	if err != nil {
		return fmt.Errorf("failed to initiate scan: %w", err)
	}

	return nil
}

// ScanForDevice scans until an advertisement from the given address is
// accepted by the handler (which returns true to stop) or the context
// expires. Advertisements from other devices are ignored.
func (h *Handle) ScanForDevice(
	parentCtx context.Context,
	addr net.HardwareAddr,
	onAdvertisement func(Advertisement) bool,
) error {
	want := strings.ToLower(addr.String())

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	// advertisements are delivered on the HCI goroutine; hand them to a
	// single consumer so the handler never runs concurrently with itself.
	ch := make(chan ble.Advertisement, 10)

	go func() {
		for {
			select {
			case a := <-ch:
				if a == nil {
					return
				}

				if onAdvertisement(a) {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	callback := func(a Advertisement) {
		if strings.ToLower(a.Addr().String()) != want {
			return
		}

		// the BLE lib could send an advertisement even after `Scan()` returns. do not
		// waste time enqueueing data if we're done.
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Trace().
			Str("Advertisement", fmt.Sprintf("%+v", a)).
			Msg("ble: received advertisement from watched device, enqueueing")

		select {
		case ch <- a:
		default:
		}
	}

	err := h.dev.Scan(ctx, false, callback)

	// swallow context.Canceled errors which are caused by our explicit cancellations.
	if errors.Is(err, context.Canceled) && parentCtx.Err() == nil {
		err = nil
	}

	return err
}

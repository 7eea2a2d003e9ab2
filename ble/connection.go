package ble

import (
	"context"
	"net"
	"strings"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galcon_bridge_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galcon_bridge_ble_failed_connections_total",
	})
	scanAssistedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galcon_bridge_ble_scan_assisted_connections_total",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galcon_bridge_ble_disconnections_total",
	})
)

// Dial opens a direct connection to the given address. The valve controller
// sleeps between interactions, so callers are expected to pass a context with
// a generous deadline.
func (h *Handle) Dial(ctx context.Context, addr net.HardwareAddr) (Client, error) {
	c, err := ble.Dial(ctx, addr)

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, err
	}

	successfulConnectionsCounter.Inc()
	log.Trace().Stringer("Addr", addr).Msg("ble: opened direct connection to device")

	return c, nil
}

// DialAdvertised waits for an advertisement from the given address and
// connects as soon as one is seen. Sleepy peripherals answer a connection
// request much more reliably right after advertising, so this is the
// preferred path when the device is known to be actively advertising.
func (h *Handle) DialAdvertised(ctx context.Context, addr net.HardwareAddr) (Client, error) {
	want := strings.ToLower(addr.String())

	c, err := ble.Connect(ctx, func(a ble.Advertisement) bool {
		return strings.ToLower(a.Addr().String()) == want
	})

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, err
	}

	successfulConnectionsCounter.Inc()
	scanAssistedConnectionsCounter.Inc()
	log.Trace().Stringer("Addr", addr).Msg("ble: opened scan-assisted connection to device")

	return c, nil
}

// Releaser is the teardown half of a connection.
type Releaser interface {
	CancelConnection() error
}

// Release tears down a connection and accounts for it. Safe on an already
// broken link: CancelConnection on a dead client is a no-op error we ignore.
func Release(c Releaser) {
	if c == nil {
		return
	}

	disconnectsCounter.Inc()

	if err := c.CancelConnection(); err != nil {
		log.Trace().Err(err).Msg("ble: disconnect returned an error (link likely already down)")
	}
}

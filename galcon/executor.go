package galcon

import (
  "context"
  "fmt"
  "net"
  "time"

  pkgerrors "github.com/pkg/errors"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog/log"

  "github.com/vgreco/go-galcon-bridge/ble"
)

const (
  // MaxRetries is how many connect-and-run attempts a single operation gets.
  MaxRetries = 3
  // ConnectTimeout has to be generous: a sleeping 9001BT can take tens of
  // seconds to accept a connection request.
  ConnectTimeout = 30 * time.Second
  // BackoffStep is multiplied by the attempt number between attempts.
  BackoffStep = 2 * time.Second
)

var (
  attemptCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "galcon_bridge_operation_attempts_total",
  })
  exhaustedCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "galcon_bridge_operation_retries_exhausted_total",
  })
)

// RegisterMetrics registers the device operation counters.
func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(attemptCounter, exhaustedCounter)
}

// ErrTransport marks transient transport-level failures (connect errors,
// timeouts, GATT I/O errors). The executor retries these; anything else
// propagates immediately.
var ErrTransport = pkgerrors.New("transient transport failure")

// ConnectionError is returned once every attempt of an operation has failed.
type ConnectionError struct {
  Addr     net.HardwareAddr
  Attempts int
  Cause    error
}

func (e *ConnectionError) Error() string {
  return fmt.Sprintf("failed to communicate with valve controller %v after %d attempts: %v",
    e.Addr, e.Attempts, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
  return e.Cause
}

// Conn is the subset of a BLE client the driver needs. Satisfied by
// ble.Client; tests substitute fakes.
type Conn interface {
  DiscoverProfile(force bool) (*ble.Profile, error)
  ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
  WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
  CancelConnection() error
  Disconnected() <-chan struct{}
}

// Connector opens a connection to the controller. `hinted` is true when the
// scanner has observed an advertisement from the device, in which case the
// scan-assisted path is the more reliable one.
type Connector interface {
  Connect(ctx context.Context, addr net.HardwareAddr, hinted bool) (Conn, error)
}

type bleConnector struct {
  handle *ble.Handle
}

func (c bleConnector) Connect(ctx context.Context, addr net.HardwareAddr, hinted bool) (Conn, error) {
  if hinted {
    return c.handle.DialAdvertised(ctx, addr)
  }

  return c.handle.Dial(ctx, addr)
}

// NewConnector adapts a BLE adapter handle into a Connector.
func NewConnector(h *ble.Handle) Connector {
  return bleConnector{handle: h}
}

// execute runs op against a live connection, retrying the whole
// connect-and-run cycle on transient failures. The connection is released on
// every exit path of every attempt. Retrying the full operation, not just the
// failed GATT call, is deliberate: reconnecting resets the peripheral state
// most reliably after a mid-exchange drop.
func (d *Device) execute(ctx context.Context, op func(Conn) error) error {
  var lastErr error

  for attempt := 1; attempt <= d.timing.MaxRetries; attempt++ {
    attemptCounter.Inc()

    err := d.runAttempt(ctx, op)

    if err == nil {
      return nil
    }

    if !pkgerrors.Is(err, ErrTransport) {
      return err
    }

    lastErr = err

    log.Debug().
      Int("Attempt", attempt).
      Int("MaxRetries", d.timing.MaxRetries).
      Stringer("Addr", d.addr).
      Err(err).
      Msg("galcon: attempt failed")

    if attempt < d.timing.MaxRetries {
      // linear backoff, giving the device time to wake
      backoff := time.Duration(attempt) * d.timing.BackoffStep

      select {
      case <-ctx.Done():
        return ctx.Err()
      case <-time.After(backoff):
      }
    }
  }

  exhaustedCounter.Inc()

  return &ConnectionError{
    Addr:     d.addr,
    Attempts: d.timing.MaxRetries,
    Cause:    lastErr,
  }
}

func (d *Device) runAttempt(ctx context.Context, op func(Conn) error) error {
  dialCtx, cancel := context.WithTimeout(ctx, d.timing.ConnectTimeout)
  conn, err := d.connector.Connect(dialCtx, d.addr, d.hinted())
  cancel()

  if err != nil {
    return pkgerrors.Wrapf(ErrTransport, "failed to connect to %v: %v", d.addr, err)
  }

  defer ble.Release(conn)

  // a connect can "succeed" right as the supervision timeout fires; make
  // sure the link is still up before spending protocol time on it.
  select {
  case <-conn.Disconnected():
    return pkgerrors.Wrapf(ErrTransport, "connection to %v dropped before first exchange", d.addr)
  default:
  }

  return op(conn)
}

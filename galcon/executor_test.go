package galcon

import (
  "context"
  "errors"
  "net"
  "testing"
  "time"

  pkgerrors "github.com/pkg/errors"

  "github.com/vgreco/go-galcon-bridge/ble"
)

type fakeConnector struct {
  conn     Conn
  errs     []error
  attempts int
  hinted   []bool
}

func (f *fakeConnector) Connect(ctx context.Context, addr net.HardwareAddr, hinted bool) (Conn, error) {
  f.attempts += 1
  f.hinted = append(f.hinted, hinted)

  if len(f.errs) >= f.attempts {
    if err := f.errs[f.attempts-1]; err != nil {
      return nil, err
    }
  }

  return f.conn, nil
}

type nopConn struct {
  disconnected chan struct{}
}

func newNopConn() *nopConn {
  return &nopConn{disconnected: make(chan struct{})}
}

func (c *nopConn) DiscoverProfile(force bool) (*ble.Profile, error) {
  return &ble.Profile{}, nil
}

func (c *nopConn) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
  return nil, errors.New("not implemented")
}

func (c *nopConn) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
  return errors.New("not implemented")
}

func (c *nopConn) CancelConnection() error {
  return nil
}

func (c *nopConn) Disconnected() <-chan struct{} {
  return c.disconnected
}

func fastTiming() Timing {
  t := DefaultTiming()
  t.ConnectTimeout = 100 * time.Millisecond
  t.BackoffStep = time.Millisecond
  t.WakeSettleDelay = 0
  t.PostCommandDelay = 0
  t.ReWakeSettleDelay = 0
  t.VerifyRetryDelay = 0
  return t
}

func testDevice(t *testing.T, connector Connector, timing Timing) *Device {
  t.Helper()

  d, err := NewDeviceWithTiming("valve", "AA:BB:CC:DD:EE:FF", connector, timing)

  if err != nil {
    t.Fatalf("NewDeviceWithTiming: %v", err)
  }

  return d
}

func TestExecute_ExhaustsRetries(t *testing.T) {
  boom := errors.New("connect refused")
  connector := &fakeConnector{errs: []error{boom, boom, boom}}
  d := testDevice(t, connector, fastTiming())

  err := d.execute(context.Background(), func(c Conn) error {
    t.Fatal("op must not run without a connection")
    return nil
  })

  var connErr *ConnectionError

  if !errors.As(err, &connErr) {
    t.Fatalf("execute: got %v, wanted *ConnectionError", err)
  }

  if connErr.Attempts != MaxRetries {
    t.Fatalf("ConnectionError.Attempts = %d, wanted %d", connErr.Attempts, MaxRetries)
  }

  if connector.attempts != MaxRetries {
    t.Fatalf("connect attempts = %d, wanted %d", connector.attempts, MaxRetries)
  }
}

func TestExecute_RecoversOnSecondAttempt(t *testing.T) {
  timing := fastTiming()
  timing.BackoffStep = 30 * time.Millisecond

  connector := &fakeConnector{
    conn: newNopConn(),
    errs: []error{errors.New("device asleep"), nil},
  }
  d := testDevice(t, connector, timing)

  start := time.Now()
  ran := 0

  err := d.execute(context.Background(), func(c Conn) error {
    ran += 1
    return nil
  })

  if err != nil {
    t.Fatalf("execute: %v", err)
  }

  if connector.attempts != 2 {
    t.Fatalf("connect attempts = %d, wanted 2", connector.attempts)
  }

  if ran != 1 {
    t.Fatalf("op ran %d times, wanted 1", ran)
  }

  // one backoff sleep of 1 * BackoffStep between attempt 1 and 2
  if elapsed := time.Since(start); elapsed < timing.BackoffStep {
    t.Fatalf("elapsed %v, wanted at least one backoff of %v", elapsed, timing.BackoffStep)
  }
}

func TestExecute_NonTransientErrorPropagatesImmediately(t *testing.T) {
  connector := &fakeConnector{conn: newNopConn()}
  d := testDevice(t, connector, fastTiming())

  boom := errors.New("not a transport problem")

  err := d.execute(context.Background(), func(c Conn) error {
    return boom
  })

  if !errors.Is(err, boom) {
    t.Fatalf("execute: got %v, wanted %v", err, boom)
  }

  if connector.attempts != 1 {
    t.Fatalf("connect attempts = %d, wanted 1 (no retry on non-transient errors)", connector.attempts)
  }
}

func TestExecute_TransientOpErrorIsRetried(t *testing.T) {
  connector := &fakeConnector{conn: newNopConn()}
  d := testDevice(t, connector, fastTiming())

  ran := 0

  err := d.execute(context.Background(), func(c Conn) error {
    ran += 1

    if ran == 1 {
      return pkgerrors.Wrap(ErrTransport, "link dropped mid-exchange")
    }

    return nil
  })

  if err != nil {
    t.Fatalf("execute: %v", err)
  }

  if ran != 2 {
    t.Fatalf("op ran %d times, wanted 2", ran)
  }
}

func TestExecute_UsesScanAssistedPathAfterHint(t *testing.T) {
  connector := &fakeConnector{conn: newNopConn()}
  d := testDevice(t, connector, fastTiming())

  if err := d.execute(context.Background(), func(c Conn) error { return nil }); err != nil {
    t.Fatalf("execute: %v", err)
  }

  d.SetAdvertisementHint(time.Now())

  if err := d.execute(context.Background(), func(c Conn) error { return nil }); err != nil {
    t.Fatalf("execute: %v", err)
  }

  if connector.hinted[0] || !connector.hinted[1] {
    t.Fatalf("hinted flags = %v, wanted [false true]", connector.hinted)
  }
}

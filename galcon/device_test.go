package galcon

import (
  "context"
  "errors"
  "net"
  "sync"
  "sync/atomic"
  "testing"

  ble_mod "github.com/go-ble/ble"
)

func galconProfile() *ble_mod.Profile {
  return &ble_mod.Profile{
    Services: []*ble_mod.Service{
      {
        UUID: ble_mod.MustParse("e8680100-9c4b-11e4-b5f7-0002a5d5c51b"),
        Characteristics: []*ble_mod.Characteristic{
          {UUID: uuidWake},
          {UUID: uuidStatus},
          {UUID: uuidControl},
          {UUID: uuidPin},
        },
      },
    },
  }
}

// fakeConn emulates a connected 9001BT. Status reads consume statusReads one
// by one; the last entry is sticky.
type fakeConn struct {
  statusReads   [][]byte
  readIdx       int
  readErr       error
  wakeWrites    int
  controlWrites [][]byte
  wakeErr       error
  disconnected  chan struct{}
}

func newFakeConn(statusReads ...[]byte) *fakeConn {
  return &fakeConn{
    statusReads:  statusReads,
    disconnected: make(chan struct{}),
  }
}

func (f *fakeConn) DiscoverProfile(force bool) (*ble_mod.Profile, error) {
  return galconProfile(), nil
}

func (f *fakeConn) ReadCharacteristic(c *ble_mod.Characteristic) ([]byte, error) {
  if !c.UUID.Equal(uuidStatus) {
    return nil, errors.New("read from unexpected characteristic")
  }

  if f.readErr != nil {
    return nil, f.readErr
  }

  if len(f.statusReads) == 0 {
    return nil, errors.New("no status data queued")
  }

  data := f.statusReads[f.readIdx]

  if f.readIdx < len(f.statusReads)-1 {
    f.readIdx += 1
  }

  return data, nil
}

func (f *fakeConn) WriteCharacteristic(c *ble_mod.Characteristic, value []byte, noRsp bool) error {
  switch {
  case c.UUID.Equal(uuidWake):
    if f.wakeErr != nil {
      return f.wakeErr
    }

    f.wakeWrites += 1
  case c.UUID.Equal(uuidControl):
    f.controlWrites = append(f.controlWrites, value)
  default:
    return errors.New("write to unexpected characteristic")
  }

  return nil
}

func (f *fakeConn) CancelConnection() error {
  return nil
}

func (f *fakeConn) Disconnected() <-chan struct{} {
  return f.disconnected
}

var (
  statusClosed  = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x5f}
  statusOpen20m = []byte{0x01, 0x01, 0x00, 0x14, 0x00, 0x5f}
)

func TestGetStatus_WakesBeforeReading(t *testing.T) {
  conn := newFakeConn(statusOpen20m)
  d := testDevice(t, &fakeConnector{conn: conn}, fastTiming())

  st, err := d.GetStatus(context.Background())

  if err != nil {
    t.Fatalf("GetStatus: %v", err)
  }

  if conn.wakeWrites != 1 {
    t.Fatalf("wake writes = %d, wanted 1", conn.wakeWrites)
  }

  if !st.ValveOpen || st.MinutesRemaining != 20 {
    t.Fatalf("GetStatus: got %v, wanted open with 20 minutes remaining", st)
  }
}

func TestOpenValve_ConfirmedAfterSingleVerifyCycle(t *testing.T) {
  // closed on the pre-command read, open on the verify read
  conn := newFakeConn(statusClosed, statusOpen20m)
  d := testDevice(t, &fakeConnector{conn: conn}, fastTiming())

  st, err := d.OpenValve(context.Background(), 0, 20, 0)

  if err != nil {
    t.Fatalf("OpenValve: %v", err)
  }

  if st == nil {
    t.Fatal("OpenValve: got unconfirmed result, wanted a confirmed status")
  }

  if !st.ValveOpen {
    t.Fatalf("OpenValve: confirmed status reports closed: %v", st)
  }

  if len(conn.controlWrites) != 1 {
    t.Fatalf("control writes = %d, wanted exactly 1", len(conn.controlWrites))
  }

  want := []byte{0x00, 0x03, 0x00, 0x00, 0x14, 0x00, 0x00}

  for i, b := range want {
    if conn.controlWrites[0][i] != b {
      t.Fatalf("control payload = %x, wanted %x", conn.controlWrites[0], want)
    }
  }
}

func TestOpenValve_ZeroDurationUsesSimpleOpenCommand(t *testing.T) {
  conn := newFakeConn(statusClosed, statusOpen20m)
  d := testDevice(t, &fakeConnector{conn: conn}, fastTiming())

  if _, err := d.OpenValve(context.Background(), 0, 0, 0); err != nil {
    t.Fatalf("OpenValve: %v", err)
  }

  got := conn.controlWrites[0]

  if got[0] != 0x00 || got[1] != 0x01 {
    t.Fatalf("control payload = %x, wanted the fixed open command", got)
  }
}

func TestOpenValve_AlreadyOpenSkipsCommand(t *testing.T) {
  conn := newFakeConn(statusOpen20m)
  d := testDevice(t, &fakeConnector{conn: conn}, fastTiming())

  st, err := d.OpenValve(context.Background(), 0, 45, 0)

  if err != nil {
    t.Fatalf("OpenValve: %v", err)
  }

  if st == nil || !st.ValveOpen {
    t.Fatalf("OpenValve: got %v, wanted the pre-existing open status", st)
  }

  if len(conn.controlWrites) != 0 {
    t.Fatalf("control writes = %d, wanted 0 (idempotent short-circuit)", len(conn.controlWrites))
  }
}

func TestCloseValve_UnconfirmedAfterVerifyBudget(t *testing.T) {
  // the device keeps reporting open no matter what we write
  conn := newFakeConn(statusOpen20m)
  d := testDevice(t, &fakeConnector{conn: conn}, fastTiming())

  st, err := d.CloseValve(context.Background())

  if err != nil {
    t.Fatalf("CloseValve: got error %v, unconfirmed must not be an error", err)
  }

  if st != nil {
    t.Fatalf("CloseValve: got %v, wanted unconfirmed (nil)", st)
  }

  if len(conn.controlWrites) != CommandVerifyAttempts {
    t.Fatalf("control writes = %d, wanted %d", len(conn.controlWrites), CommandVerifyAttempts)
  }
}

func TestCloseValve_ReWakeFailureIsSwallowed(t *testing.T) {
  conn := newFakeConn(statusOpen20m, statusClosed)
  d := testDevice(t, &fakeConnector{conn: conn}, fastTiming())

  // fail every wake write after the first: the initial wake must succeed,
  // the re-wake between write and verify read is best effort.
  first := true
  wrapped := &wakeFailingConn{fakeConn: conn, allowWake: func() bool {
    ok := first
    first = false
    return ok
  }}

  st, err := d.executeCommand(context.Background(), wrapped, cmdCloseValve, false)

  if err != nil {
    t.Fatalf("verified command: %v", err)
  }

  if st == nil || st.ValveOpen {
    t.Fatalf("verified command: got %v, wanted confirmed closed status", st)
  }
}

type wakeFailingConn struct {
  *fakeConn
  allowWake func() bool
}

func (w *wakeFailingConn) WriteCharacteristic(c *ble_mod.Characteristic, value []byte, noRsp bool) error {
  if c.UUID.Equal(uuidWake) && !w.allowWake() {
    return errors.New("write timed out")
  }

  return w.fakeConn.WriteCharacteristic(c, value, noRsp)
}

// executeCommand exposes the verify loop against a pre-established fake
// connection, bypassing the executor.
func (d *Device) executeCommand(ctx context.Context, c Conn, payload []byte, expectOpen bool) (*Status, error) {
  chars, err := discoverCharacteristics(c)

  if err != nil {
    return nil, err
  }

  return d.verifiedCommand(c, chars, payload, expectOpen)
}

func TestDeviceOperations_NeverInterleave(t *testing.T) {
  var active int32

  conn := newFakeConn(statusOpen20m)
  connector := &guardedConnector{conn: conn, active: &active, t: t}
  d := testDevice(t, connector, fastTiming())

  var wg sync.WaitGroup

  for i := 0; i < 4; i += 1 {
    wg.Add(1)

    go func() {
      defer wg.Done()

      if _, err := d.GetStatus(context.Background()); err != nil {
        t.Errorf("GetStatus: %v", err)
      }
    }()
  }

  wg.Wait()
}

type guardedConnector struct {
  conn   *fakeConn
  active *int32
  t      *testing.T
}

func (g *guardedConnector) Connect(ctx context.Context, addr net.HardwareAddr, hinted bool) (Conn, error) {
  if atomic.AddInt32(g.active, 1) > 1 {
    g.t.Error("second operation started before the first released the device")
  }

  return &guardedConn{fakeConn: g.conn, active: g.active}, nil
}

type guardedConn struct {
  *fakeConn
  active *int32
}

func (g *guardedConn) CancelConnection() error {
  atomic.AddInt32(g.active, -1)
  return g.fakeConn.CancelConnection()
}

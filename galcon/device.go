package galcon

import (
  "context"
  "fmt"
  "net"
  "strings"
  "sync"
  "time"

  pkgerrors "github.com/pkg/errors"
  "github.com/rs/zerolog/log"

  "github.com/vgreco/go-galcon-bridge/ble"
)

// Characteristic UUIDs of the Galcon 9001BT. The PIN characteristic exists on
// the device but pairing is handled out of band, so it is never written here.
var (
  uuidWake    = ble.MustParseUUID("e8680201-9c4b-11e4-b5f7-0002a5d5c51b")
  uuidStatus  = ble.MustParseUUID("e8680102-9c4b-11e4-b5f7-0002a5d5c51b")
  uuidControl = ble.MustParseUUID("e8680103-9c4b-11e4-b5f7-0002a5d5c51b")
  uuidPin     = ble.MustParseUUID("e8680401-9c4b-11e4-b5f7-0002a5d5c51b")
)

// AdvertisedNamePrefix is the local name prefix the 9001BT advertises with.
const AdvertisedNamePrefix = "GL9001A"

const (
  // CommandVerifyAttempts bounds the write+readback cycles per connection.
  CommandVerifyAttempts = 3
  // WakeSettleDelay is how long the device needs after a wake write before
  // it answers reads with fresh data instead of garbage.
  WakeSettleDelay = 1 * time.Second
  // PostCommandDelay gives the device time to actuate after a control write.
  PostCommandDelay = 1500 * time.Millisecond
  // ReWakeSettleDelay follows the wake re-assertion between a control write
  // and its verify read.
  ReWakeSettleDelay = 500 * time.Millisecond
  // VerifyRetryDelay separates verify cycles whose readback did not match.
  VerifyRetryDelay = 1 * time.Second
)

// Timing groups every delay and retry budget of the protocol. Production code
// uses DefaultTiming; tests shrink the delays.
type Timing struct {
  MaxRetries            int
  ConnectTimeout        time.Duration
  BackoffStep           time.Duration
  CommandVerifyAttempts int
  WakeSettleDelay       time.Duration
  PostCommandDelay      time.Duration
  ReWakeSettleDelay     time.Duration
  VerifyRetryDelay      time.Duration
}

func DefaultTiming() Timing {
  return Timing{
    MaxRetries:            MaxRetries,
    ConnectTimeout:        ConnectTimeout,
    BackoffStep:           BackoffStep,
    CommandVerifyAttempts: CommandVerifyAttempts,
    WakeSettleDelay:       WakeSettleDelay,
    PostCommandDelay:      PostCommandDelay,
    ReWakeSettleDelay:     ReWakeSettleDelay,
    VerifyRetryDelay:      VerifyRetryDelay,
  }
}

// Device drives a single Galcon 9001BT valve controller. All state besides
// the advertisement hint lives on the peripheral; the mutex serializes every
// operation because neither the radio stack nor the sleepy peripheral
// tolerates interleaved GATT transactions.
type Device struct {
  name string
  addr net.HardwareAddr

  connector Connector
  timing    Timing

  mu sync.Mutex

  hintMu   sync.Mutex
  lastSeen time.Time
}

func NewDevice(name, addr string, connector Connector) (*Device, error) {
  return NewDeviceWithTiming(name, addr, connector, DefaultTiming())
}

func NewDeviceWithTiming(name, addr string, connector Connector, timing Timing) (*Device, error) {
  d := Device{
    connector: connector,
    timing:    timing,
  }

  if name != "" {
    d.name = name
  } else {
    d.name = "galcon-" + strings.ToLower(strings.ReplaceAll(addr, ":", ""))
  }

  hwAddr, err := net.ParseMAC(addr)
  if err != nil {
    return nil, fmt.Errorf("invalid addr: %w", err)
  }

  d.addr = hwAddr

  return &d, nil
}

func (d *Device) Name() string {
  return d.name
}

func (d *Device) Addr() net.HardwareAddr {
  return d.addr
}

func (d *Device) String() string {
  return fmt.Sprintf("galcon[name=%q, addr=%v]", d.name, d.addr.String())
}

// SetAdvertisementHint records that a scanner just observed the device
// advertising. Connections opened while a hint is present use the
// scan-assisted path, which is noticeably more reliable on a peripheral that
// only listens right after advertising. Never required for correctness.
func (d *Device) SetAdvertisementHint(seen time.Time) {
  d.hintMu.Lock()
  defer d.hintMu.Unlock()

  d.lastSeen = seen
}

func (d *Device) hinted() bool {
  d.hintMu.Lock()
  defer d.hintMu.Unlock()

  return !d.lastSeen.IsZero()
}

type characteristics struct {
  wake    *ble.Characteristic
  status  *ble.Characteristic
  control *ble.Characteristic
}

func discoverCharacteristics(c Conn) (*characteristics, error) {
  p, err := c.DiscoverProfile(true)

  if err != nil {
    return nil, pkgerrors.Wrapf(ErrTransport, "cannot discover profile: %v", err)
  }

  var out characteristics

  for _, svc := range p.Services {
    for _, char := range svc.Characteristics {
      switch {
      case char.UUID.Equal(uuidWake):
        out.wake = char
      case char.UUID.Equal(uuidStatus):
        out.status = char
      case char.UUID.Equal(uuidControl):
        out.control = char
      }
    }
  }

  if out.wake == nil || out.status == nil || out.control == nil {
    // incomplete discovery happens on flaky links; a reconnect usually fixes it
    return nil, pkgerrors.Wrapf(ErrTransport,
      "device is missing expected characteristics (wake=%v status=%v control=%v)",
      out.wake != nil, out.status != nil, out.control != nil)
  }

  return &out, nil
}

// wake rouses the sleeping peripheral and waits for it to settle. Reads
// issued before the settle delay elapses return stale or garbage data.
func (d *Device) wake(c Conn, chars *characteristics) error {
  if err := c.WriteCharacteristic(chars.wake, wakePayload, false); err != nil {
    return pkgerrors.Wrapf(ErrTransport, "wake write failed: %v", err)
  }

  time.Sleep(d.timing.WakeSettleDelay)

  log.Debug().Stringer("Addr", d.addr).Msg("galcon: wake-up sent")

  return nil
}

func (d *Device) readStatus(c Conn, chars *characteristics) (Status, error) {
  raw, err := c.ReadCharacteristic(chars.status)

  if err != nil {
    return Status{}, pkgerrors.Wrapf(ErrTransport, "status read failed: %v", err)
  }

  return DecodeStatus(raw), nil
}

// GetStatus wakes the device and reads the current status.
func (d *Device) GetStatus(ctx context.Context) (Status, error) {
  d.mu.Lock()
  defer d.mu.Unlock()

  var st Status

  err := d.execute(ctx, func(c Conn) error {
    chars, err := discoverCharacteristics(c)
    if err != nil {
      return err
    }

    if err := d.wake(c, chars); err != nil {
      return err
    }

    st, err = d.readStatus(c, chars)
    return err
  })

  return st, err
}

// verifiedCommand writes a control payload and confirms the valve actually
// reached the expected state. Within one connection:
//
//   1. wake, settle
//   2. read status; if already in the desired state, return it without
//      writing (skips redundant relay actuation, and proves responsiveness)
//   3. write command, wait, re-wake (best effort), read back
//   4. repeat step 3 up to the verify budget
//
// Returns (nil, nil) when the command was sent but never confirmed by a
// readback. That outcome is common: the device updates its reported state
// slower than this loop's patience, so callers must not treat it as failure.
func (d *Device) verifiedCommand(c Conn, chars *characteristics, payload []byte, expectOpen bool) (*Status, error) {
  if err := d.wake(c, chars); err != nil {
    return nil, err
  }

  pre, err := d.readStatus(c, chars)

  if err != nil {
    return nil, err
  }

  log.Debug().
    Stringer("Addr", d.addr).
    Bool("ValveOpen", pre.ValveOpen).
    Msg("galcon: pre-command status")

  if pre.ValveOpen == expectOpen {
    log.Info().
      Stringer("Addr", d.addr).
      Bool("Open", expectOpen).
      Msg("galcon: valve already in requested state, skipping command")

    return &pre, nil
  }

  for attempt := 1; attempt <= d.timing.CommandVerifyAttempts; attempt++ {
    log.Debug().
      Stringer("Addr", d.addr).
      Bool("Open", expectOpen).
      Int("Attempt", attempt).
      Int("MaxAttempts", d.timing.CommandVerifyAttempts).
      Msg("galcon: sending control command")

    if err := c.WriteCharacteristic(chars.control, payload, false); err != nil {
      return nil, pkgerrors.Wrapf(ErrTransport, "control write failed: %v", err)
    }

    time.Sleep(d.timing.PostCommandDelay)

    // re-assert the wake before reading back: the device may re-sleep right
    // after processing the command, and a read issued without re-waking
    // returns stale data. Best effort; read anyway if it fails.
    if err := c.WriteCharacteristic(chars.wake, wakePayload, false); err != nil {
      log.Debug().Stringer("Addr", d.addr).Err(err).
        Msg("galcon: re-wake before verify read failed, reading anyway")
    } else {
      time.Sleep(d.timing.ReWakeSettleDelay)
    }

    if post, err := d.readStatus(c, chars); err != nil {
      log.Debug().Stringer("Addr", d.addr).Err(err).Msg("galcon: verify read failed")
    } else {
      log.Debug().
        Stringer("Addr", d.addr).
        Bool("ValveOpen", post.ValveOpen).
        Bool("Expected", expectOpen).
        Msg("galcon: post-command status")

      if post.ValveOpen == expectOpen {
        log.Info().
          Stringer("Addr", d.addr).
          Bool("Open", expectOpen).
          Int("Attempt", attempt).
          Msg("galcon: valve state confirmed")

        return &post, nil
      }
    }

    time.Sleep(d.timing.VerifyRetryDelay)
  }

  log.Warn().
    Stringer("Addr", d.addr).
    Bool("Open", expectOpen).
    Int("Attempts", d.timing.CommandVerifyAttempts).
    Msg("galcon: command sent but state not confirmed by readback " +
        "(likely succeeded, the device is slow to update)")

  return nil, nil
}

// OpenValve opens the valve, optionally for a fixed duration. Returns the
// confirmed post-command status, or nil with a nil error when the command was
// sent but could not be confirmed.
func (d *Device) OpenValve(ctx context.Context, hours, minutes, seconds int) (*Status, error) {
  d.mu.Lock()
  defer d.mu.Unlock()

  payload := openPayload(hours, minutes, seconds)

  var result *Status

  err := d.execute(ctx, func(c Conn) error {
    chars, err := discoverCharacteristics(c)
    if err != nil {
      return err
    }

    result, err = d.verifiedCommand(c, chars, payload, true)
    return err
  })

  if err != nil {
    return nil, err
  }

  log.Info().
    Stringer("Addr", d.addr).
    Str("Duration", fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)).
    Bool("Confirmed", result != nil).
    Msg("galcon: valve open command completed")

  return result, nil
}

// CloseValve closes the valve. Same confirmation semantics as OpenValve.
func (d *Device) CloseValve(ctx context.Context) (*Status, error) {
  d.mu.Lock()
  defer d.mu.Unlock()

  var result *Status

  err := d.execute(ctx, func(c Conn) error {
    chars, err := discoverCharacteristics(c)
    if err != nil {
      return err
    }

    result, err = d.verifiedCommand(c, chars, cmdCloseValve, false)
    return err
  })

  if err != nil {
    return nil, err
  }

  log.Info().
    Stringer("Addr", d.addr).
    Bool("Confirmed", result != nil).
    Msg("galcon: valve close command completed")

  return result, nil
}

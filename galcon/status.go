package galcon

import (
  "fmt"

  "github.com/rs/zerolog/log"
)

const (
  statusMinLength = 5

  statusValveOpenMask  = 0x01 // byte 0
  statusManualOpenMask = 0x01 // byte 1
)

// Control payloads of the Galcon 9001BT. All control writes are exactly
// 7 bytes; a timed open embeds the duration as raw hour/minute/second bytes.
var (
  wakePayload   = []byte{0x01, 0x02}
  cmdOpenValve  = []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
  cmdCloseValve = []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
)

// Status is a decoded snapshot of the valve controller state, as reported by
// the status characteristic.
type Status struct {
  ValveOpen  bool
  ManualOpen bool

  HoursRemaining   uint8
  MinutesRemaining uint8
  SecondsRemaining uint8

  BatteryLevel    uint8
  HasBatteryLevel bool

  // Raw is the buffer the status was decoded from, kept for diagnostics.
  Raw []byte
}

// TimeRemainingSeconds returns the remaining irrigation time in seconds.
func (s Status) TimeRemainingSeconds() int {
  return int(s.HoursRemaining) * 3600 + int(s.MinutesRemaining) * 60 + int(s.SecondsRemaining)
}

func (s Status) String() string {
  battery := "n/a"

  if s.HasBatteryLevel {
    battery = fmt.Sprintf("%d%%", s.BatteryLevel)
  }

  return fmt.Sprintf("Status[ValveOpen=%v,ManualOpen=%v,Remaining=%02d:%02d:%02d,Battery=%v]",
    s.ValveOpen, s.ManualOpen, s.HoursRemaining, s.MinutesRemaining, s.SecondsRemaining, battery)
}

// DecodeStatus parses the raw status characteristic value. It is total: a
// buffer shorter than 5 bytes logs a warning and yields an all-zero status
// with the raw buffer preserved, never an error. Byte layout:
//
//   byte 0, bit 0: valve open
//   byte 1, bit 0: manual open
//   byte 2/3/4:    remaining hours/minutes/seconds (raw, unvalidated)
//   byte 5:        battery level 0-100% (optional)
//   byte 6:        reserved
func DecodeStatus(data []byte) Status {
  if len(data) < statusMinLength {
    log.Warn().
      Int("Length", len(data)).
      Hex("Data", data).
      Msg("galcon: unexpected status length, degrading to zeroed status")

    return Status{Raw: data}
  }

  s := Status{
    ValveOpen: data[0] & statusValveOpenMask != 0,
    Raw:       data,
  }

  // the length guard above makes these present, but keep the bounds checks:
  // field offsets must never turn a short read into a panic.
  if len(data) > 1 {
    s.ManualOpen = data[1] & statusManualOpenMask != 0
  }

  if len(data) > 2 {
    s.HoursRemaining = data[2]
  }

  if len(data) > 3 {
    s.MinutesRemaining = data[3]
  }

  if len(data) > 4 {
    s.SecondsRemaining = data[4]
  }

  if len(data) > 5 {
    s.BatteryLevel = data[5]
    s.HasBatteryLevel = true
  }

  return s
}

// timedOpenPayload builds the 7-byte control payload for a timed open.
// Values are masked to 8 bits; the device accepts any byte value.
func timedOpenPayload(hours, minutes, seconds int) []byte {
  return []byte{
    0x00, 0x03, 0x00,
    byte(hours & 0xff),
    byte(minutes & 0xff),
    byte(seconds & 0xff),
    0x00,
  }
}

// openPayload picks the simple open command for a zero duration, and a
// duration-carrying command otherwise.
func openPayload(hours, minutes, seconds int) []byte {
  if hours == 0 && minutes == 0 && seconds == 0 {
    return cmdOpenValve
  }

  return timedOpenPayload(hours, minutes, seconds)
}

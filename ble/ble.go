package ble

import (
  "fmt"
  "net"

  "github.com/go-ble/ble"
  "github.com/go-ble/ble/linux"
  "github.com/go-ble/ble/linux/hci/cmd"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog/log"
)

type Advertisement = ble.Advertisement
type Characteristic = ble.Characteristic
type Client = ble.Client
type Profile = ble.Profile
type UUID = ble.UUID

type Handle struct {
  dev *linux.Device
}

// MustParseUUID parses a 128-bit UUID string and panics on failure. Meant for
// the fixed characteristic UUIDs of a known device model.
func MustParseUUID(s string) ble.UUID {
  return ble.MustParse(s)
}

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    successfulConnectionsCounter,
    failedConnectionsCounter,
    scanAssistedConnectionsCounter,
    disconnectsCounter,
  )
}

func Init(deviceId int, flags Flags) (*Handle, error) {
  return InitWithConnParams(
    deviceId,
    ConnParamsDefault,
    flags,
  )
}

func InitWithConnParams(deviceId int, connParams ConnParams, flags Flags) (*Handle, error) {
  var scanType scanType = scanTypePassive
  var filterPolicy filterPolicy = filterPolicyAcceptAll

  if flags & FlagScanTypeActive == FlagScanTypeActive {
    scanType = scanTypeActive
  }

  if flags & FlagEnableDeviceAllowList == FlagEnableDeviceAllowList {
    filterPolicy = filterPolicyAllowListedOnly
  }

  log.Debug().
    Stringer("ScanType", scanType).
    Stringer("FilterPolicy", filterPolicy).
    Stringer("ConnParams", &connParams).
    Stringer("Flags", flags).
    Int("DeviceID", deviceId).
    Msg("Initializing Bluetooth device")

  dev, err := linux.NewDevice(
    ble.OptDeviceID(deviceId),
    ble.OptScanParams(cmd.LESetScanParameters{
      LEScanType:           uint8(scanType),     // 0x00: passive, 0x01: active
      LEScanInterval:       0x0004,              // 0x0004 - 0x4000; N * 0.625msec
      LEScanWindow:         0x0004,              // 0x0004 - 0x4000; N * 0.625msec
      OwnAddressType:       0x00,                // 0x00: public, 0x01: random
      ScanningFilterPolicy: uint8(filterPolicy), // 0x00: accept all, 0x01: ignore non-allow-listed.
    }),
    ble.OptConnParams(connParams.AdapterOptions()),
  )

  if err != nil {
    return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
  }

  ble.SetDefaultDevice(dev)

  return &Handle{dev: dev}, nil
}

func (h *Handle) SetAllowListedAddress(addr net.HardwareAddr) error {
  log.Debug().
    Stringer("DeviceAddress", addr).
    Msg("Allow-listing the valve controller address")

  // clear the white list to make sure we're starting from an empty slate.
  var clearRes cmd.LEClearWhiteListRP

  err := h.dev.HCI.Send(&cmd.LEClearWhiteList{}, &clearRes)

  if err != nil {
    return fmt.Errorf("failed to clear allow-list: %w", err)
  }

  if clearRes.Status != 0 {
    return fmt.Errorf("failed to clear allow-list: got status: %v", clearRes.Status)
  }

  bytes := []byte(addr)

  if len(bytes) != 6 {
    return fmt.Errorf("got non-6 byte device MAC address: %v", addr)
  }

  var res cmd.LEAddDeviceToWhiteListRP

  err = h.dev.HCI.Send(&cmd.LEAddDeviceToWhiteList{
    AddressType: 0x00, // public
    Address:     [6]byte{
      // flip due to endianness
      bytes[5],
      bytes[4],
      bytes[3],
      bytes[2],
      bytes[1],
      bytes[0],
    },
  }, &res)

  if err != nil {
    return fmt.Errorf("failed to allow-list device %q: %w", addr.String(), err)
  }

  if res.Status != 0 {
    return fmt.Errorf("failed to allow-list device %q: got status: %v", addr.String(), res.Status)
  }

  return nil
}

func (h *Handle) Stop() {
  h.dev.Stop()
}

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vgreco/go-galcon-bridge/ble"
	"github.com/vgreco/go-galcon-bridge/coordinator"
	"github.com/vgreco/go-galcon-bridge/mqtt"
)

type config struct {
  Debug, Trace bool
  BindAddress string
  DiscoverDevices bool
  BluetoothDeviceId int
  BluetoothConnParams ble.ConnParams
  DeviceAddress string
  DeviceName string
  PollInterval time.Duration
  DefaultDurationMinutes int
  PrimingScanTimeout time.Duration
  ConfigFile string
  MQTT *mqtt.Config
}

// fileConfig is the optional YAML config file. Only broker settings live
// there: everything else is a flag.
type fileConfig struct {
  MQTT *mqtt.Config `yaml:"mqtt"`
}

func ParseArgs() config {
  var cfg config

  cfg.BluetoothConnParams = ble.ConnParamsDefault

  flag.StringVar(&cfg.BindAddress, "bind", "localhost:9102", "Where the metrics endpoint will bind to")
  flag.StringVar(&cfg.DeviceAddress, "addr", "", "MAC address of the valve controller")
  flag.StringVar(&cfg.DeviceName, "name", "", "Friendly name for the valve controller")
  flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  flag.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
  flag.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
  flag.DurationVar(&cfg.PollInterval, "interval", coordinator.DefaultPollInterval,
    "How frequently the valve status is polled while polling is enabled")
  flag.IntVar(&cfg.DefaultDurationMinutes, "duration", coordinator.DefaultDurationMinutes,
    "Default irrigation duration in minutes for open commands without one")
  flag.DurationVar(&cfg.PrimingScanTimeout, "priming-timeout", 10 * time.Second,
    "How long to scan for the valve's advertisement on start before giving up")
  flag.StringVar(&cfg.ConfigFile, "config", "", "Optional YAML config file with MQTT broker settings")
  flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  flag.Parse()

  if !cfg.DiscoverDevices && cfg.DeviceAddress == "" {
    fmt.Fprintln(os.Stderr, "Error: the valve controller address is required!")
    flag.Usage()
    os.Exit(1)
  }

  if cfg.ConfigFile != "" {
    fileCfg, err := loadConfigFile(cfg.ConfigFile)

    if err != nil {
      fmt.Fprintf(os.Stderr, "Error: cannot load config file: %v\n", err)
      os.Exit(1)
    }

    cfg.MQTT = fileCfg.MQTT
  }

  return cfg
}

func loadConfigFile(path string) (*fileConfig, error) {
  raw, err := os.ReadFile(path)

  if err != nil {
    return nil, err
  }

  var cfg fileConfig

  if err := yaml.Unmarshal(raw, &cfg); err != nil {
    return nil, fmt.Errorf("cannot parse %v: %w", path, err)
  }

  return &cfg, nil
}

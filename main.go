package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vgreco/go-galcon-bridge/ble"
	"github.com/vgreco/go-galcon-bridge/coordinator"
	"github.com/vgreco/go-galcon-bridge/galcon"
	"github.com/vgreco/go-galcon-bridge/metrics"
	"github.com/vgreco/go-galcon-bridge/mqtt"
	"github.com/vgreco/go-galcon-bridge/utils"
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  if cfg.DiscoverDevices {
    doDeviceDiscovery(cfg)
    return
  }

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Str("DeviceAddr", cfg.DeviceAddress).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Dur("PollIntervalSec", cfg.PollInterval).
    Msg("Starting with the specified configuration")

  bleHandle, valve := initBle(cfg)
  primeAdvertisementHint(cfg, bleHandle, valve)

  coord := coordinator.New(valve, cfg.PollInterval)
  coord.SetDurationMinutes(cfg.DefaultDurationMinutes)

  countdown := coordinator.NewCountdown(coord)
  poller := coordinator.NewPoller(coord)

  registry := prometheus.NewRegistry()

  ble.RegisterMetrics(registry)
  galcon.RegisterMetrics(registry)
  coordinator.RegisterMetrics(registry)
  metrics.RegisterCollector(valve.Name(), coord, registry)

  ctx := ble.WrapContextWithSigHandler(context.WithCancel(context.Background()))
  group, ctx := errgroup.WithContext(ctx)

  group.Go(func() error { return poller.Run(ctx) })
  group.Go(func() error { return countdown.Run(ctx) })

  if cfg.MQTT != nil {
    bridge := mqtt.NewBridge(*cfg.MQTT, coord)
    group.Go(func() error { return bridge.Run(ctx) })
  } else {
    log.Info().Msg("No MQTT configuration provided, running with metrics only")
  }

  log.Info().
      Str("ListenAddress", cfg.BindAddress).
      Msg("Starting Prometheus server")

  mux := http.NewServeMux()
  mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

  server := &http.Server{Addr: cfg.BindAddress, Handler: mux}

  group.Go(func() error {
    err := server.ListenAndServe()

    if err == http.ErrServerClosed {
      return nil
    }

    return err
  })

  group.Go(func() error {
    <-ctx.Done()

    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
    defer cancel()

    return server.Shutdown(shutdownCtx)
  })

  err := group.Wait()

  bleHandle.Stop()

  if err != nil && !utils.ErrorIsAnyOf(err, context.Canceled) {
    log.Fatal().Err(err).Msg("Terminated with an error")
  }

  log.Info().Msg("Shut down cleanly")
}

func initBle(cfg config) (*ble.Handle, *galcon.Device) {
  // the valve only includes its name in scan responses, so active scanning
  // is required for the advertisement-assisted connection path
  bleHandle, err := ble.InitWithConnParams(
    cfg.BluetoothDeviceId,
    cfg.BluetoothConnParams,
    ble.FlagScanTypeActive | ble.FlagEnableDeviceAllowList,
  )

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  valve, err := galcon.NewDevice(cfg.DeviceName, cfg.DeviceAddress, galcon.NewConnector(bleHandle))

  if err != nil {
    log.Fatal().Err(err).Msg("Invalid valve controller address")
  }

  err = bleHandle.SetAllowListedAddress(valve.Addr())

  if err != nil {
    log.Error().Err(err).Msg("Failed to set device allow list")
  }

  return bleHandle, valve
}

// primeAdvertisementHint scans for the valve's advertisement once on start.
// Seeing it proves the controller is in range and lets later connections go
// through the scan-assisted path. Not seeing it is fine - the valve may just
// be asleep.
func primeAdvertisementHint(cfg config, bleHandle *ble.Handle, valve *galcon.Device) {
  log.Info().
    Stringer("Device", valve).
    Dur("TimeoutSec", cfg.PrimingScanTimeout).
    Msg("Scanning for the valve controller's advertisement")

  ctx, cancel := context.WithTimeout(context.Background(), cfg.PrimingScanTimeout)
  defer cancel()

  seen := false

  err := bleHandle.ScanForDevice(ctx, valve.Addr(), func(a ble.Advertisement) bool {
    log.Info().
      Stringer("Device", valve).
      Str("Name", a.LocalName()).
      Int("RSSI", a.RSSI()).
      Msg("Valve controller is advertising")

    valve.SetAdvertisementHint(time.Now())
    seen = true

    return true
  })

  if err != nil && !utils.ErrorIsAnyOf(err, context.Canceled, context.DeadlineExceeded) {
    log.Error().Err(err).Msg("Priming scan failed")
  } else if !seen {
    log.Info().
      Stringer("Device", valve).
      Msg("Valve controller not seen advertising, assuming it is asleep")
  }
}

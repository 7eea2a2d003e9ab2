package metrics

import (
  "github.com/prometheus/client_golang/prometheus"

  "github.com/vgreco/go-galcon-bridge/coordinator"
)

var (
  descValveOpen = prometheus.NewDesc(
    "valve_open",
    "Whether the irrigation valve is currently open.",
    []string{"name"},
    nil,
  )

  descManualOpen = prometheus.NewDesc(
    "valve_manual_open",
    "Whether the current opening was commanded manually.",
    []string{"name"},
    nil,
  )

  descTimeRemaining = prometheus.NewDesc(
    "valve_time_remaining_seconds",
    "Irrigation time remaining as last reported by the valve.",
    []string{"name"},
    nil,
  )

  descBattery = prometheus.NewDesc(
    "valve_battery_ratio",
    "Battery percentage reported by the valve controller.",
    []string{"name"},
    nil,
  )

  descReachable = prometheus.NewDesc(
    "valve_reachable",
    "Whether the valve controller is considered reachable.",
    []string{"name"},
    nil,
  )

  descPollingEnabled = prometheus.NewDesc(
    "valve_polling_enabled",
    "Whether periodic status polling is enabled.",
    []string{"name"},
    nil,
  )

  descConsecutiveFailures = prometheus.NewDesc(
    "valve_consecutive_poll_failures",
    "Number of poll failures since the last successful device exchange.",
    []string{"name"},
    nil,
  )

  descLastPoll = prometheus.NewDesc(
    "valve_last_successful_poll_timestamp_seconds",
    "Unix timestamp of the last successful status poll.",
    []string{"name"},
    nil,
  )

  descPhase = prometheus.NewDesc(
    "valve_operation_phase",
    "Current operation phase. 0 = idle, 1 = connecting, 2 = opening, " +
      "3 = closing, 4 = verifying, 5 = confirmed, 6 = error, 7 = scanning.",
    []string{"name"},
    nil,
  )
)

type collector struct {
  name        string
  coordinator *coordinator.Coordinator
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  gauge := func(desc *prometheus.Desc, value float64) {
    ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, c.name)
  }

  boolGauge := func(desc *prometheus.Desc, value bool) {
    v := 0.0
    if value {
      v = 1.0
    }
    gauge(desc, v)
  }

  boolGauge(descReachable, c.coordinator.Reachable())
  boolGauge(descPollingEnabled, c.coordinator.PollingEnabled())
  gauge(descConsecutiveFailures, float64(c.coordinator.ConsecutiveFailures()))
  gauge(descPhase, float64(c.coordinator.Phase()))

  if ts, ok := c.coordinator.LastSuccessfulPoll(); ok {
    gauge(descLastPoll, float64(ts.Unix()))
  }

  status := c.coordinator.Status()

  if status == nil {
    return
  }

  boolGauge(descValveOpen, status.ValveOpen)
  boolGauge(descManualOpen, status.ManualOpen)
  gauge(descTimeRemaining, float64(status.TimeRemainingSeconds()))

  if status.HasBatteryLevel {
    gauge(descBattery, float64(status.BatteryLevel) / 100)
  }
}

// RegisterCollector exposes a coordinator's view of the valve on the given
// registry. Metrics derived from the device status are omitted until a first
// status exists.
func RegisterCollector(name string, c *coordinator.Coordinator, reg prometheus.Registerer) {
  reg.MustRegister(&collector{name: name, coordinator: c})
}

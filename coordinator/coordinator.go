package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/vgreco/go-galcon-bridge/galcon"
)

const (
	// MaxConsecutiveFailures is how many back-to-back poll failures are
	// tolerated before the device is reported unreachable. Higher than 1
	// because sleepy BLE devices routinely miss isolated polls.
	MaxConsecutiveFailures = 5

	// DefaultPollInterval between status polls while polling is enabled.
	DefaultPollInterval = 300 * time.Second

	// DefaultDurationMinutes is the irrigation duration used when an open
	// request carries no explicit duration.
	DefaultDurationMinutes = 20

	// disabledPollInterval keeps the poll timer alive but effectively off
	// while polling is disabled. Stretching the interval instead of stopping
	// the timer keeps the poller loop trivial.
	disabledPollInterval = 24 * time.Hour
)

var (
	pollSuccessCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galcon_bridge_polls_succeeded_total",
	})
	pollFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galcon_bridge_polls_failed_total",
	})
	commandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "galcon_bridge_commands_total",
	}, []string{"command", "outcome"})
)

// RegisterMetrics registers the coordinator's counters.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(pollSuccessCounter, pollFailureCounter, commandCounter)
}

// Driver is the device-facing contract the coordinator needs. Implemented by
// *galcon.Device.
type Driver interface {
	GetStatus(ctx context.Context) (galcon.Status, error)
	OpenValve(ctx context.Context, hours, minutes, seconds int) (*galcon.Status, error)
	CloseValve(ctx context.Context) (*galcon.Status, error)
	String() string
}

// Coordinator turns the unreliable device driver into a stable state
// machine: cached last-known status, consecutive-failure accounting, an
// operation phase for UI feedback, and the irrigation record. It exclusively
// owns all of that state; collaborators only call its operations and read
// its accessors.
type Coordinator struct {
	driver Driver

	mu sync.Mutex

	phase               Phase
	pollingEnabled      bool
	baseInterval        time.Duration
	consecutiveFailures int
	lastSuccessfulPoll  time.Time
	lastStatus          *galcon.Status
	durationMinutes     int

	lastIrrigationStart   time.Time
	lastIrrigationMinutes int
	hasLastIrrigation     bool
	currentStart          time.Time
	currentMinutes        int
	hasCurrent            bool

	phaseListeners  []func()
	statusListeners []func(galcon.Status)

	// pollWake interrupts the poller's interval wait, so a polling toggle
	// takes effect immediately instead of at the end of the current
	// (possibly 24h) wait. Buffered: a wake while none is pending must
	// never block SetPolling.
	pollWake chan struct{}
}

func New(driver Driver, pollInterval time.Duration) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Coordinator{
		driver:          driver,
		phase:           PhaseIdle,
		baseInterval:    pollInterval,
		durationMinutes: DefaultDurationMinutes,
		pollWake:        make(chan struct{}, 1),
	}
}

// RegisterPhaseListener adds a callback invoked synchronously on every phase
// transition. Listeners live as long as the coordinator.
func (c *Coordinator) RegisterPhaseListener(listener func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.phaseListeners = append(c.phaseListeners, listener)
}

// RegisterStatusListener adds a callback invoked synchronously every time a
// new status is published (successful poll, command result, or countdown
// expiry).
func (c *Coordinator) RegisterStatusListener(listener func(galcon.Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statusListeners = append(c.statusListeners, listener)
}

// setPhase must be called without the state lock held: listeners run outside
// the lock so they can read coordinator state.
func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	listeners := append([]func(){}, c.phaseListeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

func (c *Coordinator) publishStatus(st galcon.Status) {
	c.mu.Lock()
	listeners := append([]func(galcon.Status){}, c.statusListeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(st)
	}
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.phase
}

// Status returns the cached last-known status, or nil when nothing has been
// read or synthesized yet.
func (c *Coordinator) Status() *galcon.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastStatus == nil {
		return nil
	}

	st := *c.lastStatus
	return &st
}

func (c *Coordinator) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consecutiveFailures
}

func (c *Coordinator) LastSuccessfulPoll() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastSuccessfulPoll, !c.lastSuccessfulPoll.IsZero()
}

// Reachable is computed, not stored: the device counts as reachable until
// the consecutive-failure threshold is crossed.
func (c *Coordinator) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consecutiveFailures < MaxConsecutiveFailures
}

func (c *Coordinator) PollingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pollingEnabled
}

// Interval returns the current poll interval: the base interval while
// polling is enabled, a near-infinite one otherwise.
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pollingEnabled {
		return c.baseInterval
	}

	return disabledPollInterval
}

func (c *Coordinator) DurationMinutes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.durationMinutes
}

func (c *Coordinator) SetDurationMinutes(minutes int) {
	if minutes <= 0 {
		return
	}

	c.mu.Lock()
	c.durationMinutes = minutes
	c.mu.Unlock()

	log.Debug().Int("DurationMinutes", minutes).Msg("coordinator: default irrigation duration updated")
}

// LastIrrigation returns the most recent finalized irrigation record.
func (c *Coordinator) LastIrrigation() (start time.Time, durationMinutes int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastIrrigationStart, c.lastIrrigationMinutes, c.hasLastIrrigation
}

// SetPolling enables or disables periodic polling. Polling starts disabled:
// every poll costs the valve battery, so it is strictly opt-in.
func (c *Coordinator) SetPolling(enabled bool) {
	c.mu.Lock()
	c.pollingEnabled = enabled

	if enabled {
		c.consecutiveFailures = 0
	}
	c.mu.Unlock()

	if enabled {
		log.Info().Stringer("Device", c.driver).Msg("coordinator: polling ENABLED")

		// kick the poller out of its current wait so the first poll
		// happens now, not at the end of the stretched interval
		select {
		case c.pollWake <- struct{}{}:
		default:
		}
	} else {
		c.setPhase(PhaseIdle)
		log.Info().Stringer("Device", c.driver).Msg("coordinator: polling DISABLED")
	}
}

// RefreshStatus runs one poll cycle. Failures fall back to the cached status
// when one exists; only the first-ever failure with nothing to fall back on
// surfaces an error. With polling disabled it never touches the radio.
func (c *Coordinator) RefreshStatus(ctx context.Context) (galcon.Status, error) {
	c.mu.Lock()
	enabled := c.pollingEnabled
	cached := c.lastStatus
	c.mu.Unlock()

	if !enabled {
		if cached != nil {
			return *cached, nil
		}

		// nothing known yet: report a closed valve with no data
		synthetic := galcon.Status{Raw: []byte{}}

		c.mu.Lock()
		c.lastStatus = &synthetic
		c.mu.Unlock()

		return synthetic, nil
	}

	c.setPhase(PhaseScanning)

	st, err := c.driver.GetStatus(ctx)

	if err != nil {
		pollFailureCounter.Inc()

		c.mu.Lock()
		c.consecutiveFailures += 1
		failures := c.consecutiveFailures
		cached = c.lastStatus
		c.mu.Unlock()

		c.setPhase(PhaseIdle)

		log.Info().
			Stringer("Device", c.driver).
			Int("ConsecutiveFailures", failures).
			Int("Threshold", MaxConsecutiveFailures).
			Err(err).
			Msg("coordinator: poll failed")

		if cached != nil {
			return *cached, nil
		}

		return galcon.Status{}, fmt.Errorf("cannot reach valve controller (no cached state): %w", err)
	}

	pollSuccessCounter.Inc()

	c.mu.Lock()
	c.consecutiveFailures = 0
	c.lastSuccessfulPoll = time.Now().UTC()
	c.lastStatus = &st
	c.mu.Unlock()

	c.setPhase(PhaseIdle)

	log.Info().
		Stringer("Device", c.driver).
		Stringer("Status", st).
		Msg("coordinator: poll succeeded")

	c.publishStatus(st)

	return st, nil
}

// carryOver copies the fields a synthetic status must never fabricate from
// the last known status: the raw payload and the battery level.
func carryOver(synthetic *galcon.Status, last *galcon.Status) {
	if last != nil {
		synthetic.Raw = last.Raw
		synthetic.BatteryLevel = last.BatteryLevel
		synthetic.HasBatteryLevel = last.HasBatteryLevel
	} else {
		synthetic.Raw = []byte{}
	}
}

// OpenValve opens the valve for the given duration, walking the phase
// machine and recording the irrigation start. An unconfirmed command is
// reflected optimistically with a synthetic open status.
func (c *Coordinator) OpenValve(ctx context.Context, hours, minutes, seconds int) (galcon.Status, error) {
	c.setPhase(PhaseConnecting)
	c.setPhase(PhaseOpening)

	confirmed, err := c.driver.OpenValve(ctx, hours, minutes, seconds)

	if err != nil {
		commandCounter.WithLabelValues("open", "error").Inc()
		c.setPhase(PhaseError)
		return galcon.Status{}, err
	}

	c.setPhase(PhaseConfirmed)

	c.mu.Lock()

	var next galcon.Status

	if confirmed != nil {
		commandCounter.WithLabelValues("open", "confirmed").Inc()
		next = *confirmed
	} else {
		commandCounter.WithLabelValues("open", "unconfirmed").Inc()

		next = galcon.Status{
			ValveOpen:        true,
			ManualOpen:       true,
			HoursRemaining:   uint8(hours),
			MinutesRemaining: uint8(minutes),
			SecondsRemaining: uint8(seconds),
		}
		carryOver(&next, c.lastStatus)
	}

	c.lastStatus = &next

	c.currentStart = time.Now()
	c.currentMinutes = hours * 60 + minutes
	if seconds > 0 {
		c.currentMinutes += 1
	}
	c.hasCurrent = true

	c.mu.Unlock()

	c.publishStatus(next)

	return next, nil
}

// CloseValve closes the valve and finalizes the in-flight irrigation record.
func (c *Coordinator) CloseValve(ctx context.Context) (galcon.Status, error) {
	c.setPhase(PhaseConnecting)
	c.setPhase(PhaseClosing)

	confirmed, err := c.driver.CloseValve(ctx)

	if err != nil {
		commandCounter.WithLabelValues("close", "error").Inc()
		c.setPhase(PhaseError)
		return galcon.Status{}, err
	}

	c.setPhase(PhaseConfirmed)

	c.recordIrrigationEnd()

	c.mu.Lock()

	var next galcon.Status

	if confirmed != nil {
		commandCounter.WithLabelValues("close", "confirmed").Inc()
		next = *confirmed
	} else {
		commandCounter.WithLabelValues("close", "unconfirmed").Inc()

		next = galcon.Status{}
		carryOver(&next, c.lastStatus)
	}

	c.lastStatus = &next
	c.mu.Unlock()

	c.publishStatus(next)

	return next, nil
}

// CountdownExpired is invoked by the local countdown collaborator when it
// reaches zero. The countdown independently proves the valve is closed, so
// polling is disabled too: further radio traffic would only drain the
// battery until the next user action.
func (c *Coordinator) CountdownExpired() {
	log.Info().
		Stringer("Device", c.driver).
		Msg("coordinator: irrigation timer expired, marking valve closed and disabling polling")

	c.recordIrrigationEnd()

	c.mu.Lock()
	next := galcon.Status{}
	carryOver(&next, c.lastStatus)
	c.lastStatus = &next
	c.mu.Unlock()

	c.publishStatus(next)
	c.SetPolling(false)
}

func (c *Coordinator) recordIrrigationEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasCurrent {
		return
	}

	c.lastIrrigationStart = c.currentStart
	c.lastIrrigationMinutes = c.currentMinutes
	c.hasLastIrrigation = true
	c.hasCurrent = false

	log.Info().
		Time("Start", c.lastIrrigationStart).
		Int("DurationMinutes", c.lastIrrigationMinutes).
		Msg("coordinator: irrigation session recorded")
}

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vgreco/go-galcon-bridge/galcon"
)

// Countdown keeps a local per-second irrigation countdown between polls. It
// arms itself from published statuses (an open valve with time remaining)
// and tells the coordinator when it hits zero, so the valve is reflected as
// closed without spending battery on a confirming poll.
type Countdown struct {
	coordinator *Coordinator

	mu      sync.Mutex
	endTime time.Time
}

func NewCountdown(c *Coordinator) *Countdown {
	cd := &Countdown{coordinator: c}
	c.RegisterStatusListener(cd.onStatus)

	return cd
}

// onStatus re-syncs the countdown whenever a fresh status is published. The
// device-reported remaining time always wins over the local estimate.
func (cd *Countdown) onStatus(st galcon.Status) {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if st.ValveOpen && st.TimeRemainingSeconds() > 0 {
		cd.endTime = time.Now().Add(time.Duration(st.TimeRemainingSeconds()) * time.Second)

		log.Debug().
			Int("RemainingSeconds", st.TimeRemainingSeconds()).
			Msg("countdown: armed from device status")
	} else {
		cd.endTime = time.Time{}
	}
}

// RemainingSeconds returns the local estimate of irrigation time left, 0
// when no countdown is running.
func (cd *Countdown) RemainingSeconds() int {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if cd.endTime.IsZero() {
		return 0
	}

	remaining := int(time.Until(cd.endTime).Seconds())

	if remaining < 0 {
		return 0
	}

	return remaining
}

// Render formats the remaining time as H:MM:SS, or M:SS under an hour.
// Idle renders as "00:00".
func (cd *Countdown) Render() string {
	total := cd.RemainingSeconds()

	if total <= 0 {
		return "00:00"
	}

	h := total / 3600
	m := total % 3600 / 60
	s := total % 60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}

	return fmt.Sprintf("%d:%02d", m, s)
}

// Run ticks every second until the context is cancelled, firing the expiry
// exactly once per armed countdown.
func (cd *Countdown) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cd.tick()
	}
}

func (cd *Countdown) tick() {
	cd.mu.Lock()
	expired := !cd.endTime.IsZero() && !time.Now().Before(cd.endTime)

	if expired {
		cd.endTime = time.Time{}
	}
	cd.mu.Unlock()

	if expired {
		cd.coordinator.CountdownExpired()
	}
}

package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Poller drives the coordinator's poll cycle on a timer. It is deliberately
// dumb: the coordinator decides the interval (including the stretched one
// while polling is disabled), the poller only ticks.
type Poller struct {
	coordinator *Coordinator
}

func NewPoller(c *Coordinator) *Poller {
	return &Poller{coordinator: c}
}

// Run polls until the context is cancelled. The interval is re-read on every
// cycle, and the coordinator's wake channel cuts the current wait short when
// polling is re-enabled mid-interval.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().
		Dur("Interval", p.coordinator.Interval()).
		Msg("poller: starting")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("poller: shutting down")
			return nil
		case <-time.After(p.coordinator.Interval()):
		case <-p.coordinator.pollWake:
			log.Debug().Msg("poller: woken up early")
		}

		if _, err := p.coordinator.RefreshStatus(ctx); err != nil {
			// only possible before the first successful poll; afterwards the
			// cached status absorbs failures.
			log.Warn().Err(err).Msg("poller: poll failed with nothing cached")
		}
	}
}

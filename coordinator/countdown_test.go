package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgreco/go-galcon-bridge/galcon"
)

func TestCountdown_ArmsFromOpenStatusAndDisarmsOnClose(t *testing.T) {
	c := New(&fakeDriver{}, time.Second)
	cd := NewCountdown(c)

	c.publishStatus(galcon.Status{ValveOpen: true, MinutesRemaining: 2, SecondsRemaining: 30})

	remaining := cd.RemainingSeconds()
	assert.InDelta(t, 150, remaining, 2, "countdown must track the device-reported remaining time")

	c.publishStatus(galcon.Status{})
	assert.Equal(t, 0, cd.RemainingSeconds())
	assert.Equal(t, "00:00", cd.Render())
}

func TestCountdown_RenderFormats(t *testing.T) {
	c := New(&fakeDriver{}, time.Second)
	cd := NewCountdown(c)

	assert.Equal(t, "00:00", cd.Render())

	c.publishStatus(galcon.Status{ValveOpen: true, MinutesRemaining: 5, SecondsRemaining: 4})
	assert.Equal(t, "5:03", cd.Render(), "truncation loses up to one second")

	c.publishStatus(galcon.Status{ValveOpen: true, HoursRemaining: 1, MinutesRemaining: 2, SecondsRemaining: 4})
	assert.Equal(t, "1:02:03", cd.Render())
}

func TestCountdown_ExpiryFiresExactlyOnce(t *testing.T) {
	driver := &fakeDriver{}
	c := New(driver, time.Second)
	c.SetPolling(true)

	cd := NewCountdown(c)

	// arm a countdown that is already past due
	cd.mu.Lock()
	cd.endTime = time.Now().Add(-time.Second)
	cd.mu.Unlock()

	var published int
	c.RegisterStatusListener(func(st galcon.Status) {
		published += 1
		assert.False(t, st.ValveOpen)
	})

	cd.tick()
	require.Equal(t, 1, published)
	assert.False(t, c.PollingEnabled(), "expiry disables polling until the next user action")

	// the countdown disarmed itself, further ticks are no-ops
	cd.tick()
	cd.tick()
	assert.Equal(t, 1, published)
}

func TestCountdown_ExpiryStatusDoesNotRearm(t *testing.T) {
	c := New(&fakeDriver{}, time.Second)
	cd := NewCountdown(c)

	cd.mu.Lock()
	cd.endTime = time.Now().Add(-time.Second)
	cd.mu.Unlock()

	cd.tick()

	// CountdownExpired published a closed status; the countdown saw it as a
	// listener and must stay disarmed.
	assert.Equal(t, 0, cd.RemainingSeconds())
}

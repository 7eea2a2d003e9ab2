package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vgreco/go-galcon-bridge/galcon"
)

// countingDriver is safe for use across goroutines, unlike fakeDriver.
type countingDriver struct {
	statusCalls int32
}

func (d *countingDriver) GetStatus(ctx context.Context) (galcon.Status, error) {
	atomic.AddInt32(&d.statusCalls, 1)
	return galcon.Status{Raw: []byte{0, 0, 0, 0, 0}}, nil
}

func (d *countingDriver) OpenValve(ctx context.Context, hours, minutes, seconds int) (*galcon.Status, error) {
	return nil, nil
}

func (d *countingDriver) CloseValve(ctx context.Context) (*galcon.Status, error) {
	return nil, nil
}

func (d *countingDriver) String() string {
	return "galcon[counting]"
}

func TestPoller_PollsPromptlyAfterEnablingPolling(t *testing.T) {
	driver := &countingDriver{}
	c := New(driver, 20*time.Millisecond)
	p := NewPoller(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	// polling starts disabled: the poller sits in the stretched interval
	// and the driver is never touched
	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&driver.statusCalls))

	// enabling must cut the in-flight wait short, not take effect at the
	// end of the stretched interval
	c.SetPolling(true)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&driver.statusCalls) > 0
	}, time.Second, 5*time.Millisecond, "no poll shortly after enabling polling")

	cancel()
	<-done
}

func TestPoller_StopsPollingWhenDisabled(t *testing.T) {
	driver := &countingDriver{}
	c := New(driver, 10*time.Millisecond)
	c.SetPolling(true)

	p := NewPoller(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&driver.statusCalls) > 0
	}, time.Second, 2*time.Millisecond)

	c.SetPolling(false)

	// let any in-flight cycle drain, then verify the driver goes quiet
	time.Sleep(30 * time.Millisecond)
	baseline := atomic.LoadInt32(&driver.statusCalls)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, baseline, atomic.LoadInt32(&driver.statusCalls),
		"driver polled while polling is disabled")

	cancel()
	<-done
}
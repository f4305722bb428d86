package sudokeep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingRunner counts refresh invocations.
type countingRunner struct {
	count atomic.Int64
}

func (c *countingRunner) Run(context.Context, string, ...string) ([]byte, error) {
	c.count.Add(1)
	return nil, nil
}

// TestStartRefreshesUntilStopped verifies the loop refreshes periodically and
// terminates when stopped.
func TestStartRefreshesUntilStopped(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{}
	stop := Start(context.Background(), &Options{
		Interval: 5 * time.Millisecond,
		Runner:   runner,
	})

	require.Eventually(t, func() bool {
		return runner.count.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	stop()
	settled := runner.count.Load()

	// No refreshes after stop returns.
	time.Sleep(25 * time.Millisecond)
	require.Equal(t, settled, runner.count.Load())

	// Stop is idempotent.
	stop()
}

// TestStartStopsOnContextCancel ties the loop to the parent context.
func TestStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := &countingRunner{}

	stop := Start(ctx, &Options{
		Interval: 5 * time.Millisecond,
		Runner:   runner,
	})

	cancel()

	// stop must return promptly once the context is cancelled.
	finished := make(chan struct{})

	go func() {
		stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("keep-alive loop did not stop after context cancellation")
	}
}

package sudokeep

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/macfleet/priv-bootstrap/internal/logger"
	"github.com/macfleet/priv-bootstrap/internal/sysexec"
)

const (
	// sudoTool re-asserts cached credentials without prompting.
	sudoTool = "/usr/bin/sudo"

	// DefaultInterval is how often credentials are refreshed. The sudo
	// timestamp lives for five minutes by default, so one minute is plenty.
	DefaultInterval = time.Minute
)

// Options controls the keep-alive loop.
type Options struct {
	// Interval between credential refreshes.
	Interval time.Duration
	// Runner executes the refresh command; nil uses real commands.
	Runner sysexec.Runner
}

// Start launches a background loop that re-asserts elevated credentials
// until the returned stop function is called or ctx is cancelled. The loop
// also exits on its own when the parent process disappears, so a dead
// invoking shell never leaves a refresh loop behind. stop blocks until the
// loop has terminated and is safe to call multiple times.
func Start(ctx context.Context, opts *Options) (stop func()) {
	if opts == nil {
		opts = &Options{}
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	runner := opts.Runner
	if runner == nil {
		runner = sysexec.ExecRunner{}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go run(loopCtx, runner, interval, done)

	var once sync.Once

	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// run is the refresh loop body.
func run(ctx context.Context, runner sysexec.Runner, interval time.Duration, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	parentPID := os.Getppid()

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "Privilege keep-alive stopped")
			return
		case <-ticker.C:
			if !parentAlive(parentPID) {
				logger.Warnf(ctx, "Parent process %d is gone, stopping keep-alive", parentPID)
				return
			}

			if output, err := runner.Run(ctx, sudoTool, "-n", "-v"); err != nil {
				logger.WarnKV(ctx, "Privilege refresh failed",
					"error", err, "output", string(output))
			}
		}
	}
}

// parentAlive reports whether the invoking process still exists.
func parentAlive(pid int) bool {
	process, err := ps.FindProcess(pid)

	return err == nil && process != nil
}

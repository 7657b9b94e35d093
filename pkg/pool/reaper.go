package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"warden/pkg/logx"
)

// DefaultReapInterval is how often the reaper sweeps when unconfigured.
const DefaultReapInterval = 5 * time.Minute

// Reaper periodically sweeps the pool for dead workers. Sweeps never
// overlap: a slow sweep causes the next tick to be skipped, not queued.
type Reaper struct {
	pool     *Pool
	interval time.Duration
	sched    *cron.Cron
	logger   *logx.Logger
}

// NewReaper creates a reaper for the pool. A non-positive interval falls
// back to DefaultReapInterval.
func NewReaper(pool *Pool, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		pool:     pool,
		interval: interval,
		logger:   logx.NewLogger("pool"),
	}
}

// Start schedules the recurring sweep. Calling Start on a running reaper
// is a no-op.
func (r *Reaper) Start() error {
	if r.sched != nil {
		return nil
	}

	sched := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{r.logger}),
	))
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := sched.AddFunc(spec, r.sweep); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	sched.Start()
	r.sched = sched
	r.logger.Info("Reaper started (interval=%s)", r.interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.sched == nil {
		return
	}
	ctx := r.sched.Stop()
	<-ctx.Done()
	r.sched = nil
	r.logger.Info("Reaper stopped")
}

// sweep runs one reap pass. Errors never escape a sweep.
func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	survivors := r.pool.Reap(ctx)
	r.logger.Debug("Reap sweep complete, %d worker(s) alive", len(survivors))
}

// cronLogger adapts logx to the cron.Logger contract.
type cronLogger struct {
	logger *logx.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("%s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Warn("%s: %v %v", msg, err, keysAndValues)
}

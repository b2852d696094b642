package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"LeadNurture/internal/ports"
	"LeadNurture/pkg/logger"
)

// CronScheduler fires the scheduler tick on a robfig/cron schedule. Overlapping
// firings are skipped, and a panicking tick is logged instead of killing the process.
type CronScheduler struct {
	spec       string
	loc        *time.Location
	log        *slog.Logger
	runOnStart bool

	mu   sync.Mutex
	cron *cron.Cron
	stop chan struct{}
	wg   sync.WaitGroup
}

var _ ports.Driver = (*CronScheduler)(nil)

// Option customises a CronScheduler.
type Option func(*CronScheduler)

// WithLocation evaluates cron expressions in loc.
func WithLocation(loc *time.Location) Option {
	return func(c *CronScheduler) { c.loc = loc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *CronScheduler) { c.log = log }
}

// WithRunOnStart fires the job once immediately after Start.
func WithRunOnStart(v bool) Option {
	return func(c *CronScheduler) { c.runOnStart = v }
}

// Every renders a fixed interval as a cron spec.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// NewCronScheduler builds a scheduler configured via cron expression string.
func NewCronScheduler(spec string, opts ...Option) *CronScheduler {
	c := &CronScheduler{spec: spec, loc: time.UTC, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start registers job and starts the cron loop. It stops on its own when ctx ends.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	cl := logger.Cron(c.log)
	cr := cron.New(
		cron.WithLocation(c.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := cr.AddFunc(c.spec, func() { job(time.Now().In(c.loc)) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", c.spec, err)
	}

	c.cron = cr
	c.stop = make(chan struct{})
	cr.Start()
	c.log.Info("tick driver started", "schedule", c.spec, "location", c.loc.String())

	if c.runOnStart {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			job(time.Now().In(c.loc))
		}()
	}

	stop := c.stop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			_ = c.Stop(context.WithoutCancel(ctx))
		case <-stop:
		}
	}()

	return nil
}

// Stop halts the cron loop and waits for a running tick to return or ctx to end.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cron == nil {
		c.mu.Unlock()
		return nil
	}
	done := c.cron.Stop()
	close(c.stop)
	c.cron = nil
	c.mu.Unlock()

	select {
	case <-done.Done():
		c.log.Info("tick driver stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every goroutine started by Start has exited.
func (c *CronScheduler) Wait() {
	c.wg.Wait()
}

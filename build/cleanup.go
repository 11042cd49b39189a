package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/store"
)

// Cleanup periodically deletes builds that were inserted but never
// durably scheduled on a worker, which happens when the process crashes
// between the insert and the worker call. The grace window keeps it from
// racing an in-flight creation.
type Cleanup struct {
	builds   store.Repository[*Build]
	age      time.Duration
	schedule string
	logger   *slog.Logger
	clock    func() time.Time
	cron     *cron.Cron
}

// CleanupOption configures a Cleanup.
type CleanupOption func(*Cleanup)

// WithCleanupLogger sets the logger.
func WithCleanupLogger(logger *slog.Logger) CleanupOption {
	return func(c *Cleanup) { c.logger = logger }
}

// WithCleanupAge overrides the grace window.
func WithCleanupAge(age time.Duration) CleanupOption {
	return func(c *Cleanup) { c.age = age }
}

// WithCleanupSchedule overrides the cron schedule spec.
func WithCleanupSchedule(spec string) CleanupOption {
	return func(c *Cleanup) { c.schedule = spec }
}

// WithCleanupClock overrides the time source. Used in tests.
func WithCleanupClock(clock func() time.Time) CleanupOption {
	return func(c *Cleanup) { c.clock = clock }
}

// NewCleanup builds the sweep over the build repository.
func NewCleanup(builds store.Repository[*Build], opts ...CleanupOption) *Cleanup {
	c := &Cleanup{
		builds:   builds,
		age:      tract.DefaultConfig().BuildCleanupAge,
		schedule: "@every 1m",
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start schedules the recurring sweep.
func (c *Cleanup) Start() error {
	c.cron = cron.New()
	_, err := c.cron.AddFunc(c.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Sweep(ctx); err != nil {
			c.logger.Error("build cleanup sweep", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("build: schedule cleanup: %w", err)
	}
	c.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (c *Cleanup) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// Sweep deletes uninitialized builds older than the grace window.
func (c *Cleanup) Sweep(ctx context.Context) error {
	cutoff := c.clock().UTC().Add(-c.age)
	n, err := c.builds.DeleteAll(ctx, store.And(
		store.Eq("initialized", false),
		store.Lt("date_created", cutoff)))
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("removed abandoned builds", slog.Int64("count", n))
	}
	return nil
}

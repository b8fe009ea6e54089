// Package scheduler triggers advance passes on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Signaler receives a trigger per tick.
type Signaler interface {
	Continue(ctx context.Context) error
}

// Scheduler ticks in UTC and never overlaps a tick with the previous one.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	logger   *zap.Logger
}

// New parses spec (five-field or descriptor such as "@every 5m") and binds
// each tick to target.
func New(ctx context.Context, spec string, target Signaler, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron expression %q: %w", spec, err)
	}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	s := &Scheduler{cron: c, schedule: schedule, spec: spec, logger: logger}
	c.Schedule(schedule, cron.FuncJob(func() {
		if err := target.Continue(ctx); err != nil {
			s.logger.Warn("scheduled trigger failed", zap.String("schedule", spec), zap.Error(err))
			return
		}
		s.logger.Debug("scheduled trigger", zap.String("schedule", spec))
	}))
	return s, nil
}

// Next returns the first tick after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now.UTC())
}

// Run starts the schedule and blocks until ctx ends, then waits for a
// running tick to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.String("schedule", s.spec), zap.Time("next_run", s.Next(time.Now())))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

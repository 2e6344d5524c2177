// Package scheduler runs the poll cycle on a timer.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tasksift/internal/engine"
)

const defaultInterval = 5 * time.Minute

// Cycle runs one poll cycle.
type Cycle func(ctx context.Context) (engine.PollResult, error)

// Stats counts what the scheduler did so far.
type Stats struct {
	Runs    int64
	Skipped int64
	Failed  int64
}

// Scheduler fires Cycle every Interval. A tick that lands while the previous
// cycle is still running is skipped.
type Scheduler struct {
	Interval time.Duration
	Cycle    Cycle
	Logger   *slog.Logger

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run ticks until ctx is done, then waits for an in-flight cycle to return.
// The first cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var g errgroup.Group
	s.tick(ctx, &g)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-ticker.C:
			s.tick(ctx, &g)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, g *errgroup.Group) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger().Debug("poll cycle still running, skipping tick")
		return
	}
	g.Go(func() error {
		defer s.running.Store(false)
		s.runs.Add(1)
		started := time.Now()
		res, err := s.Cycle(ctx)
		if err != nil {
			s.failed.Add(1)
			s.logger().Warn("poll cycle failed", "error", err, "duration", time.Since(started))
			return nil
		}
		s.logger().Info("poll cycle complete",
			"connection_id", res.ConnectionID,
			"new_candidates", res.NewCandidates,
			"evaluated", res.Evaluated,
			"discarded", res.Discarded,
			"duration", time.Since(started),
		)
		return nil
	})
}

func (s *Scheduler) Stats() Stats {
	return Stats{Runs: s.runs.Load(), Skipped: s.skipped.Load(), Failed: s.failed.Load()}
}

// Package scheduler drives recurring crawl runs over pending pages.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/pipeline"
)

// PageProcessor consumes a claimed batch of pages.
type PageProcessor interface {
	ProcessClaimed(ctx context.Context, pages []pipeline.PageRecord)
}

// Config controls trigger behavior.
type Config struct {
	// Interval between scheduled runs.
	Interval time.Duration
	// MisfireGrace bounds how late a tick may fire and still run; later
	// ticks coalesce with the next scheduled run.
	MisfireGrace time.Duration
}

// Scheduler fires a run at a fixed interval with at-most-one-concurrent-run
// semantics. Pages are claimed (pending flipped to processing) in the same
// statement that selects them, so a manual trigger overlapping a scheduled
// run can never process the same page twice.
type Scheduler struct {
	store     pipeline.RecordStore
	processor PageProcessor
	clock     pipeline.Clock
	metrics   *metrics.Metrics
	cfg       Config
	running   atomic.Bool
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New(
	store pipeline.RecordStore,
	processor PageProcessor,
	clock pipeline.Clock,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:     store,
		processor: processor,
		clock:     clock,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, firing runs on the interval until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if late := s.clock.Now().Sub(tick); late > s.cfg.MisfireGrace {
				s.logger.Warn("tick missed grace window, coalescing", zap.Duration("late", late))
				continue
			}
			s.runOnce(ctx)
		}
	}
}

// runOnce executes a single scheduled run unless one is already in flight.
func (s *Scheduler) runOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("previous run still executing, skipping tick")
		return
	}
	defer s.running.Store(false)

	pages, err := s.store.ClaimPending(ctx)
	if err != nil {
		s.logger.Error("claim pending pages failed", zap.Error(err))
		return
	}
	if len(pages) == 0 {
		return
	}
	s.logger.Info("scheduled run started", zap.Int("pages", len(pages)))
	s.process(ctx, pages)
}

// RunNow claims pending pages for an on-demand run and processes them in the
// background, returning the claimed count immediately.
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	pages, err := s.store.ClaimPending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, nil
	}
	s.logger.Info("manual run started", zap.Int("pages", len(pages)))
	// Detach from the request context so caller disconnects do not abort
	// the run.
	go s.process(context.WithoutCancel(ctx), pages)
	return len(pages), nil
}

func (s *Scheduler) process(ctx context.Context, pages []pipeline.PageRecord) {
	s.metrics.RunsInFlight.Inc()
	defer s.metrics.RunsInFlight.Dec()
	start := s.clock.Now()
	s.processor.ProcessClaimed(ctx, pages)
	s.metrics.RunDuration.Observe(s.clock.Now().Sub(start).Seconds())
}

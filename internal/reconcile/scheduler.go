package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSchedulerInterval = time.Minute

// Scheduler runs periodic reconciliation passes in the background. It is the
// single caller of Reconciler.Run in a deployed process, which serializes
// queue drains: a tick that lands while a pass is still running is skipped,
// not queued.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *zap.Logger

	mu        sync.Mutex
	running   bool
	inFlight  bool
	lastRunAt time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// SchedulerConfig carries the settings for a Scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *zap.Logger
}

// NewScheduler returns a Scheduler; a nil interval defaults to one minute.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Reconciler == nil {
		return nil, newReconcileError("reconcile.scheduler.new", "missing_reconciler", errMissingQueue)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}, nil
}

// Start launches the background loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("sync scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight pass to finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	s.logger.Info("sync scheduler stopped")
}

// RunNow triggers an immediate pass, subject to the same serialization as
// timed passes. Returns false when a pass was already in flight.
func (s *Scheduler) RunNow(ctx context.Context) (Report, bool, error) {
	if !s.tryAcquire() {
		return Report{}, false, nil
	}
	defer s.release()

	report, err := s.reconciler.Run(ctx)
	return report, true, err
}

// LastRunAt reports when the last pass finished; zero before the first pass.
func (s *Scheduler) LastRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunAt
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.tryAcquire() {
				s.logger.Debug("reconciliation still running, skipping tick")
				continue
			}
			if _, err := s.reconciler.Run(ctx); err != nil {
				s.logger.Error("scheduled reconciliation failed", zap.Error(err))
			}
			s.release()
		}
	}
}

func (s *Scheduler) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.inFlight = false
	s.lastRunAt = time.Now()
	s.mu.Unlock()
}

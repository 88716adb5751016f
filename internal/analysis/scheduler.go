package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
)

// Scheduler advances all in-flight analyses on a fixed interval.
// Ticks run on a single goroutine and never overlap.
type Scheduler struct {
	workflow interfaces.AnalysisWorkflow
	interval time.Duration
	metrics  *monitoring.MetricsCollector
	logger   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler ticking every interval
func NewScheduler(workflow interfaces.AnalysisWorkflow, interval time.Duration, metrics *monitoring.MetricsCollector, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		workflow: workflow,
		interval: interval,
		metrics:  metrics,
		logger:   log,
	}
}

// Start launches the tick loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)

	s.logger.WithComponent("scheduler").WithField("interval", s.interval.String()).Info("Progress scheduler started")
}

// Stop halts the loop and waits for an in-flight tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.logger.WithComponent("scheduler").Info("Progress scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			s.Tick(ctx, elapsed)
		}
	}
}

// Tick advances every tracked analysis by elapsed. Errors are logged and
// counted; they never stop the loop.
func (s *Scheduler) Tick(ctx context.Context, elapsed time.Duration) error {
	start := time.Now()
	err := s.workflow.AdvanceAll(ctx, elapsed)
	took := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordTick(err == nil)
	}
	if err != nil {
		s.logger.WithComponent("scheduler").WithError(err).Error("Progress tick failed")
	}
	// a tick outlasting the interval delays the next one
	if took >= s.interval {
		s.logger.Performance("progress_tick", took.Milliseconds(), map[string]interface{}{
			"elapsed_ms":  elapsed.Milliseconds(),
			"interval_ms": s.interval.Milliseconds(),
		})
	}
	return err
}

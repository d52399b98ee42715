package optimization

import (
	"context"
	"sync"
	"time"

	"github.com/handit-ai/handit-core/internal/logging"
	"go.uber.org/zap"
)

// Weekly is the weekly pass run by a Scheduler.
type Weekly interface {
	RunWeeklyOptimization(ctx context.Context) (*WeeklyReport, error)
}

// Scheduler runs the weekly pass on a ticker until stopped.
type Scheduler struct {
	job      Weekly
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(job Weekly, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	return &Scheduler{job: job, interval: interval, log: logging.OrNop(log)}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.job.RunWeeklyOptimization(ctx); err != nil && ctx.Err() == nil {
					s.log.Error("scheduled optimization failed", zap.Error(err))
				}
			}
		}
	}(s.done)
	s.log.Info("optimization scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for a running pass to return.
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
}

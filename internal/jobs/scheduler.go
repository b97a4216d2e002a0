package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Intervals struct {
	Lockout  time.Duration
	Cleanup  time.Duration
	Deletion time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Lockout: 5 * time.Minute, Cleanup: 24 * time.Hour, Deletion: 24 * time.Hour}
}

// Scheduler drives a Runner on tickers. Each job runs in its own goroutine,
// so a slow run delays only later ticks of the same job.
type Scheduler struct {
	r   *Runner
	iv  Intervals
	log *zap.Logger
}

func NewScheduler(r *Runner, iv Intervals, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{r: r, iv: iv, log: log}
}

// Run blocks until ctx is cancelled and all in-flight runs have returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(name string, every time.Duration, fn func(context.Context)) {
		if every <= 0 {
			s.log.Info("job disabled", zap.String("job", name))
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, name, every, fn)
		}()
	}
	start("lockout", s.iv.Lockout, func(ctx context.Context) { s.r.Lockout(ctx) })
	start("cleanup", s.iv.Cleanup, func(ctx context.Context) { s.r.Cleanup(ctx) })
	start("deletion", s.iv.Deletion, func(ctx context.Context) { s.r.Deletion(ctx) })
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context)) {
	t := time.NewTicker(every)
	defer t.Stop()
	s.log.Info("job scheduled", zap.String("job", name), zap.Duration("every", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.runOnce(ctx, name, fn)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("job panicked", zap.String("job", name), zap.Any("panic", rec))
		}
	}()
	started := time.Now()
	fn(ctx)
	s.log.Debug("job run", zap.String("job", name), zap.Duration("took", time.Since(started)))
}

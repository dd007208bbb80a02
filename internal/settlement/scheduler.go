package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/custody-ledger/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a periodic pass. A task never runs concurrently with itself.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type fatalError struct{ err error }

func (f *fatalError) Error() string { return "fatal: " + f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks err as unsafe to retry. It stops the scheduler.
func Fatal(err error) error { return &fatalError{err: err} }

func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// Scheduler feeds each task's ticks through a bounded queue to a single
// runner goroutine. Ticks that find the queue full are dropped and counted.
type Scheduler struct {
	tasks     []Task
	queueSize int
	m         *metrics.Metrics
	log       *zap.SugaredLogger
}

func NewScheduler(queueSize int, m *metrics.Metrics, log *zap.SugaredLogger) *Scheduler {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Scheduler{queueSize: queueSize, m: m, log: log}
}

func (s *Scheduler) Add(t Task) { s.tasks = append(s.tasks, t) }

// Run blocks until ctx is canceled or a task returns a fatal error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		queue := make(chan time.Time, s.queueSize)
		queue <- time.Now()
		g.Go(func() error { return s.tick(ctx, t, queue) })
		g.Go(func() error { return s.run(ctx, t, queue) })
	}
	return g.Wait()
}

func (s *Scheduler) tick(ctx context.Context, t Task, queue chan<- time.Time) error {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			select {
			case queue <- now:
			default:
				s.m.DroppedTicks.WithLabelValues(t.Name).Inc()
				s.log.Warnw("pass still running, tick dropped", "task", t.Name, "interval", t.Interval)
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t Task, queue <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-queue:
		}
		start := time.Now()
		s.log.Debugw("pass started", "task", t.Name)
		err := t.Run(ctx)
		took := time.Since(start)
		s.m.PassDuration.WithLabelValues(t.Name).Observe(took.Seconds())
		if took > t.Interval {
			s.log.Warnw("pass slower than its interval", "task", t.Name, "took", took, "interval", t.Interval)
		}
		switch {
		case err == nil:
			s.log.Debugw("pass finished", "task", t.Name, "took", took)
		case IsFatal(err):
			s.log.Errorw("pass failed fatally, stopping", "task", t.Name, "error", err)
			return err
		case ctx.Err() != nil:
			return nil
		default:
			s.m.PassErrors.WithLabelValues(t.Name).Inc()
			s.log.Errorw("pass aborted", "task", t.Name, "error", err)
		}
	}
}

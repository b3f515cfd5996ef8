package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopTimeout reports in-flight ticks that outlived the stop budget.
var ErrStopTimeout = errors.New("scheduler stop timed out")

// Task is one periodic background job.
// Params: unique name for logs, tick interval, and job body.
// Returns: task descriptor consumed by Scheduler.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs tasks on independent tickers until stopped.
// A tick never overlaps the previous tick of the same task.
type Scheduler struct {
	tasks       []Task
	logger      *slog.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a scheduler; tasks with non-positive interval or nil body are rejected.
// Params: logger, graceful stop budget, task list.
// Returns: scheduler or validation error.
func New(logger *slog.Logger, stopTimeout time.Duration, tasks ...Task) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task.Name == "" || task.Run == nil {
			return nil, fmt.Errorf("scheduler task requires name and body")
		}
		if task.Interval <= 0 {
			return nil, fmt.Errorf("scheduler task %s: interval must be > 0", task.Name)
		}
		if _, ok := seen[task.Name]; ok {
			return nil, fmt.Errorf("scheduler task %s registered twice", task.Name)
		}
		seen[task.Name] = struct{}{}
	}
	return &Scheduler{tasks: tasks, logger: logger, stopTimeout: stopTimeout}, nil
}

// Start launches one goroutine per task. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(runCtx, task)
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTask(ctx, task)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("scheduled task panicked", "task", task.Name, "panic", fmt.Sprint(recovered))
		}
	}()
	if err := task.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled task failed", "task", task.Name, "error", err.Error())
	}
}

// RunOnce executes every task once, sequentially, in registration order.
// Params: context for task bodies.
// Returns: joined task errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, task := range s.tasks {
		if err := task.Run(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Stop cancels loops and waits for in-flight ticks.
// Params: none.
// Returns: ErrStopTimeout when ticks do not finish within the stop budget.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if s.stopTimeout <= 0 {
		<-done
		return nil
	}
	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-timer.C:
		s.logger.Warn("scheduler stop timed out", "timeout", s.stopTimeout.String())
		return ErrStopTimeout
	}
}

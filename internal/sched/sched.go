// Package sched runs registered periodic tasks with retry, time limits,
// and single-flight execution. One scheduler owns all background work in
// the monitor process.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zouzh14/explicandum-core/internal/idgen"
	"github.com/zouzh14/explicandum-core/internal/metrics"
	"github.com/zouzh14/explicandum-core/internal/retry"
	"github.com/zouzh14/explicandum-core/internal/traces"
)

// RunState is the lifecycle state of one task run.
type RunState string

const (
	StateQueued    RunState = "queued"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

var (
	// ErrUnknownTask is returned when triggering a task that was never registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrAlreadyRunning is returned when a run is requested while one is in flight.
	ErrAlreadyRunning = errors.New("task already running")
	// errHardLimit marks an attempt abandoned at the hard time limit.
	errHardLimit = errors.New("hard time limit exceeded")
)

// Task is a registered unit of periodic work. The handler must honor
// context cancellation: the soft limit cancels its context, and the hard
// limit abandons it outright.
type Task struct {
	Name      string
	Interval  time.Duration
	SoftLimit time.Duration
	HardLimit time.Duration
	Retry     retry.Policy
	Handler   func(ctx context.Context) error
}

// Run records one execution of a task, kept for introspection.
type Run struct {
	ID         string     `json:"id"`
	Task       string     `json:"task"`
	Trigger    string     `json:"trigger"` // "interval" or "manual"
	State      RunState   `json:"state"`
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// historySize bounds the per-task run history ring.
const historySize = 32

type taskState struct {
	task     Task
	inFlight atomic.Bool

	mu      sync.Mutex
	nextRun time.Time
	current *Run
	history []*Run // newest first
}

func (ts *taskState) record(run *Run) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.current = nil
	ts.history = append([]*Run{run}, ts.history...)
	if len(ts.history) > historySize {
		ts.history = ts.history[:historySize]
	}
}

// Scheduler owns the registered tasks and their interval loops.
type Scheduler struct {
	mu     sync.RWMutex
	tasks  map[string]*taskState
	order  []string
	logger *slog.Logger

	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates an empty scheduler. Register tasks before calling Start.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:  make(map[string]*taskState),
		logger: slog.Default(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. Names must be unique; the interval and handler
// are mandatory.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.Name)
	}
	if task.Handler == nil {
		return fmt.Errorf("task %s: handler is required", task.Name)
	}
	if task.HardLimit > 0 && task.SoftLimit > 0 && task.HardLimit <= task.SoftLimit {
		return fmt.Errorf("task %s: hard limit must exceed soft limit", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %s: already registered", task.Name)
	}
	s.tasks[task.Name] = &taskState{task: task}
	s.order = append(s.order, task.Name)
	return nil
}

// Start launches one interval loop per registered task. It returns
// immediately; Stop blocks until all loops have exited.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.mu.RLock()
	states := make([]*taskState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.tasks[name])
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ts := range states {
		wg.Add(1)
		go func(ts *taskState) {
			defer wg.Done()
			s.loop(ctx, ts)
		}(ts)
		s.logger.Info("scheduled task",
			"task", ts.task.Name, "interval", ts.task.Interval)
	}

	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// Stop signals all loops to exit and waits for them.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context, ts *taskState) {
	ticker := time.NewTicker(ts.task.Interval)
	defer ticker.Stop()

	ts.mu.Lock()
	ts.nextRun = time.Now().Add(ts.task.Interval)
	ts.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			ts.mu.Lock()
			ts.nextRun = time.Now().Add(ts.task.Interval)
			ts.mu.Unlock()
			if _, err := s.execute(ctx, ts, "interval"); errors.Is(err, ErrAlreadyRunning) {
				s.logger.Warn("skipping tick, previous run still in flight", "task", ts.task.Name)
			}
		}
	}
}

// TriggerNow runs a task immediately and synchronously, outside its
// interval. Returns ErrAlreadyRunning if a run is already in flight.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) (*Run, error) {
	s.mu.RLock()
	ts, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, ts, "manual")
}

// execute performs one run of the task: single-flight guarded, with the
// task's retry policy applied across attempts.
func (s *Scheduler) execute(ctx context.Context, ts *taskState, trigger string) (*Run, error) {
	if !ts.inFlight.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, ts.task.Name)
	}
	defer ts.inFlight.Store(false)

	run := &Run{
		ID:        idgen.WithPrefix("run_"),
		Task:      ts.task.Name,
		Trigger:   trigger,
		State:     StateRunning,
		StartedAt: time.Now().UTC(),
	}
	ts.mu.Lock()
	ts.current = run
	ts.mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "sched.run", traces.TaskName(ts.task.Name))
	defer span.End()

	logger := s.logger.With("task", ts.task.Name, "run_id", run.ID)
	logger.Info("task run started", "trigger", trigger)

	err := s.runAttempts(ctx, ts, run, logger)

	// While ts.current points at this run, Status may be snapshotting it;
	// every field write after publication happens under ts.mu.
	now := time.Now().UTC()
	ts.mu.Lock()
	run.FinishedAt = &now
	if err != nil {
		run.State = StateFailed
		run.Error = err.Error()
	} else {
		run.State = StateSucceeded
	}
	ts.mu.Unlock()

	if err != nil {
		metrics.SchedulerRunsTotal.WithLabelValues(ts.task.Name, "failed").Inc()
		logger.Error("task run failed", "attempts", run.Attempts, "error", err)
	} else {
		metrics.SchedulerRunsTotal.WithLabelValues(ts.task.Name, "succeeded").Inc()
		logger.Info("task run succeeded",
			"attempts", run.Attempts, "duration", now.Sub(run.StartedAt))
	}
	ts.record(run)
	return run, err
}

func (s *Scheduler) runAttempts(ctx context.Context, ts *taskState, run *Run, logger *slog.Logger) error {
	task := ts.task
	maxAttempts := task.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ts.mu.Lock()
		run.Attempts = attempt
		ts.mu.Unlock()
		err = s.attempt(ctx, task, logger)
		if err == nil {
			return nil
		}
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts {
			break
		}

		delay := task.Retry.Delay(attempt)
		metrics.SchedulerRetriesTotal.WithLabelValues(task.Name).Inc()
		logger.Warn("task attempt failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return errors.New("scheduler stopping")
		case <-time.After(delay):
		}
	}
	return err
}

// attempt runs the handler once. The soft limit cancels the handler's
// context; the hard limit abandons the handler goroutine entirely and
// fails the attempt.
func (s *Scheduler) attempt(ctx context.Context, task Task, logger *slog.Logger) error {
	attemptCtx := ctx
	if task.SoftLimit > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, task.SoftLimit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- task.Handler(attemptCtx)
	}()

	if task.HardLimit <= 0 {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	hardTimer := time.NewTimer(task.HardLimit)
	defer hardTimer.Stop()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warn("task hit soft time limit", "soft_limit", task.SoftLimit)
		}
		return err
	case <-hardTimer.C:
		// The handler goroutine is abandoned; it keeps its cancelled
		// context and is expected to unwind on its own.
		logger.Error("task hit hard time limit, abandoning attempt",
			"hard_limit", task.HardLimit)
		return errHardLimit
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskStatus is the introspection view of one registered task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	NextRun   *time.Time    `json:"nextRun,omitempty"`
	Current   *Run          `json:"current,omitempty"`
	LastRun   *Run          `json:"lastRun,omitempty"`
	Recent    []*Run        `json:"recent,omitempty"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// Status reports every registered task in registration order.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.order))
	for _, name := range s.order {
		ts := s.tasks[name]

		ts.mu.Lock()
		st := TaskStatus{
			Name:     name,
			Interval: ts.task.Interval,
			Running:  ts.inFlight.Load(),
			Recent:   append([]*Run(nil), ts.history...),
		}
		if ts.current != nil {
			// Copy: the executing goroutine keeps writing to the live run.
			cur := *ts.current
			st.Current = &cur
		}
		if !ts.nextRun.IsZero() {
			next := ts.nextRun
			st.NextRun = &next
		}
		if len(ts.history) > 0 {
			st.LastRun = ts.history[0]
		}
		for _, run := range ts.history {
			switch run.State {
			case StateSucceeded:
				st.Succeeded++
			case StateFailed:
				st.Failed++
			}
		}
		ts.mu.Unlock()

		out = append(out, st)
	}
	return out
}

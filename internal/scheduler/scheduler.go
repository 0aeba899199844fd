// Package scheduler owns the engine's named periodic tasks.
//
// Tasks run on robfig/cron with panic recovery and overlap skipping, so a
// slow or failing tick never stacks up or takes the process down. Stop
// cancels the context handed to every task and waits for running ones.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrDuplicateTask is returned when a task name is registered twice.
var ErrDuplicateTask = errors.New("scheduler: duplicate task name")

// Task is one periodic unit of work.
type Task func(ctx context.Context)

type task struct {
	name  string
	every time.Duration
	fn    Task
}

// interval fires every d from the previous run. cron.Every truncates to
// whole seconds; ticks here may be shorter.
type interval time.Duration

func (i interval) Next(t time.Time) time.Time { return t.Add(time.Duration(i)) }

// Scheduler runs named tasks at fixed intervals.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []task
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
	logger  *slog.Logger
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers a task. Tasks added while running start on the next Start.
func (s *Scheduler) Add(name string, every time.Duration, fn Task) error {
	if every <= 0 {
		return errors.New("scheduler: interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return ErrDuplicateTask
		}
	}
	s.tasks = append(s.tasks, task{name: name, every: every, fn: fn})
	return nil
}

// Start begins running every registered task. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	runCtx, cancel := context.WithCancel(ctx)
	for _, t := range s.tasks {
		t := t
		c.Schedule(interval(t.every), cron.FuncJob(func() {
			if runCtx.Err() != nil {
				return
			}
			t.fn(runCtx)
		}))
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels all tasks and waits for running ones to return. The
// scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel, s.running = nil, nil, false
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Running reports whether tasks are scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Names returns the registered task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.name)
	}
	sort.Strings(out)
	return out
}

// cronLogger adapts slog to cron.Logger. Info is demoted to debug since
// cron logs every wake-up.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

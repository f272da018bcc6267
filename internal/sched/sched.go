// Package sched runs a fixed set of named tasks the way a small real-time
// kernel would: tasks are created before the scheduler starts, launched in
// priority order, and stopped together.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrStarted   = errors.New("sched: scheduler already started")
	ErrDuplicate = errors.New("sched: duplicate task name")
	ErrNoEntry   = errors.New("sched: task has no entry point")
)

// Task is a unit of work owned by the scheduler. Entry must return when ctx
// is cancelled.
type Task struct {
	Name      string
	Priority  int
	StackHint int // bytes; recorded only
	Entry     func(ctx context.Context) error
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name       string `json:"name"`
	Priority   int    `json:"priority"`
	StackHint  int    `json:"stack_hint"`
	Running    bool   `json:"running"`
	StartOrder int    `json:"start_order"` // 1-based launch position, 0 before Start
}

// Scheduler launches tasks and tears them down as a group.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	running map[string]bool
	order   map[string]int
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
	err     error
	logger  zerolog.Logger
}

// New creates an empty scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		running: make(map[string]bool),
		order:   make(map[string]int),
		logger:  logger.With().Str("component", "sched").Logger(),
	}
}

// Create registers a task. It fails once the scheduler has started.
func (s *Scheduler) Create(t Task) error {
	if t.Entry == nil {
		return fmt.Errorf("%w: %q", ErrNoEntry, t.Name)
	}
	if t.Name == "" {
		return errors.New("sched: task name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("%w: %q", ErrDuplicate, t.Name)
		}
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Start launches every task, highest priority first, and returns immediately.
// Ties keep creation order. When any task returns an error the group context
// is cancelled and the rest wind down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	s.started = true

	ordered := make([]Task, len(s.tasks))
	copy(ordered, s.tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	s.done = make(chan struct{})

	for i, t := range ordered {
		s.running[t.Name] = true
		s.order[t.Name] = i + 1
		s.logger.Debug().Str("task", t.Name).Int("priority", t.Priority).Msg("task started")
		g.Go(func() error {
			err := t.Entry(gctx)
			s.mu.Lock()
			s.running[t.Name] = false
			s.mu.Unlock()
			if err != nil && !isContextErr(err) {
				s.logger.Error().Err(err).Str("task", t.Name).Msg("task failed")
				return fmt.Errorf("task %s: %w", t.Name, err)
			}
			return nil
		})
	}

	go func() {
		s.err = g.Wait()
		close(s.done)
	}()

	return nil
}

// Stop cancels all tasks and waits for them. It returns the first task error
// that was not a context cancellation. Stop before Start is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return s.err
}

// Done is closed once every task has returned.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return make(chan struct{})
	}
	return s.done
}

// Tasks lists the registered tasks in creation order.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskInfo{
			Name:       t.Name,
			Priority:   t.Priority,
			StackHint:  t.StackHint,
			Running:    s.running[t.Name],
			StartOrder: s.order[t.Name],
		})
	}
	return out
}

// Every calls fn once per period until ctx is cancelled or fn fails. When fn
// runs past one or more tick boundaries, onOverrun (if set) receives the
// number of missed ticks and those ticks are dropped rather than replayed.
func Every(ctx context.Context, period time.Duration, fn func(ctx context.Context) error, onOverrun func(missed int)) error {
	if period <= 0 {
		return fmt.Errorf("sched: period must be positive, got %s", period)
	}

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := fn(ctx); err != nil {
			return err
		}

		next = next.Add(period)
		now := time.Now()
		if now.After(next) {
			missed := int(now.Sub(next)/period) + 1
			next = next.Add(time.Duration(missed) * period)
			if onOverrun != nil {
				onOverrun(missed)
			}
		}
		timer.Reset(next.Sub(now))
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStartsInPriorityOrder(t *testing.T) {
	s := New(zerolog.Nop())
	for _, task := range []Task{
		{Name: "low", Priority: 1, Entry: blockUntilDone},
		{Name: "high", Priority: 10, Entry: blockUntilDone},
		{Name: "mid", Priority: 5, Entry: blockUntilDone},
		{Name: "mid2", Priority: 5, Entry: blockUntilDone},
	} {
		if err := s.Create(task); err != nil {
			t.Fatalf("Create(%s): %v", task.Name, err)
		}
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	want := map[string]int{"high": 1, "mid": 2, "mid2": 3, "low": 4}
	for _, info := range s.Tasks() {
		if info.StartOrder != want[info.Name] {
			t.Errorf("%s started at %d, want %d", info.Name, info.StartOrder, want[info.Name])
		}
		if !info.Running {
			t.Errorf("%s not running", info.Name)
		}
	}
}

func TestCreateRejectsDuplicatesAndLateTasks(t *testing.T) {
	s := New(zerolog.Nop())
	if err := s.Create(Task{Name: "a", Entry: blockUntilDone}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(Task{Name: "a", Entry: blockUntilDone}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := s.Create(Task{Name: "b"}); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("expected ErrNoEntry, got %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Create(Task{Name: "c", Entry: blockUntilDone}); !errors.Is(err, ErrStarted) {
		t.Fatalf("expected ErrStarted, got %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start: expected ErrStarted, got %v", err)
	}
}

func TestStopReturnsTaskError(t *testing.T) {
	boom := errors.New("boom")
	s := New(zerolog.Nop())
	s.Create(Task{Name: "ok", Entry: blockUntilDone})
	s.Create(Task{Name: "bad", Entry: func(ctx context.Context) error { return boom }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failing task did not cancel the group")
	}

	if err := s.Stop(); !errors.Is(err, boom) {
		t.Fatalf("Stop: expected boom, got %v", err)
	}
}

func TestStopIgnoresCancellation(t *testing.T) {
	s := New(zerolog.Nop())
	s.Create(Task{Name: "a", Entry: blockUntilDone})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Tasks()[0].Running {
		t.Fatal("task still marked running after Stop")
	}
}

func TestEveryRunsPeriodically(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var calls atomic.Int32
	err := Every(ctx, 5*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) == 3 {
			cancel()
		}
		return nil
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestEveryReportsOverrun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var missed atomic.Int32
	var calls atomic.Int32
	err := Every(ctx, 10*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			time.Sleep(35 * time.Millisecond)
		}
		if calls.Load() == 2 {
			cancel()
		}
		return nil
	}, func(n int) { missed.Add(int32(n)) })

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if missed.Load() < 3 {
		t.Fatalf("missed = %d, want at least 3", missed.Load())
	}
}

func TestEveryStopsOnError(t *testing.T) {
	stop := errors.New("stop")
	err := Every(context.Background(), time.Millisecond, func(ctx context.Context) error { return stop }, nil)
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop, got %v", err)
	}
	if err := Every(context.Background(), 0, nil, nil); err == nil {
		t.Fatal("expected error for zero period")
	}
}

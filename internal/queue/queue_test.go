package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 5; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("expected item %d", i)
		}
		if v != i {
			t.Fatalf("got %d, want %d", v, i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestPushFullNeverBlocks(t *testing.T) {
	q := New[string](2)
	q.Push("a")
	q.Push("b")

	done := make(chan error, 1)
	go func() { done <- q.Push("c") }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrFull) {
			t.Fatalf("expected ErrFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push blocked on a full queue")
	}

	st := q.Stats()
	if st.Depth != 2 || st.Capacity != 2 {
		t.Errorf("depth/capacity = %d/%d, want 2/2", st.Depth, st.Capacity)
	}
	if st.Dropped != 1 || st.Pushed != 2 || st.HighWater != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestCapacityFloor(t *testing.T) {
	q := New[int](0)
	if q.Cap() != 1 {
		t.Fatalf("cap = %d, want 1", q.Cap())
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New[int](1)
	got := make(chan int, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(7)

	select {
	case v := <-got:
		if v != 7 {
			t.Fatalf("got %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestPopContextCancel(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Close()
	q.Close() // idempotent

	if err := q.Push(3); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	ctx := context.Background()
	for _, want := range []int{1, 2} {
		v, err := q.Pop(ctx)
		if err != nil || v != want {
			t.Fatalf("Pop = %d, %v; want %d", v, err, want)
		}
	}
	if _, err := q.Pop(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestConcurrentProducersRespectCapacity(t *testing.T) {
	const capacity = 16
	q := New[int](capacity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if q.Push(i) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if accepted != capacity {
		t.Fatalf("accepted %d, want %d", accepted, capacity)
	}
	st := q.Stats()
	if st.Dropped != 80-capacity {
		t.Fatalf("dropped %d, want %d", st.Dropped, 80-capacity)
	}
}

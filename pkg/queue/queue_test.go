package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCapacity(t *testing.T) {
	q := New[int](DefaultCapacity)
	for i := 0; i < DefaultCapacity; i++ {
		if err := q.TryEnqueue(i); err != nil {
			t.Fatalf("TryEnqueue(%d) failed: %v", i, err)
		}
	}
	if err := q.TryEnqueue(99); !errors.Is(err, ErrFull) {
		t.Fatalf("TryEnqueue on full queue returned %v, want ErrFull", err)
	}
	if got, want := q.Len(), DefaultCapacity; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
	for i := 0; i < DefaultCapacity; i++ {
		v, ok := q.TryDequeue()
		if !ok || v != i {
			t.Fatalf("TryDequeue() = %d, %v; want %d, true", v, ok, i)
		}
	}
	if _, ok := q.TryDequeue(); ok {
		t.Errorf("TryDequeue on empty queue succeeded")
	}
}

func TestBlockingDequeueTimeout(t *testing.T) {
	q := New[string](1)
	start := time.Now()
	if _, ok := q.BlockingDequeueTimeout(20 * time.Millisecond); ok {
		t.Fatalf("dequeue on empty queue succeeded")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Errorf("returned before timeout")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryEnqueue("x")
	}()
	v, ok := q.BlockingDequeueTimeout(5 * time.Second)
	if !ok || v != "x" {
		t.Fatalf("BlockingDequeueTimeout() = %q, %v", v, ok)
	}
}

func TestDequeueContext(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.DequeueContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("DequeueContext on cancelled ctx returned %v", err)
	}
	q.TryEnqueue(3)
	if v, err := q.DequeueContext(context.Background()); err != nil || v != 3 {
		t.Fatalf("DequeueContext() = %d, %v", v, err)
	}
}

func TestEnqueueContext(t *testing.T) {
	q := New[int](1)
	q.TryEnqueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue on full queue returned %v", err)
	}
}

// Per-producer order must survive any interleaving with a single consumer.
func TestFIFOManyProducers(t *testing.T) {
	const producers, each = 4, 200
	q := New[[2]int](DefaultCapacity)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if err := q.Enqueue(context.Background(), [2]int{p, i}); err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(p)
	}

	next := make([]int, producers)
	for n := 0; n < producers*each; n++ {
		v := q.BlockingDequeue()
		if got, want := v[1], next[v[0]]; got != want {
			t.Fatalf("producer %d: got element %d, want %d", v[0], got, want)
		}
		next[v[0]]++
	}
	wg.Wait()
}

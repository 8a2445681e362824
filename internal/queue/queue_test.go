package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	q := New[int]("t", 4)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for want := 1; want <= 4; want++ {
		got, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != want {
			t.Fatalf("Get = %d, want %d", got, want)
		}
	}
}

func TestPutBlocksUntilConsumerDrains(t *testing.T) {
	t.Parallel()
	q := New[string]("t", 1)
	ctx := context.Background()
	if err := q.Put(ctx, "a"); err != nil {
		t.Fatalf("Put a: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, "b") }()

	// Producer must be suspended, not failing or dropping.
	deadline := time.Now().Add(time.Second)
	for q.Stats().Waiting != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-done:
		t.Fatalf("Put returned early: %v", err)
	default:
	}

	if v, _ := q.Get(ctx); v != "a" {
		t.Fatalf("Get = %q, want a", v)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Put: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer not resumed after drain")
	}
	if v, _ := q.Get(ctx); v != "b" {
		t.Fatalf("Get = %q, want b", v)
	}
	st := q.Stats()
	if st.Puts != 2 || st.Gets != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPutHonorsContext(t *testing.T) {
	t.Parallel()
	q := New[int]("t", 1)
	_ = q.Put(context.Background(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Put(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Put err = %v, want deadline exceeded", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

func TestCloseReleasesProducersAndDrainsConsumers(t *testing.T) {
	t.Parallel()
	q := New[int]("t", 1)
	ctx := context.Background()
	_ = q.Put(ctx, 7)

	var wg sync.WaitGroup
	wg.Add(1)
	var putErr error
	go func() {
		defer wg.Done()
		putErr = q.Put(ctx, 8)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()
	wg.Wait()
	if !errors.Is(putErr, ErrClosed) {
		t.Fatalf("blocked Put err = %v, want ErrClosed", putErr)
	}

	v, err := q.Get(ctx)
	if err != nil || v != 7 {
		t.Fatalf("Get after close = %d, %v", v, err)
	}
	if _, err := q.Get(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get on empty closed queue = %v", err)
	}
	if q.TryPut(9) {
		t.Fatal("TryPut should fail after close")
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()
	q := New[int]("t", 3)
	for i := 0; i < 3; i++ {
		if !q.TryPut(i) {
			t.Fatalf("TryPut(%d) failed", i)
		}
	}
	if q.TryPut(99) {
		t.Fatal("TryPut should fail when full")
	}
	var got []int
	n := q.Drain(context.Background(), func(v int) { got = append(got, v) })
	if n != 3 || len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("Drain = %d %v", n, got)
	}
}

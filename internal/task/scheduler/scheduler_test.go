package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dynbot/internal/eventbus"
)

// sleepRecorder records requested waits and returns immediately. After limit
// waits it calls stop.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	limit int
	stop  func()
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	n := len(r.waits)
	stop := r.stop
	r.mu.Unlock()
	if r.limit > 0 && n >= r.limit && stop != nil {
		stop()
	}
	return ctx.Err()
}

func (r *sleepRecorder) got() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not finish (state %s)", h.Name(), h.State())
	}
}

func TestBackoffFormula(t *testing.T) {
	t.Parallel()
	var cfg Config
	for k := 1; k <= 10; k++ {
		want := time.Duration(k) * 10 * time.Second
		if want > 120*time.Second {
			want = 120 * time.Second
		}
		if got := cfg.Backoff(k); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", k, got, want)
		}
	}
	if got := cfg.Backoff(0); got != 0 {
		t.Fatalf("Backoff(0) = %v, want 0", got)
	}
}

func TestFailStopAfterMaxFailures(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(nil, Config{}, WithSleep(rec.sleep), WithBus(bus))
	calls := 0
	h, err := s.Go(context.Background(), Task{
		Name:     "flaky",
		Interval: 5,
		Hooks: Hooks{Main: func(context.Context) error {
			calls++
			return errors.New("upstream down")
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	if h.State() != StateFailed {
		t.Fatalf("state = %s, want failed", h.State())
	}
	if calls != 10 {
		t.Fatalf("main calls = %d, want 10", calls)
	}
	waits := rec.got()
	if len(waits) != 9 {
		t.Fatalf("waits = %v, want 9 backoffs", waits)
	}
	for i, w := range waits {
		want := s.Config().Backoff(i + 1)
		if w != want {
			t.Fatalf("wait[%d] = %v, want %v", i, w, want)
		}
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TypeTaskFailed {
			t.Fatalf("event type = %s, want %s", e.Type, eventbus.TypeTaskFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.failed event")
	}
	// A failed task stays registered until reaped.
	if dead := s.Registry().Dead(); len(dead) != 1 || dead[0] != "flaky" {
		t.Fatalf("Dead() = %v", dead)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{limit: 3}
	s := New(nil, Config{}, WithSleep(rec.sleep))

	n := 0
	h, err := s.Register(Task{
		Name:     "recovering",
		Interval: 7,
		Hooks: Hooks{Main: func(context.Context) error {
			n++
			if n <= 2 {
				return errors.New("transient")
			}
			return nil
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec.stop = h.Cancel
	if err := s.Start(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	want := []time.Duration{10 * time.Second, 20 * time.Second, 7 * time.Second}
	got := rec.got()
	if len(got) != len(want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("waits = %v, want %v", got, want)
		}
	}
	if h.Failures() != 0 {
		t.Fatalf("failures = %d, want 0", h.Failures())
	}
	if h.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", h.State())
	}
}

func TestRunOnce(t *testing.T) {
	t.Parallel()
	s := New(nil, Config{}, WithSleep(func(context.Context, time.Duration) error {
		t.Error("run-once task must not sleep")
		return nil
	}))
	var order []string
	h, err := s.Go(context.Background(), Task{
		Name:     "once",
		Interval: RunOnce,
		Hooks: Hooks{
			Init:   func(context.Context) error { order = append(order, "init"); return nil },
			Before: func(context.Context) error { order = append(order, "before"); return nil },
			Main:   func(context.Context) error { order = append(order, "main"); return nil },
			After:  func(context.Context) error { order = append(order, "after"); return nil },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)
	if h.State() != StateRanOnce {
		t.Fatalf("state = %s, want ran_once", h.State())
	}
	want := []string{"init", "before", "main", "after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestInitFailureFailsOnlyThatTask(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	s := New(nil, Config{}, WithSleep(rec.sleep))

	bad, err := s.Go(context.Background(), Task{
		Name:     "bad",
		Interval: 1,
		Hooks: Hooks{
			Init: func(context.Context) error { return errors.New("no credentials") },
			Main: func(context.Context) error { t.Error("main after failed init"); return nil },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, bad)
	if bad.State() != StateFailed {
		t.Fatalf("state = %s, want failed", bad.State())
	}

	good, err := s.Go(context.Background(), Task{Name: "good", Interval: RunOnce, Hooks: Hooks{Main: func(context.Context) error { return nil }}})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, good)
	if good.State() != StateRanOnce {
		t.Fatalf("good state = %s", good.State())
	}
}

func TestCancelIdempotentAndCancelsChildren(t *testing.T) {
	t.Parallel()
	s := New(nil, Config{UnitTime: time.Hour})

	childStopped := make(chan struct{})
	started := make(chan struct{})
	var h *Handle
	h, err := s.Register(Task{
		Name:     "parent",
		Interval: 1,
		Hooks: Hooks{Main: func(context.Context) error {
			select {
			case <-started:
			default:
				close(started)
				h.Go(func(ctx context.Context) {
					<-ctx.Done()
					close(childStopped)
				})
			}
			return nil
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Cancel()
			_ = s.Registry().Snapshot()
		}()
	}
	wg.Wait()
	waitDone(t, h)

	select {
	case <-childStopped:
	case <-time.After(time.Second):
		t.Fatal("child work not cancelled")
	}
	if _, ok := s.Registry().Get("parent"); ok {
		t.Fatal("cancelled task still registered")
	}
	if h.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", h.State())
	}
}

func TestRegisterRejectsDuplicateLiveTask(t *testing.T) {
	t.Parallel()
	s := New(nil, Config{})
	task := Task{Name: "dup", Interval: 10, Hooks: Hooks{Main: func(context.Context) error { return nil }}}
	if _, err := s.Register(task); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(task); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("err = %v, want ErrTaskExists", err)
	}
	if _, err := s.Register(Task{Name: "nomain"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}
	if _, err := s.Register(Task{Name: "badspec", Spec: "??", Hooks: Hooks{Main: task.Main}}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}
}

func TestTwoPhaseReapKeepsReregisteredTask(t *testing.T) {
	t.Parallel()
	s := New(nil, Config{})
	main := func(context.Context) error { return nil }

	once, err := s.Go(context.Background(), Task{Name: "job", Interval: RunOnce, Hooks: Hooks{Main: main}})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, once)

	dead := s.Registry().Dead()
	if len(dead) != 1 {
		t.Fatalf("Dead() = %v", dead)
	}
	// Re-registered between detect and purge.
	if _, err := s.Register(Task{Name: "job", Interval: 60, Hooks: Hooks{Main: main}}); err != nil {
		t.Fatal(err)
	}
	if n := s.Registry().Purge(dead); n != 0 {
		t.Fatalf("Purge removed %d, want 0", n)
	}
	if _, ok := s.Registry().Get("job"); !ok {
		t.Fatal("re-registered task was purged")
	}
}

func TestSetIntervalAppliesToNextCycle(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{limit: 2}
	s := New(nil, Config{}, WithSleep(rec.sleep))
	var h *Handle
	h, err := s.Register(Task{
		Name:     "adaptive",
		Interval: 60,
		Hooks: Hooks{
			Main:  func(context.Context) error { return nil },
			After: func(context.Context) error { h.SetInterval(h.Interval() + 30); return nil },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec.stop = h.Cancel
	if err := s.Start(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)
	got := rec.got()
	if len(got) != 2 || got[0] != 90*time.Second || got[1] != 120*time.Second {
		t.Fatalf("waits = %v, want [1m30s 2m0s]", got)
	}
}

func TestStopBoundedByContext(t *testing.T) {
	t.Parallel()
	s := New(nil, Config{UnitTime: time.Hour})
	for _, name := range []string{"a", "b"} {
		if _, err := s.Go(context.Background(), Task{Name: name, Interval: 1, Hooks: Hooks{Main: func(context.Context) error { return nil }}}); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Registry().Len() != 0 {
		t.Fatalf("registry len = %d after Stop", s.Registry().Len())
	}
}

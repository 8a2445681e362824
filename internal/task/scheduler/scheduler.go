package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"dynbot/internal/eventbus"
	"dynbot/internal/runtime/supervisor"
	logx "dynbot/pkg/logx"
)

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option     { return func(s *Scheduler) { s.log = log } }
func WithBus(bus eventbus.Bus) Option       { return func(s *Scheduler) { s.bus = bus } }
func WithRegistry(r *Registry) Option       { return func(s *Scheduler) { s.reg = r } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithSleep replaces the wait between cycles. fn must return ctx.Err() once
// ctx is done.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// Scheduler starts tasks on supervised goroutines.
type Scheduler struct {
	cfg Config
	sup *supervisor.Supervisor
	reg *Registry
	log logx.Logger
	bus eventbus.Bus

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(sup *supervisor.Supervisor, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:   cfg.withDefaults(),
		sup:   sup,
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sup == nil {
		s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	}
	if s.reg == nil {
		s.reg = NewRegistry()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	return s
}

func (s *Scheduler) Registry() *Registry { return s.reg }
func (s *Scheduler) Config() Config      { return s.cfg }

// Register validates t and adds it to the registry in the Created state.
func (s *Scheduler) Register(t Task) (*Handle, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidTask)
	}
	if t.Main == nil {
		return nil, fmt.Errorf("%w: %s has no main hook", ErrInvalidTask, t.Name)
	}
	if t.Interval < RunOnce {
		return nil, fmt.Errorf("%w: %s interval %d", ErrInvalidTask, t.Name, t.Interval)
	}

	h := &Handle{task: t, s: s, done: make(chan struct{})}
	if t.Spec != "" {
		ps, err := ParseSchedule(t.Spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTask, t.Name, err)
		}
		trig, err := ps.Trigger(s.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTask, t.Name, err)
		}
		h.trigger = trig
	}
	h.interval.Store(int64(t.Interval))
	h.state.Store(int32(StateCreated))

	if err := s.reg.Add(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Start launches the task loop. The loop ends when ctx ends, the handle is
// cancelled, the supervisor stops, or the task fails for good.
func (s *Scheduler) Start(ctx context.Context, h *Handle) error {
	if h == nil || h.s != s {
		return ErrInvalidTask
	}
	if !h.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrNotRunnable, h.Name())
	}
	if h.cancelled.Load() {
		return fmt.Errorf("%w: %s cancelled", ErrNotRunnable, h.Name())
	}
	h.mu.Lock()
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()
	if h.cancelled.Load() {
		h.cancelCtx()
	}

	s.sup.Go0("task:"+h.Name(), func(supCtx context.Context) {
		stop := context.AfterFunc(supCtx, h.cancelCtx)
		defer stop()
		h.run()
	})
	return nil
}

// Go registers and starts t.
func (s *Scheduler) Go(ctx context.Context, t Task) (*Handle, error) {
	h, err := s.Register(t)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx, h); err != nil {
		s.reg.Remove(h)
		return nil, err
	}
	return h, nil
}

// CancelAll cancels every registered task.
func (s *Scheduler) CancelAll() {
	for _, h := range s.reg.Handles() {
		h.Cancel()
	}
}

// Stop cancels every task and waits for their loops, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.CancelAll()
	return s.sup.Stop(ctx)
}

func (s *Scheduler) Snapshot() []Info { return s.reg.Snapshot() }

// Handle controls one registered task.
type Handle struct {
	task    Task
	s       *Scheduler
	trigger cron.Schedule

	interval atomic.Int64
	state    atomic.Int32
	failures atomic.Int32
	runs     atomic.Uint64

	started   atomic.Bool
	cancelled atomic.Bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	lastRun time.Time
	nextRun time.Time
	lastErr string

	children   sync.WaitGroup
	cancelOnce sync.Once
	doneOnce   sync.Once
	done       chan struct{}
}

func (h *Handle) Name() string          { return h.task.Name }
func (h *Handle) State() State          { return State(h.state.Load()) }
func (h *Handle) Failures() int         { return int(h.failures.Load()) }
func (h *Handle) Interval() int         { return int(h.interval.Load()) }
func (h *Handle) Runs() uint64          { return h.runs.Load() }
func (h *Handle) Done() <-chan struct{} { return h.done }

// SetInterval changes the repeat interval (in unit times) from the next cycle
// on. Values below 1 are ignored for repeating tasks.
func (h *Handle) SetInterval(n int) {
	if n < 1 || h.Interval() == RunOnce {
		return
	}
	h.interval.Store(int64(n))
}

// Context is the task context; nil before Start.
func (h *Handle) Context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

// Go runs fn as child work of the task. Cancel cancels its context and the
// task loop waits for it before finishing.
func (h *Handle) Go(fn func(ctx context.Context)) {
	ctx := h.Context()
	if ctx == nil || fn == nil {
		return
	}
	h.children.Add(1)
	go func() {
		defer h.children.Done()
		defer func() {
			if r := recover(); r != nil {
				h.s.log.Error("task child panicked", logx.String("task", h.Name()), logx.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

// Cancel stops the task and removes it from the registry. Only the first
// call has an effect.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.cancelled.Store(true)
		h.cancelCtx()
		h.s.reg.Remove(h)
		if !h.started.Load() {
			h.state.CompareAndSwap(int32(StateCreated), int32(StateStopped))
			h.closeDone()
		}
	})
}

func (h *Handle) cancelCtx() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) closeDone() { h.doneOnce.Do(func() { close(h.done) }) }

func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		Name:      h.task.Name,
		State:     h.State().String(),
		Interval:  h.Interval(),
		Spec:      h.task.Spec,
		Failures:  h.Failures(),
		Runs:      h.Runs(),
		LastRun:   h.lastRun,
		NextRun:   h.nextRun,
		LastError: h.lastErr,
	}
}

func (h *Handle) run() {
	ctx := h.Context()
	log := h.s.log.With(logx.String("task", h.Name()))
	defer h.finish(log)
	if ctx.Err() != nil {
		return
	}

	h.state.Store(int32(StateInitializing))
	if h.task.Init != nil {
		if err := h.call(ctx, h.task.Init); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.failures.Store(1)
			h.setErr(err)
			h.state.Store(int32(StateFailed))
			log.Error("task init failed", logx.Err(err))
			return
		}
	}

	if h.trigger == nil && h.Interval() == RunOnce {
		if err := h.cycle(ctx); err != nil && ctx.Err() == nil {
			h.failures.Store(1)
			log.Warn("task run failed", logx.Err(err))
		}
		h.state.CompareAndSwap(int32(StateInitializing), int32(StateRanOnce))
		return
	}

	if !h.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		return
	}
	for ctx.Err() == nil {
		var wait time.Duration
		if err := h.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			n := int(h.failures.Add(1))
			if n >= h.s.cfg.MaxFailures {
				h.state.Store(int32(StateFailed))
				log.Error("task stopped after consecutive failures", logx.Int("failures", n), logx.Err(err))
				return
			}
			wait = h.s.cfg.Backoff(n)
			log.Warn("task cycle failed", logx.Int("failures", n), logx.Duration("backoff", wait), logx.Err(err))
		} else {
			h.failures.Store(0)
			wait = h.nextWait()
		}

		h.mu.Lock()
		h.nextRun = h.s.now().Add(wait)
		h.mu.Unlock()
		if err := h.s.sleep(ctx, wait); err != nil {
			return
		}
	}
}

func (h *Handle) nextWait() time.Duration {
	if h.trigger != nil {
		now := h.s.now()
		if d := h.trigger.Next(now).Sub(now); d > 0 {
			return d
		}
		return h.s.cfg.UnitTime
	}
	n := h.Interval()
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * h.s.cfg.UnitTime
}

// cycle runs before, main and after as one unit of work.
func (h *Handle) cycle(ctx context.Context) error {
	h.runs.Add(1)
	h.mu.Lock()
	h.lastRun = h.s.now()
	h.mu.Unlock()

	for _, fn := range []func(context.Context) error{h.task.Before, h.task.Main, h.task.After} {
		if fn == nil {
			continue
		}
		if err := h.call(ctx, fn); err != nil {
			h.setErr(err)
			return err
		}
	}
	h.setErr(nil)
	return nil
}

func (h *Handle) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.s.log.Error("task hook panicked", logx.String("task", h.Name()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	if err == nil {
		h.lastErr = ""
	} else {
		h.lastErr = err.Error()
	}
	h.mu.Unlock()
}

func (h *Handle) finish(log logx.Logger) {
	h.cancelCtx()
	h.children.Wait()

	st := h.State()
	if st.Active() {
		h.state.Store(int32(StateStopped))
		st = StateStopped
	}
	h.mu.Lock()
	ev := TaskEvent{Name: h.task.Name, State: st.String(), Failures: h.Failures(), Error: h.lastErr}
	h.mu.Unlock()

	switch st {
	case StateFailed:
		h.s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: ev})
	case StateStopped:
		log.Debug("task stopped")
		h.s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStopped, Data: ev})
	}
	h.closeDone()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

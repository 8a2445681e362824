// Package checker holds the polling tasks that turn upstream snapshots into
// new events: the dynamic checker, the live checker and the live-close
// checker. Each checker runs as a scheduler task; its cursor and history
// are touched only from that task's loop.
package checker

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/eventbus"
	"dynbot/internal/queue"
	"dynbot/internal/task/scheduler"
	"dynbot/internal/upstream"
	logx "dynbot/pkg/logx"
)

// DefaultCycleTimeout bounds one poll cycle.
const DefaultCycleTimeout = 180 * time.Second

// DefaultReportInterval spaces the "check running" debug lines.
const DefaultReportInterval = 10 * time.Minute

// Source is the part of the config/data provider the checkers read.
type Source interface {
	Subscriptions() config.Data
	Interval(cat config.Category) int
	LowSpeedWindow() scheduler.LowSpeedPolicy
}

// StateStore persists small JSON values across restarts.
type StateStore interface {
	LoadState(ctx context.Context, key string, v any) (bool, error)
	SaveState(ctx context.Context, key string, v any) error
}

// IntervalSetter is implemented by *scheduler.Handle.
type IntervalSetter interface {
	SetInterval(n int)
}

// Deps are shared by every checker.
type Deps struct {
	Client upstream.Client
	Source Source
	Log    logx.Logger
	Bus    eventbus.Bus
	Now    func() time.Time
	Rand   *rand.Rand
}

func (d Deps) withDefaults() Deps {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// poller is the plumbing common to the checkers: the output queue, the
// cycle timeout and the adaptive interval.
type poller struct {
	Deps
	name     string
	category config.Category
	out      *queue.Queue[event.Event]
	timeout  atomic.Int64
	handle   atomic.Pointer[IntervalSetter]

	reportEvery atomic.Int64
	lastReport  atomic.Int64

	cycles   atomic.Uint64
	accepted atomic.Uint64
}

// setup initialises p in place; the atomics make poller unsafe to copy.
func (p *poller) setup(d Deps, name string, cat config.Category, out *queue.Queue[event.Event]) {
	p.Deps = d.withDefaults()
	p.name, p.category, p.out = name, cat, out
	p.Log = p.Deps.Log.With(logx.String("comp", "checker."+name))
	p.timeout.Store(int64(DefaultCycleTimeout))
	p.reportEvery.Store(int64(DefaultReportInterval))
}

// Bind attaches the scheduler handle whose interval After adjusts.
func (p *poller) Bind(h IntervalSetter) {
	if h == nil {
		return
	}
	p.handle.Store(&h)
}

// SetTimeout changes the cycle timeout from the next cycle on.
func (p *poller) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout.Store(int64(d))
	}
}

// SetReportInterval changes how often Before logs the cycle count. Zero or
// less turns the report off.
func (p *poller) SetReportInterval(d time.Duration) {
	p.reportEvery.Store(int64(d))
}

// Before is the task's before hook: at most once per report interval it
// logs that the checker is alive and how many cycles it has finished.
func (p *poller) Before(context.Context) error {
	every := time.Duration(p.reportEvery.Load())
	if every <= 0 {
		return nil
	}
	now := p.Now().UnixNano()
	last := p.lastReport.Load()
	if last != 0 && now-last < int64(every) {
		return nil
	}
	if !p.lastReport.CompareAndSwap(last, now) {
		return nil
	}
	p.Log.Debug("check running", logx.Uint64("cycles", p.cycles.Load()))
	return nil
}

func (p *poller) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(p.timeout.Load()))
}

// NextInterval is the interval for the next cycle: the configured base,
// replaced by a random draw when the low-speed policy is on.
func (p *poller) NextInterval() int {
	base := p.Source.Interval(p.category)
	return p.Source.LowSpeedWindow().Next(p.Now(), p.Rand, base)
}

// After is the task's after hook.
func (p *poller) After(context.Context) error {
	h := p.handle.Load()
	if h == nil {
		return nil
	}
	(*h).SetInterval(p.NextInterval())
	return nil
}

// Stats returns the number of finished cycles and accepted events.
func (p *poller) Stats() (cycles, accepted uint64) {
	return p.cycles.Load(), p.accepted.Load()
}

// publish puts evs on the output queue in order. It blocks while the queue
// is full; only ctx or a closed queue stop it.
func (p *poller) publish(ctx context.Context, evs []event.Event) error {
	for _, e := range evs {
		if err := p.out.Put(ctx, e); err != nil {
			return err
		}
		p.accepted.Add(1)
		p.Bus.Publish(eventbus.Event{Type: eventbus.TypeEventDetected, Data: map[string]any{
			"kind":    e.Kind().String(),
			"key":     e.Key(),
			"creator": e.Creator(),
		}})
	}
	return nil
}

func (p *poller) task(main func(context.Context) error, init func(context.Context) error) scheduler.Task {
	return scheduler.Task{
		Name:     p.name,
		Interval: max(1, p.Source.Interval(p.category)),
		Hooks: scheduler.Hooks{
			Init:   init,
			Before: p.Before,
			Main:   main,
			After:  p.After,
		},
	}
}

// Package sender drains rendered messages and delivers them to every
// target contact. A failing recipient never blocks the others; failed
// recipients go to the miss queue for one later retry.
package sender

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dynbot/internal/event"
	"dynbot/internal/eventbus"
	"dynbot/internal/queue"
	"dynbot/internal/render"
	"dynbot/internal/storage"
	logx "dynbot/pkg/logx"
)

// Messenger is the chat integration.
type Messenger interface {
	Send(ctx context.Context, to event.Contact, msg render.Message) error
	Connected() bool
}

// Auditor records delivery attempts. storage.Store satisfies it.
type Auditor interface {
	AppendDelivery(ctx context.Context, d storage.Delivery) error
}

type Options struct {
	RatePerSec  float64
	Burst       int
	SendTimeout time.Duration
	MissEnabled bool
	// MissWait bounds the wait for room on a full miss queue.
	MissWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.MissWait <= 0 {
		o.MissWait = 5 * time.Second
	}
	return o
}

func limit(perSec float64) rate.Limit {
	if perSec <= 0 || math.IsInf(perSec, 1) {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

type Sender struct {
	in    *queue.Queue[render.Message]
	miss  *queue.Queue[render.Message]
	m     Messenger
	audit Auditor
	log   logx.Logger
	bus   eventbus.Bus

	mu      sync.Mutex
	opts    Options
	limiter *rate.Limiter

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New builds a sender. miss and audit may be nil.
func New(in, miss *queue.Queue[render.Message], m Messenger, audit Auditor, opts Options, log logx.Logger, bus eventbus.Bus) *Sender {
	opts = opts.withDefaults()
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Sender{
		in:      in,
		miss:    miss,
		m:       m,
		audit:   audit,
		log:     log.With(logx.String("comp", "sender")),
		bus:     bus,
		opts:    opts,
		limiter: rate.NewLimiter(limit(opts.RatePerSec), opts.Burst),
	}
}

// Apply updates rate and timeouts in place.
func (s *Sender) Apply(opts Options) {
	opts = opts.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
	s.limiter.SetLimit(limit(opts.RatePerSec))
	s.limiter.SetBurst(opts.Burst)
}

func (s *Sender) options() (Options, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts, s.limiter
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func (s *Sender) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load()}
}

// Run delivers messages until ctx ends or the input queue is closed and
// empty.
func (s *Sender) Run(ctx context.Context) error {
	s.log.Info("sender started")
	for {
		msg, err := s.in.Get(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		failed := s.Deliver(ctx, msg, storage.StatusMissed)
		if len(failed) > 0 {
			s.toMiss(ctx, msg.WithTargets(failed))
		}
	}
}

// Deliver sends msg to each target and returns the contacts that failed.
// failStatus is recorded in the audit for failed attempts.
func (s *Sender) Deliver(ctx context.Context, msg render.Message, failStatus string) []event.Contact {
	opts, lim := s.options()
	var failed []event.Contact
	for _, to := range msg.Targets {
		if err := lim.Wait(ctx); err != nil {
			failed = append(failed, to)
			continue
		}
		start := time.Now()
		err := s.sendOne(ctx, opts.SendTimeout, to, msg)
		took := time.Since(start)

		status := storage.StatusSent
		if msg.Attempt > 0 {
			status = storage.StatusRetried
		}
		if err != nil {
			status = failStatus
			failed = append(failed, to)
			s.failed.Add(1)
			s.log.Warn("send failed",
				logx.String("msg", msg.ID),
				logx.String("key", msg.Event.Key()),
				logx.String("to", to.String()),
				logx.Int("attempt", msg.Attempt),
				logx.Err(err))
		} else {
			s.sent.Add(1)
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageSent, Data: map[string]any{"id": msg.ID, "to": to.String()}})
		}
		s.record(ctx, msg, to, status, err, took)
	}
	return failed
}

func (s *Sender) sendOne(ctx context.Context, timeout time.Duration, to event.Contact, msg render.Message) (err error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("messenger panic: %v", r)
		}
	}()
	return s.m.Send(sctx, to, msg)
}

// toMiss queues the failed part of a message. The wait for room is bounded
// so a stuck retrier cannot stall delivery; on timeout the recipients are
// logged and audited as dropped.
func (s *Sender) toMiss(ctx context.Context, msg render.Message) {
	opts, _ := s.options()
	if !opts.MissEnabled || s.miss == nil {
		s.drop(ctx, msg, errors.New("miss queue disabled"))
		return
	}
	msg.Attempt++
	wctx, cancel := context.WithTimeout(ctx, opts.MissWait)
	defer cancel()
	if err := s.miss.Put(wctx, msg); err != nil {
		s.drop(ctx, msg, fmt.Errorf("miss queue: %w", err))
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageMissed, Data: map[string]any{"id": msg.ID, "targets": len(msg.Targets)}})
}

func (s *Sender) drop(ctx context.Context, msg render.Message, why error) {
	s.dropped.Add(uint64(len(msg.Targets)))
	s.log.Error("message dropped",
		logx.String("msg", msg.ID),
		logx.String("key", msg.Event.Key()),
		logx.Int("targets", len(msg.Targets)),
		logx.Err(why))
	for _, to := range msg.Targets {
		s.record(ctx, msg, to, storage.StatusDropped, why, 0)
	}
}

func (s *Sender) record(ctx context.Context, msg render.Message, to event.Contact, status string, err error, took time.Duration) {
	if s.audit == nil {
		return
	}
	d := storage.Delivery{
		At:        time.Now(),
		MessageID: msg.ID,
		EventKey:  msg.Event.Key(),
		Kind:      msg.Event.Kind().String(),
		CreatorID: msg.Event.Creator(),
		Contact:   to.String(),
		Status:    status,
		Attempt:   msg.Attempt,
		TookMS:    took.Milliseconds(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	// Audit must not be cancelled together with a shutting down sender.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if aerr := s.audit.AppendDelivery(actx, d); aerr != nil {
		s.log.Debug("delivery audit failed", logx.Err(aerr))
	}
}

package render

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/eventbus"
	"dynbot/internal/queue"
	"dynbot/internal/storage"
	logx "dynbot/pkg/logx"
)

// Source supplies the subscription snapshot used for target resolution.
type Source interface {
	Subscriptions() config.Data
}

type Options struct {
	Workers int
	// CacheDir keeps rendered images by event key; empty disables the cache.
	CacheDir string
	Timeout  time.Duration
	Cards    Cards
}

type Renderer struct {
	src  Source
	in   []*queue.Queue[event.Event]
	out  *queue.Queue[Message]
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time
	opts Options

	mu      sync.RWMutex
	drawers map[event.Kind]DrawFunc
	timeout atomic.Int64

	rendered atomic.Uint64
	failed   atomic.Uint64
}

func New(src Source, out *queue.Queue[Message], opts Options, log logx.Logger, bus eventbus.Bus, in ...*queue.Queue[event.Event]) *Renderer {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	r := &Renderer{
		src:     src,
		in:      in,
		out:     out,
		log:     log.With(logx.String("comp", "render")),
		bus:     bus,
		now:     time.Now,
		opts:    opts,
		drawers: opts.Cards.Table(),
	}
	r.timeout.Store(int64(opts.Timeout))
	return r
}

// Handle replaces the drawer for kind. A nil fn removes it.
func (r *Renderer) Handle(kind event.Kind, fn DrawFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.drawers, kind)
		return
	}
	r.drawers[kind] = fn
}

// SetCards swaps the default drawers (after a config reload).
func (r *Renderer) SetCards(c Cards) {
	r.mu.Lock()
	r.drawers = c.Table()
	r.mu.Unlock()
}

func (r *Renderer) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout.Store(int64(d))
	}
}

func (r *Renderer) Stats() (rendered, failed uint64) { return r.rendered.Load(), r.failed.Load() }

// Run starts the workers on every input queue and blocks until ctx ends or
// all inputs are closed and empty.
func (r *Renderer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range r.in {
		for i := 0; i < r.opts.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.worker(ctx, q)
			}()
		}
	}
	r.log.Info("renderer started", logx.Int("inputs", len(r.in)), logx.Int("workers", r.opts.Workers))
	wg.Wait()
	return nil
}

func (r *Renderer) worker(ctx context.Context, q *queue.Queue[event.Event]) {
	for {
		ev, err := q.Get(ctx)
		if err != nil {
			return
		}
		r.Process(ctx, ev)
	}
}

// Process renders ev and puts the message on the output queue, blocking
// while it is full. Failures are logged and counted.
func (r *Renderer) Process(ctx context.Context, ev event.Event) {
	msg, err := r.Render(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrNoTargets) {
			r.log.Info("event dropped, nobody subscribed anymore", logx.String("key", ev.Key()))
			return
		}
		r.failed.Add(1)
		r.log.Warn("render failed", logx.String("key", ev.Key()), logx.String("kind", ev.Kind().String()), logx.Err(err))
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRenderFailed, Data: map[string]any{"key": ev.Key(), "error": err.Error()}})
		return
	}
	if err := r.out.Put(ctx, msg); err != nil {
		r.log.Warn("rendered message not queued", logx.String("key", ev.Key()), logx.Err(err))
		return
	}
	r.rendered.Add(1)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageRendered, Data: map[string]any{"id": msg.ID, "key": ev.Key(), "targets": len(msg.Targets)}})
}

// Render builds the message for ev without queueing it.
func (r *Renderer) Render(ctx context.Context, ev event.Event) (msg Message, err error) {
	data := r.src.Subscriptions()
	targets := Targets(ev, data)
	if len(targets) == 0 {
		return Message{}, ErrNoTargets
	}

	r.mu.RLock()
	draw := r.drawers[ev.Kind()]
	r.mu.RUnlock()
	if draw == nil {
		return Message{}, fmt.Errorf("%w: %s", ErrUnsupported, ev.Kind())
	}

	var style Style
	if sub, ok := data.Subscriptions[ev.Creator()]; ok {
		style.Color = sub.Color
	}

	dctx, cancel := context.WithTimeout(ctx, time.Duration(r.timeout.Load()))
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("drawer panic: %v", rec)
		}
	}()
	card, err := draw(dctx, ev, style)
	if err != nil {
		return Message{}, err
	}

	msg = Message{
		ID:        uuid.NewString(),
		Event:     ev,
		Targets:   targets,
		Caption:   card.Caption,
		Image:     card.Image,
		CreatedAt: r.now(),
	}
	if len(card.Image) > 0 && r.opts.CacheDir != "" {
		path, err := r.cache(ev, card.Image)
		if err != nil {
			// non-fatal, the bytes stay on the message
			r.log.Debug("render cache write failed", logx.String("key", ev.Key()), logx.Err(err))
		}
		msg.ImagePath = path
	}
	return msg, nil
}

func (r *Renderer) cache(ev event.Event, img []byte) (string, error) {
	sum := sha1.Sum([]byte(ev.Key()))
	path := filepath.Join(r.opts.CacheDir, ev.Kind().String(), hex.EncodeToString(sum[:8])+".png")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := storage.WriteFileAtomic(path, img, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Targets resolves who receives ev. Series episodes go to the series
// subscribers, everything else to the creator's contacts.
func Targets(ev event.Event, data config.Data) []event.Contact {
	if d, ok := ev.(event.DynamicEvent); ok && d.IsSeries() {
		key := d.SeriesID
		if key == 0 {
			key = d.CreatorID
		}
		return append([]event.Contact(nil), data.Series[key]...)
	}
	sub, ok := data.Subscriptions[ev.Creator()]
	if !ok {
		return nil
	}
	return append([]event.Contact(nil), sub.Contacts...)
}

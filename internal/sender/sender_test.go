package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dynbot/internal/event"
	"dynbot/internal/queue"
	"dynbot/internal/render"
	"dynbot/internal/storage"
	logx "dynbot/pkg/logx"
)

type fakeMessenger struct {
	mu      sync.Mutex
	fail    map[event.Contact]int // remaining failures per contact
	sent    []event.Contact
	offline bool
}

func (f *fakeMessenger) Send(_ context.Context, to event.Contact, _ render.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to] > 0 {
		f.fail[to]--
		return errors.New("chat not found")
	}
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeMessenger) Connected() bool { return !f.offline }

func (f *fakeMessenger) sentTo() []event.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Contact(nil), f.sent...)
}

type memAudit struct {
	mu sync.Mutex
	ds []storage.Delivery
}

func (a *memAudit) AppendDelivery(_ context.Context, d storage.Delivery) error {
	a.mu.Lock()
	a.ds = append(a.ds, d)
	a.mu.Unlock()
	return nil
}

func (a *memAudit) statuses() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]int{}
	for _, d := range a.ds {
		out[d.Status]++
	}
	return out
}

var (
	c1 = event.Contact{Kind: event.ContactGroup, ID: 1}
	c2 = event.Contact{Kind: event.ContactPrivate, ID: 2}
	c3 = event.Contact{Kind: event.ContactGroup, ID: 3}
)

func message(id string, targets ...event.Contact) render.Message {
	return render.Message{ID: id, Event: event.DynamicEvent{ID: id, CreatorID: 7}, Targets: targets}
}

func TestRecipientFailureIsIsolated(t *testing.T) {
	t.Parallel()
	in := queue.New[render.Message]("messages", 4)
	miss := queue.New[render.Message]("miss", 4)
	m := &fakeMessenger{fail: map[event.Contact]int{c2: 1}}
	audit := &memAudit{}
	s := New(in, miss, m, audit, Options{MissEnabled: true}, logx.Nop(), nil)

	ctx := context.Background()
	_ = in.Put(ctx, message("m1", c1, c2, c3))
	in.Close()
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got := m.sentTo(); len(got) != 2 || got[0] != c1 || got[1] != c3 {
		t.Fatalf("sent = %v", got)
	}
	if miss.Len() != 1 {
		t.Fatalf("miss len = %d", miss.Len())
	}
	missed, _ := miss.Get(ctx)
	if len(missed.Targets) != 1 || missed.Targets[0] != c2 || missed.Attempt != 1 {
		t.Fatalf("missed = %+v", missed)
	}
	if st := audit.statuses(); st[storage.StatusSent] != 2 || st[storage.StatusMissed] != 1 {
		t.Fatalf("audit = %v", st)
	}
}

func TestFullMissQueueDropsAfterBoundedWait(t *testing.T) {
	t.Parallel()
	miss := queue.New[render.Message]("miss", 1)
	_ = miss.Put(context.Background(), message("old", c1))
	m := &fakeMessenger{fail: map[event.Contact]int{c1: 1}}
	audit := &memAudit{}
	s := New(queue.New[render.Message]("in", 1), miss, m, audit, Options{MissEnabled: true, MissWait: 20 * time.Millisecond}, logx.Nop(), nil)

	start := time.Now()
	failed := s.Deliver(context.Background(), message("m2", c1), storage.StatusMissed)
	s.toMiss(context.Background(), message("m2", failed...))
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("sender stalled for %v", waited)
	}
	if s.Stats().Dropped != 1 || audit.statuses()[storage.StatusDropped] != 1 {
		t.Fatalf("stats = %+v audit = %v", s.Stats(), audit.statuses())
	}
}

func TestRetrierRetriesOnce(t *testing.T) {
	t.Parallel()
	miss := queue.New[render.Message]("miss", 4)
	m := &fakeMessenger{fail: map[event.Contact]int{c2: 5}, offline: true}
	audit := &memAudit{}
	s := New(queue.New[render.Message]("in", 1), miss, m, audit, Options{MissEnabled: true}, logx.Nop(), nil)
	r := NewRetrier(s)

	ctx := context.Background()
	msg := message("m1", c1, c2)
	msg.Attempt = 1
	_ = miss.Put(ctx, msg)

	if err := r.Main(ctx); err != nil || miss.Len() != 1 {
		t.Fatalf("offline retry drained the queue: %v", err)
	}
	m.offline = false
	if err := r.Main(ctx); err != nil {
		t.Fatal(err)
	}
	if miss.Len() != 0 {
		t.Fatal("failed retry was re-queued")
	}
	st := audit.statuses()
	if st[storage.StatusRetried] != 1 || st[storage.StatusFailed] != 1 {
		t.Fatalf("audit = %v", st)
	}
}

func TestApplyChangesRate(t *testing.T) {
	t.Parallel()
	s := New(queue.New[render.Message]("in", 1), nil, &fakeMessenger{}, nil, Options{RatePerSec: 1}, logx.Nop(), nil)
	s.Apply(Options{RatePerSec: 0, Burst: 5})
	_, lim := s.options()
	if lim.Burst() != 5 || lim.Limit() != limit(0) {
		t.Fatalf("limiter = %v/%d", lim.Limit(), lim.Burst())
	}
}

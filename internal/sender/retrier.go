package sender

import (
	"context"

	"dynbot/internal/queue"
	"dynbot/internal/render"
	"dynbot/internal/storage"
	"dynbot/internal/task/scheduler"
	logx "dynbot/pkg/logx"
)

// Retrier re-delivers missed messages once. It runs as a scheduler task.
type Retrier struct {
	s    *Sender
	miss *queue.Queue[render.Message]
	log  logx.Logger
}

func NewRetrier(s *Sender) *Retrier {
	return &Retrier{s: s, miss: s.miss, log: s.log.With(logx.String("task", "miss_retry"))}
}

func (r *Retrier) Task(interval int) scheduler.Task {
	return scheduler.Task{
		Name:     "miss_retry",
		Interval: max(1, interval),
		Hooks:    scheduler.Hooks{Main: r.Main},
	}
}

// Main takes every queued miss and tries it once more. While the messenger
// is disconnected the queue is left alone.
func (r *Retrier) Main(ctx context.Context) error {
	if r.miss == nil || r.miss.Len() == 0 {
		return nil
	}
	if !r.s.m.Connected() {
		r.log.Debug("messenger offline, retry postponed", logx.Int("pending", r.miss.Len()))
		return nil
	}
	var items []render.Message
	r.miss.Drain(ctx, func(m render.Message) { items = append(items, m) })

	recovered, lost := 0, 0
	for _, msg := range items {
		failed := r.s.Deliver(ctx, msg, storage.StatusFailed)
		recovered += len(msg.Targets) - len(failed)
		if len(failed) > 0 {
			lost += len(failed)
			r.s.dropped.Add(uint64(len(failed)))
			r.log.Error("retry failed, giving up",
				logx.String("msg", msg.ID),
				logx.String("key", msg.Event.Key()),
				logx.Int("targets", len(failed)))
		}
	}
	r.log.Info("miss queue retried", logx.Int("messages", len(items)), logx.Int("recovered", recovered), logx.Int("lost", lost))
	return nil
}

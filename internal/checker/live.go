package checker

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/queue"
	"dynbot/internal/task/scheduler"
	logx "dynbot/pkg/logx"
)

// LiveChecker polls live rooms and queues rooms that started after the
// cursor. The cursor starts at now: rooms already live at startup are not
// announced.
type LiveChecker struct {
	poller
	users       *LiveUsers
	closeNotify atomic.Bool
	cursor      *Cursor
}

func NewLiveChecker(d Deps, out *queue.Queue[event.Event], users *LiveUsers, closeNotify bool) *LiveChecker {
	c := &LiveChecker{users: users}
	c.setup(d, "live", config.CategoryLive, out)
	c.cursor = NewCursor(c.Now())
	c.closeNotify.Store(closeNotify && users != nil)
	return c
}

func (c *LiveChecker) Task() scheduler.Task { return c.task(c.Main, nil) }

func (c *LiveChecker) Cursor() time.Time { return c.cursor.Last() }

func (c *LiveChecker) SetCloseNotify(on bool) { c.closeNotify.Store(on && c.users != nil) }

func (c *LiveChecker) Main(ctx context.Context) error {
	defer c.cycles.Add(1)
	fctx, cancel := c.cycleContext(ctx)
	batch, err := c.Client.FetchLiveRooms(fctx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch live rooms: %w", err)
	}

	following := c.Source.Subscriptions().Following()
	fresh := make([]event.LiveEvent, 0, len(batch.Rooms))
	for _, r := range batch.Rooms {
		if !c.cursor.Accept(r.LiveTime) {
			continue
		}
		if _, ok := following[r.CreatorID]; !ok {
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return nil
	}
	slices.SortStableFunc(fresh, func(a, b event.LiveEvent) int { return a.LiveTime.Compare(b.LiveTime) })
	c.cursor.Advance(fresh[len(fresh)-1].LiveTime)

	c.Log.Info("new live rooms", logx.Int("count", len(fresh)), logx.Time("cursor", c.cursor.Last()))
	if c.closeNotify.Load() {
		for _, r := range fresh {
			c.users.Record(ctx, r.CreatorID, LiveSession{RoomID: r.RoomID, Name: r.CreatorName, Started: r.LiveTime})
		}
	}
	return c.publish(ctx, toEvents(fresh))
}

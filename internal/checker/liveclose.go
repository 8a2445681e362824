package checker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/queue"
	"dynbot/internal/task/scheduler"
	logx "dynbot/pkg/logx"
)

// DefaultLiveUserExpiry drops sessions whose close was never observed.
const DefaultLiveUserExpiry = 24 * time.Hour

// LiveCloseChecker reports tracked sessions whose room is no longer live.
type LiveCloseChecker struct {
	poller
	users  *LiveUsers
	expiry time.Duration
}

func NewLiveCloseChecker(d Deps, out *queue.Queue[event.Event], users *LiveUsers, expiry time.Duration) *LiveCloseChecker {
	if expiry <= 0 {
		expiry = DefaultLiveUserExpiry
	}
	c := &LiveCloseChecker{users: users, expiry: expiry}
	c.setup(d, "live_close", config.CategoryLiveClose, out)
	return c
}

func (c *LiveCloseChecker) Task() scheduler.Task { return c.task(c.Main, c.Init) }

// Init restores sessions tracked before a restart.
func (c *LiveCloseChecker) Init(ctx context.Context) error {
	if err := c.users.Load(ctx); err != nil {
		c.Log.Error("live users unreadable, starting empty", logx.Err(err))
		return nil
	}
	if n := c.users.Len(); n > 0 {
		c.Log.Info("live users restored", logx.Int("count", n))
	}
	return nil
}

func (c *LiveCloseChecker) Main(ctx context.Context) error {
	defer c.cycles.Add(1)
	tracked := c.users.Snapshot()
	if len(tracked) == 0 {
		return nil
	}

	now := c.Now()
	var expired []int64
	for id, s := range tracked {
		if now.Sub(s.Started) > c.expiry {
			expired = append(expired, id)
			delete(tracked, id)
		}
	}
	if len(expired) > 0 {
		c.users.Remove(ctx, expired...)
		c.Log.Info("live sessions expired", logx.Int("count", len(expired)))
	}
	if len(tracked) == 0 {
		return nil
	}

	fctx, cancel := c.cycleContext(ctx)
	batch, err := c.Client.FetchLiveRooms(fctx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch live rooms: %w", err)
	}
	live := make(map[int64]bool, len(batch.Rooms))
	for _, r := range batch.Rooms {
		live[r.CreatorID] = true
	}

	var (
		closed []event.LiveCloseEvent
		gone   []int64
	)
	for id, s := range tracked {
		if live[id] {
			continue
		}
		gone = append(gone, id)
		closed = append(closed, event.LiveCloseEvent{
			RoomID:      s.RoomID,
			CreatorID:   id,
			CreatorName: s.Name,
			Started:     s.Started,
			Closed:      now,
			Duration:    now.Sub(s.Started),
		})
	}
	if len(closed) == 0 {
		return nil
	}
	slices.SortFunc(closed, func(a, b event.LiveCloseEvent) int { return a.Started.Compare(b.Started) })
	c.users.Remove(ctx, gone...)
	c.Log.Info("live sessions closed", logx.Int("count", len(closed)))
	return c.publish(ctx, toEvents(closed))
}

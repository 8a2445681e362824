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

// DefaultGraceWindow is how far back the first cycle after a start looks.
const DefaultGraceWindow = 600 * time.Second

// DefaultBannedSubtypes belong to the live checker.
var DefaultBannedSubtypes = []string{event.SubtypeLiveStart, event.SubtypeLiveRecommend}

type DynamicOptions struct {
	HistoryFile     string
	HistoryCapacity int
	Grace           time.Duration
	Banned          []string
}

// DynamicChecker polls the latest dynamics and queues the new ones in
// timestamp order.
type DynamicChecker struct {
	poller
	opts    DynamicOptions
	banned  atomic.Pointer[map[string]bool]
	history *History
	cursor  *Cursor
}

func NewDynamicChecker(d Deps, out *queue.Queue[event.Event], opts DynamicOptions) *DynamicChecker {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGraceWindow
	}
	if opts.Banned == nil {
		opts.Banned = DefaultBannedSubtypes
	}
	c := &DynamicChecker{
		opts:    opts,
		history: NewHistory(opts.HistoryCapacity),
	}
	c.setup(d, "dynamic", config.CategoryDynamic, out)
	c.cursor = NewCursor(c.Now().Add(-opts.Grace))
	c.SetBanned(opts.Banned)
	return c
}

// SetBanned replaces the subtypes dropped for every creator.
func (c *DynamicChecker) SetBanned(subtypes []string) {
	m := make(map[string]bool, len(subtypes))
	for _, s := range subtypes {
		m[s] = true
	}
	c.banned.Store(&m)
}

func (c *DynamicChecker) Task() scheduler.Task { return c.task(c.Main, c.Init) }

// Cursor and History are for tests and status output; they must not be
// mutated outside the task loop.
func (c *DynamicChecker) Cursor() time.Time { return c.cursor.Last() }
func (c *DynamicChecker) History() *History { return c.history }

// Init loads the history file and resets the cursor to now minus the grace
// window. An unreadable file leaves an empty history.
func (c *DynamicChecker) Init(context.Context) error {
	h, err := LoadHistory(c.opts.HistoryFile, c.opts.HistoryCapacity)
	if err != nil {
		c.Log.Error("history unreadable, starting empty", logx.String("path", c.opts.HistoryFile), logx.Err(err))
	}
	c.history = h
	c.cursor = NewCursor(c.Now().Add(-c.opts.Grace))
	c.Log.Info("dynamic history loaded", logx.Int("entries", h.Len()), logx.Time("cursor", c.cursor.Last()))
	return nil
}

// Main runs one poll cycle.
func (c *DynamicChecker) Main(ctx context.Context) error {
	defer c.cycles.Add(1)
	data := c.Source.Subscriptions()
	if data.Empty() {
		c.Log.Debug("no subscriptions, skipping dynamic check")
		return nil
	}

	fctx, cancel := c.cycleContext(ctx)
	batch, err := c.Client.FetchLatestDynamics(fctx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch dynamics: %w", err)
	}

	banned := *c.banned.Load()
	fresh := make([]event.DynamicEvent, 0, len(batch.Items))
	seen := make(map[string]struct{}, len(batch.Items))
	for _, e := range batch.Items {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		switch {
		case banned[e.Subtype]:
		case !c.cursor.Accept(e.Timestamp):
		case c.history.Contains(e.ID):
		case !subscribed(e, data):
		default:
			seen[e.ID] = struct{}{}
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	sortByTime(fresh)

	for _, e := range fresh {
		c.history.Add(e.ID)
	}
	c.cursor.Advance(fresh[len(fresh)-1].Timestamp)
	if err := SaveHistory(c.opts.HistoryFile, c.history); err != nil {
		c.Log.Error("save history failed", logx.String("path", c.opts.HistoryFile), logx.Err(err))
	}

	c.Log.Info("new dynamics", logx.Int("count", len(fresh)), logx.Time("cursor", c.cursor.Last()))
	for _, e := range fresh {
		c.Log.Debug("dynamic accepted", logx.String("id", e.ID), logx.Int64("creator", e.CreatorID), logx.String("type", e.Subtype))
	}
	return c.publish(ctx, toEvents(fresh))
}

// Manual fetches the batch again ignoring the cursor and history and queues
// the newest event that matches creator (0 matches any subscribed creator).
// Checker state is left untouched.
func (c *DynamicChecker) Manual(ctx context.Context, creator int64) (event.DynamicEvent, bool, error) {
	data := c.Source.Subscriptions()
	fctx, cancel := c.cycleContext(ctx)
	batch, err := c.Client.FetchLatestDynamics(fctx)
	cancel()
	if err != nil {
		return event.DynamicEvent{}, false, fmt.Errorf("fetch dynamics: %w", err)
	}

	banned := *c.banned.Load()
	var (
		latest event.DynamicEvent
		found  bool
	)
	for _, e := range batch.Items {
		if banned[e.Subtype] || !subscribed(e, data) {
			continue
		}
		if creator != 0 && e.CreatorID != creator {
			continue
		}
		if !found || e.Timestamp.After(latest.Timestamp) {
			latest, found = e, true
		}
	}
	if !found {
		c.Log.Info("manual check found nothing", logx.Int64("creator", creator))
		return event.DynamicEvent{}, false, nil
	}
	if err := c.out.Put(ctx, latest); err != nil {
		return latest, true, err
	}
	c.Log.Info("manual check queued dynamic", logx.String("id", latest.ID), logx.Int64("creator", latest.CreatorID))
	return latest, true, nil
}

// subscribed matches series episodes against series subscriptions and
// everything else against the creator's contacts and ban list.
func subscribed(e event.DynamicEvent, data config.Data) bool {
	if e.IsSeries() {
		key := e.SeriesID
		if key == 0 {
			key = e.CreatorID
		}
		return len(data.Series[key]) > 0
	}
	sub, ok := data.Subscriptions[e.CreatorID]
	return ok && len(sub.Contacts) > 0 && !sub.Banned(e.Subtype)
}

func sortByTime(evs []event.DynamicEvent) {
	slices.SortStableFunc(evs, func(a, b event.DynamicEvent) int { return a.Timestamp.Compare(b.Timestamp) })
}

func toEvents[T event.Event](in []T) []event.Event {
	out := make([]event.Event, len(in))
	for i, e := range in {
		out[i] = e
	}
	return out
}

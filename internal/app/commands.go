package app

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/guardian"
	"dynbot/internal/queue"
	"dynbot/internal/runtime/supervisor"
	"dynbot/internal/task/scheduler"
	"dynbot/pkg/tgui"
)

type manualChecker interface {
	Manual(ctx context.Context, creator int64) (event.DynamicEvent, bool, error)
}

type reporter interface {
	LastReport() guardian.Report
}

// commands implements the admin chat commands on top of the running
// pipeline.
type commands struct {
	dyn    manualChecker
	data   *config.DataStore
	report reporter
	tasks  func() []scheduler.Info
	queues []queue.StatsSource
	// sups are the app and pipeline supervisors, set on Start.
	sups []*supervisor.Supervisor
}

func (c *commands) Check(ctx context.Context, creator int64) (string, error) {
	ev, ok, err := c.dyn.Manual(ctx, creator)
	if err != nil {
		return "", err
	}
	if !ok {
		if creator == 0 {
			return "no recent dynamic", nil
		}
		return fmt.Sprintf("no recent dynamic from %d", creator), nil
	}
	return tgui.JoinH(" ",
		tgui.Esc("queued"),
		tgui.Code(ev.ID),
		tgui.Esc(fmt.Sprintf("from %d (%s)", ev.CreatorID, ev.Timestamp.Format("2006-01-02 15:04"))),
	).String(), nil
}

func (c *commands) Status(context.Context) (string, error) {
	var lines []tgui.H
	if c.report != nil {
		rep := c.report.LastReport()
		if rep.At.IsZero() {
			lines = append(lines, tgui.B("guardian: no pass yet"))
		} else {
			lines = append(lines, tgui.B("guardian: "+string(rep.Severity)))
			lines = append(lines, tgui.Esc(fmt.Sprintf("memory %.0f%% (%s) · goroutines %d · connected %t",
				rep.Memory.Ratio*100, rep.Memory.Source, rep.Goroutines, rep.Connected)))
			for _, is := range rep.Issues {
				lines = append(lines, tgui.Esc("• "+is))
			}
		}
	}
	if c.tasks != nil {
		infos := c.tasks()
		slices.SortFunc(infos, func(a, b scheduler.Info) int { return strings.Compare(a.Name, b.Name) })
		lines = append(lines, tgui.B("tasks"))
		for _, in := range infos {
			s := fmt.Sprintf("%s %s runs=%d", in.Name, in.State, in.Runs)
			if in.Failures > 0 {
				s += " failures=" + strconv.Itoa(in.Failures)
			}
			lines = append(lines, tgui.Code(s))
		}
	}
	if len(c.sups) > 0 {
		var active int64
		var rows []tgui.H
		for _, sup := range c.sups {
			if sup == nil {
				continue
			}
			active += sup.Active()
			for _, st := range sup.Snapshot() {
				if st.Restarts == 0 && st.Panics == 0 && st.LastErr == "" {
					continue
				}
				rows = append(rows, tgui.Code(fmt.Sprintf("%s restarts=%d panics=%d %s", st.Name, st.Restarts, st.Panics, st.LastErr)))
			}
		}
		lines = append(lines, tgui.B(fmt.Sprintf("workers: %d active", active)))
		lines = append(lines, rows...)
	}
	if len(c.queues) > 0 {
		lines = append(lines, tgui.B("queues"))
		for _, q := range c.queues {
			st := q.Stats()
			lines = append(lines, tgui.Code(fmt.Sprintf("%s %d/%d waiting=%d", st.Name, st.Len, st.Cap, st.Waiting)))
		}
	}
	return tgui.JoinH("\n", lines...).String(), nil
}

func (c *commands) Subscribe(_ context.Context, creator int64, name string, to event.Contact) (string, error) {
	if !c.data.Subscribe(creator, name, to) {
		return fmt.Sprintf("already subscribed to %d", creator), nil
	}
	if err := c.data.Save(); err != nil {
		return "", fmt.Errorf("save subscriptions: %w", err)
	}
	return fmt.Sprintf("subscribed to %d", creator), nil
}

func (c *commands) Unsubscribe(_ context.Context, creator int64, to event.Contact) (string, error) {
	if !c.data.Unsubscribe(creator, to) {
		return fmt.Sprintf("not subscribed to %d", creator), nil
	}
	if err := c.data.Save(); err != nil {
		return "", fmt.Errorf("save subscriptions: %w", err)
	}
	return fmt.Sprintf("unsubscribed from %d", creator), nil
}

// List shows the creators the chat follows.
func (c *commands) List(_ context.Context, to event.Contact) (string, error) {
	data := c.data.Snapshot()
	var ids []int64
	for id, sub := range data.Subscriptions {
		if slices.Contains(sub.Contacts, to) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "no subscriptions", nil
	}
	slices.Sort(ids)
	lines := make([]tgui.H, 0, len(ids)+1)
	lines = append(lines, tgui.B(fmt.Sprintf("%d subscription(s)", len(ids))))
	for _, id := range ids {
		line := tgui.Code(strconv.FormatInt(id, 10))
		if name := data.Subscriptions[id].Name; name != "" {
			line = tgui.JoinH(" ", line, tgui.Esc(name))
		}
		lines = append(lines, line)
	}
	return tgui.JoinH("\n", lines...).String(), nil
}

func (c *commands) SubscribeSeries(_ context.Context, series int64, to event.Contact) (string, error) {
	if !c.data.SubscribeSeries(series, to) {
		return fmt.Sprintf("already following series %d", series), nil
	}
	if err := c.data.Save(); err != nil {
		return "", fmt.Errorf("save subscriptions: %w", err)
	}
	return fmt.Sprintf("following series %d", series), nil
}

func (c *commands) UnsubscribeSeries(_ context.Context, series int64, to event.Contact) (string, error) {
	if !c.data.UnsubscribeSeries(series, to) {
		return fmt.Sprintf("not following series %d", series), nil
	}
	if err := c.data.Save(); err != nil {
		return "", fmt.Errorf("save subscriptions: %w", err)
	}
	return fmt.Sprintf("stopped following series %d", series), nil
}

// Ban drops one event subtype for one creator, for every recipient.
func (c *commands) Ban(_ context.Context, creator int64, subtype string, banned bool) (string, error) {
	changed, err := c.data.SetBan(creator, subtype, banned)
	if err != nil {
		return "", err
	}
	verb := "banned"
	if !banned {
		verb = "unbanned"
	}
	if !changed {
		return tgui.Esc(fmt.Sprintf("%s already %s for %d", subtype, verb, creator)).String(), nil
	}
	if err := c.data.Save(); err != nil {
		return "", fmt.Errorf("save subscriptions: %w", err)
	}
	return tgui.Esc(fmt.Sprintf("%s %s for %d", subtype, verb, creator)).String(), nil
}

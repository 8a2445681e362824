package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/guardian"
	"dynbot/internal/queue"
	"dynbot/internal/runtime/supervisor"
	"dynbot/internal/task/scheduler"
	logx "dynbot/pkg/logx"
)

type fakeManual struct {
	ev  event.DynamicEvent
	ok  bool
	err error
	got []int64
}

func (f *fakeManual) Manual(_ context.Context, creator int64) (event.DynamicEvent, bool, error) {
	f.got = append(f.got, creator)
	return f.ev, f.ok, f.err
}

type fixedReport guardian.Report

func (r fixedReport) LastReport() guardian.Report { return guardian.Report(r) }

func newCommands(t *testing.T) (*commands, *fakeManual, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.yml")
	fm := &fakeManual{}
	return &commands{dyn: fm, data: config.NewDataStore(path, logx.Nop())}, fm, path
}

func TestCheckCommand(t *testing.T) {
	t.Parallel()
	c, fm, _ := newCommands(t)

	msg, err := c.Check(context.Background(), 42)
	if err != nil || msg != "no recent dynamic from 42" {
		t.Fatalf("Check = %q, %v", msg, err)
	}

	fm.ok = true
	fm.ev = event.DynamicEvent{ID: "d<1>", CreatorID: 42, Timestamp: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)}
	msg, err = c.Check(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "<code>d&lt;1&gt;</code>") || !strings.Contains(msg, "from 42") {
		t.Fatalf("Check reply = %q", msg)
	}

	fm.err = errors.New("upstream down")
	if _, err := c.Check(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
	if len(fm.got) != 3 || fm.got[1] != 0 {
		t.Fatalf("Manual calls = %v", fm.got)
	}
}

func TestSubscribeUnsubscribeList(t *testing.T) {
	t.Parallel()
	c, _, path := newCommands(t)
	ctx := context.Background()
	chat := event.Contact{Kind: event.ContactGroup, ID: -100}
	other := event.Contact{Kind: event.ContactPrivate, ID: 7}

	if msg, _ := c.List(ctx, chat); msg != "no subscriptions" {
		t.Fatalf("empty List = %q", msg)
	}
	if msg, err := c.Subscribe(ctx, 20, "Bob", chat); err != nil || msg != "subscribed to 20" {
		t.Fatalf("Subscribe = %q, %v", msg, err)
	}
	if msg, _ := c.Subscribe(ctx, 20, "", chat); msg != "already subscribed to 20" {
		t.Fatalf("second Subscribe = %q", msg)
	}
	if _, err := c.Subscribe(ctx, 10, "", chat); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(ctx, 30, "", other); err != nil {
		t.Fatal(err)
	}

	msg, _ := c.List(ctx, chat)
	want := "<b>2 subscription(s)</b>\n<code>10</code>\n<code>20</code> Bob"
	if msg != want {
		t.Fatalf("List = %q, want %q", msg, want)
	}

	// persisted through the data file
	reloaded := config.NewDataStore(path, logx.Nop())
	if err := reloaded.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := len(reloaded.Snapshot().Subscriptions); got != 3 {
		t.Fatalf("reloaded subscriptions = %d, want 3", got)
	}

	if msg, _ := c.Unsubscribe(ctx, 20, chat); msg != "unsubscribed from 20" {
		t.Fatalf("Unsubscribe = %q", msg)
	}
	if msg, _ := c.Unsubscribe(ctx, 20, chat); msg != "not subscribed to 20" {
		t.Fatalf("second Unsubscribe = %q", msg)
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	c, _, _ := newCommands(t)
	c.report = fixedReport{
		At:       time.Now(),
		Severity: guardian.SeverityWarn,
		Issues:   []string{"disconnected"},
		Memory:   guardian.MemoryStats{Ratio: 0.5, Source: "system"},
	}
	c.tasks = func() []scheduler.Info {
		return []scheduler.Info{
			{Name: "live", State: "running", Runs: 3},
			{Name: "dynamic", State: "running", Runs: 4, Failures: 2},
		}
	}
	q := queue.New[int]("message", 20)
	c.queues = []queue.StatsSource{q}
	sup := supervisor.New(context.Background())
	sup.Go0("idle", func(ctx context.Context) { <-ctx.Done() })
	t.Cleanup(func() {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	})
	c.sups = []*supervisor.Supervisor{sup, nil}

	msg, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"<b>guardian: warn</b>",
		"memory 50% (system)",
		"• disconnected",
		"<code>dynamic running runs=4 failures=2</code>",
		"<code>message 0/20 waiting=0</code>",
		"<b>workers: 1 active</b>",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Status missing %q:\n%s", want, msg)
		}
	}
	if strings.Index(msg, "dynamic running") > strings.Index(msg, "live running") {
		t.Fatalf("tasks not sorted:\n%s", msg)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{"disabled", config.StorageConfig{}, false, "", false},
		{"none", config.StorageConfig{Driver: "none"}, false, "", false},
		{"file", config.StorageConfig{Driver: "file", Path: "data/x"}, true, "file", false},
		{"sqlite", config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, true, "sqlite", false},
		{"sqlite without path", config.StorageConfig{Driver: "sqlite"}, false, "", true},
		{"bad retention", config.StorageConfig{Driver: "file", Retention: "soon"}, false, "", true},
		{"unknown", config.StorageConfig{Driver: "redis"}, false, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if enabled != tc.enabled || sc.Driver != tc.driver {
				t.Fatalf("got enabled=%v driver=%q", enabled, sc.Driver)
			}
			if tc.name == "sqlite" && sc.BusyTimeout != 2*time.Second {
				t.Fatalf("busy timeout = %v", sc.BusyTimeout)
			}
		})
	}
}

func TestCheckReload(t *testing.T) {
	t.Parallel()
	good := &config.Config{}
	good.ApplyDefaults()
	if err := checkReload(good); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}

	badTZ := &config.Config{}
	badTZ.ApplyDefaults()
	badTZ.Timezone = "Mars/Olympus"
	if err := checkReload(badTZ); err == nil {
		t.Fatal("bad timezone accepted")
	}

	badWindow := &config.Config{}
	badWindow.ApplyDefaults()
	badWindow.Check.LowSpeed.Window = "25-3"
	if err := checkReload(badWindow); err == nil {
		t.Fatal("bad low-speed window accepted")
	}
}

func TestMappersUseDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Telegram.AdminContacts = []string{"private:1", "bogus", "group:-5"}

	if got := mapContacts(cfg.Telegram.AdminContacts, logx.Nop()); len(got) != 2 {
		t.Fatalf("contacts = %v", got)
	}
	if s := mapSender(cfg); s.MissWait != 5*time.Second || s.SendTimeout != 30*time.Second {
		t.Fatalf("sender options = %+v", s)
	}
	if g := mapGuardian(cfg); g.DisconnectCritical != 120*time.Second || g.Spec != "@every 30s" {
		t.Fatalf("guardian options = %+v", g)
	}
	if c := mapCache(cfg); c.Dir != cfg.Render.CacheDir || c.MaxAge != 72*time.Hour {
		t.Fatalf("cache options = %+v", c)
	}
	if d := mapDynamic(cfg); d.HistoryCapacity != 200 || d.Grace != 600*time.Second {
		t.Fatalf("dynamic options = %+v", d)
	}
}

func TestWaitEmpty(t *testing.T) {
	t.Parallel()
	q := queue.New[int]("q", 4)
	if err := waitEmpty(context.Background(), q); err != nil {
		t.Fatal(err)
	}

	q.TryPut(1)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if err := waitEmpty(ctx, q); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = q.Get(context.Background())
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := waitEmpty(ctx2, q); err != nil {
		t.Fatalf("err = %v after consumer emptied the queue", err)
	}
}

func TestSeriesAndBanCommands(t *testing.T) {
	t.Parallel()
	c, _, path := newCommands(t)
	ctx := context.Background()
	chat := event.Contact{Kind: event.ContactGroup, ID: -100}

	if msg, err := c.SubscribeSeries(ctx, 55, chat); err != nil || msg != "following series 55" {
		t.Fatalf("SubscribeSeries = %q, %v", msg, err)
	}
	if msg, _ := c.SubscribeSeries(ctx, 55, chat); msg != "already following series 55" {
		t.Fatalf("second SubscribeSeries = %q", msg)
	}

	if _, err := c.Ban(ctx, 20, "video", true); err == nil {
		t.Fatal("ban on unknown creator accepted")
	}
	if _, err := c.Subscribe(ctx, 20, "", chat); err != nil {
		t.Fatal(err)
	}
	// a snapshot taken before the ban must not see it
	before := c.data.Snapshot()
	if msg, err := c.Ban(ctx, 20, "video", true); err != nil || msg != "video banned for 20" {
		t.Fatalf("Ban = %q, %v", msg, err)
	}
	if msg, _ := c.Ban(ctx, 20, "video", true); msg != "video already banned for 20" {
		t.Fatalf("second Ban = %q", msg)
	}
	if before.Subscriptions[20].Banned("video") {
		t.Fatal("ban leaked into an earlier snapshot")
	}

	reloaded := config.NewDataStore(path, logx.Nop())
	if err := reloaded.Reload(); err != nil {
		t.Fatal(err)
	}
	d := reloaded.Snapshot()
	if !d.Subscriptions[20].Banned("video") || len(d.Series[55]) != 1 || d.Series[55][0] != chat {
		t.Fatalf("reloaded data = %+v", d)
	}

	if msg, _ := c.Ban(ctx, 20, "video", false); msg != "video unbanned for 20" {
		t.Fatalf("unban = %q", msg)
	}
	if msg, _ := c.UnsubscribeSeries(ctx, 55, chat); msg != "stopped following series 55" {
		t.Fatalf("UnsubscribeSeries = %q", msg)
	}
	if msg, _ := c.UnsubscribeSeries(ctx, 55, chat); msg != "not following series 55" {
		t.Fatalf("second UnsubscribeSeries = %q", msg)
	}
	if err := reloaded.Reload(); err != nil {
		t.Fatal(err)
	}
	d = reloaded.Snapshot()
	if d.Subscriptions[20].Banned("video") || len(d.Series) != 0 {
		t.Fatalf("after undo = %+v", d)
	}
}

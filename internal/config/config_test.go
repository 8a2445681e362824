package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dynbot/internal/event"
	logx "dynbot/pkg/logx"
)

const minimalYAML = `
telegram:
  token: "123:abc"
  admin_contacts: ["private:42"]
upstream:
  base_url: "https://api.example.com"
check:
  low_speed:
    enabled: true
    window: "22-8"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, t.TempDir(), "config.yaml", minimalYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Check.DynamicInterval != 30 || cfg.Check.HistoryCapacity != 200 {
		t.Fatalf("defaults not applied: %+v", cfg.Check)
	}
	if cfg.Queues.Miss != 10 || cfg.Queues.Message != 20 {
		t.Fatalf("queue defaults: %+v", cfg.Queues)
	}
	if cfg.Guardian.WarnRatio != 0.70 || cfg.Guardian.CriticalRatio != 0.85 {
		t.Fatalf("guardian defaults: %+v", cfg.Guardian)
	}
	pol, err := cfg.Check.LowSpeed.Policy()
	if err != nil {
		t.Fatal(err)
	}
	if !pol.Active() || pol.StartHour != 22 || pol.EndHour != 8 || pol.Low.Min != 60 || pol.Normal.Max != 120 {
		t.Fatalf("policy = %+v", pol)
	}
}

func TestParseRejectsUnknownKeysAndBadValues(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := map[string]string{
		"unknown key":   minimalYAML + "bogus: 1\n",
		"bad contact":   strings.Replace(minimalYAML, "private:42", "channel:42", 1),
		"bad window":    strings.Replace(minimalYAML, "22-8", "22-30", 1),
		"missing token": strings.Replace(minimalYAML, `token: "123:abc"`, `token: ""`, 1),
		"ratio order":   minimalYAML + "guardian:\n  warn_ratio: 0.9\n  critical_ratio: 0.8\n",
		"bad duration":  minimalYAML + "sender:\n  miss_wait: soon\n",
	}
	for name, body := range tests {
		p := writeFile(t, dir, strings.ReplaceAll(name, " ", "_")+".yaml", body)
		if _, err := NewManager(p).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if changed, err := m.Reload(ctx); err != nil || changed {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	writeFile(t, filepath.Dir(path), "config.yaml", minimalYAML+"sender:\n  rate_per_sec: 5\n")
	changed, err := m.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("reload = %v, %v", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Sender.RatePerSec != 5 {
			t.Fatalf("rate = %v", cfg.Sender.RatePerSec)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	m.SetCheck(func(context.Context, *Config) error { return os.ErrPermission })
	writeFile(t, filepath.Dir(path), "config.yaml", minimalYAML+"sender:\n  rate_per_sec: 7\n")
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("check rejection ignored")
	}
	if m.Get().Sender.RatePerSec != 5 {
		t.Fatal("rejected config was committed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a, err := Decode("a.yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Decode("b.yaml", []byte(minimalYAML))
	b.Check.DynamicInterval = 90
	b.Queues.Message = 50

	changed, _, restart := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "check,queues" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "queues" {
		t.Fatalf("restart = %v", restart)
	}
}

func TestDataStoreRoundTripAndLenientLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "data.yml", `
subscriptions:
  100:
    name: alice
    contacts: ["group:1", "private:2", "nonsense"]
    bans: {video: true}
    future_field: ignored
series:
  7: ["group:1"]
extra_top_level: true
`)
	ds := NewDataStore(path, logx.Nop())
	if err := ds.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	snap := ds.Snapshot()
	sub := snap.Subscriptions[100]
	if sub.Name != "alice" || len(sub.Contacts) != 2 || !sub.Banned("video") {
		t.Fatalf("sub = %+v", sub)
	}
	if len(snap.Series[7]) != 1 {
		t.Fatalf("series = %+v", snap.Series)
	}

	g1 := event.Contact{Kind: event.ContactGroup, ID: 1}
	if !ds.Subscribe(200, "bob", g1) || ds.Subscribe(200, "", g1) {
		t.Fatal("Subscribe should change once")
	}
	// Snapshots are isolated from later mutation.
	snap.Subscriptions[100] = Subscription{}
	if ds.Snapshot().Subscriptions[100].Name != "alice" {
		t.Fatal("snapshot aliases store")
	}

	if err := ds.Save(); err != nil {
		t.Fatal(err)
	}
	again := NewDataStore(path, logx.Nop())
	if err := again.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := again.Snapshot(); len(got.Subscriptions) != 2 || got.Subscriptions[200].Name != "bob" {
		t.Fatalf("reloaded = %+v", got.Subscriptions)
	}

	if n := again.UnsubscribeAll(g1); n != 2 {
		t.Fatalf("UnsubscribeAll = %d, want 2", n)
	}
	got := again.Snapshot()
	if _, ok := got.Subscriptions[200]; ok {
		t.Fatal("empty record not deleted")
	}
	if len(got.Series) != 0 {
		t.Fatalf("series not cleaned: %+v", got.Series)
	}
}

func TestDataStoreCorruptFallsBackToEmpty(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "data.yml", "subscriptions: [unclosed")
	ds := NewDataStore(path, logx.Nop())
	if err := ds.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if !ds.Snapshot().Empty() {
		t.Fatal("corrupt file should yield empty store")
	}
}

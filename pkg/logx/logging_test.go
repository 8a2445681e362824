package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingAlerts struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingAlerts) Alert(ctx context.Context, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("ignored")
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Warn("hello", Int("n", 3), Err(nil))

	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"message":"hello"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
	if strings.Contains(out, `"err"`) {
		t.Fatalf("nil error should not produce a field: %s", out)
	}
}

func TestAlertSinkForwardsOnlyAboveMinLevel(t *testing.T) {
	rec := &recordingAlerts{}
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
	}, rec)
	defer svc.Close()

	log.Warn("not forwarded")
	log.Error("forwarded", String("task", "dynamic"))

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("alerts = %d, want 1", rec.count())
	}
	rec.mu.Lock()
	got := rec.texts[0]
	rec.mu.Unlock()
	if !strings.HasPrefix(got, "[ERROR] forwarded") || !strings.Contains(got, "task=dynamic") {
		t.Fatalf("unexpected alert text: %q", got)
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	if got := formatAlert([]byte("  plain line \n")); got != "plain line" {
		t.Fatalf("formatAlert = %q", got)
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "info", "WARN", "warning", "trace"} {
		if !ValidLevel(s) {
			t.Fatalf("%q should be valid", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("loud should be invalid")
	}
}

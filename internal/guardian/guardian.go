// Package guardian runs the periodic self-check: dead task reaping, memory
// pressure relief, connection downtime tracking and a low-noise health
// report.
package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/natefinch/lumberjack.v2"

	"dynbot/internal/eventbus"
	"dynbot/internal/queue"
	"dynbot/internal/task/scheduler"
	logx "dynbot/pkg/logx"
)

// TaskName is the guardian's own task; it never reaps itself.
const TaskName = "guardian"

// Connectivity is satisfied by the chat adapter.
type Connectivity interface {
	Connected() bool
}

// Evictor frees cached data. aggressive asks for everything that can go.
type Evictor interface {
	Evict(ctx context.Context, aggressive bool) (int, error)
}

type EvictorFunc func(ctx context.Context, aggressive bool) (int, error)

func (f EvictorFunc) Evict(ctx context.Context, aggressive bool) (int, error) {
	return f(ctx, aggressive)
}

// MemoryProbe reads current memory pressure.
type MemoryProbe func() (MemoryStats, error)

type Options struct {
	Spec               string
	WarnRatio          float64
	CriticalRatio      float64
	DisconnectCritical time.Duration
	// ReportEvery is how often an all-clear report is still logged.
	ReportEvery time.Duration
	// ReportFile receives JSON reports (rotated); empty disables it.
	ReportFile string
	Systemd    bool
	// HeapLimit, in bytes, is the budget the process heap is measured
	// against when no Go memory limit is set. Zero falls back to system
	// memory usage.
	HeapLimit uint64
}

func (o Options) withDefaults() Options {
	if o.Spec == "" {
		o.Spec = "@every 30s"
	}
	if o.WarnRatio <= 0 {
		o.WarnRatio = 0.70
	}
	if o.CriticalRatio <= 0 {
		o.CriticalRatio = 0.85
	}
	if o.DisconnectCritical <= 0 {
		o.DisconnectCritical = 120 * time.Second
	}
	if o.ReportEvery <= 0 {
		o.ReportEvery = 10 * time.Minute
	}
	return o
}

type Guardian struct {
	reg    *scheduler.Registry
	conn   Connectivity
	probe  MemoryProbe
	queues []queue.StatsSource
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu         sync.Mutex
	opts       Options
	evictors   []Evictor
	suspects   []string
	downtime   time.Duration
	lastPass   time.Time
	lastLogged time.Time
	last       Report
	readySent  bool
	out        io.WriteCloser
}

type Option func(*Guardian)

func WithMemoryProbe(p MemoryProbe) Option  { return func(g *Guardian) { g.probe = p } }
func WithClock(now func() time.Time) Option { return func(g *Guardian) { g.now = now } }
func WithBus(bus eventbus.Bus) Option       { return func(g *Guardian) { g.bus = bus } }
func WithQueues(qs ...queue.StatsSource) Option {
	return func(g *Guardian) { g.queues = append(g.queues, qs...) }
}
func WithEvictors(es ...Evictor) Option {
	return func(g *Guardian) { g.evictors = append(g.evictors, es...) }
}
func WithReportWriter(w io.WriteCloser) Option { return func(g *Guardian) { g.out = w } }
func WithConnectivity(c Connectivity) Option   { return func(g *Guardian) { g.conn = c } }

func New(reg *scheduler.Registry, opts Options, log logx.Logger, o ...Option) *Guardian {
	g := &Guardian{
		reg:  reg,
		log:  log.With(logx.String("comp", "guardian")),
		bus:  eventbus.Nop{},
		now:  time.Now,
		opts: opts.withDefaults(),
	}
	for _, fn := range o {
		fn(g)
	}
	if g.out == nil && g.opts.ReportFile != "" {
		g.out = &lumberjack.Logger{Filename: g.opts.ReportFile, MaxSize: 10, MaxBackups: 7, MaxAge: 14}
	}
	return g
}

// Apply swaps thresholds after a config reload. The report file and the
// schedule are fixed at start.
func (g *Guardian) Apply(opts Options) {
	opts = opts.withDefaults()
	g.mu.Lock()
	opts.ReportFile, opts.Spec = g.opts.ReportFile, g.opts.Spec
	g.opts = opts
	g.mu.Unlock()
}

func (g *Guardian) Task() scheduler.Task {
	g.mu.Lock()
	spec := g.opts.Spec
	g.mu.Unlock()
	return scheduler.Task{Name: TaskName, Spec: spec, Hooks: scheduler.Hooks{Main: g.Main}}
}

// LastReport returns the most recent pass.
func (g *Guardian) LastReport() Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *Guardian) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.out == nil {
		return nil
	}
	err := g.out.Close()
	g.out = nil
	return err
}

// Main runs one pass. It never fails the task; problems end up in the
// report.
func (g *Guardian) Main(ctx context.Context) error {
	g.Pass(ctx)
	return nil
}

// Pass runs every check once and returns the report.
func (g *Guardian) Pass(ctx context.Context) Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rep := Report{At: now, Severity: SeverityOK, Goroutines: runtime.NumGoroutine()}
	g.checkTasks(&rep)
	g.checkMemory(ctx, &rep)
	g.checkConnection(now, &rep)
	for _, q := range g.queues {
		st := q.Stats()
		rep.Queues = append(rep.Queues, st)
		if st.Cap > 0 && st.Len == st.Cap && st.Waiting > 0 {
			rep.Issues = append(rep.Issues, fmt.Sprintf("queue %s full with %d waiting producers", st.Name, st.Waiting))
			rep.Severity = worse(rep.Severity, SeverityWarn)
		}
	}
	g.lastPass = now
	g.last = rep

	g.emit(rep)
	g.notifySystemd(rep)
	return rep
}

// checkTasks reaps in two phases: names found dead on the previous pass are
// purged now (only if still dead), names found dead now wait for the next.
func (g *Guardian) checkTasks(rep *Report) {
	if g.reg == nil {
		return
	}
	if len(g.suspects) > 0 {
		rep.Purged = g.reg.Purge(g.suspects)
	}
	g.suspects = g.reg.Dead(TaskName)
	rep.DeadTasks = g.suspects
	rep.Tasks = g.reg.Len()
	if len(g.suspects) > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d dead task(s)", len(g.suspects)))
		rep.Severity = worse(rep.Severity, SeverityWarn)
	}
}

func (g *Guardian) checkMemory(ctx context.Context, rep *Report) {
	probe := g.probe
	if probe == nil {
		limit := g.opts.HeapLimit
		probe = func() (MemoryStats, error) { return ReadMemory(limit) }
	}
	ms, err := probe()
	if err != nil {
		rep.MemoryError = err.Error()
		return
	}
	rep.Memory = ms
	switch {
	case ms.Ratio >= g.opts.CriticalRatio:
		rep.Severity = worse(rep.Severity, SeverityCritical)
		rep.Issues = append(rep.Issues, fmt.Sprintf("memory critical %.0f%%", ms.Ratio*100))
		rep.Action = "flush"
		rep.Evicted = g.evict(ctx, true)
		runtime.GC()
		debug.FreeOSMemory()
	case ms.Ratio >= g.opts.WarnRatio:
		rep.Severity = worse(rep.Severity, SeverityWarn)
		rep.Issues = append(rep.Issues, fmt.Sprintf("memory high %.0f%%", ms.Ratio*100))
		rep.Action = "light_evict"
		rep.Evicted = g.evict(ctx, false)
	}
}

func (g *Guardian) evict(ctx context.Context, aggressive bool) int {
	total := 0
	for _, e := range g.evictors {
		n, err := e.Evict(ctx, aggressive)
		if err != nil {
			g.log.Warn("cache eviction failed", logx.Bool("aggressive", aggressive), logx.Err(err))
		}
		total += n
	}
	return total
}

// checkConnection adds the time since the previous pass while the chat
// connection is down and resets it once it is back.
func (g *Guardian) checkConnection(now time.Time, rep *Report) {
	if g.conn == nil {
		rep.Connected = true
		return
	}
	rep.Connected = g.conn.Connected()
	if rep.Connected {
		if g.downtime > 0 {
			g.log.Info("connection restored", logx.Duration("downtime", g.downtime))
		}
		g.downtime = 0
		return
	}
	step := time.Duration(0)
	if !g.lastPass.IsZero() {
		step = now.Sub(g.lastPass)
	}
	g.downtime += step
	rep.Downtime = g.downtime
	if g.downtime >= g.opts.DisconnectCritical {
		rep.Severity = worse(rep.Severity, SeverityCritical)
		rep.Issues = append(rep.Issues, fmt.Sprintf("disconnected for %s", g.downtime.Round(time.Second)))
		return
	}
	rep.Severity = worse(rep.Severity, SeverityWarn)
	rep.Issues = append(rep.Issues, "disconnected")
}

// emit logs and files the report. All-clear passes are only written every
// ReportEvery.
func (g *Guardian) emit(rep Report) {
	if rep.AllClear() && !g.lastLogged.IsZero() && rep.At.Sub(g.lastLogged) < g.opts.ReportEvery {
		return
	}
	g.lastLogged = rep.At

	fields := []logx.Field{
		logx.String("severity", string(rep.Severity)),
		logx.Int("tasks", rep.Tasks),
		logx.Float64("mem_ratio", math.Round(rep.Memory.Ratio*1000)/1000),
		logx.Bool("connected", rep.Connected),
		logx.Int("goroutines", rep.Goroutines),
	}
	if len(rep.Issues) > 0 {
		fields = append(fields, logx.Any("issues", rep.Issues))
	}
	switch rep.Severity {
	case SeverityCritical:
		g.log.Error("guardian report", fields...)
	case SeverityWarn:
		g.log.Warn("guardian report", fields...)
	default:
		g.log.Info("guardian report", fields...)
	}
	g.bus.Publish(eventbus.Event{Type: eventbus.TypeGuardianReport, Time: rep.At, Data: rep})

	if g.out != nil {
		b, err := json.Marshal(rep)
		if err == nil {
			_, err = g.out.Write(append(b, '\n'))
		}
		if err != nil {
			g.log.Debug("guardian report file write failed", logx.Err(err))
		}
	}
}

func (g *Guardian) notifySystemd(rep Report) {
	if !g.opts.Systemd {
		return
	}
	if !g.readySent {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			g.log.Debug("sd_notify ready failed", logx.Err(err))
		}
		g.readySent = true
	}
	// A critical pass withholds the watchdog ping.
	if rep.Severity == SeverityCritical {
		return
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		g.log.Debug("sd_notify watchdog failed", logx.Err(err))
	}
}

// ReadMemory measures this process against the Go memory limit when one is
// set, then against heapLimit. With neither it reports system memory usage,
// which other processes on the host also move.
func ReadMemory(heapLimit uint64) (MemoryStats, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memoryFrom(&m, debug.SetMemoryLimit(-1), heapLimit, mem.VirtualMemory)
}

func memoryFrom(m *runtime.MemStats, goLimit int64, heapLimit uint64, system func() (*mem.VirtualMemoryStat, error)) (MemoryStats, error) {
	ms := MemoryStats{HeapAlloc: m.HeapAlloc}

	if goLimit > 0 && goLimit < math.MaxInt64 {
		ms.Source = "go_limit"
		ms.Used = m.Sys - m.HeapReleased
		ms.Limit = uint64(goLimit)
		ms.Ratio = float64(ms.Used) / float64(ms.Limit)
		return ms, nil
	}
	if heapLimit > 0 {
		ms.Source = "heap_limit"
		ms.Used = m.HeapInuse
		ms.Limit = heapLimit
		ms.Ratio = float64(ms.Used) / float64(ms.Limit)
		return ms, nil
	}
	vm, err := system()
	if err != nil {
		return ms, fmt.Errorf("system memory: %w", err)
	}
	ms.Source = "system"
	ms.Used = vm.Used
	ms.Limit = vm.Total
	ms.Ratio = vm.UsedPercent / 100
	return ms, nil
}

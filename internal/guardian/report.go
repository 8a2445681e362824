package guardian

import (
	"time"

	"dynbot/internal/queue"
)

type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarn:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

func worse(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// MemoryStats is one reading of memory pressure.
type MemoryStats struct {
	Used  uint64  `json:"used"`
	Limit uint64  `json:"limit"`
	Ratio float64 `json:"ratio"`
	// Source is "go_limit", "heap_limit" or "system".
	Source    string `json:"source"`
	HeapAlloc uint64 `json:"heap_alloc"`
}

// Report is the result of one guardian pass.
type Report struct {
	At       time.Time `json:"at"`
	Severity Severity  `json:"severity"`
	Issues   []string  `json:"issues,omitempty"`

	DeadTasks []string `json:"dead_tasks,omitempty"`
	Purged    int      `json:"purged,omitempty"`
	Tasks     int      `json:"tasks"`

	Memory      MemoryStats `json:"memory"`
	MemoryError string      `json:"memory_error,omitempty"`
	// Action is "", "light_evict" or "flush".
	Action  string `json:"action,omitempty"`
	Evicted int    `json:"evicted,omitempty"`

	Connected bool          `json:"connected"`
	Downtime  time.Duration `json:"downtime"`

	Goroutines int           `json:"goroutines"`
	Queues     []queue.Stats `json:"queues,omitempty"`
}

// AllClear reports a pass with nothing to say.
func (r Report) AllClear() bool { return r.Severity == SeverityOK && len(r.Issues) == 0 }

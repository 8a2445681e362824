package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskExists  = errors.New("task already registered")
	ErrInvalidTask = errors.New("invalid task")
	ErrNotRunnable = errors.New("task is not in created state")
)

// RunOnce is the interval sentinel for a single before→main→after pass.
const RunOnce = -1

// State is the lifecycle state of a registered task.
//
//	Created → Initializing → {Running | RanOnce} → {Stopped | Failed}
//
// Stopped and Failed are terminal; a failed task must be registered again.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateRanOnce
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateRanOnce:
		return "ran_once"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a task in this state still owns a live loop.
func (s State) Active() bool {
	return s == StateCreated || s == StateInitializing || s == StateRunning
}

// Hooks are the lifecycle callbacks of a task. Any may be nil.
// Before, Main and After run as one unit of work: an error in any of them
// counts as one failure of the cycle.
type Hooks struct {
	Init   func(ctx context.Context) error
	Before func(ctx context.Context) error
	Main   func(ctx context.Context) error
	After  func(ctx context.Context) error
}

// Task describes one schedulable unit.
type Task struct {
	Name string
	// Interval in unit times (seconds by default); RunOnce for a single pass.
	// Ignored when Spec is set.
	Interval int
	// Spec is an optional trigger string (cron, "@every 30s", "10m", "02:30").
	Spec string
	Hooks
}

// Config controls the scheduler loop policy.
type Config struct {
	// UnitTime converts Task.Interval into a duration. Default 1s.
	UnitTime time.Duration
	// MaxFailures consecutive failures stop a task for good. Default 10.
	MaxFailures int
	// BackoffStep is multiplied by the failure count. Default 10s.
	BackoffStep time.Duration
	// BackoffMax caps the failure backoff. Default 120s.
	BackoffMax time.Duration
	// Location evaluates cron specs. Default time.Local.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.UnitTime <= 0 {
		c.UnitTime = time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 10
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = 10 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 120 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Backoff is the wait after the given number of consecutive failures:
// min(BackoffMax, failures*BackoffStep).
func (c Config) Backoff(failures int) time.Duration {
	c = c.withDefaults()
	if failures <= 0 {
		return 0
	}
	d := time.Duration(failures) * c.BackoffStep
	if d > c.BackoffMax || d < 0 {
		return c.BackoffMax
	}
	return d
}

// Info is a point-in-time view of one task for health reports.
type Info struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Interval  int       `json:"interval"`
	Spec      string    `json:"spec,omitempty"`
	Failures  int       `json:"failures"`
	Runs      uint64    `json:"runs"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	LastError string    `json:"last_error,omitempty"`
}

// TaskEvent is published on the event bus when a task stops or fails.
type TaskEvent struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
	Error    string `json:"error,omitempty"`
}

package guardian

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dynbot/internal/task/scheduler"
	logx "dynbot/pkg/logx"
)

// CacheTaskName is the scheduled cache clear.
const CacheTaskName = "cache_clear"

type CacheOptions struct {
	Dir    string
	Spec   string
	MaxAge time.Duration
	// AlertAfter consecutive failed clears trigger an admin alert.
	AlertAfter int
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.Spec == "" {
		o.Spec = "@daily"
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 72 * time.Hour
	}
	if o.AlertAfter <= 0 {
		o.AlertAfter = 3
	}
	return o
}

// CacheCleaner removes stale rendered images. It also serves as the
// guardian's Evictor.
type CacheCleaner struct {
	log   logx.Logger
	alert logx.AlertSender
	now   func() time.Time

	mu       sync.Mutex
	opts     CacheOptions
	failures int
	alerted  bool
}

func NewCacheCleaner(opts CacheOptions, alert logx.AlertSender, log logx.Logger) *CacheCleaner {
	return &CacheCleaner{
		log:   log.With(logx.String("comp", "cache")),
		alert: alert,
		now:   time.Now,
		opts:  opts.withDefaults(),
	}
}

func (c *CacheCleaner) Apply(opts CacheOptions) {
	c.mu.Lock()
	opts.Spec = c.opts.Spec
	c.opts = opts.withDefaults()
	c.mu.Unlock()
}

func (c *CacheCleaner) Task() scheduler.Task {
	c.mu.Lock()
	spec := c.opts.Spec
	c.mu.Unlock()
	return scheduler.Task{Name: CacheTaskName, Spec: spec, Hooks: scheduler.Hooks{Main: c.Main}}
}

// Failures is the current count of consecutive failed clears.
func (c *CacheCleaner) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Main clears expired files. Failures are counted and alerted on, never
// returned, so the task keeps its schedule.
func (c *CacheCleaner) Main(ctx context.Context) error {
	n, err := c.Clear(ctx, c.maxAge())
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		if c.failures > 0 {
			c.log.Info("cache clear recovered", logx.Int("after_failures", c.failures))
		}
		c.failures, c.alerted = 0, false
		c.log.Info("cache cleared", logx.Int("removed", n))
		return nil
	}
	c.failures++
	c.log.Warn("cache clear failed", logx.Int("failures", c.failures), logx.Err(err))
	if c.failures >= c.opts.AlertAfter && !c.alerted && c.alert != nil {
		msg := fmt.Sprintf("cache clear failed %d times in a row: %v", c.failures, err)
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if aerr := c.alert.Alert(actx, msg); aerr != nil {
			c.log.Warn("cache alert failed", logx.Err(aerr))
		} else {
			c.alerted = true
		}
		cancel()
	}
	return nil
}

// Evict implements Evictor. A light pass drops files older than half the
// max age, an aggressive pass drops everything.
func (c *CacheCleaner) Evict(ctx context.Context, aggressive bool) (int, error) {
	age := c.maxAge() / 2
	if aggressive {
		age = 0
	}
	return c.Clear(ctx, age)
}

func (c *CacheCleaner) maxAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.MaxAge
}

// Clear removes regular files under the cache dir last modified more than
// olderThan ago. A missing dir is not an error.
func (c *CacheCleaner) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	c.mu.Lock()
	dir := c.opts.Dir
	c.mu.Unlock()
	if dir == "" {
		return 0, nil
	}
	cutoff := c.now().Add(-olderThan)
	removed := 0
	var errs []error
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			errs = append(errs, err)
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if olderThan > 0 && info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

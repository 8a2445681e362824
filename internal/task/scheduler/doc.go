// Package scheduler runs repeating tasks with lifecycle hooks.
//
// Each task runs on its own goroutine:
//   - Init once (a failure aborts only that task)
//   - Before/Main/After as one cycle, then sleep Interval*UnitTime
//     (or until the next cron trigger when Spec is set)
//   - on failure sleep min(BackoffMax, failures*BackoffStep); after
//     MaxFailures consecutive failures the task stops for good
//
// Live tasks are tracked in a Registry shared with the guardian, which reaps
// tasks whose loop has ended.
package scheduler

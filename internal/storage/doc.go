// Package storage persists bot state that must survive restarts.
//
// It covers:
//   - a small key/value table (tracking maps, bot state)
//   - the delivery audit (sent, missed, retried and dropped messages)
//   - atomic file replacement used by flat-file state (history window, data file)
package storage

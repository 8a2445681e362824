package checker

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"dynbot/internal/storage"
)

// DefaultHistoryCapacity is the size of the recent-ID window.
const DefaultHistoryCapacity = 200

// History is a fixed-capacity FIFO of recently accepted event IDs. It is
// owned by one checker loop and is not safe for concurrent use.
type History struct {
	cap   int
	items []string
	set   map[string]struct{}
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{cap: capacity, items: make([]string, 0, capacity), set: make(map[string]struct{}, capacity)}
}

func (h *History) Cap() int { return h.cap }
func (h *History) Len() int { return len(h.items) }

func (h *History) Contains(id string) bool {
	_, ok := h.set[id]
	return ok
}

// Add appends id, evicting the oldest entry at capacity. Known IDs are
// ignored.
func (h *History) Add(id string) {
	if id == "" || h.Contains(id) {
		return
	}
	if len(h.items) >= h.cap {
		delete(h.set, h.items[0])
		copy(h.items, h.items[1:])
		h.items = h.items[:len(h.items)-1]
	}
	h.items = append(h.items, id)
	h.set[id] = struct{}{}
}

// Items returns the IDs oldest first.
func (h *History) Items() []string { return append([]string(nil), h.items...) }

// LoadHistory reads one ID per line and keeps the last capacity entries.
// A missing file is an empty history. On a read error the empty history is
// still returned together with the error.
func LoadHistory(path string, capacity int) (*History, error) {
	h := NewHistory(capacity)
	if strings.TrimSpace(path) == "" {
		return h, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("read history %s: %w", path, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			h.Add(id)
		}
	}
	if err := sc.Err(); err != nil {
		return NewHistory(capacity), fmt.Errorf("parse history %s: %w", path, err)
	}
	return h, nil
}

// SaveHistory writes the window atomically.
func SaveHistory(path string, h *History) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	var buf bytes.Buffer
	for _, id := range h.items {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	return storage.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

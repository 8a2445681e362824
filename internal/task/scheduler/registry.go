package scheduler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the set of live tasks. It is shared between the scheduler
// (self-registration, cancel) and the guardian (reaping), so every access
// goes through the mutex and iteration works on copies.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{tasks: map[string]*Handle{}}
}

// Add registers h. A name held by a still-active task is rejected; a name
// held by a finished task is taken over, which is how a failed task gets
// restarted by its owner.
func (r *Registry) Add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.tasks[h.Name()]; ok && old != h && old.State().Active() {
		return fmt.Errorf("%w: %s", ErrTaskExists, h.Name())
	}
	r.tasks[h.Name()] = h
	return nil
}

// Remove deletes h if it is still the registered handle for its name.
// Calling it more than once is harmless.
func (r *Registry) Remove(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[h.Name()]; ok && cur == h {
		delete(r.tasks, h.Name())
		return true
	}
	return false
}

func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[name]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Handles returns a copy of the registered handles sorted by name.
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.tasks))
	for _, h := range r.tasks {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Snapshot() []Info {
	hs := r.Handles()
	out := make([]Info, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Info())
	}
	return out
}

// Dead is the detect phase of reaping: names of registered tasks whose loop
// is no longer active. Names in exclude are skipped.
func (r *Registry) Dead(exclude ...string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, n := range exclude {
		skip[n] = struct{}{}
	}
	var out []string
	for _, h := range r.Handles() {
		if _, ok := skip[h.Name()]; ok {
			continue
		}
		if !h.State().Active() {
			out = append(out, h.Name())
		}
	}
	return out
}

// Purge is the remove phase of reaping. A name is only removed when its
// current handle is still inactive, so a task re-registered between the two
// phases survives. Returns the number removed.
func (r *Registry) Purge(names []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, name := range names {
		h, ok := r.tasks[name]
		if !ok || h.State().Active() {
			continue
		}
		delete(r.tasks, name)
		n++
	}
	return n
}

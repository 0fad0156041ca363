package fence

import (
	"fmt"
	"sync"
)

// Timeline hands out pending fences and signals them in creation order,
// the way a sync timeline advances.
type Timeline struct {
	mu      sync.Mutex
	name    string
	next    uint64
	pending []*Fence
}

// NewTimeline creates an empty timeline.
func NewTimeline(name string) *Timeline {
	return &Timeline{name: name}
}

// NewFence creates a fence that signals on a later Advance.
func (t *Timeline) NewFence(label string) *Fence {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	f := newPending(fmt.Sprintf("%s:%s#%d", t.name, label, t.next))
	t.pending = append(t.pending, f)
	return f
}

// Advance signals up to n of the oldest pending fences and returns how many
// were signaled. A negative n signals everything.
func (t *Timeline) Advance(n int) int {
	t.mu.Lock()
	if n < 0 || n > len(t.pending) {
		n = len(t.pending)
	}
	ready := t.pending[:n]
	t.pending = t.pending[n:]
	t.mu.Unlock()

	for _, f := range ready {
		f.signal()
	}
	return len(ready)
}

// Pending returns the number of fences not yet signaled.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

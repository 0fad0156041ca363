// Package fence provides completion tokens shared between the compositor,
// the virtual display surfaces and the downstream buffer consumers.
package fence

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Fence is an immutable, shareable waitable token. It signals once and stays
// signaled. A nil *Fence behaves like NoFence.
//
// A merged fence has no signal source of its own; it observes its parents
// and only spends a goroutine on them when a caller asks for Done.
type Fence struct {
	label   string
	done    chan struct{}
	once    sync.Once
	parents []*Fence
	watch   sync.Once
}

// NoFence is a fence that is already signaled.
var NoFence = newSignaled("no fence")

func newSignaled(label string) *Fence {
	f := &Fence{label: label, done: make(chan struct{})}
	f.signal()
	return f
}

func newPending(label string) *Fence {
	return &Fence{label: label, done: make(chan struct{})}
}

func (f *Fence) signal() {
	f.once.Do(func() { close(f.done) })
}

// Label returns the diagnostic name of the fence.
func (f *Fence) Label() string {
	if f == nil {
		return NoFence.label
	}
	return f.label
}

// IsNoFence reports whether f carries no pending work at construction time.
func (f *Fence) IsNoFence() bool {
	return f == nil || f == NoFence
}

// Done returns a channel closed once the fence has signaled. For a merged
// fence the first call starts a watcher that exits when the parents signal.
func (f *Fence) Done() <-chan struct{} {
	if f == nil {
		return NoFence.done
	}
	if len(f.parents) > 0 {
		f.watch.Do(func() {
			if f.Signaled() {
				return
			}
			go func() {
				for _, p := range f.parents {
					<-p.Done()
				}
				f.signal()
			}()
		})
	}
	return f.done
}

// Signaled polls the fence without blocking.
func (f *Fence) Signaled() bool {
	if f == nil {
		return true
	}
	select {
	case <-f.done:
		return true
	default:
	}
	if len(f.parents) == 0 {
		return false
	}
	for _, p := range f.parents {
		if !p.Signaled() {
			return false
		}
	}
	f.signal()
	return true
}

// Wait blocks until the fence signals or ctx ends.
func (f *Fence) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if len(f.parents) > 0 {
		for _, p := range f.parents {
			if err := p.Wait(ctx); err != nil {
				return fmt.Errorf("waiting on fence %q: %w", f.label, err)
			}
		}
		f.signal()
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting on fence %q: %w", f.label, ctx.Err())
	}
}

func (f *Fence) String() string {
	state := "pending"
	if f.Signaled() {
		state = "signaled"
	}
	return fmt.Sprintf("%s(%s)", f.Label(), state)
}

// Merge returns a fence that signals only after both a and b have signaled.
// It never blocks and starts no goroutine. Inputs stay valid and may still
// be shared by other holders.
func Merge(label string, a, b *Fence) *Fence {
	switch {
	case a.IsNoFence() && b.IsNoFence():
		return NoFence
	case a.IsNoFence():
		return b
	case b.IsNoFence():
		return a
	}

	if a.Signaled() && b.Signaled() {
		return newSignaled(label)
	}

	merged := newPending(label)
	merged.parents = []*Fence{a, b}
	return merged
}

// WaitAll waits until every fence has signaled or ctx ends.
func WaitAll(ctx context.Context, fences ...*Fence) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range fences {
		g.Go(func() error {
			return f.Wait(ctx)
		})
	}
	return g.Wait()
}

package bufferqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/vdsurface/internal/fence"
)

type slotState int

const (
	slotFree slotState = iota
	slotDequeued
	slotQueued
	slotAcquired
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotDequeued:
		return "dequeued"
	case slotQueued:
		return "queued"
	case slotAcquired:
		return "acquired"
	default:
		return "unknown"
	}
}

type slot struct {
	buf   *Buffer
	state slotState
	fence *fence.Fence // release fence from the last consumer
}

// SinkConfig describes the buffers a Sink allocates.
type SinkConfig struct {
	Name    string
	Buffers int
	Width   int
	Height  int
	Format  Format
}

// Sink is a bounded in-memory buffer queue standing in for a downstream
// consumer such as an encoder. Its producer side is what virtual displays
// write into.
type Sink struct {
	name   string
	mu     sync.Mutex
	slots  []*slot
	free   chan int
	queued chan int

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Producer = (*Sink)(nil)

// NewSink allocates a sink with cfg.Buffers slots.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Buffers <= 0 {
		return nil, fmt.Errorf("sink %q: buffer count must be positive, got %d", cfg.Name, cfg.Buffers)
	}
	if cfg.Format == "" {
		cfg.Format = FormatRGBA8888
	}

	s := &Sink{
		name:   cfg.Name,
		slots:  make([]*slot, cfg.Buffers),
		free:   make(chan int, cfg.Buffers),
		queued: make(chan int, cfg.Buffers),
		closed: make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i] = &slot{
			buf:   &Buffer{Slot: i, Width: cfg.Width, Height: cfg.Height, Format: cfg.Format},
			fence: fence.NoFence,
		}
		s.free <- i
	}
	return s, nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return s.name
}

// DequeueBuffer implements Producer.
func (s *Sink) DequeueBuffer(ctx context.Context) (*Buffer, *fence.Fence, error) {
	select {
	case idx := <-s.free:
		s.mu.Lock()
		defer s.mu.Unlock()
		sl := s.slots[idx]
		sl.state = slotDequeued
		return sl.buf, sl.fence, nil
	case <-s.closed:
		return nil, nil, ErrClosed
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("sink %q: dequeue: %w", s.name, ctx.Err())
	}
}

// QueueBuffer implements Producer.
func (s *Sink) QueueBuffer(buf *Buffer, f *fence.Fence) error {
	if err := s.transition(buf, slotDequeued, slotQueued, f); err != nil {
		return err
	}
	s.queued <- buf.Slot
	return nil
}

// CancelBuffer implements Producer.
func (s *Sink) CancelBuffer(buf *Buffer, f *fence.Fence) error {
	if err := s.transition(buf, slotDequeued, slotFree, f); err != nil {
		return err
	}
	s.free <- buf.Slot
	return nil
}

// Consume takes the oldest queued buffer on the consumer side. The caller
// must wait on the returned fence before reading and hand the buffer back
// with Return.
func (s *Sink) Consume(ctx context.Context) (QueuedBuffer, error) {
	select {
	case idx := <-s.queued:
		s.mu.Lock()
		defer s.mu.Unlock()
		sl := s.slots[idx]
		sl.state = slotAcquired
		return QueuedBuffer{Buffer: sl.buf, Fence: sl.fence}, nil
	case <-s.closed:
		return QueuedBuffer{}, ErrClosed
	case <-ctx.Done():
		return QueuedBuffer{}, ctx.Err()
	}
}

// Return gives a consumed buffer back to the free list. The fence signals
// once the consumer has stopped reading.
func (s *Sink) Return(buf *Buffer, f *fence.Fence) error {
	if err := s.transition(buf, slotAcquired, slotFree, f); err != nil {
		return err
	}
	s.free <- buf.Slot
	return nil
}

// Close abandons the queue. Blocked dequeue and consume calls return ErrClosed.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Counts reports how many slots are in each state.
func (s *Sink) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int, 4)
	for _, sl := range s.slots {
		counts[sl.state.String()]++
	}
	return counts
}

func (s *Sink) transition(buf *Buffer, from, to slotState, f *fence.Fence) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if buf == nil || buf.Slot < 0 || buf.Slot >= len(s.slots) {
		return fmt.Errorf("sink %q: %w: %v", s.name, ErrInvalidBuffer, buf)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[buf.Slot]
	if sl.buf != buf {
		return fmt.Errorf("sink %q: %w: %v not allocated here", s.name, ErrInvalidBuffer, buf)
	}
	if sl.state != from {
		return fmt.Errorf("sink %q: %w: slot %d is %s, want %s", s.name, ErrInvalidBuffer, buf.Slot, sl.state, from)
	}
	sl.state = to
	if f == nil {
		f = fence.NoFence
	}
	sl.fence = f
	return nil
}

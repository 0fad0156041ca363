package bufferqueue

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bnema/vdsurface/internal/fence"
)

// DefaultPullTimeout bounds how long PullEmptyBuffer waits for the sink.
const DefaultPullTimeout = time.Second

// Interposer sits between an upstream producer and the real sink. Upstream
// sees it as a Producer; buffers it queues are held until the owner acquires
// them, and go to the sink only when released.
type Interposer struct {
	name        string
	sink        Producer
	pullTimeout time.Duration

	mu       sync.Mutex
	pending  []QueuedBuffer
	acquired *Buffer
	pulled   int
}

var _ Producer = (*Interposer)(nil)

// InterposerOption configures an Interposer.
type InterposerOption func(*Interposer)

// WithPullTimeout sets the sink dequeue timeout used by PullEmptyBuffer.
func WithPullTimeout(d time.Duration) InterposerOption {
	return func(i *Interposer) {
		i.pullTimeout = d
	}
}

// NewInterposer wraps sink.
func NewInterposer(sink Producer, name string, opts ...InterposerOption) *Interposer {
	i := &Interposer{
		name:        name,
		sink:        sink,
		pullTimeout: DefaultPullTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Name implements Producer.
func (i *Interposer) Name() string {
	return i.name
}

// DequeueBuffer implements Producer by dequeuing straight from the sink.
func (i *Interposer) DequeueBuffer(ctx context.Context) (*Buffer, *fence.Fence, error) {
	return i.sink.DequeueBuffer(ctx)
}

// QueueBuffer implements Producer. The buffer is held until acquired.
func (i *Interposer) QueueBuffer(buf *Buffer, f *fence.Fence) error {
	if buf == nil {
		return fmt.Errorf("interposer %q: %w: nil buffer", i.name, ErrInvalidBuffer)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = append(i.pending, QueuedBuffer{Buffer: buf, Fence: f})
	return nil
}

// CancelBuffer implements Producer.
func (i *Interposer) CancelBuffer(buf *Buffer, f *fence.Fence) error {
	return i.sink.CancelBuffer(buf, f)
}

// AcquireBuffer takes the oldest pending buffer and the fence that signals
// when its producer is done writing.
func (i *Interposer) AcquireBuffer() (*Buffer, *fence.Fence, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.acquired != nil {
		return nil, nil, fmt.Errorf("interposer %q: %w", i.name, ErrAlreadyAcquired)
	}
	if len(i.pending) == 0 {
		return nil, nil, ErrNoBufferAvailable
	}

	next := i.pending[0]
	i.pending = i.pending[1:]
	i.acquired = next.Buffer
	return next.Buffer, next.Fence, nil
}

// ReleaseBuffer sends the acquired buffer to the sink. f signals once every
// reader and writer of the buffer on this side is finished. The buffer is
// no longer acquired afterwards even if the sink rejects it.
func (i *Interposer) ReleaseBuffer(f *fence.Fence) error {
	i.mu.Lock()
	buf := i.acquired
	i.acquired = nil
	i.mu.Unlock()

	if buf == nil {
		return fmt.Errorf("interposer %q: %w", i.name, ErrNoAcquiredBuffer)
	}
	if err := i.sink.QueueBuffer(buf, f); err != nil {
		return fmt.Errorf("interposer %q: queue to sink: %w", i.name, err)
	}
	return nil
}

// PullEmptyBuffer dequeues a buffer from the sink and holds it as if the
// upstream producer had queued it, so the next acquire succeeds.
func (i *Interposer) PullEmptyBuffer() error {
	ctx, cancel := context.WithTimeout(context.Background(), i.pullTimeout)
	defer cancel()

	buf, f, err := i.sink.DequeueBuffer(ctx)
	if err != nil {
		return fmt.Errorf("interposer %q: pull empty buffer: %w", i.name, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = append(i.pending, QueuedBuffer{Buffer: buf, Fence: f})
	i.pulled++
	return nil
}

// Dump writes the interposer state.
func (i *Interposer) Dump(w io.Writer, prefix string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	fmt.Fprintf(w, "%sinterposer %q: pending=%d acquired=%v pulled=%d\n",
		prefix, i.name, len(i.pending), i.acquired, i.pulled)
}

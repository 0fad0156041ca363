// Package bufferqueue implements the buffer transport used between frame
// producers, virtual display surfaces and downstream consumers.
package bufferqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/vdsurface/internal/fence"
)

var (
	// ErrNoBufferAvailable is returned by AcquireBuffer when nothing is queued.
	ErrNoBufferAvailable = errors.New("no buffer available")
	// ErrNoAcquiredBuffer is returned when releasing without a prior acquire.
	ErrNoAcquiredBuffer = errors.New("no buffer acquired")
	// ErrAlreadyAcquired is returned when acquiring while a buffer is held.
	ErrAlreadyAcquired = errors.New("buffer already acquired")
	// ErrInvalidBuffer is returned for buffers the queue does not own in the expected state.
	ErrInvalidBuffer = errors.New("invalid buffer")
	// ErrClosed is returned once the queue has been abandoned.
	ErrClosed = errors.New("buffer queue closed")
)

// Format identifies the pixel layout of a buffer.
type Format string

const (
	FormatRGBA8888 Format = "RGBA_8888"
	FormatRGBX8888 Format = "RGBX_8888"
	FormatRGB565   Format = "RGB_565"
)

// Buffer is an opaque graphics buffer handle. The queue that allocated it
// owns the backing slot; holders only borrow it.
type Buffer struct {
	Slot   int
	Width  int
	Height int
	Format Format
}

func (b *Buffer) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("slot %d %dx%d %s", b.Slot, b.Width, b.Height, b.Format)
}

// Producer is the producer side of a buffer queue.
type Producer interface {
	Name() string
	// DequeueBuffer blocks until a free buffer is available. The returned
	// fence signals when the previous consumer has finished reading it.
	DequeueBuffer(ctx context.Context) (*Buffer, *fence.Fence, error)
	// QueueBuffer hands a filled buffer to the consumer. The fence signals
	// when the producer's writes are complete.
	QueueBuffer(buf *Buffer, f *fence.Fence) error
	// CancelBuffer returns a dequeued buffer unused.
	CancelBuffer(buf *Buffer, f *fence.Fence) error
}

// QueuedBuffer is a buffer together with the fence guarding its contents.
type QueuedBuffer struct {
	Buffer *Buffer
	Fence  *fence.Fence
}

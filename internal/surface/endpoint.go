package surface

import (
	"fmt"
	"io"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/fence"
)

// BufferInterposer is the consumer-facing side of the queue a surface pulls
// frames from. It is also the producer advertised upstream.
type BufferInterposer interface {
	bufferqueue.Producer
	AcquireBuffer() (*bufferqueue.Buffer, *fence.Fence, error)
	ReleaseBuffer(f *fence.Fence) error
	PullEmptyBuffer() error
}

// InterposerFactory builds the interposer placed in front of a sink.
type InterposerFactory func(sink bufferqueue.Producer, name string) BufferInterposer

// DefaultInterposerFactory wraps the sink in a bufferqueue.Interposer.
func DefaultInterposerFactory(sink bufferqueue.Producer, name string) BufferInterposer {
	return bufferqueue.NewInterposer(sink, name)
}

// Endpoint is the routing variant a surface is bound to at construction.
type Endpoint interface {
	Mode() Mode
	Producer() bufferqueue.Producer
	AdvanceFrame() error
	OnFrameCommitted()
	Close() error
	Stats() Stats
	Dump(w io.Writer, prefix string)
}

// DirectEndpoint exposes the sink unchanged. The sink manages its own
// buffers, so frame operations do nothing.
type DirectEndpoint struct {
	sink bufferqueue.Producer
}

var _ Endpoint = (*DirectEndpoint)(nil)

// NewDirectEndpoint returns an endpoint that hands out sink as-is.
func NewDirectEndpoint(sink bufferqueue.Producer) *DirectEndpoint {
	return &DirectEndpoint{sink: sink}
}

func (d *DirectEndpoint) Mode() Mode                     { return ModeDirect }
func (d *DirectEndpoint) Producer() bufferqueue.Producer { return d.sink }
func (d *DirectEndpoint) AdvanceFrame() error            { return nil }
func (d *DirectEndpoint) OnFrameCommitted()              {}
func (d *DirectEndpoint) Close() error                   { return nil }
func (d *DirectEndpoint) Stats() Stats                   { return Stats{Mode: ModeDirect} }

func (d *DirectEndpoint) Dump(w io.Writer, prefix string) {
	name := "<nil>"
	if d.sink != nil {
		name = d.sink.Name()
	}
	fmt.Fprintf(w, "%sdirect sink %q\n", prefix, name)
}

// Package surface implements the virtual display surface: the buffer
// hand-off between the compositor and a downstream consumer for displays
// that are not backed by a physical panel.
//
// A surface is bound to one of two routing modes when it is created. With a
// non-negative display ID every frame goes through an interposer and the
// surface drives the acquire, post, commit and release cycle. With a negative
// display ID the sink is handed out directly and the frame operations do
// nothing.
package surface

import (
	"errors"
	"fmt"
	"io"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/hwc"
	"github.com/bnema/vdsurface/internal/logger"
	"github.com/charmbracelet/log"
)

// ErrInvalidOperation is returned by AdvanceFrame when a frame is already
// acquired and has not been committed.
var ErrInvalidOperation = errors.New("invalid operation")

// Mode is the routing mode of a surface.
type Mode string

const (
	ModeInterposed Mode = "interposed"
	ModeDirect     Mode = "direct"
)

// State is the frame state of an interposed surface.
type State string

const (
	StateIdle     State = "idle"
	StateAcquired State = "acquired"
)

// Identity names a surface. It never changes after construction.
type Identity struct {
	DisplayID int32
	Name      string
}

// Stats is a point-in-time view of a surface.
type Stats struct {
	Name            string
	DisplayID       int32
	Mode            Mode
	Holding         bool
	Frames          uint64
	Commits         uint64
	Pulls           uint64
	ReleaseFailures uint64
	LastError       string
}

// Surface is a virtual display output target.
type Surface struct {
	id       Identity
	endpoint Endpoint
}

type options struct {
	interposerFactory InterposerFactory
	logger            *log.Logger
}

// Option configures New.
type Option func(*options)

// WithInterposerFactory replaces the interposer built for interposed surfaces.
func WithInterposerFactory(f InterposerFactory) Option {
	return func(o *options) {
		o.interposerFactory = f
	}
}

// WithLogger sets the logger the surface reports problems on.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates a surface for displayID writing into sink. A non-negative
// displayID builds an interposer around sink; a negative one exposes sink
// directly.
func New(composer hwc.Composer, displayID int32, sink bufferqueue.Producer, name string, opts ...Option) *Surface {
	o := options{interposerFactory: DefaultInterposerFactory}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.With("surface", name)
	}

	id := Identity{DisplayID: displayID, Name: name}
	s := &Surface{id: id}
	if displayID >= 0 {
		s.endpoint = NewInterposedEndpoint(id, composer, o.interposerFactory(sink, name), o.logger)
	} else {
		s.endpoint = NewDirectEndpoint(sink)
	}
	return s
}

// Identity returns the display ID and name the surface was created with.
func (s *Surface) Identity() Identity {
	return s.id
}

// Mode returns the routing mode.
func (s *Surface) Mode() Mode {
	return s.endpoint.Mode()
}

// Producer returns the endpoint upstream renderers should queue frames to.
func (s *Surface) Producer() bufferqueue.Producer {
	return s.endpoint.Producer()
}

// AdvanceFrame acquires the next frame and posts it for composition.
//
// If the interposer has nothing queued, an empty buffer is pulled from the
// sink and acquisition is retried once. Calling it again before
// OnFrameCommitted returns ErrInvalidOperation and changes nothing. If
// posting fails the buffer stays held until OnFrameCommitted or Close.
func (s *Surface) AdvanceFrame() error {
	return s.endpoint.AdvanceFrame()
}

// OnFrameCommitted releases the held frame back to the queue with a fence
// merged from the composer's release and retire fences. Release failures
// are logged, not returned.
func (s *Surface) OnFrameCommitted() {
	s.endpoint.OnFrameCommitted()
}

// CompositionComplete always succeeds.
func (s *Surface) CompositionComplete() error {
	return nil
}

// Close releases any held frame. It always returns nil.
func (s *Surface) Close() error {
	return s.endpoint.Close()
}

// Stats returns a snapshot of the surface counters.
func (s *Surface) Stats() Stats {
	st := s.endpoint.Stats()
	st.Name = s.id.Name
	st.DisplayID = s.id.DisplayID
	return st
}

// Dump writes human-readable state. It is safe to call concurrently with
// the frame operations.
func (s *Surface) Dump(w io.Writer) {
	fmt.Fprintf(w, "VirtualDisplaySurface %q: display=%d mode=%s\n", s.id.Name, s.id.DisplayID, s.endpoint.Mode())
	s.endpoint.Dump(w, "  ")
}

package surface

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/fence"
	"github.com/bnema/vdsurface/internal/hwc"
	"github.com/charmbracelet/log"
)

// InterposedEndpoint routes every frame through an interposer: acquire,
// post to the composer, then release with the composer's fences.
type InterposedEndpoint struct {
	id         Identity
	composer   hwc.Composer
	interposer BufferInterposer
	log        *log.Logger

	// mu guards everything below and is held for the whole of
	// AdvanceFrame, OnFrameCommitted and Close.
	mu              sync.Mutex
	acquired        *bufferqueue.Buffer
	closed          bool
	frames          uint64
	commits         uint64
	pulls           uint64
	releaseFailures uint64
	lastErr         error
}

var _ Endpoint = (*InterposedEndpoint)(nil)

// NewInterposedEndpoint binds an interposer to a composer display.
func NewInterposedEndpoint(id Identity, composer hwc.Composer, interposer BufferInterposer, logger *log.Logger) *InterposedEndpoint {
	return &InterposedEndpoint{
		id:         id,
		composer:   composer,
		interposer: interposer,
		log:        logger,
	}
}

func (e *InterposedEndpoint) Mode() Mode                     { return ModeInterposed }
func (e *InterposedEndpoint) Producer() bufferqueue.Producer { return e.interposer }

// AdvanceFrame acquires the next frame and posts it to the composer as both
// framebuffer and output buffer.
func (e *InterposedEndpoint) AdvanceFrame() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("surface %q: %w: surface is closed", e.id.Name, ErrInvalidOperation)
	}
	if e.acquired != nil {
		e.log.Error("advanceFrame called twice without onFrameCommitted", "held", e.acquired)
		return fmt.Errorf("surface %q: %w: frame already acquired", e.id.Name, ErrInvalidOperation)
	}

	buf, f, err := e.interposer.AcquireBuffer()
	if errors.Is(err, bufferqueue.ErrNoBufferAvailable) {
		if err := e.interposer.PullEmptyBuffer(); err != nil {
			return e.fail(fmt.Errorf("surface %q: pull empty buffer: %w", e.id.Name, err))
		}
		e.pulls++
		buf, f, err = e.interposer.AcquireBuffer()
	}
	if err != nil {
		return e.fail(fmt.Errorf("surface %q: acquire buffer: %w", e.id.Name, err))
	}

	// Held from here on; a failed post still needs a commit or Close.
	e.acquired = buf

	if err := e.composer.PostFramebuffer(e.id.DisplayID, f, buf); err != nil {
		return e.fail(fmt.Errorf("surface %q: post framebuffer: %w", e.id.Name, err))
	}
	if err := e.composer.SetOutputBuffer(e.id.DisplayID, f, buf); err != nil {
		return e.fail(fmt.Errorf("surface %q: set output buffer: %w", e.id.Name, err))
	}

	e.frames++
	e.lastErr = nil
	return nil
}

// OnFrameCommitted releases the held buffer once the composer is done with
// it. It does nothing when no buffer is held.
func (e *InterposedEndpoint) OnFrameCommitted() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acquired == nil {
		return
	}

	// Reads of the framebuffer and writes of the output buffer complete
	// independently, so the sink waits on both.
	fbFence := e.composer.GetAndResetReleaseFence(e.id.DisplayID)
	outFence := e.composer.GetLastRetireFence(e.id.DisplayID)
	merged := fence.Merge(mergeLabel(e.id.Name), fbFence, outFence)

	e.release(merged)
	e.commits++
}

// Close releases a still-held buffer with no fence. Release errors are
// logged and never returned. Later AdvanceFrame calls are rejected.
func (e *InterposedEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if e.acquired != nil {
		e.release(fence.NoFence)
	}
	return nil
}

// release must be called with mu held. The slot is cleared whether or not
// the interposer accepted the buffer.
func (e *InterposedEndpoint) release(f *fence.Fence) {
	if err := e.interposer.ReleaseBuffer(f); err != nil {
		e.releaseFailures++
		e.lastErr = err
		e.log.Error("failed to release buffer", "buffer", e.acquired, "err", err)
	}
	e.acquired = nil
}

func (e *InterposedEndpoint) fail(err error) error {
	e.lastErr = err
	return err
}

// Stats returns a snapshot of the endpoint counters.
func (e *InterposedEndpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Mode:            ModeInterposed,
		Holding:         e.acquired != nil,
		Frames:          e.frames,
		Commits:         e.commits,
		Pulls:           e.pulls,
		ReleaseFailures: e.releaseFailures,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

type dumper interface {
	Dump(w io.Writer, prefix string)
}

// Dump writes the endpoint state under the same lock as the state machine.
func (e *InterposedEndpoint) Dump(w io.Writer, prefix string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := StateIdle
	if e.acquired != nil {
		state = StateAcquired
	}
	fmt.Fprintf(w, "%sstate=%s acquired=%v closed=%t frames=%d commits=%d pulls=%d release_failures=%d\n",
		prefix, state, e.acquired, e.closed, e.frames, e.commits, e.pulls, e.releaseFailures)
	if e.lastErr != nil {
		fmt.Fprintf(w, "%slast error: %v\n", prefix, e.lastErr)
	}
	if d, ok := e.interposer.(dumper); ok {
		d.Dump(w, prefix)
	}
}

// mergeLabel keeps at most 21 runes of the name so multibyte names are
// never split mid-sequence.
func mergeLabel(name string) string {
	return fmt.Sprintf("HWC done: %.21s", name)
}

// Package hwc defines the composition hardware binding used by virtual
// display surfaces, and a software implementation of it.
package hwc

import (
	"errors"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/fence"
)

// ErrBadDisplay is returned for display identifiers the composer does not drive.
var ErrBadDisplay = errors.New("bad display")

// Composer is the subset of the composition HAL a virtual display needs.
type Composer interface {
	// PostFramebuffer submits buf as the composition source for the display.
	// Composition must not read it before f signals.
	PostFramebuffer(displayID int32, f *fence.Fence, buf *bufferqueue.Buffer) error
	// SetOutputBuffer designates where composited pixels land. Composition
	// must not write it before f signals.
	SetOutputBuffer(displayID int32, f *fence.Fence, buf *bufferqueue.Buffer) error
	// GetAndResetReleaseFence returns the fence that signals when reads of the
	// last posted framebuffer are done, and clears it.
	GetAndResetReleaseFence(displayID int32) *fence.Fence
	// GetLastRetireFence returns the fence that signals when writes to the
	// last output buffer are done.
	GetLastRetireFence(displayID int32) *fence.Fence
}

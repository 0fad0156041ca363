package hwc

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/fence"
	"github.com/bnema/vdsurface/internal/logger"
)

// Op names a composer call for failure injection.
type Op string

const (
	OpPostFramebuffer Op = "post_framebuffer"
	OpSetOutputBuffer Op = "set_output_buffer"
)

type displayState struct {
	framebuffer *bufferqueue.Buffer
	fbFence     *fence.Fence
	output      *bufferqueue.Buffer
	outFence    *fence.Fence

	releaseFence *fence.Fence
	retireFence  *fence.Fence
	timeline     *fence.Timeline
	commits      uint64
}

type failureKey struct {
	op        Op
	displayID int32
}

// Software is an in-memory composer. Each Commit consumes the posted
// framebuffer and output buffer and produces release and retire fences that
// signal once the input fences have signaled.
type Software struct {
	mu       sync.Mutex
	displays map[int32]*displayState
	failures map[failureKey]error
	wg       sync.WaitGroup
}

var _ Composer = (*Software)(nil)

// NewSoftware creates a software composer with no displays.
func NewSoftware() *Software {
	return &Software{
		displays: make(map[int32]*displayState),
		failures: make(map[failureKey]error),
	}
}

// InjectFailure makes the next op call for displayID return err.
func (s *Software) InjectFailure(op Op, displayID int32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[failureKey{op: op, displayID: displayID}] = err
}

func (s *Software) takeFailure(op Op, displayID int32) error {
	key := failureKey{op: op, displayID: displayID}
	err, ok := s.failures[key]
	if ok {
		delete(s.failures, key)
	}
	return err
}

func (s *Software) display(displayID int32) (*displayState, error) {
	if displayID < 0 {
		return nil, fmt.Errorf("display %d: %w", displayID, ErrBadDisplay)
	}
	d, ok := s.displays[displayID]
	if !ok {
		d = &displayState{
			releaseFence: fence.NoFence,
			retireFence:  fence.NoFence,
			timeline:     fence.NewTimeline(fmt.Sprintf("hwc-%d", displayID)),
		}
		s.displays[displayID] = d
	}
	return d, nil
}

// PostFramebuffer implements Composer.
func (s *Software) PostFramebuffer(displayID int32, f *fence.Fence, buf *bufferqueue.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(OpPostFramebuffer, displayID); err != nil {
		return err
	}
	d, err := s.display(displayID)
	if err != nil {
		return err
	}
	d.framebuffer = buf
	d.fbFence = f
	return nil
}

// SetOutputBuffer implements Composer.
func (s *Software) SetOutputBuffer(displayID int32, f *fence.Fence, buf *bufferqueue.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(OpSetOutputBuffer, displayID); err != nil {
		return err
	}
	d, err := s.display(displayID)
	if err != nil {
		return err
	}
	d.output = buf
	d.outFence = f
	return nil
}

// GetAndResetReleaseFence implements Composer.
func (s *Software) GetAndResetReleaseFence(displayID int32) *fence.Fence {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.display(displayID)
	if err != nil {
		return fence.NoFence
	}
	f := d.releaseFence
	d.releaseFence = fence.NoFence
	return f
}

// GetLastRetireFence implements Composer.
func (s *Software) GetLastRetireFence(displayID int32) *fence.Fence {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.display(displayID)
	if err != nil {
		return fence.NoFence
	}
	return d.retireFence
}

// Commit composes the current frame of a display. The new release and retire
// fences signal asynchronously, after the input fences and in commit order.
func (s *Software) Commit(displayID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.display(displayID)
	if err != nil {
		return err
	}

	inputs := []*fence.Fence{d.fbFence, d.outFence, d.retireFence}
	d.releaseFence = d.timeline.NewFence("release")
	d.retireFence = d.timeline.NewFence("retire")
	d.framebuffer, d.fbFence = nil, nil
	d.output, d.outFence = nil, nil
	d.commits++

	tl := d.timeline
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, f := range inputs {
			<-f.Done()
		}
		tl.Advance(2)
	}()

	logger.Debug("composer commit", "display", displayID, "commit", d.commits)
	return nil
}

// Wait blocks until every commit issued so far has signaled its fences.
func (s *Software) Wait() {
	s.wg.Wait()
}

// Dump writes per-display composer state.
func (s *Software) Dump(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int32, 0, len(s.displays))
	for id := range s.displays {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		d := s.displays[id]
		fmt.Fprintf(w, "hwc display %d: commits=%d framebuffer=%v output=%v release=%v retire=%v\n",
			id, d.commits, d.framebuffer, d.output, d.releaseFence, d.retireFence)
	}
}

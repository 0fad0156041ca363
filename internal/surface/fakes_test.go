package surface

import (
	"context"
	"errors"
	"sync"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/fence"
)

type acquireResult struct {
	buf   *bufferqueue.Buffer
	fence *fence.Fence
	err   error
}

// fakeInterposer records every consumer-side call.
type fakeInterposer struct {
	mu sync.Mutex

	results    []acquireResult
	pullBuffer *bufferqueue.Buffer
	pullErr    error
	releaseErr error

	acquireCalls int
	pullCalls    int
	releases     []*fence.Fence
}

var _ BufferInterposer = (*fakeInterposer)(nil)

func (f *fakeInterposer) Name() string { return "fake" }

func (f *fakeInterposer) DequeueBuffer(ctx context.Context) (*bufferqueue.Buffer, *fence.Fence, error) {
	return nil, nil, errors.New("fake interposer does not dequeue")
}

func (f *fakeInterposer) QueueBuffer(buf *bufferqueue.Buffer, fc *fence.Fence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, acquireResult{buf: buf, fence: fc})
	return nil
}

func (f *fakeInterposer) CancelBuffer(buf *bufferqueue.Buffer, fc *fence.Fence) error {
	return nil
}

func (f *fakeInterposer) AcquireBuffer() (*bufferqueue.Buffer, *fence.Fence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acquireCalls++
	if len(f.results) == 0 {
		return nil, nil, bufferqueue.ErrNoBufferAvailable
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.buf, r.fence, r.err
}

func (f *fakeInterposer) ReleaseBuffer(fc *fence.Fence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, fc)
	return f.releaseErr
}

func (f *fakeInterposer) PullEmptyBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pullCalls++
	if f.pullErr != nil {
		return f.pullErr
	}
	if f.pullBuffer != nil {
		f.results = append(f.results, acquireResult{buf: f.pullBuffer, fence: fence.NoFence})
	}
	return nil
}

func (f *fakeInterposer) counts() (acquires, pulls, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireCalls, f.pullCalls, len(f.releases)
}

type postCall struct {
	displayID int32
	fence     *fence.Fence
	buf       *bufferqueue.Buffer
}

// fakeComposer hands out fences from two timelines so tests can signal the
// read and write sides independently.
type fakeComposer struct {
	mu sync.Mutex

	reads  *fence.Timeline
	writes *fence.Timeline

	postErr      error
	setOutputErr error

	posts      []postCall
	outputs    []postCall
	fenceCalls int
}

func newFakeComposer() *fakeComposer {
	return &fakeComposer{
		reads:  fence.NewTimeline("read"),
		writes: fence.NewTimeline("write"),
	}
}

func (c *fakeComposer) PostFramebuffer(displayID int32, f *fence.Fence, buf *bufferqueue.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, postCall{displayID: displayID, fence: f, buf: buf})
	return c.postErr
}

func (c *fakeComposer) SetOutputBuffer(displayID int32, f *fence.Fence, buf *bufferqueue.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = append(c.outputs, postCall{displayID: displayID, fence: f, buf: buf})
	return c.setOutputErr
}

func (c *fakeComposer) GetAndResetReleaseFence(displayID int32) *fence.Fence {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fenceCalls++
	return c.reads.NewFence("release")
}

func (c *fakeComposer) GetLastRetireFence(displayID int32) *fence.Fence {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fenceCalls++
	return c.writes.NewFence("retire")
}

func (c *fakeComposer) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts) + len(c.outputs) + c.fenceCalls
}

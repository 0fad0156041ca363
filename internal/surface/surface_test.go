package surface

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/fence"
	"github.com/bnema/vdsurface/internal/hwc"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newInterposedSurface(t *testing.T, displayID int32) (*Surface, *fakeInterposer, *fakeComposer) {
	t.Helper()
	ip := &fakeInterposer{}
	composer := newFakeComposer()
	s := New(composer, displayID, nil, "virtual-0",
		WithLogger(quietLogger()),
		WithInterposerFactory(func(sink bufferqueue.Producer, name string) BufferInterposer {
			return ip
		}))
	require.Equal(t, ModeInterposed, s.Mode())
	return s, ip, composer
}

func TestAdvanceCommitScenario(t *testing.T) {
	s, ip, composer := newInterposedSurface(t, 0)
	buf := &bufferqueue.Buffer{Slot: 0}
	ready := fence.NewTimeline("producer").NewFence("ready")
	require.NoError(t, ip.QueueBuffer(buf, ready))

	require.NoError(t, s.AdvanceFrame())
	assert.True(t, s.Stats().Holding)
	require.Len(t, composer.posts, 1)
	require.Len(t, composer.outputs, 1)
	assert.Equal(t, postCall{displayID: 0, fence: ready, buf: buf}, composer.posts[0])
	assert.Equal(t, postCall{displayID: 0, fence: ready, buf: buf}, composer.outputs[0])

	err := s.AdvanceFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	acquires, pulls, releases := ip.counts()
	assert.Equal(t, 1, acquires, "rejected call must not touch the queue")
	assert.Zero(t, pulls)
	assert.Zero(t, releases)
	assert.Len(t, composer.posts, 1)
	assert.True(t, s.Stats().Holding)

	s.OnFrameCommitted()
	assert.False(t, s.Stats().Holding)
	require.Len(t, ip.releases, 1)
	merged := ip.releases[0]
	assert.Equal(t, "HWC done: virtual-0", merged.Label())

	assert.False(t, merged.Signaled())
	composer.reads.Advance(-1)
	assert.Never(t, merged.Signaled, 20*time.Millisecond, time.Millisecond)
	composer.writes.Advance(-1)
	assert.Eventually(t, merged.Signaled, time.Second, time.Millisecond)

	require.NoError(t, ip.QueueBuffer(buf, fence.NoFence))
	require.NoError(t, s.AdvanceFrame())
	assert.Equal(t, uint64(2), s.Stats().Frames)
}

func TestDirectModeTouchesNothing(t *testing.T) {
	for _, id := range []int32{-1, -2, -1 << 30} {
		composer := newFakeComposer()
		sink, err := bufferqueue.NewSink(bufferqueue.SinkConfig{Name: "encoder", Buffers: 1})
		require.NoError(t, err)

		factoryCalls := 0
		s := New(composer, id, sink, "direct",
			WithLogger(quietLogger()),
			WithInterposerFactory(func(bufferqueue.Producer, string) BufferInterposer {
				factoryCalls++
				return &fakeInterposer{}
			}))

		assert.Equal(t, ModeDirect, s.Mode())
		assert.Same(t, sink, s.Producer())
		require.NoError(t, s.AdvanceFrame())
		require.NoError(t, s.AdvanceFrame())
		s.OnFrameCommitted()
		require.NoError(t, s.Close())

		assert.Zero(t, factoryCalls)
		assert.Zero(t, composer.calls())
		assert.Equal(t, map[string]int{"free": 1}, sink.Counts())
	}
}

func TestProducerIsInterposer(t *testing.T) {
	s, ip, _ := newInterposedSurface(t, 4)
	assert.Same(t, ip, s.Producer())
	assert.Equal(t, Identity{DisplayID: 4, Name: "virtual-0"}, s.Identity())
}

func TestAdvanceFrameRetryPolicy(t *testing.T) {
	boom := errors.New("sink gone")

	tests := []struct {
		name         string
		setup        func(ip *fakeInterposer)
		wantErr      error
		wantAcquires int
		wantPulls    int
		wantHolding  bool
	}{
		{
			name: "buffer ready",
			setup: func(ip *fakeInterposer) {
				ip.results = []acquireResult{{buf: &bufferqueue.Buffer{}}}
			},
			wantAcquires: 1,
			wantHolding:  true,
		},
		{
			name: "empty then pulled buffer",
			setup: func(ip *fakeInterposer) {
				ip.pullBuffer = &bufferqueue.Buffer{Slot: 2}
			},
			wantAcquires: 2,
			wantPulls:    1,
			wantHolding:  true,
		},
		{
			name: "pull fails",
			setup: func(ip *fakeInterposer) {
				ip.pullErr = boom
			},
			wantErr:      boom,
			wantAcquires: 1,
			wantPulls:    1,
		},
		{
			name:         "still empty after pull",
			setup:        func(ip *fakeInterposer) {},
			wantErr:      bufferqueue.ErrNoBufferAvailable,
			wantAcquires: 2,
			wantPulls:    1,
		},
		{
			name: "other acquire failure",
			setup: func(ip *fakeInterposer) {
				ip.results = []acquireResult{{err: boom}}
			},
			wantErr:      boom,
			wantAcquires: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ip, composer := newInterposedSurface(t, 0)
			tt.setup(ip)

			err := s.AdvanceFrame()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotErrorIs(t, err, ErrInvalidOperation)
				assert.Empty(t, composer.posts)
				assert.Equal(t, tt.wantErr.Error(), errors.Unwrap(err).Error())
				assert.NotEmpty(t, s.Stats().LastError)
			} else {
				assert.NoError(t, err)
			}

			acquires, pulls, _ := ip.counts()
			assert.Equal(t, tt.wantAcquires, acquires)
			assert.Equal(t, tt.wantPulls, pulls)
			assert.Equal(t, tt.wantHolding, s.Stats().Holding)
		})
	}
}

func TestPostFailureKeepsBufferHeld(t *testing.T) {
	s, ip, composer := newInterposedSurface(t, 1)
	composer.postErr = errors.New("post rejected")
	require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{}, fence.NoFence))

	err := s.AdvanceFrame()
	assert.ErrorIs(t, err, composer.postErr)
	assert.Len(t, composer.posts, 1)
	assert.Empty(t, composer.outputs, "output buffer is not set after a failed post")
	assert.True(t, s.Stats().Holding)
	assert.Zero(t, s.Stats().Frames)

	assert.ErrorIs(t, s.AdvanceFrame(), ErrInvalidOperation)

	s.OnFrameCommitted()
	assert.False(t, s.Stats().Holding)
	_, _, releases := ip.counts()
	assert.Equal(t, 1, releases)
}

func TestSetOutputFailureIsReturned(t *testing.T) {
	s, ip, composer := newInterposedSurface(t, 1)
	composer.setOutputErr = errors.New("no output")
	require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{}, fence.NoFence))

	assert.ErrorIs(t, s.AdvanceFrame(), composer.setOutputErr)
	assert.True(t, s.Stats().Holding)
}

func TestOnFrameCommittedIsIdempotent(t *testing.T) {
	s, ip, composer := newInterposedSurface(t, 0)

	s.OnFrameCommitted()
	s.OnFrameCommitted()
	_, _, releases := ip.counts()
	assert.Zero(t, releases)
	assert.Zero(t, composer.calls())

	require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{}, fence.NoFence))
	require.NoError(t, s.AdvanceFrame())
	s.OnFrameCommitted()
	s.OnFrameCommitted()

	_, _, releases = ip.counts()
	assert.Equal(t, 1, releases)
	assert.Equal(t, uint64(1), s.Stats().Commits)
}

func TestReleaseFailureClearsSlot(t *testing.T) {
	s, ip, _ := newInterposedSurface(t, 0)
	ip.releaseErr = errors.New("sink abandoned")
	require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{}, fence.NoFence))
	require.NoError(t, s.AdvanceFrame())

	s.OnFrameCommitted()

	st := s.Stats()
	assert.False(t, st.Holding)
	assert.Equal(t, uint64(1), st.ReleaseFailures)
	assert.Contains(t, st.LastError, "sink abandoned")

	require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{}, fence.NoFence))
	assert.NoError(t, s.AdvanceFrame())
}

func TestCloseReleasesHeldBuffer(t *testing.T) {
	t.Run("holding", func(t *testing.T) {
		s, ip, _ := newInterposedSurface(t, 0)
		require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{}, fence.NoFence))
		require.NoError(t, s.AdvanceFrame())

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		require.Len(t, ip.releases, 1)
		assert.True(t, ip.releases[0].IsNoFence())
		assert.True(t, ip.releases[0].Signaled())
	})

	t.Run("idle", func(t *testing.T) {
		s, ip, _ := newInterposedSurface(t, 0)
		require.NoError(t, s.Close())
		assert.Empty(t, ip.releases)
	})

	t.Run("rejects frames afterwards", func(t *testing.T) {
		s, ip, composer := newInterposedSurface(t, 0)
		require.NoError(t, s.Close())

		require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{Slot: 1}, fence.NoFence))
		err := s.AdvanceFrame()
		assert.ErrorIs(t, err, ErrInvalidOperation)
		assert.ErrorContains(t, err, "closed")

		acquires, _, _ := ip.counts()
		assert.Zero(t, acquires)
		assert.Zero(t, composer.calls())
		assert.False(t, s.Stats().Holding)

		s.OnFrameCommitted()
		assert.Empty(t, ip.releases)
	})

	t.Run("release fails", func(t *testing.T) {
		s, ip, _ := newInterposedSurface(t, 0)
		ip.releaseErr = errors.New("gone")
		require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{}, fence.NoFence))
		require.NoError(t, s.AdvanceFrame())

		assert.NoError(t, s.Close())
		assert.Len(t, ip.releases, 1)
		assert.False(t, s.Stats().Holding)
	})
}

func TestCompositionComplete(t *testing.T) {
	s, _, composer := newInterposedSurface(t, 0)
	assert.NoError(t, s.CompositionComplete())
	assert.Zero(t, composer.calls())
}

func TestConcurrentAdvanceFrame(t *testing.T) {
	s, ip, _ := newInterposedSurface(t, 0)
	for i := 0; i < 16; i++ {
		require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{Slot: i}, fence.NoFence))
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AdvanceFrame()
			var out bytes.Buffer
			s.Dump(&out)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidOperation):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, rejected)
	acquires, _, _ := ip.counts()
	assert.Equal(t, 1, acquires)
}

func TestConcurrentFrameLoop(t *testing.T) {
	s, ip, _ := newInterposedSurface(t, 0)
	ip.pullBuffer = &bufferqueue.Buffer{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := s.AdvanceFrame(); err != nil {
					assert.ErrorIs(t, err, ErrInvalidOperation)
				}
				s.OnFrameCommitted()
			}
		}()
	}
	wg.Wait()

	st := s.Stats()
	assert.Equal(t, st.Frames, st.Commits)
	_, _, releases := ip.counts()
	assert.Equal(t, int(st.Commits), releases)
}

func TestMergeLabelTruncatesName(t *testing.T) {
	assert.Equal(t, "HWC done: abcdefghijklmnopqrstu", mergeLabel("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "HWC done: short", mergeLabel("short"))

	// Truncation counts runes, so multibyte names stay valid UTF-8.
	label := mergeLabel(strings.Repeat("é", 25))
	assert.Equal(t, "HWC done: "+strings.Repeat("é", 21), label)
	assert.True(t, utf8.ValidString(label))
}

func TestDump(t *testing.T) {
	s, ip, _ := newInterposedSurface(t, 7)
	require.NoError(t, ip.QueueBuffer(&bufferqueue.Buffer{Slot: 3, Width: 8, Height: 8}, fence.NoFence))
	require.NoError(t, s.AdvanceFrame())

	var out bytes.Buffer
	s.Dump(&out)
	text := out.String()
	assert.Contains(t, text, `VirtualDisplaySurface "virtual-0": display=7 mode=interposed`)
	assert.Contains(t, text, "state=acquired")
	assert.Contains(t, text, "slot 3")

	before := s.Stats()
	s.Dump(io.Discard)
	assert.Equal(t, before, s.Stats(), "dump does not mutate state")

	direct := New(nil, -1, nil, "passthrough")
	out.Reset()
	direct.Dump(&out)
	assert.Contains(t, out.String(), "mode=direct")
}

// TestEndToEnd runs frames through the real interposer, sink and software
// composer and checks that the sink only sees buffers guarded by fences.
func TestEndToEnd(t *testing.T) {
	sink, err := bufferqueue.NewSink(bufferqueue.SinkConfig{Name: "encoder", Buffers: 3, Width: 32, Height: 32})
	require.NoError(t, err)
	defer sink.Close()
	composer := hwc.NewSoftware()

	s := New(composer, 0, sink, "e2e", WithLogger(quietLogger()))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for frame := 0; frame < 10; frame++ {
		// Alternate between a rendered frame and letting the surface pull
		// an empty buffer.
		if frame%2 == 0 {
			buf, f, err := s.Producer().DequeueBuffer(ctx)
			require.NoError(t, err)
			require.NoError(t, s.Producer().QueueBuffer(buf, f))
		}

		require.NoError(t, s.AdvanceFrame())
		require.NoError(t, composer.Commit(0))
		require.NoError(t, s.CompositionComplete())
		s.OnFrameCommitted()

		qb, err := sink.Consume(ctx)
		require.NoError(t, err)
		require.NoError(t, qb.Fence.Wait(ctx))
		require.NoError(t, sink.Return(qb.Buffer, fence.NoFence))
	}

	composer.Wait()
	st := s.Stats()
	assert.Equal(t, uint64(10), st.Frames)
	assert.Equal(t, uint64(10), st.Commits)
	assert.Equal(t, uint64(5), st.Pulls)
	assert.Zero(t, st.ReleaseFailures)
	assert.Equal(t, 3, sink.Counts()["free"])
}

package fence

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoFence(t *testing.T) {
	assert.True(t, NoFence.Signaled())
	assert.True(t, NoFence.IsNoFence())

	var nilFence *Fence
	assert.True(t, nilFence.Signaled())
	assert.True(t, nilFence.IsNoFence())
	assert.Equal(t, "no fence", nilFence.Label())
	require.NoError(t, nilFence.Wait(context.Background()))
}

func TestTimelineAdvance(t *testing.T) {
	tl := NewTimeline("test")
	a := tl.NewFence("a")
	b := tl.NewFence("b")

	assert.Equal(t, 2, tl.Pending())
	assert.False(t, a.Signaled())

	assert.Equal(t, 1, tl.Advance(1))
	assert.True(t, a.Signaled())
	assert.False(t, b.Signaled())

	assert.Equal(t, 1, tl.Advance(-1))
	assert.True(t, b.Signaled())
	assert.Equal(t, 0, tl.Advance(5))
	assert.Contains(t, a.Label(), "test:a#1")
}

func TestMergeNoFenceInputs(t *testing.T) {
	tl := NewTimeline("test")
	a := tl.NewFence("a")

	assert.Same(t, NoFence, Merge("m", NoFence, nil))
	assert.Same(t, a, Merge("m", a, NoFence))
	assert.Same(t, a, Merge("m", nil, a))
}

func TestMergeSignalsAfterBothInputs(t *testing.T) {
	tests := []struct {
		name  string
		first string
	}{
		{name: "a signals first", first: "a"},
		{name: "b signals first", first: "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := NewTimeline("a")
			tb := NewTimeline("b")
			a := ta.NewFence("read")
			b := tb.NewFence("write")

			ab := Merge("ab", a, b)
			ba := Merge("ba", b, a)

			if tt.first == "a" {
				ta.Advance(1)
			} else {
				tb.Advance(1)
			}

			assert.Never(t, ab.Signaled, 20*time.Millisecond, time.Millisecond)
			assert.False(t, ba.Signaled())

			if tt.first == "a" {
				tb.Advance(1)
			} else {
				ta.Advance(1)
			}

			assert.Eventually(t, ab.Signaled, time.Second, time.Millisecond)
			assert.Eventually(t, ba.Signaled, time.Second, time.Millisecond)
			assert.Equal(t, "ab", ab.Label())
		})
	}
}

func TestMergeAlreadySignaled(t *testing.T) {
	tl := NewTimeline("test")
	a := tl.NewFence("a")
	b := tl.NewFence("b")
	tl.Advance(-1)

	m := Merge("done", a, b)
	assert.True(t, m.Signaled())
	assert.False(t, m.IsNoFence())
}

func TestMergeStartsNoGoroutines(t *testing.T) {
	ta := NewTimeline("a")
	tb := NewTimeline("b")

	before := runtime.NumGoroutine()
	merged := make([]*Fence, 0, 100)
	for i := 0; i < 100; i++ {
		m := Merge("m", ta.NewFence("read"), tb.NewFence("write"))
		assert.False(t, m.Signaled())
		merged = append(merged, m)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before)

	// Nothing was watching, so signaling the inputs is enough.
	ta.Advance(-1)
	tb.Advance(-1)
	for _, m := range merged {
		assert.True(t, m.Signaled())
	}
}

func TestMergedDoneIsLazy(t *testing.T) {
	ta := NewTimeline("a")
	tb := NewTimeline("b")
	inner := Merge("inner", ta.NewFence("x"), tb.NewFence("y"))
	outer := Merge("outer", inner, tb.NewFence("z"))

	done := outer.Done()
	select {
	case <-done:
		t.Fatal("merged fence signaled before its inputs")
	default:
	}

	ta.Advance(-1)
	tb.Advance(-1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("merged fence never signaled")
	}
	assert.True(t, inner.Signaled())
}

func TestMergedWaitHonorsContext(t *testing.T) {
	ta := NewTimeline("a")
	tb := NewTimeline("b")
	m := Merge("HWC done: virtual-0", ta.NewFence("read"), tb.NewFence("write"))
	ta.Advance(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	before := runtime.NumGoroutine()
	err := m.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "HWC done: virtual-0")
	assert.LessOrEqual(t, runtime.NumGoroutine(), before)

	tb.Advance(1)
	require.NoError(t, m.Wait(context.Background()))
}

func TestWaitHonorsContext(t *testing.T) {
	tl := NewTimeline("test")
	f := tl.NewFence("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := f.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitAll(t *testing.T) {
	tl := NewTimeline("test")
	a := tl.NewFence("a")
	b := tl.NewFence("b")

	go func() {
		time.Sleep(5 * time.Millisecond)
		tl.Advance(-1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, WaitAll(ctx, a, b, NoFence))
}

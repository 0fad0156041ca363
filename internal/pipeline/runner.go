// Package pipeline drives virtual display surfaces frame by frame: an
// upstream renderer fills buffers, the surfaces hand them to the composer,
// and a consumer per sink drains composed frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/config"
	"github.com/bnema/vdsurface/internal/fence"
	"github.com/bnema/vdsurface/internal/hwc"
	"github.com/bnema/vdsurface/internal/logger"
	"github.com/bnema/vdsurface/internal/surface"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const drainPoll = 5 * time.Millisecond

// Status is a snapshot of one display in the pipeline.
type Status struct {
	surface.Stats
	Rendered uint64
	Consumed uint64
	Dropped  uint64
	Sink     map[string]int
}

type display struct {
	cfg     config.DisplayConfig
	sink    *bufferqueue.Sink
	surface *surface.Surface
	log     *log.Logger

	rendered  atomic.Uint64
	delivered atomic.Uint64
	consumed  atomic.Uint64
	dropped   atomic.Uint64
}

// Runner owns the surfaces built from a configuration.
type Runner struct {
	composer *hwc.Software
	displays []*display
	interval time.Duration

	closeOnce sync.Once
}

// NewRunner builds a sink and a surface for every configured display.
func NewRunner(cfg *config.Config, composer *hwc.Software) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		composer: composer,
		interval: cfg.Pipeline.Interval,
	}

	pullTimeout := cfg.Pipeline.PullTimeout
	if pullTimeout <= 0 {
		pullTimeout = bufferqueue.DefaultPullTimeout
	}
	factory := func(sink bufferqueue.Producer, name string) surface.BufferInterposer {
		return bufferqueue.NewInterposer(sink, name, bufferqueue.WithPullTimeout(pullTimeout))
	}

	for _, dc := range cfg.Displays {
		sink, err := bufferqueue.NewSink(bufferqueue.SinkConfig{
			Name:    dc.Name + "-sink",
			Buffers: dc.Buffers,
			Width:   dc.Width,
			Height:  dc.Height,
			Format:  bufferqueue.Format(dc.Format),
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("display %q: %w", dc.Name, err)
		}

		l := logger.With("surface", dc.Name)
		s := surface.New(composer, dc.ID, sink, dc.Name,
			surface.WithLogger(l),
			surface.WithInterposerFactory(factory))

		r.displays = append(r.displays, &display{cfg: dc, sink: sink, surface: s, log: l})
		l.Debug("surface created", "display", dc.ID, "mode", s.Mode(), "buffers", dc.Buffers)
	}
	return r, nil
}

// Run drives frames until ctx ends or, when frames is positive, until every
// display has produced that many frames and the sinks have drained.
func (r *Runner) Run(ctx context.Context, frames int) error {
	consumerCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()

	consumers, consumerCtx := errgroup.WithContext(consumerCtx)
	for _, d := range r.displays {
		consumers.Go(func() error {
			return d.consume(consumerCtx)
		})
	}

	producers, producerCtx := errgroup.WithContext(ctx)
	for _, d := range r.displays {
		producers.Go(func() error {
			return r.drive(producerCtx, d, frames)
		})
	}

	err := producers.Wait()
	if err == nil {
		r.composer.Wait()
		err = r.drain(ctx)
	}

	stopConsumers()
	if cerr := consumers.Wait(); cerr != nil && !errors.Is(cerr, context.Canceled) {
		err = errors.Join(err, cerr)
	}
	// Stopping through ctx is a normal shutdown.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (r *Runner) drive(ctx context.Context, d *display, frames int) error {
	var ticker *time.Ticker
	if r.interval > 0 {
		ticker = time.NewTicker(r.interval)
		defer ticker.Stop()
	}

	for n := 0; frames <= 0 || n < frames; n++ {
		if ticker != nil && n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := r.frame(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// frame runs one composition cycle for a display.
func (r *Runner) frame(ctx context.Context, d *display) error {
	if d.cfg.Render {
		if err := d.render(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.dropped.Add(1)
			d.log.Warn("render failed, dropping frame", "err", err)
			return nil
		}
		if d.surface.Mode() == surface.ModeDirect {
			d.delivered.Add(1)
		}
	}

	err := d.surface.AdvanceFrame()
	advanced := err == nil
	if !advanced {
		d.dropped.Add(1)
		d.log.Warn("advance frame failed, dropping frame", "err", err)
	}
	if advanced && d.surface.Mode() == surface.ModeInterposed {
		if err := r.composer.Commit(d.cfg.ID); err != nil {
			d.log.Error("commit failed", "err", err)
		}
	}
	if err := d.surface.CompositionComplete(); err != nil {
		d.log.Warn("composition complete failed", "err", err)
	}

	before := d.surface.Stats().Commits
	d.surface.OnFrameCommitted()
	if d.surface.Stats().Commits > before {
		d.delivered.Add(1)
	}
	return nil
}

// render stands in for the upstream producer: it fills one buffer and
// queues it to the surface's producer endpoint.
func (d *display) render(ctx context.Context) error {
	producer := d.surface.Producer()
	buf, ready, err := producer.DequeueBuffer(ctx)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}

	// Writes start once the previous reader is done, so the queued
	// buffer is ready when the dequeue fence signals.
	if err := producer.QueueBuffer(buf, ready); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	d.rendered.Add(1)
	return nil
}

// consume plays the downstream consumer for one sink.
func (d *display) consume(ctx context.Context) error {
	for {
		qb, err := d.sink.Consume(ctx)
		if err != nil {
			if errors.Is(err, bufferqueue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := qb.Fence.Wait(ctx); err != nil {
			d.sink.Return(qb.Buffer, fence.NoFence)
			return nil
		}
		if err := d.sink.Return(qb.Buffer, fence.NoFence); err != nil {
			return fmt.Errorf("display %q: return buffer: %w", d.cfg.Name, err)
		}
		d.consumed.Add(1)
	}
}

// drain waits until every delivered frame has been consumed.
func (r *Runner) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		done := true
		for _, d := range r.displays {
			if d.consumed.Load() < d.delivered.Load() {
				done = false
				break
			}
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Statuses returns a snapshot per display in configuration order.
func (r *Runner) Statuses() []Status {
	out := make([]Status, 0, len(r.displays))
	for _, d := range r.displays {
		out = append(out, Status{
			Stats:    d.surface.Stats(),
			Rendered: d.rendered.Load(),
			Consumed: d.consumed.Load(),
			Dropped:  d.dropped.Load(),
			Sink:     d.sink.Counts(),
		})
	}
	return out
}

// Dump writes every surface and the composer state.
func (r *Runner) Dump(w io.Writer) {
	for _, d := range r.displays {
		d.surface.Dump(w)
	}
	r.composer.Dump(w)
}

// Surfaces returns the surfaces in configuration order.
func (r *Runner) Surfaces() []*surface.Surface {
	out := make([]*surface.Surface, 0, len(r.displays))
	for _, d := range r.displays {
		out = append(out, d.surface)
	}
	return out
}

// Close releases held frames and abandons the sinks.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		for _, d := range r.displays {
			d.surface.Close()
			d.sink.Close()
		}
	})
	return nil
}

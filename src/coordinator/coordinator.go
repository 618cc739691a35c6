// Package coordinator accepts capture requests, runs at most one capture
// pipeline at a time and hands every outcome to the result channel.
package coordinator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"screenshotd/src/capture"
	"screenshotd/src/notification"
	"screenshotd/src/worker"
)

const DefaultSettleDelay = 200 * time.Millisecond

// Handler is the command surface exposed to front ends.
type Handler interface {
	RequestCapture() bool
	TriggerScreenshot() bool
	Reconnect()
}

// Binder is anything that keeps a pointer to the active Handler. Reconnect
// binds the coordinator into every registry.
type Binder interface {
	Bind(h Handler)
}

// Storage prepares target paths and registers stored files.
type Storage interface {
	PreparePath() (string, error)
	Finalize(ctx context.Context, path string) int
}

// Results receives every outcome.
type Results interface {
	Deliver(o capture.Outcome)
	Flush()
}

type Options struct {
	// Engines in priority order; the first available one is used.
	Engines     []capture.Engine
	Storage     Storage
	Results     Results
	Notifier    notification.Notifier
	Registries  []Binder
	SettleDelay time.Duration
	// Pool runs pipelines. A single worker pool is created when nil.
	Pool *worker.Pool
}

type Coordinator struct {
	opts     Options
	busy     atomic.Bool
	pool     *worker.Pool
	ownsPool bool
}

func New(opts Options) *Coordinator {
	c := &Coordinator{opts: opts, pool: opts.Pool}
	if c.pool == nil {
		c.pool = worker.New(1)
		c.ownsPool = true
	}
	return c
}

// RequestCapture starts a capture unless one is already in flight. It
// returns false when the request was rejected.
func (c *Coordinator) RequestCapture() bool {
	return c.accept("request")
}

// TriggerScreenshot is the secondary command path (hotkey, tile, quick
// action). It behaves exactly like RequestCapture.
func (c *Coordinator) TriggerScreenshot() bool {
	return c.accept("trigger")
}

// Reconnect re-establishes the coordinator's addressability and replays any
// pending outcome to the attached sink.
func (c *Coordinator) Reconnect() {
	for _, r := range c.opts.Registries {
		r.Bind(c)
	}
	if c.opts.Results != nil {
		c.opts.Results.Flush()
	}
	slog.Info("coordinator reconnected", "registries", len(c.opts.Registries))
}

// Busy reports whether a capture is in flight.
func (c *Coordinator) Busy() bool { return c.busy.Load() }

// Close waits for the in-flight pipeline, if any.
func (c *Coordinator) Close() {
	if c.ownsPool {
		c.pool.Close()
	}
}

func (c *Coordinator) accept(source string) bool {
	if !c.busy.CompareAndSwap(false, true) {
		slog.Info("capture request rejected, already in progress", "source", source)
		return false
	}
	log := slog.With("request", uuid.NewString(), "source", source)
	if !c.pool.Submit(context.Background(), func(ctx context.Context) { c.run(ctx, log) }) {
		c.busy.Store(false)
		log.Warn("capture request dropped, worker unavailable")
		return false
	}
	log.Info("capture request accepted")
	return true
}

func (c *Coordinator) run(ctx context.Context, log *slog.Logger) {
	if d := c.opts.SettleDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	outcome := c.execute(ctx, log)

	if !outcome.OK() {
		log.Warn("capture failed", "kind", outcome.Err.Kind, "error", outcome.Err)
		if c.opts.Notifier != nil {
			if err := c.opts.Notifier.Notify("Screenshot failed", outcome.Err.Message(), true); err != nil {
				log.Debug("failure notification not shown", "error", err)
			}
		}
	} else {
		log.Info("capture succeeded", "path", outcome.Path)
	}
	if c.opts.Results != nil {
		c.opts.Results.Deliver(outcome)
	}
}

// execute runs the pipeline. The guard is cleared on every exit path before
// the outcome is delivered.
func (c *Coordinator) execute(ctx context.Context, log *slog.Logger) (outcome capture.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("capture pipeline panicked", "panic", r)
			outcome = capture.Failure(capture.Newf(capture.KindUnknown, "capture pipeline panicked: %v", r))
		}
		c.busy.Store(false)
	}()

	path, err := c.opts.Storage.PreparePath()
	if err != nil {
		return capture.Failure(err)
	}
	engine, err := c.selectEngine(ctx, log)
	if err != nil {
		return capture.Failure(err)
	}
	log = log.With("engine", engine.Name(), "path", path)
	log.Debug("capturing")
	if err := engine.Capture(ctx, path); err != nil {
		return capture.Failure(err)
	}
	c.opts.Storage.Finalize(ctx, path)
	return capture.Success(path)
}

// selectEngine returns the first available engine. When none is, the reason
// of the last engine probed is the most specific and is returned.
func (c *Coordinator) selectEngine(ctx context.Context, log *slog.Logger) (capture.Engine, error) {
	var reason *capture.Error
	for _, e := range c.opts.Engines {
		r := capture.Probe(ctx, e)
		if r == nil {
			return e, nil
		}
		log.Debug("capture engine unavailable", "engine", e.Name(), "reason", r)
		reason = r
	}
	if reason == nil {
		reason = capture.Newf(capture.EngineUnavailable, "no capture engine configured")
	}
	return nil, reason
}

// Package delivery routes capture outcomes to the single currently attached
// sink. When no sink is attached, or the attached one fails, the outcome is
// kept as the pending outcome (last outcome wins) and replayed on the next
// attach or Flush.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"screenshotd/src/capture"
	"screenshotd/src/eventloop"
)

const (
	DefaultTimeout = 3 * time.Second
	// sendGrace is added to the send timeout while waiting for the sink's
	// execution context to run the send at all.
	sendGrace = 500 * time.Millisecond
)

var (
	// errNotStarted means the sink's executor never ran the send; the
	// outcome was not handed over and may be retried elsewhere.
	errNotStarted = errors.New("sink executor did not run the send")
	// errStalled means Send was entered but did not return in time. The
	// sink may still receive the outcome, so it is not retried elsewhere.
	errStalled = errors.New("sink send did not return")
)

const (
	sendQueued int32 = iota
	sendRunning
	sendDone
	sendAbandoned
)

// Sink is a consumer able to receive outcomes. Sinks are compared by
// identity, so implementations should be pointer types.
type Sink interface {
	ID() string
	Send(ctx context.Context, o capture.Outcome) error
}

// Executor runs fn in a specific execution context. Sinks implementing it
// receive their outcomes through it.
type Executor interface {
	Do(fn func())
}

// Publisher is the broadcast fallback.
type Publisher interface {
	Publish(o capture.Outcome)
}

type Options struct {
	// Timeout bounds each Send.
	Timeout time.Duration
	// Broadcast, when set, receives every delivered outcome.
	Broadcast Publisher
	// Dispatcher runs sends for sinks without their own Executor. A private
	// serial loop is started when nil.
	Dispatcher Executor
}

type entry struct {
	outcome capture.Outcome
	seq     uint64
}

// Channel holds at most one sink and at most one pending outcome.
type Channel struct {
	mu      sync.Mutex
	sink    Sink
	pending *entry
	// late holds sequence numbers a stalled send delivered after it was
	// given up on; they must not be cached for replay.
	late     map[uint64]struct{}
	seq      atomic.Uint64
	timeout  time.Duration
	bus      Publisher
	dispatch Executor
	ownLoop  *eventloop.Loop
}

func NewChannel(opts Options) *Channel {
	c := &Channel{
		timeout:  opts.Timeout,
		bus:      opts.Broadcast,
		dispatch: opts.Dispatcher,
		late:     make(map[uint64]struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.dispatch == nil {
		c.ownLoop = eventloop.New(0)
		c.dispatch = c.ownLoop
	}
	return c
}

// AttachSink replaces the current sink and replays the pending outcome, if
// any, to the new one. Attaching nil detaches.
func (c *Channel) AttachSink(s Sink) {
	if s == nil {
		c.DetachSink()
		return
	}
	c.mu.Lock()
	prev := c.sink
	c.sink = s
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if prev != nil && prev != s {
		slog.Info("result sink replaced", "sink", s.ID(), "previous", prev.ID())
	} else {
		slog.Info("result sink attached", "sink", s.ID())
	}
	if p != nil {
		slog.Info("replaying pending outcome", "sink", s.ID())
		c.dispatchTo(s, *p)
	}
}

// DetachSink clears the sink unconditionally.
func (c *Channel) DetachSink() {
	c.mu.Lock()
	c.sink = nil
	c.mu.Unlock()
	slog.Info("result sink detached")
}

// Release detaches s only if it is still the current sink. A consumer that
// goes away calls this so it does not clear a newer consumer's attachment.
func (c *Channel) Release(s Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != s {
		return false
	}
	c.sink = nil
	slog.Info("result sink released", "sink", s.ID())
	return true
}

// Attached reports whether a sink is attached.
func (c *Channel) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink != nil
}

// Pending returns the cached outcome, if any.
func (c *Channel) Pending() (capture.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return capture.Outcome{}, false
	}
	return c.pending.outcome, true
}

// Deliver sends o to the attached sink, caching it when none is attached
// or the send fails. Delivery failures are never surfaced to the caller.
// The broadcast bus sees the outcome only after the sink path is done.
func (c *Channel) Deliver(o capture.Outcome) {
	e := entry{outcome: o, seq: c.seq.Add(1)}
	defer c.publish(o)

	c.mu.Lock()
	s := c.sink
	if s == nil {
		c.store(e)
		c.mu.Unlock()
		slog.Info("no result sink attached, outcome cached", "ok", o.OK())
		return
	}
	c.mu.Unlock()
	c.dispatchTo(s, e)
}

func (c *Channel) publish(o capture.Outcome) {
	if c.bus != nil {
		c.bus.Publish(o)
	}
}

// Flush replays the pending outcome to the attached sink.
func (c *Channel) Flush() {
	c.mu.Lock()
	s, p := c.sink, c.pending
	if s == nil || p == nil {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.mu.Unlock()
	c.dispatchTo(s, *p)
}

// Close stops the private dispatcher, if one was started.
func (c *Channel) Close() {
	if c.ownLoop != nil {
		c.ownLoop.Close()
	}
}

func (c *Channel) dispatchTo(s Sink, e entry) {
	for s != nil {
		err := c.send(s, e)
		if err == nil {
			slog.Info("outcome delivered", "sink", s.ID(), "ok", e.outcome.OK())
			return
		}
		slog.Warn("outcome delivery failed", "sink", s.ID(),
			"error", capture.Wrap(err, capture.ConsumerUnreachable, "sink "+s.ID()))
		if errors.Is(err, errStalled) {
			c.giveUp(s, e)
			return
		}
		s = c.recover(s, e)
	}
}

// giveUp detaches a stalled sink and caches the outcome without retrying
// another sink.
func (c *Channel) giveUp(stalled Sink, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == stalled {
		c.sink = nil
	}
	c.store(e)
}

// deliveredLate records that a stalled send completed after all.
func (c *Channel) deliveredLate(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && c.pending.seq == seq {
		c.pending = nil
		return
	}
	c.late[seq] = struct{}{}
}

// recover detaches the failed sink and either returns a newer sink to retry
// against or caches the outcome.
func (c *Channel) recover(failed Sink, e entry) Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == failed {
		c.sink = nil
	}
	if c.sink != nil {
		return c.sink
	}
	c.store(e)
	return nil
}

// store keeps e unless a newer outcome is already pending or e already
// reached a sink late. Callers hold mu.
func (c *Channel) store(e entry) {
	if _, ok := c.late[e.seq]; ok {
		delete(c.late, e.seq)
		return
	}
	if c.pending == nil || c.pending.seq <= e.seq {
		c.pending = &e
	}
}

// send runs Send on the sink's execution context and waits at most the send
// timeout plus a grace period, whether or not that context ever runs it.
func (c *Channel) send(s Sink, e entry) error {
	ex := c.dispatch
	if own, ok := s.(Executor); ok {
		ex = own
	}

	var state atomic.Int32
	result := make(chan error, 1)
	fn := func() {
		if !state.CompareAndSwap(sendQueued, sendRunning) {
			return
		}
		err := c.invoke(s, e.outcome)
		if state.CompareAndSwap(sendRunning, sendDone) {
			result <- err
			return
		}
		if err == nil {
			slog.Warn("stalled sink received outcome late", "sink", s.ID())
			c.deliveredLate(e.seq)
		}
	}
	// Do may run fn inline or block on a full queue.
	go ex.Do(fn)

	timer := time.NewTimer(c.timeout + sendGrace)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		if state.CompareAndSwap(sendQueued, sendAbandoned) {
			return errNotStarted
		}
		if state.CompareAndSwap(sendRunning, sendAbandoned) {
			return errStalled
		}
		return <-result
	}
}

func (c *Channel) invoke(s Sink, o capture.Outcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return s.Send(ctx, o)
}

// Package broadcast is the fallback delivery path: every outcome is fanned
// out to all named subscribers, whether or not a sink is attached.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"screenshotd/src/capture"
)

// DefaultSendTimeout bounds how long Publish waits on one slow subscriber.
const DefaultSendTimeout = 250 * time.Millisecond

type subscriber struct {
	ch     chan capture.Outcome
	name   string
	active bool
}

// Bus fans outcomes out to subscribers.
type Bus struct {
	subs        map[string]*subscriber
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	sendTimeout time.Duration
}

func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:        make(map[string]*subscriber),
		ctx:         ctx,
		cancel:      cancel,
		sendTimeout: DefaultSendTimeout,
	}
}

// Subscribe registers a named listener with a buffered channel.
func (b *Bus) Subscribe(name string, buffer int) (<-chan capture.Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx.Err() != nil {
		return nil, fmt.Errorf("broadcast bus is shut down")
	}
	if _, exists := b.subs[name]; exists {
		return nil, fmt.Errorf("subscriber %s already registered", name)
	}
	ch := make(chan capture.Outcome, buffer)
	b.subs[name] = &subscriber{ch: ch, name: name, active: true}
	slog.Debug("broadcast subscriber registered", "subscriber", name, "buffer", buffer)
	return ch, nil
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, exists := b.subs[name]; exists {
		sub.active = false
		close(sub.ch)
		delete(b.subs, name)
		slog.Debug("broadcast subscriber removed", "subscriber", name)
	}
}

// Publish sends o to every active subscriber. A subscriber that does not
// accept within the send timeout misses the outcome.
func (b *Bus) Publish(o capture.Outcome) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var missed []string
	for name, sub := range b.subs {
		if !sub.active {
			continue
		}
		select {
		case sub.ch <- o:
		case <-time.After(b.sendTimeout):
			missed = append(missed, name)
		case <-b.ctx.Done():
			return
		}
	}
	if len(missed) > 0 {
		slog.Warn("broadcast subscribers missed outcome", "subscribers", missed)
	}
}

// Subscribers returns the names of active subscribers.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var names []string
	for name, sub := range b.subs {
		if sub.active {
			names = append(names, name)
		}
	}
	return names
}

// Shutdown closes every subscriber channel. Later Subscribe calls fail.
func (b *Bus) Shutdown() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, sub := range b.subs {
		if sub.active {
			sub.active = false
			close(sub.ch)
			slog.Debug("broadcast subscriber closed", "subscriber", name)
		}
	}
	b.subs = make(map[string]*subscriber)
}

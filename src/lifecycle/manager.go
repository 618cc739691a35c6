// Package lifecycle starts, supervises and stops the resident service's
// long-running components.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"screenshotd/src/notification"
)

// Component is a long-running part of the service. Run blocks until ctx is
// cancelled (return nil) or the component fails (return an error).
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

type funcComponent struct {
	name string
	run  func(ctx context.Context) error
}

func (f funcComponent) Name() string                  { return f.name }
func (f funcComponent) Run(ctx context.Context) error { return f.run(ctx) }

// Func adapts a function to a Component.
func Func(name string, run func(ctx context.Context) error) Component {
	return funcComponent{name: name, run: run}
}

// State represents the current state of a component.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

const (
	// MaxRestarts bounds how often a crashed component is restarted.
	MaxRestarts = 5
	stopTimeout = 5 * time.Second
)

type info struct {
	component  Component
	state      State
	startTime  time.Time
	crashCount int
	lastError  error
	cancel     context.CancelFunc
	done       chan struct{}
}

type Options struct {
	// Notifier posts the "service running" presence on StartAll.
	Notifier notification.Notifier
	// Presence is the body of the presence notification.
	Presence string
	// StartGap is the pause between component starts.
	StartGap time.Duration
}

// Manager manages the lifecycle of all service components.
type Manager struct {
	opts   Options
	order  []string
	comps  map[string]*info
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		comps:  make(map[string]*info),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a component. Components start in registration order.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if _, exists := m.comps[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	m.comps[name] = &info{component: c, state: StateStopped}
	m.order = append(m.order, name)
	slog.Debug("component registered", "component", name)
	return nil
}

// Start runs a component on its own goroutine.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	in, exists := m.comps[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("component %s not found", name)
	}
	if in.state == StateRunning || in.state == StateStopping {
		m.mu.Unlock()
		return fmt.Errorf("component %s already %s", name, in.state)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	in.state = StateRunning
	in.startTime = time.Now()
	in.cancel = cancel
	in.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				m.finish(in, ctx, fmt.Errorf("panic: %v", r))
			}
		}()
		slog.Info("starting component", "component", name)
		m.finish(in, ctx, in.component.Run(ctx))
	}()
	return nil
}

// finish records how a component's Run ended.
func (m *Manager) finish(in *info, ctx context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := in.component.Name()
	if err != nil && ctx.Err() == nil {
		in.state = StateCrashed
		in.lastError = err
		in.crashCount++
		slog.Error("component crashed", "component", name, "error", err, "crashes", in.crashCount)
		return
	}
	in.state = StateStopped
	slog.Info("component stopped", "component", name)
}

// StartAll starts every registered component and posts the presence notification.
func (m *Manager) StartAll() error {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for i, name := range names {
		if err := m.Start(name); err != nil {
			return fmt.Errorf("failed to start component %s: %v", name, err)
		}
		if m.opts.StartGap > 0 && i < len(names)-1 {
			time.Sleep(m.opts.StartGap)
		}
	}

	if m.opts.Notifier != nil {
		if err := m.opts.Notifier.Notify("Screenshot service", m.opts.Presence, false); err != nil {
			slog.Debug("presence notification not shown", "error", err)
		}
	}
	return nil
}

// Stop cancels a component and waits for it to return.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	in, exists := m.comps[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("component %s not found", name)
	}
	if in.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	in.state = StateStopping
	cancel, done := in.cancel, in.done
	m.mu.Unlock()

	slog.Info("stopping component", "component", name)
	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("component did not stop in time", "component", name)
	}
	return nil
}

// StopAll stops components in reverse registration order.
func (m *Manager) StopAll() {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for i := len(names) - 1; i >= 0; i-- {
		_ = m.Stop(names[i])
	}
	m.cancel()
	slog.Info("all components stopped")
}

// Status returns the state of every component.
func (m *Manager) Status() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]State, len(m.comps))
	for name, in := range m.comps {
		status[name] = in.state
	}
	return status
}

// RestartCrashed restarts crashed components that have not exhausted their restarts.
func (m *Manager) RestartCrashed() {
	m.mu.RLock()
	var crashed []string
	for _, name := range m.order {
		in := m.comps[name]
		if in.state == StateCrashed && in.crashCount < MaxRestarts {
			crashed = append(crashed, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range crashed {
		slog.Warn("restarting crashed component", "component", name)
		if err := m.Start(name); err != nil {
			slog.Error("failed to restart component", "component", name, "error", err)
		}
	}
}

// Supervise calls RestartCrashed every interval until ctx is cancelled.
func (m *Manager) Supervise(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RestartCrashed()
		}
	}
}

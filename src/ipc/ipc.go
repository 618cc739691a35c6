// Package ipc is the loopback line protocol front ends use to trigger
// captures, reconnect and listen for outcomes.
//
// Each connection carries one command line: PING, CAPTURE, TRIGGER,
// RECONNECT or LISTEN. LISTEN keeps the connection open and turns it into
// the attached result sink; outcomes arrive as one JSON object per line.
package ipc

import (
	"context"
	"errors"

	"screenshotd/src/coordinator"
	"screenshotd/src/delivery"
	"screenshotd/src/messages"
)

// ErrNoResident is returned by clients when no service answers PING.
var ErrNoResident = errors.New("no resident screenshot service found")

// SinkRegistry is where listening connections attach themselves.
type SinkRegistry interface {
	AttachSink(s delivery.Sink)
	Release(s delivery.Sink) bool
}

// Server owns the TCP endpoint.
type Server interface {
	// Start binds the first port of the range and begins accepting clients.
	Start(ctx context.Context) error
	// Port returns the bound TCP port, or 0 if not started.
	Port() int
	// Bind sets the handler commands are forwarded to.
	Bind(h coordinator.Handler)
	// Close stops accepting clients and drops listening connections.
	Close() error
}

// Client talks to a resident server.
type Client interface {
	// Discover returns the resident's port.
	Discover(ctx context.Context) (int, error)
	Capture(ctx context.Context) (accepted bool, err error)
	Trigger(ctx context.Context) (accepted bool, err error)
	Reconnect(ctx context.Context) error
	// Listen attaches as the result sink and calls fn for every outcome
	// until fn returns false, ctx ends or the server goes away.
	Listen(ctx context.Context, fn func(messages.Outcome) bool) error
}

func NewServer(r PortRange, results SinkRegistry) Server { return newTcpServer(r, results) }

func NewClient(r PortRange) Client { return newTcpClient(r) }

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"screenshotd/src/capture"
	"screenshotd/src/coordinator"
	"screenshotd/src/messages"
)

const (
	residentHost   = "127.0.0.1"
	commandTimeout = 3 * time.Second
)

type handlerRef struct{ h coordinator.Handler }

// tcpServer implements Server over TCP loopback.
type tcpServer struct {
	portRange PortRange
	results   SinkRegistry
	handler   atomic.Pointer[handlerRef]

	mu    sync.Mutex
	lis   net.Listener
	port  int
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func newTcpServer(r PortRange, results SinkRegistry) *tcpServer {
	return &tcpServer{portRange: r.Normalize(), results: results, conns: make(map[net.Conn]struct{})}
}

// Start binds ONLY the start port of the configured range. If occupied, fail.
func (s *tcpServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", residentHost, s.portRange.Start)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("ipc: failed to bind", "addr", addr, "error", err)
		return err
	}
	s.lis = lis
	s.port = s.portRange.Start
	slog.Info("ipc: listening", "addr", addr)
	go s.acceptLoop(ctx, lis)
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

func (s *tcpServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *tcpServer) Bind(h coordinator.Handler) {
	s.handler.Store(&handlerRef{h: h})
}

func (s *tcpServer) current() coordinator.Handler {
	if ref := s.handler.Load(); ref != nil {
		return ref.h
	}
	return nil
}

func (s *tcpServer) acceptLoop(ctx context.Context, lis net.Listener) {
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		if !s.track(c) {
			_ = c.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.handle(ctx, c)
		}()
	}
}

func (s *tcpServer) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *tcpServer) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *tcpServer) handle(ctx context.Context, c net.Conn) {
	remote := c.RemoteAddr().String()
	_ = c.SetDeadline(time.Now().Add(commandTimeout))
	br := bufio.NewReader(c)
	line, err := br.ReadString('\n')
	if err != nil {
		return
	}
	cmd := strings.TrimSpace(line)
	slog.Debug("ipc: command", "remote", remote, "command", cmd)

	if cmd == messages.CmdPing {
		reply(c, messages.ReplyPong)
		return
	}
	h := s.current()
	if h == nil {
		reply(c, messages.ReplyError+" service not ready")
		return
	}
	switch cmd {
	case messages.CmdCapture:
		reply(c, acceptance(h.RequestCapture()))
	case messages.CmdTrigger:
		reply(c, acceptance(h.TriggerScreenshot()))
	case messages.CmdReconnect:
		h.Reconnect()
		reply(c, messages.ReplyOK)
	case messages.CmdListen:
		s.listen(ctx, c, br, remote)
	default:
		reply(c, messages.ReplyError+" unknown command")
	}
}

// listen attaches the connection as the result sink until the peer closes it.
func (s *tcpServer) listen(ctx context.Context, c net.Conn, br *bufio.Reader, remote string) {
	if s.results == nil {
		reply(c, messages.ReplyError+" listening not supported")
		return
	}
	_ = c.SetDeadline(time.Time{})
	sink := &connSink{id: "ipc-" + uuid.NewString(), c: c}
	if err := sink.writeLine([]byte(messages.ReplyOK)); err != nil {
		return
	}
	slog.Info("ipc: listener attached", "remote", remote, "sink", sink.id)
	s.results.AttachSink(sink)

	_, _ = io.Copy(io.Discard, br)
	s.results.Release(sink)
	slog.Info("ipc: listener gone", "remote", remote, "sink", sink.id)
}

func (s *tcpServer) Close() error {
	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	if lis == nil {
		return nil
	}
	err := lis.Close()
	s.wg.Wait()
	return err
}

func acceptance(ok bool) string {
	if ok {
		return messages.ReplyAccepted
	}
	return messages.ReplyBusy
}

func reply(c net.Conn, line string) {
	w := bufio.NewWriter(c)
	_, _ = w.WriteString(line + "\n")
	_ = w.Flush()
}

// connSink delivers outcomes to a LISTEN connection as JSON lines.
type connSink struct {
	id string
	c  net.Conn
	mu sync.Mutex
}

func (s *connSink) ID() string { return s.id }

func (s *connSink) Send(ctx context.Context, o capture.Outcome) error {
	data, err := json.Marshal(messages.FromOutcome(o))
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.c.SetWriteDeadline(dl)
		defer s.c.SetWriteDeadline(time.Time{})
	}
	return s.writeLine(data)
}

func (s *connSink) writeLine(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.c.Write(append(data, '\n'))
	return err
}

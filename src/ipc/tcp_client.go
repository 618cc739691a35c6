package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"screenshotd/src/messages"
)

type tcpClient struct {
	portRange PortRange
}

func newTcpClient(r PortRange) *tcpClient { return &tcpClient{portRange: r.Normalize()} }

func (c *tcpClient) Discover(ctx context.Context) (int, error) {
	port, ok := DetectResidentPort(ctx, c.portRange)
	if !ok {
		return 0, ErrNoResident
	}
	return port, nil
}

func (c *tcpClient) Capture(ctx context.Context) (bool, error) {
	return c.acceptance(ctx, messages.CmdCapture)
}

func (c *tcpClient) Trigger(ctx context.Context) (bool, error) {
	return c.acceptance(ctx, messages.CmdTrigger)
}

func (c *tcpClient) Reconnect(ctx context.Context) error {
	resp, err := c.command(ctx, messages.CmdReconnect)
	if err != nil {
		return err
	}
	if resp != messages.ReplyOK {
		return fmt.Errorf("reconnect refused: %s", resp)
	}
	return nil
}

func (c *tcpClient) acceptance(ctx context.Context, cmd string) (bool, error) {
	resp, err := c.command(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch resp {
	case messages.ReplyAccepted:
		return true, nil
	case messages.ReplyBusy:
		return false, nil
	}
	return false, fmt.Errorf("%s failed: %s", strings.ToLower(cmd), resp)
}

// command sends one command line and returns the first reply line.
func (c *tcpClient) command(ctx context.Context, cmd string) (string, error) {
	conn, br, err := c.open(ctx, cmd)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(timeoutFrom(ctx, commandTimeout)))
	resp, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

func (c *tcpClient) Listen(ctx context.Context, fn func(messages.Outcome) bool) error {
	conn, br, err := c.open(ctx, messages.CmdListen)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(commandTimeout))
	resp, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp) != messages.ReplyOK {
		return fmt.Errorf("listen refused: %s", strings.TrimSpace(resp))
	}
	_ = conn.SetReadDeadline(time.Time{})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	sc := bufio.NewScanner(br)
	for sc.Scan() {
		var m messages.Outcome
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			slog.Warn("ipc: malformed outcome line", "error", err)
			continue
		}
		if !fn(m) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sc.Err()
}

// open finds the resident, connects and writes cmd.
func (c *tcpClient) open(ctx context.Context, cmd string) (net.Conn, *bufio.Reader, error) {
	port, err := c.Discover(ctx)
	if err != nil {
		return nil, nil, err
	}
	addr := net.JoinHostPort(residentHost, strconv.Itoa(port))
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, timeoutFrom(ctx, commandTimeout))
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(cmd + "\n"); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := w.Flush(); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, bufio.NewReader(conn), nil
}

func timeoutFrom(ctx context.Context, def time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return def
}

package capture

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultProbeTimeout   = 3 * time.Second
	DefaultCaptureTimeout = 10 * time.Second
)

// safePath is the set of characters a capture target may contain. Targets are
// always passed as discrete arguments, and the restriction keeps them inert
// even when the helper re-joins its argv into a shell line.
var safePath = regexp.MustCompile(`^[A-Za-z0-9._/\-]+$`)

// Privileged captures the display by running the platform frame dump tool
// through an elevation helper, e.g. `su 0 /system/bin/screencap -p <target>`.
type Privileged struct {
	// Elevate is the helper argv prefix, e.g. ["su", "0"] or ["sudo", "-n"].
	Elevate []string
	// Screencap is the frame dump tool. It is invoked as `<Screencap> -p <target>`.
	Screencap      string
	ProbeTimeout   time.Duration
	CaptureTimeout time.Duration
}

// NewPrivileged returns an engine with default timeouts.
func NewPrivileged(elevate []string, screencap string) *Privileged {
	return &Privileged{
		Elevate:        elevate,
		Screencap:      screencap,
		ProbeTimeout:   DefaultProbeTimeout,
		CaptureTimeout: DefaultCaptureTimeout,
	}
}

func (p *Privileged) Name() string { return "privileged" }

// Available runs a trivial identity command through the helper.
func (p *Privileged) Available(ctx context.Context) bool {
	return p.Reason(ctx) == nil
}

func (p *Privileged) Reason(ctx context.Context) *Error {
	if len(p.Elevate) == 0 {
		return Newf(EngineUnavailable, "privileged helper not configured")
	}
	if _, err := exec.LookPath(p.Elevate[0]); err != nil {
		return Wrap(err, EngineUnavailable, "privileged helper not found")
	}
	code, err := p.run(ctx, p.timeout(p.ProbeTimeout, DefaultProbeTimeout), "id")
	if err != nil {
		return Wrap(err, EngineUnavailable, "privileged helper probe failed")
	}
	if code != 0 {
		return Newf(EngineUnavailable, "privileged helper refused (exit code %d)", code)
	}
	return nil
}

func (p *Privileged) Capture(ctx context.Context, target string) error {
	if !filepath.IsAbs(target) || !safePath.MatchString(target) {
		return Newf(PrivilegedCaptureFailed, "refusing unsafe capture target %q", target)
	}
	timeout := p.timeout(p.CaptureTimeout, DefaultCaptureTimeout)
	code, err := p.run(ctx, timeout, p.Screencap, "-p", target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Wrap(err, CaptureTimeout, "privileged capture timed out after "+timeout.String())
		}
		return Wrap(err, PrivilegedCaptureFailed, "privileged capture could not run")
	}
	if code != 0 {
		return &Error{Kind: PrivilegedCaptureFailed, Detail: "privileged capture failed", ExitCode: code}
	}
	slog.Debug("privileged capture finished", "target", target)
	return nil
}

// run executes the helper with args appended and returns its exit code. A
// non-nil error means the process could not run to completion.
func (p *Privileged) run(ctx context.Context, timeout time.Duration, args ...string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, p.Elevate[1:]...), args...)
	cmd := exec.CommandContext(ctx, p.Elevate[0], argv...)
	killGroupOnCancel(cmd)
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *Privileged) timeout(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

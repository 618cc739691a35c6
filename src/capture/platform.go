package capture

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CommandRunner runs a command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

const probeCommandTimeout = 2 * time.Second

func runProbe(ctx context.Context, run CommandRunner, argv []string) (string, error) {
	if run == nil {
		run = execOutput
	}
	ctx, cancel := context.WithTimeout(ctx, probeCommandTimeout)
	defer cancel()
	out, err := run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return "", errors.Wrapf(err, "run %s", argv[0])
	}
	return strings.TrimSpace(string(out)), nil
}

// PlatformVersion reads the platform version from an override or a command
// such as `getprop ro.build.version.sdk`.
type PlatformVersion struct {
	Override int
	Command  []string
	Run      CommandRunner
}

func (p PlatformVersion) Version(ctx context.Context) (int, error) {
	if p.Override > 0 {
		return p.Override, nil
	}
	if len(p.Command) == 0 {
		return 0, errors.New("no platform version source configured")
	}
	out, err := runProbe(ctx, p.Run, p.Command)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(out)
	if err != nil {
		return 0, errors.Wrapf(err, "parse platform version %q", out)
	}
	return v, nil
}

// SettingsPermission checks that Component appears in the enabled
// accessibility services list, read from File when set, else from Command
// (e.g. `settings get secure enabled_accessibility_services`).
type SettingsPermission struct {
	Component string
	File      string
	Command   []string
	Run       CommandRunner
}

func (s SettingsPermission) Granted(ctx context.Context) (bool, error) {
	if s.Component == "" {
		return false, nil
	}
	var enabled string
	switch {
	case s.File != "":
		data, err := os.ReadFile(s.File)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, errors.Wrap(err, "read accessibility grants")
		}
		enabled = string(data)
	case len(s.Command) > 0:
		out, err := runProbe(ctx, s.Run, s.Command)
		if err != nil {
			return false, err
		}
		enabled = out
	default:
		return false, nil
	}
	for _, svc := range strings.FieldsFunc(enabled, func(r rune) bool { return r == ':' || r == '\n' }) {
		if strings.TrimSpace(svc) == s.Component {
			return true, nil
		}
	}
	return false, nil
}

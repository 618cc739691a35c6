package storage

import (
	"context"
	"os/exec"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const indexTimeout = 5 * time.Second

// CommandIndexer runs a scan request command with the file URI appended as
// its own argument, e.g.
// `am broadcast -a android.intent.action.MEDIA_SCANNER_SCAN_FILE -d <uri>`.
type CommandIndexer struct {
	Argv []string
}

func (c CommandIndexer) Name() string { return "command" }

func (c CommandIndexer) Index(ctx context.Context, path, mime string) error {
	if len(c.Argv) == 0 {
		return errors.New("no scan command configured")
	}
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()
	args := append(append([]string{}, c.Argv[1:]...), FileURI(path))
	out, err := exec.CommandContext(ctx, c.Argv[0], args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", c.Argv[0], out)
	}
	return nil
}

const (
	trackerDest   = "org.freedesktop.Tracker3.Miner.Files"
	trackerPath   = "/org/freedesktop/Tracker3/Miner/Files/Index"
	trackerMethod = "org.freedesktop.Tracker3.Miner.Files.Index.IndexLocation"
)

// TrackerIndexer asks the desktop file miner to index the new file over the
// session bus.
type TrackerIndexer struct {
	Conn func() (*dbus.Conn, error)
}

func NewTrackerIndexer() TrackerIndexer {
	return TrackerIndexer{Conn: dbus.SessionBus}
}

func (t TrackerIndexer) Name() string { return "tracker" }

func (t TrackerIndexer) Index(ctx context.Context, path, mime string) error {
	if t.Conn == nil {
		return errors.New("no session bus configured")
	}
	conn, err := t.Conn()
	if err != nil {
		return errors.Wrap(err, "connect session bus")
	}
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()
	call := conn.Object(trackerDest, dbus.ObjectPath(trackerPath)).
		CallWithContext(ctx, trackerMethod, 0, FileURI(path), []string{}, []string{})
	if call.Err != nil {
		return errors.Wrap(call.Err, "tracker IndexLocation")
	}
	return nil
}

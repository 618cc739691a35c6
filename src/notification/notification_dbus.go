package notification

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = "/org/freedesktop/Notifications"
	notifyMethod = "org.freedesktop.Notifications.Notify"
)

// DBus posts notifications through org.freedesktop.Notifications on the
// session bus. Each title keeps replacing its own previous notification.
type DBus struct {
	AppName string
	Icon    string
	Conn    func() (*dbus.Conn, error)

	mu  sync.Mutex
	ids map[string]uint32
}

func NewDBus(appName string) *DBus {
	return &DBus{AppName: appName, Icon: "camera-photo", Conn: dbus.SessionBus}
}

func (d *DBus) Notify(title, body string, urgent bool) error {
	if d.Conn == nil {
		return errors.New("no session bus configured")
	}
	conn, err := d.Conn()
	if err != nil {
		return errors.Wrap(err, "connect session bus")
	}

	urgency := byte(1)
	if urgent {
		urgency = 2
	}
	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency)}

	d.mu.Lock()
	replaces := d.ids[title]
	d.mu.Unlock()

	var id uint32
	call := conn.Object(notifyDest, dbus.ObjectPath(notifyPath)).Call(notifyMethod, 0,
		d.AppName, replaces, d.Icon, title, truncate(body), []string{}, hints, int32(-1))
	if err := call.Store(&id); err != nil {
		return errors.Wrap(err, "notify")
	}

	d.mu.Lock()
	if d.ids == nil {
		d.ids = make(map[string]uint32)
	}
	d.ids[title] = id
	d.mu.Unlock()
	return nil
}

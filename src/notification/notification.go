// Package notification posts best-effort user notifications: the failure
// signal after an unsuccessful capture and the "service running" presence.
package notification

import (
	"context"
	"log/slog"
	"unicode/utf8"
)

const maxBodyRunes = 200

// Notifier shows a notification. Errors are informational only.
type Notifier interface {
	Notify(title, body string, urgent bool) error
}

// Log writes notifications to the log. It is the fallback when no desktop
// notification service is reachable.
type Log struct{}

func (Log) Notify(title, body string, urgent bool) error {
	level := slog.LevelInfo
	if urgent {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "notification", "title", title, "body", truncate(body))
	return nil
}

// Fallback tries Primary and, if it fails, Secondary.
type Fallback struct {
	Primary   Notifier
	Secondary Notifier
}

func (f Fallback) Notify(title, body string, urgent bool) error {
	if f.Primary != nil {
		err := f.Primary.Notify(title, body, urgent)
		if err == nil {
			return nil
		}
		slog.Debug("primary notifier failed", "error", err)
	}
	if f.Secondary != nil {
		return f.Secondary.Notify(title, body, urgent)
	}
	return nil
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxBodyRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxBodyRunes]) + "..."
}

// Package hotkey is the secondary command path: a global key combination
// that triggers a screenshot.
package hotkey

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gohook "github.com/robotn/gohook"
)

// Listen registers combo (e.g. "Ctrl+Shift+S") and calls callback on every
// press until ctx is cancelled. It blocks.
func Listen(ctx context.Context, combo string, callback func()) error {
	keys, err := parseHotkey(combo)
	if err != nil {
		return err
	}
	slog.Info("hotkey listener configured", "combo", combo, "keys", keys)

	gohook.Register(gohook.KeyDown, keys, func(e gohook.Event) {
		slog.Debug("hotkey pressed", "combo", combo)
		if callback != nil {
			callback()
		}
	})

	evChan := gohook.Start()
	if evChan == nil {
		return fmt.Errorf("hotkey: keyboard hook unavailable")
	}
	done := gohook.Process(evChan)

	select {
	case <-ctx.Done():
		gohook.End()
		return nil
	case <-done:
		return fmt.Errorf("hotkey: event stream closed")
	}
}

// parseHotkey converts a hotkey string like "Ctrl+Alt+q" to normalized key names.
func parseHotkey(combo string) ([]string, error) {
	if strings.TrimSpace(combo) == "" {
		return nil, fmt.Errorf("hotkey: empty combination")
	}
	parts := strings.Split(strings.ToLower(combo), "+")
	keys := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		switch part {
		case "control":
			part = "ctrl"
		case "option":
			part = "alt"
		case "win", "super", "meta":
			part = "cmd"
		case "return":
			part = "enter"
		case "escape":
			part = "esc"
		}
		if !knownKey(part) {
			return nil, fmt.Errorf("hotkey: unknown key %q in %q", part, combo)
		}
		keys = append(keys, part)
	}
	return keys, nil
}

var namedKeys = map[string]bool{
	"ctrl": true, "alt": true, "shift": true, "cmd": true,
	"space": true, "enter": true, "esc": true, "tab": true, "backspace": true,
	"delete": true, "insert": true, "home": true, "end": true,
	"pageup": true, "pagedown": true, "left": true, "up": true, "right": true, "down": true,
	"printscreen": true,
}

func knownKey(name string) bool {
	if namedKeys[name] {
		return true
	}
	if len(name) == 1 {
		c := name[0]
		return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
	}
	var n int
	if _, err := fmt.Sscanf(name, "f%d", &n); err == nil && fmt.Sprintf("f%d", n) == name {
		return n >= 1 && n <= 12
	}
	return false
}

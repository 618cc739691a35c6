package capture

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMinPlatformVersion is the first platform API level offering the
	// accessibility screenshot primitive.
	DefaultMinPlatformVersion = 28
	DefaultGrabTimeout        = 10 * time.Second
)

// Frame is a captured hardware buffer. Close must be called exactly once on
// every frame handed out, including frames that arrive after a timeout.
type Frame interface {
	Image() image.Image
	Close()
}

// Grabber is a callback style screenshot primitive. Exactly one of onSuccess
// or onFailure is expected to fire, possibly on another goroutine.
type Grabber interface {
	Grab(onSuccess func(Frame), onFailure func(code int))
}

// VersionSource reports the running platform version.
type VersionSource interface {
	Version(ctx context.Context) (int, error)
}

// PermissionSource reports whether the user granted the accessibility capability.
type PermissionSource interface {
	Granted(ctx context.Context) (bool, error)
}

// Accessibility captures through an accessibility capability grabber. It
// requires a minimum platform version and an explicit user grant.
type Accessibility struct {
	Grabber    Grabber
	Persist    Persister
	Versions   VersionSource
	Permission PermissionSource
	MinVersion int
	Timeout    time.Duration
}

func (a *Accessibility) Name() string { return "accessibility" }

func (a *Accessibility) Available(ctx context.Context) bool {
	return a.Reason(ctx) == nil
}

// Reason distinguishes an old platform from a missing grant.
func (a *Accessibility) Reason(ctx context.Context) *Error {
	minVersion := a.MinVersion
	if minVersion <= 0 {
		minVersion = DefaultMinPlatformVersion
	}
	if a.Versions != nil {
		v, err := a.Versions.Version(ctx)
		if err != nil {
			return Wrap(err, UnsupportedPlatformVersion, "platform version unknown")
		}
		if v < minVersion {
			return Newf(UnsupportedPlatformVersion, "platform version %d is below %d", v, minVersion)
		}
	}
	if a.Grabber == nil {
		return Newf(EngineUnavailable, "accessibility capture not connected")
	}
	if a.Permission != nil {
		ok, err := a.Permission.Granted(ctx)
		if err != nil {
			return Wrap(err, EngineUnavailable, "accessibility capability state unknown")
		}
		if !ok {
			return Newf(EngineUnavailable, "accessibility capability not granted")
		}
	}
	return nil
}

type grabResult struct {
	frame Frame
	code  int
}

func (r grabResult) release() {
	if r.frame != nil {
		r.frame.Close()
	}
}

// Capture waits for the grabber callback, converts the frame into a
// display independent pixel format, encodes it as PNG and persists it.
func (a *Accessibility) Capture(ctx context.Context, target string) error {
	if a.Persist == nil {
		return Newf(EncodeFailed, "no persister configured")
	}
	frame, err := a.grab(ctx)
	if err != nil {
		return err
	}
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	if err := a.Persist.Write(target, data); err != nil {
		return AsError(err)
	}
	slog.Debug("accessibility capture stored", "target", target, "bytes", len(data))
	return nil
}

func (a *Accessibility) grab(ctx context.Context) (Frame, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultGrabTimeout
	}

	results := make(chan grabResult, 1)
	var mu sync.Mutex
	settled := false
	deliver := func(r grabResult) {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			slog.Debug("releasing frame that arrived after the grab settled")
			r.release()
			return
		}
		select {
		case results <- r:
		default:
			// second callback for the same grab
			r.release()
		}
	}
	settle := func() {
		mu.Lock()
		settled = true
		mu.Unlock()
	}
	abandon := func() {
		mu.Lock()
		defer mu.Unlock()
		settled = true
		select {
		case r := <-results:
			r.release()
		default:
		}
	}

	a.Grabber.Grab(
		func(f Frame) { deliver(grabResult{frame: f}) },
		func(code int) { deliver(grabResult{code: code}) },
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-results:
		settle()
		if r.frame == nil {
			return nil, &Error{Kind: CallbackFailure, Detail: "screenshot callback reported failure", PlatformCode: r.code}
		}
		return r.frame, nil
	case <-timer.C:
		abandon()
		return nil, Newf(CaptureTimeout, "no screenshot callback within %s", timeout)
	case <-ctx.Done():
		abandon()
		return nil, Wrap(ctx.Err(), CaptureTimeout, "capture cancelled while waiting for callback")
	}
}

// encodeFrame copies the frame into NRGBA, releases the frame and encodes
// the copy losslessly.
func encodeFrame(frame Frame) ([]byte, error) {
	defer frame.Close()
	src := frame.Image()
	if src == nil {
		return nil, Newf(EncodeFailed, "frame has no image")
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, Newf(EncodeFailed, "frame is empty")
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, Wrap(err, EncodeFailed, "png encode failed")
	}
	return buf.Bytes(), nil
}

// Package screenshot grabs the virtual screen (the union of all active
// displays) and hands it out as pooled frames to the accessibility engine.
package screenshot

import (
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/kbinani/screenshot"

	"screenshotd/src/capture"
)

// Platform failure codes reported through the failure callback.
const (
	ErrorInternal       = 1
	ErrorNoAccess       = 2
	ErrorIntervalShort  = 3
	ErrorInvalidDisplay = 4
)

// VirtualBounds returns the union of all active display bounds.
func VirtualBounds() (image.Rectangle, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return image.Rectangle{}, fmt.Errorf("no active displays found")
	}
	union := screenshot.GetDisplayBounds(0)
	for i := 1; i < n; i++ {
		union = union.Union(screenshot.GetDisplayBounds(i))
	}
	return union, nil
}

// Capture captures the entire virtual screen across all active displays.
func Capture() (*image.RGBA, error) {
	union, err := VirtualBounds()
	if err != nil {
		return nil, err
	}
	return screenshot.CaptureRect(union)
}

// Grabber implements capture.Grabber over the desktop screen. The callbacks
// run on a fresh goroutine.
type Grabber struct {
	capture func() (*image.RGBA, error)
}

func NewGrabber() *Grabber {
	return &Grabber{capture: Capture}
}

func (g *Grabber) Grab(onSuccess func(capture.Frame), onFailure func(code int)) {
	go func() {
		img, err := g.capture()
		if err != nil {
			slog.Warn("screen grab failed", "error", err)
			if _, berr := VirtualBounds(); berr != nil {
				onFailure(ErrorInvalidDisplay)
				return
			}
			onFailure(ErrorInternal)
			return
		}
		onSuccess(newFrame(img))
	}()
}

// frame is a pooled copy of a grabbed image.
type frame struct {
	img  *image.RGBA
	once sync.Once
}

func newFrame(src *image.RGBA) *frame {
	dst := acquireFrame(src.Rect)
	w := src.Rect.Dx() * 4
	for y := 0; y < src.Rect.Dy(); y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], src.Pix[y*src.Stride:y*src.Stride+w])
	}
	return &frame{img: dst}
}

func (f *frame) Image() image.Image { return f.img }

func (f *frame) Close() {
	f.once.Do(func() { recycleFrame(f.img) })
}

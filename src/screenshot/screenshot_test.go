package screenshot

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"screenshotd/src/capture"
)

func TestCapture(t *testing.T) {
	// Requires a display; only check it does not panic.
	_, err := Capture()
	if err != nil {
		t.Logf("Failed to capture screenshot (expected in headless environment): %v", err)
	}
}

func TestGrabberSuccessCopiesPixels(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 20, 14, 23))
	src.SetRGBA(10, 20, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	src.SetRGBA(13, 22, color.RGBA{R: 9, G: 8, B: 7, A: 255})
	g := &Grabber{capture: func() (*image.RGBA, error) { return src, nil }}

	got := make(chan capture.Frame, 1)
	g.Grab(func(f capture.Frame) { got <- f }, func(code int) { t.Errorf("unexpected failure code %d", code) })

	select {
	case f := <-got:
		img := f.Image().(*image.RGBA)
		if img.Bounds() != src.Bounds() {
			t.Fatalf("Expected bounds %v, got %v", src.Bounds(), img.Bounds())
		}
		if c := img.RGBAAt(13, 22); c != (color.RGBA{R: 9, G: 8, B: 7, A: 255}) {
			t.Errorf("Expected copied pixel, got %v", c)
		}
		f.Close()
		f.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("grab callback never fired")
	}
}

func TestGrabberFailureReportsCode(t *testing.T) {
	g := &Grabber{capture: func() (*image.RGBA, error) { return nil, errors.New("boom") }}
	codes := make(chan int, 1)
	g.Grab(func(f capture.Frame) { t.Error("unexpected success") }, func(code int) { codes <- code })

	select {
	case code := <-codes:
		if code != ErrorInternal && code != ErrorInvalidDisplay {
			t.Errorf("Expected platform failure code, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}
}

func TestAcquireFrameReusesBuffers(t *testing.T) {
	a := acquireFrame(image.Rect(0, 0, 8, 8))
	if len(a.Pix) != 8*8*4 || a.Stride != 32 {
		t.Fatalf("Unexpected frame layout: len=%d stride=%d", len(a.Pix), a.Stride)
	}
	recycleFrame(a)
	b := acquireFrame(image.Rect(0, 0, 4, 4))
	if len(b.Pix) != 4*4*4 || b.Stride != 16 {
		t.Fatalf("Unexpected frame layout: len=%d stride=%d", len(b.Pix), b.Stride)
	}
	if empty := acquireFrame(image.Rectangle{}); len(empty.Pix) != 0 {
		t.Errorf("Expected empty frame for empty rect")
	}
}

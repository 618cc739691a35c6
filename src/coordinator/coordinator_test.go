package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"screenshotd/src/capture"
	"screenshotd/src/delivery"
	"screenshotd/src/storage"
)

type fakeEngine struct {
	name      string
	reason    *capture.Error
	err       error
	panicMsg  string
	block     chan struct{}
	captures  atomic.Int32
	writeFile bool
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Available(context.Context) bool { return e.reason == nil }

func (e *fakeEngine) Reason(context.Context) *capture.Error { return e.reason }

func (e *fakeEngine) Capture(_ context.Context, target string) error {
	e.captures.Add(1)
	if e.block != nil {
		<-e.block
	}
	if e.panicMsg != "" {
		panic(e.panicMsg)
	}
	if e.err != nil {
		return e.err
	}
	if e.writeFile {
		return os.WriteFile(target, []byte("png"), 0o644)
	}
	return nil
}

type resultLog struct {
	ch      chan capture.Outcome
	flushes atomic.Int32
}

func newResultLog() *resultLog { return &resultLog{ch: make(chan capture.Outcome, 16)} }

func (r *resultLog) Deliver(o capture.Outcome) { r.ch <- o }
func (r *resultLog) Flush()                    { r.flushes.Add(1) }

func (r *resultLog) next(t *testing.T) capture.Outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("no outcome delivered")
		return capture.Outcome{}
	}
}

type notifyLog struct {
	mu     sync.Mutex
	titles []string
}

func (n *notifyLog) Notify(title, body string, urgent bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *notifyLog) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func newWriter(t *testing.T) *storage.Writer {
	return storage.New(t.TempDir(), "ImageOCR", storage.WithClock(func() time.Time { return time.UnixMilli(1000) }))
}

func TestPrivilegedCaptureSuccess(t *testing.T) {
	results := newResultLog()
	w := newWriter(t)
	priv := &fakeEngine{name: "privileged", writeFile: true}
	acc := &fakeEngine{name: "accessibility"}
	c := New(Options{Engines: []capture.Engine{priv, acc}, Storage: w, Results: results})
	defer c.Close()

	if !c.RequestCapture() {
		t.Fatal("Expected request accepted")
	}
	o := results.next(t)
	want := filepath.Join(w.Dir(), "screenshot_1000.png")
	if !o.OK() || o.Path != want {
		t.Fatalf("Expected success at %s, got %v", want, o)
	}
	if acc.captures.Load() != 0 {
		t.Error("Expected accessibility engine not invoked when privileged is available")
	}
}

func TestFallbackToAccessibility(t *testing.T) {
	results := newResultLog()
	priv := &fakeEngine{name: "privileged", reason: capture.Newf(capture.EngineUnavailable, "no root")}
	acc := &fakeEngine{name: "accessibility"}
	c := New(Options{Engines: []capture.Engine{priv, acc}, Storage: newWriter(t), Results: results})
	defer c.Close()

	c.TriggerScreenshot()
	o := results.next(t)
	if !o.OK() {
		t.Fatalf("Expected success via accessibility, got %v", o)
	}
	if priv.captures.Load() != 0 || acc.captures.Load() != 1 {
		t.Errorf("Expected only accessibility capture, got privileged=%d accessibility=%d",
			priv.captures.Load(), acc.captures.Load())
	}
}

func TestNoEngineAvailable(t *testing.T) {
	results := newResultLog()
	notes := &notifyLog{}
	w := newWriter(t)
	priv := &fakeEngine{name: "privileged", reason: capture.Newf(capture.EngineUnavailable, "probe failed")}
	acc := &fakeEngine{name: "accessibility", reason: capture.Newf(capture.UnsupportedPlatformVersion, "too old")}
	c := New(Options{Engines: []capture.Engine{priv, acc}, Storage: w, Results: results, Notifier: notes})
	defer c.Close()

	c.RequestCapture()
	o := results.next(t)
	if o.OK() || o.Err.Kind != capture.UnsupportedPlatformVersion {
		t.Fatalf("Expected UnsupportedPlatformVersion, got %v", o)
	}
	if c.Busy() {
		t.Error("Expected guard cleared before delivery")
	}
	entries, _ := os.ReadDir(w.Dir())
	if len(entries) != 0 {
		t.Errorf("Expected no file created, found %d", len(entries))
	}
	if notes.count() != 1 {
		t.Errorf("Expected one failure notification, got %d", notes.count())
	}
}

type failingStorage struct{}

func (failingStorage) PreparePath() (string, error) {
	return "", capture.Newf(capture.DirectoryCreateFailed, "read-only")
}
func (failingStorage) Finalize(context.Context, string) int { return 0 }

func TestDirectoryFailureSkipsEngines(t *testing.T) {
	results := newResultLog()
	priv := &fakeEngine{name: "privileged"}
	c := New(Options{Engines: []capture.Engine{priv}, Storage: failingStorage{}, Results: results})
	defer c.Close()

	c.RequestCapture()
	o := results.next(t)
	if o.OK() || o.Err.Kind != capture.DirectoryCreateFailed {
		t.Fatalf("Expected DirectoryCreateFailed, got %v", o)
	}
	if priv.captures.Load() != 0 {
		t.Error("Expected no engine invoked")
	}
}

func TestAtMostOneInFlight(t *testing.T) {
	results := newResultLog()
	block := make(chan struct{})
	eng := &fakeEngine{name: "privileged", block: block}
	c := New(Options{Engines: []capture.Engine{eng}, Storage: newWriter(t), Results: results})
	defer c.Close()

	const n = 32
	var accepted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.RequestCapture() {
				accepted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted.Load() != 1 {
		t.Fatalf("Expected exactly one accepted request, got %d", accepted.Load())
	}
	close(block)
	results.next(t)
	if eng.captures.Load() != 1 {
		t.Errorf("Expected one pipeline run, got %d", eng.captures.Load())
	}
}

func TestGuardClearsOnEveryOutcome(t *testing.T) {
	engines := map[string]*fakeEngine{
		"success":   {name: "ok"},
		"exit code": {name: "priv", err: &capture.Error{Kind: capture.PrivilegedCaptureFailed, ExitCode: 1}},
		"timeout":   {name: "acc", err: capture.Newf(capture.CaptureTimeout, "late")},
		"foreign":   {name: "odd", err: errors.New("unclassified")},
		"panic":     {name: "bug", panicMsg: "nil frame"},
	}
	for name, eng := range engines {
		t.Run(name, func(t *testing.T) {
			results := newResultLog()
			c := New(Options{Engines: []capture.Engine{eng}, Storage: newWriter(t), Results: results})
			defer c.Close()

			if !c.RequestCapture() {
				t.Fatal("Expected first request accepted")
			}
			results.next(t)
			if !c.RequestCapture() {
				t.Fatal("Expected request accepted after prior pipeline completed")
			}
			results.next(t)
		})
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	results := newResultLog()
	c := New(Options{Engines: []capture.Engine{&fakeEngine{name: "bug", panicMsg: "boom"}}, Storage: newWriter(t), Results: results})
	defer c.Close()

	c.RequestCapture()
	if o := results.next(t); o.OK() || o.Err.Kind != capture.KindUnknown {
		t.Errorf("Expected unclassified failure from panic, got %v", o)
	}
}

type binderLog struct{ bound []Handler }

func (b *binderLog) Bind(h Handler) { b.bound = append(b.bound, h) }

func TestReconnectBindsAndFlushes(t *testing.T) {
	results := newResultLog()
	reg := &binderLog{}
	c := New(Options{Results: results, Registries: []Binder{reg}})
	defer c.Close()

	c.Reconnect()
	if len(reg.bound) != 1 || reg.bound[0] != Handler(c) {
		t.Errorf("Expected coordinator bound into registry, got %v", reg.bound)
	}
	if results.flushes.Load() != 1 {
		t.Errorf("Expected one flush, got %d", results.flushes.Load())
	}
}

type sinkLog struct {
	got chan capture.Outcome
}

func (s *sinkLog) ID() string { return "ui" }
func (s *sinkLog) Send(_ context.Context, o capture.Outcome) error {
	s.got <- o
	return nil
}

func TestReconnectReplaysPendingOutcomeOnce(t *testing.T) {
	ch := delivery.NewChannel(delivery.Options{})
	defer ch.Close()
	c := New(Options{
		Engines: []capture.Engine{&fakeEngine{name: "ok"}},
		Storage: newWriter(t),
		Results: ch,
	})
	defer c.Close()

	c.RequestCapture()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := ch.Pending(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outcome never cached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink := &sinkLog{got: make(chan capture.Outcome, 4)}
	ch.AttachSink(sink)
	c.Reconnect()

	if o := <-sink.got; !o.OK() {
		t.Fatalf("Expected cached success, got %v", o)
	}
	select {
	case o := <-sink.got:
		t.Errorf("Expected no second delivery, got %v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSettleDelay(t *testing.T) {
	results := newResultLog()
	c := New(Options{
		Engines:     []capture.Engine{&fakeEngine{name: "ok"}},
		Storage:     newWriter(t),
		Results:     results,
		SettleDelay: 50 * time.Millisecond,
	})
	defer c.Close()

	start := time.Now()
	c.RequestCapture()
	results.next(t)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected pipeline to wait for the settle delay, took %v", elapsed)
	}
}

type wedgedSink struct{}

func (*wedgedSink) ID() string                                  { return "wedged" }
func (*wedgedSink) Send(context.Context, capture.Outcome) error { return nil }
func (*wedgedSink) Do(func())                                   {}

func TestWedgedSinkDoesNotStickGuard(t *testing.T) {
	ch := delivery.NewChannel(delivery.Options{Timeout: 20 * time.Millisecond})
	defer ch.Close()
	ch.AttachSink(&wedgedSink{})
	engine := &fakeEngine{name: "ok"}
	c := New(Options{Engines: []capture.Engine{engine}, Storage: newWriter(t), Results: ch})
	defer c.Close()

	for i := 1; i <= 3; i++ {
		if !c.RequestCapture() {
			t.Fatalf("Request %d rejected, guard stuck after %d captures", i, engine.captures.Load())
		}
		deadline := time.Now().Add(3 * time.Second)
		for c.Busy() {
			if time.Now().After(deadline) {
				t.Fatalf("Request %d never finished", i)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	// the last pipeline may still be inside Deliver after the guard clears
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := ch.Pending(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Outcome never cached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if engine.captures.Load() != 3 {
		t.Errorf("Expected 3 captures, got %d", engine.captures.Load())
	}
	if ch.Attached() {
		t.Error("Expected wedged sink detached")
	}
}

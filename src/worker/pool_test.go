package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJob(t *testing.T) {
	p := New(1)
	done := make(chan struct{})
	if !p.Submit(context.Background(), func(context.Context) { close(done) }) {
		t.Fatal("Expected job accepted")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	p.Close()
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	p := New(1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	})
	<-started
	if !p.Submit(context.Background(), func(context.Context) {}) {
		t.Fatal("Expected the single queue slot to accept one job")
	}
	if p.Submit(context.Background(), func(context.Context) {}) {
		t.Error("Expected job dropped while the queue slot is taken")
	}
	close(release)
}

func TestPanickingJobKeepsWorkerAlive(t *testing.T) {
	p := New(1)
	defer p.Close()

	p.Submit(context.Background(), func(context.Context) { panic("boom") })
	var ran atomic.Bool
	deadline := time.Now().Add(2 * time.Second)
	for !p.Submit(context.Background(), func(context.Context) { ran.Store(true) }) {
		if time.Now().After(deadline) {
			t.Fatal("queue never freed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for !ran.Load() {
		if time.Now().After(deadline) {
			t.Fatal("worker died after panic")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(1)
	p.Close()
	p.Close()
	if p.Submit(context.Background(), func(context.Context) {}) {
		t.Error("Expected Submit to fail after Close")
	}
}

func TestCancelledJobIsSkipped(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	p.Submit(ctx, func(context.Context) { ran.Store(true) })
	p.Close()
	if ran.Load() {
		t.Error("Expected cancelled job to be skipped")
	}
}

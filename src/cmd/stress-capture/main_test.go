package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"screenshotd/src/messages"
)

func TestNewRootCmdDefaults(t *testing.T) {
	opts := &stressOptions{}
	cmd := newRootCmd(opts)
	if err := cmd.ParseFlags([]string{}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if opts.n != 50 {
		t.Fatalf("Expected default n=50, got %d", opts.n)
	}
	if opts.mode != "capture" {
		t.Fatalf("Expected default mode=capture, got %q", opts.mode)
	}
	if opts.deadline != 5*time.Second {
		t.Fatalf("Expected default deadline=5s, got %v", opts.deadline)
	}
}

func TestNewRootCmdCustomFlags(t *testing.T) {
	opts := &stressOptions{}
	cmd := newRootCmd(opts)
	if err := cmd.ParseFlags([]string{"--n", "3", "--mode", "trigger", "--deadline", "7s"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if opts.n != 3 || opts.mode != "trigger" || opts.deadline != 7*time.Second {
		t.Fatalf("Unexpected options: %+v", opts)
	}
}

func TestFireCountsOneAcceptance(t *testing.T) {
	var busy atomic.Bool
	send := func(ctx context.Context) (bool, error) {
		return busy.CompareAndSwap(false, true), nil
	}

	r := fire(20, time.Second, send)
	if r.accepted != 1 || r.busy != 19 || r.errs != 0 {
		t.Fatalf("Expected 1 accepted and 19 busy, got %+v", r)
	}
}

func TestFireCountsErrors(t *testing.T) {
	r := fire(4, time.Second, func(context.Context) (bool, error) { return false, errors.New("refused") })
	if r.errs != 4 {
		t.Fatalf("Expected 4 errors, got %+v", r)
	}
}

type fakeClient struct{ triggers atomic.Int32 }

func (f *fakeClient) Discover(context.Context) (int, error) { return 49600, nil }
func (f *fakeClient) Capture(context.Context) (bool, error) { return true, nil }
func (f *fakeClient) Trigger(context.Context) (bool, error) { f.triggers.Add(1); return false, nil }
func (f *fakeClient) Reconnect(context.Context) error       { return nil }

func (f *fakeClient) Listen(context.Context, func(messages.Outcome) bool) error { return nil }

func TestRunWithOptionsModes(t *testing.T) {
	client := &fakeClient{}
	var out bytes.Buffer
	if err := runWithOptions(stressOptions{n: 2, mode: "trigger", deadline: time.Second}, client, &out); err != nil {
		t.Fatalf("runWithOptions failed: %v", err)
	}
	if client.triggers.Load() != 2 {
		t.Errorf("Expected 2 triggers, got %d", client.triggers.Load())
	}
	if !strings.Contains(out.String(), "busy=2") {
		t.Errorf("Unexpected summary %q", out.String())
	}
	if err := runWithOptions(stressOptions{n: 1, mode: "bogus"}, client, &out); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

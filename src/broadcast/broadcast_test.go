package broadcast

import (
	"sort"
	"testing"
	"time"

	"screenshotd/src/capture"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Shutdown()

	a, err := b.Subscribe("a", 1)
	if err != nil {
		t.Fatal(err)
	}
	c, err := b.Subscribe("c", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("a", 1); err == nil {
		t.Error("Expected duplicate subscribe to fail")
	}

	b.Publish(capture.Success("/p.png"))
	for name, ch := range map[string]<-chan capture.Outcome{"a": a, "c": c} {
		select {
		case o := <-ch:
			if o.Path != "/p.png" {
				t.Errorf("%s: Expected /p.png, got %v", name, o)
			}
		default:
			t.Errorf("%s: Expected an outcome", name)
		}
	}

	names := b.Subscribers()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Errorf("Expected [a c], got %v", names)
	}
}

func TestPublishSkipsSlowSubscriber(t *testing.T) {
	b := NewBus()
	b.sendTimeout = 20 * time.Millisecond
	defer b.Shutdown()

	slow, _ := b.Subscribe("slow", 0)
	start := time.Now()
	b.Publish(capture.Success("/p.png"))
	if time.Since(start) > time.Second {
		t.Error("Expected Publish to give up on a slow subscriber")
	}
	select {
	case <-slow:
		t.Error("Expected slow subscriber to miss the outcome")
	default:
	}
}

func TestUnsubscribeAndShutdownCloseChannels(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe("x", 1)
	b.Unsubscribe("x")
	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after Unsubscribe")
	}

	ch2, _ := b.Subscribe("y", 1)
	b.Shutdown()
	if _, ok := <-ch2; ok {
		t.Error("Expected channel closed after Shutdown")
	}
	if _, err := b.Subscribe("z", 1); err == nil {
		t.Error("Expected Subscribe to fail after Shutdown")
	}
	b.Publish(capture.Success("/ignored.png"))
}

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"skyguide/internal/guider"
	"skyguide/internal/logging"
	"skyguide/internal/mount"
	"skyguide/internal/triangle"
)

func TestLoopRunsPostsInOrder(t *testing.T) {
	l := New(logging.Discard(), 8)
	l.Start(context.Background())
	defer l.Stop()

	var order []int
	for i := 0; i < 5; i++ {
		if err := l.Post(func() { order = append(order, i) }); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	// Do is queued behind the posts, so the slice is complete when it returns.
	if err := l.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected in-order execution, got %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 posts run, got %d", len(order))
	}
}

func TestDoReturnsError(t *testing.T) {
	l := New(logging.Discard(), 1)
	l.Start(context.Background())
	defer l.Stop()

	want := errors.New("boom")
	if err := l.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestPostAfterStop(t *testing.T) {
	l := New(logging.Discard(), 1)
	l.Start(context.Background())
	l.Stop()

	if err := l.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestSubscribeReceivesTelemetryAndMessages(t *testing.T) {
	l := New(logging.Discard(), 1)
	ch, unsub := l.Subscribe()

	var hooked atomic.Int32
	l.OnTelemetryHook(func(guider.Telemetry) { hooked.Add(1) })

	l.OnTelemetry(guider.Telemetry{Kind: guider.KindGuide, Iteration: 7})
	l.OnMessage(slog.LevelWarn, "declination unreadable")

	u := <-ch
	if u.Kind != "telemetry" || u.Telemetry.Iteration != 7 {
		t.Fatalf("unexpected update %+v", u)
	}
	u = <-ch
	if u.Kind != "message" || u.Level != "WARN" {
		t.Fatalf("unexpected update %+v", u)
	}
	if l.Latest().Iteration != 7 || hooked.Load() != 1 {
		t.Fatalf("expected latest snapshot and hook call")
	}

	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
}

type countingCompletions struct{ calls atomic.Int32 }

func (c *countingCompletions) OnFrameReset(string) { c.calls.Add(1) }
func (c *countingCompletions) OnExposure(guider.Frame) { c.calls.Add(1) }
func (c *countingCompletions) OnPulseIdle(string, mount.Axis) { c.calls.Add(1) }
func (c *countingCompletions) OnStars([]triangle.Star, error) { c.calls.Add(1) }

func TestCompletionsArePostedToTheLoop(t *testing.T) {
	l := New(logging.Discard(), 8)
	target := &countingCompletions{}
	c := l.Completions(target)

	c.OnFrameReset("cam")
	c.OnExposure(guider.Frame{})
	c.OnPulseIdle("mount", mount.AxisNS)
	c.OnStars(nil, nil)
	if target.calls.Load() != 0 {
		t.Fatalf("completions must not run before the loop does")
	}

	l.Start(context.Background())
	defer l.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Do(ctx, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if target.calls.Load() != 4 {
		t.Fatalf("expected 4 completions, got %d", target.calls.Load())
	}
}

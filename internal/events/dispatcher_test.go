package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestDispatchRunsTasksInOrder(t *testing.T) {
	d := New(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		d.Dispatch("step", func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 3 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected in-order execution, got %v", order)
	}
}

func TestPanickingTaskDoesNotStopDispatcher(t *testing.T) {
	d := New(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Dispatch("boom", func(context.Context) {
		panic("handler failure")
	})
	done := make(chan struct{})
	d.Dispatch("after", func(context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stopped after panic")
	}
}

func TestObserverReportsCompletions(t *testing.T) {
	type completion struct {
		name    string
		seconds float64
	}
	completed := make(chan completion, 1)
	d := New(testLogger(), WithObserver(func(name string, seconds float64) {
		completed <- completion{name: name, seconds: seconds}
	}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Dispatch("observed", func(context.Context) {
		time.Sleep(10 * time.Millisecond)
	})

	select {
	case c := <-completed:
		if c.name != "observed" {
			t.Fatalf("expected completion for observed, got %q", c.name)
		}
		if c.seconds <= 0 {
			t.Fatalf("expected positive duration, got %v", c.seconds)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not called")
	}
}

func TestDispatchDropsWhenQueueSaturated(t *testing.T) {
	var dropped []string
	d := New(testLogger(),
		WithQueueSize(1),
		WithObserver(nil, func(name string) { dropped = append(dropped, name) }),
	)
	// Run is intentionally not started; the second enqueue overflows.
	if !d.Dispatch("first", func(context.Context) {}) {
		t.Fatal("expected first task to enqueue")
	}
	if d.Dispatch("second", func(context.Context) {}) {
		t.Fatal("expected second task to be dropped")
	}
	if len(dropped) != 1 || dropped[0] != "second" {
		t.Fatalf("expected drop observer call for second, got %v", dropped)
	}
}

package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishFiltersByKind(t *testing.T) {
	bus := New(4, nil)
	defer bus.Close()

	jobs := bus.Subscribe("jobs", KindJobStarted)
	all := bus.Subscribe("all")

	ctx := context.Background()
	if err := bus.Publish(ctx, JobEvent{Type: KindJobStarted, JobID: "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, QueueEvent{Type: KindQueueCleared, PrinterID: "p"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := len(jobs.C()); got != 1 {
		t.Fatalf("expected 1 event for job subscriber, got %d", got)
	}
	if got := len(all.C()); got != 2 {
		t.Fatalf("expected 2 events for catch-all subscriber, got %d", got)
	}
	evt := <-jobs.C()
	je, ok := evt.(JobEvent)
	if !ok || je.JobID != "a" {
		t.Fatalf("unexpected event %#v", evt)
	}
}

func TestPublishBlocksUntilContextDone(t *testing.T) {
	bus := New(1, nil)
	defer bus.Close()
	bus.Subscribe("slow", KindSessionOpened)

	ctx := context.Background()
	if err := bus.Publish(ctx, SessionOpened{PrinterID: "p"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(tctx, SessionOpened{PrinterID: "p"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full buffer, got %v", err)
	}
}

func TestClosedSubscriptionDoesNotBlockPublisher(t *testing.T) {
	bus := New(1, nil)
	defer bus.Close()
	sub := bus.Subscribe("gone", KindSessionClosed)
	sub.Close()
	sub.Close()

	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), SessionClosed{PrinterID: "p"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := New(1, nil)
	sub := bus.Subscribe("s")
	bus.Close()
	bus.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatalf("subscription should be done after bus close")
	}
	if err := bus.Publish(context.Background(), SessionOpened{}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	late := bus.Subscribe("late")
	late.Close()
}

func TestDispatchRunsHandlersSequentially(t *testing.T) {
	bus := New(16, nil)
	sub := bus.Subscribe("seq", KindJobProgress)

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		seen    []string
	)
	done := make(chan struct{})
	go func() {
		Dispatch(context.Background(), sub, func(_ context.Context, evt Event) {
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			seen = append(seen, evt.(JobEvent).JobID)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		})
		close(done)
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := bus.Publish(context.Background(), JobEvent{Type: KindJobProgress, JobID: id}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	sub.Close()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatalf("handlers overlapped")
	}
	if len(seen) != 3 || seen[0] != "a" || seen[2] != "c" {
		t.Fatalf("unexpected delivery order %v", seen)
	}
}

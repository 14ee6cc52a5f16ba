package throttler

import (
	"context"
	"testing"
	"time"
)

func noopHashes() (string, string, string) { return "spec", "pos", "ord" }

func TestScheduleFIFOOrdering(t *testing.T) {
	//1.- Arrange a throttler with a cap of 1 so only one sync admits at a time.
	th := New(Options{MaxConcurrentSynchronizations: 1})
	ctx := context.Background()

	var order []string
	send := func(name string) func(string, string, string) error {
		return func(string, string, string) error {
			order = append(order, name)
			return nil
		}
	}

	done := make(chan struct{}, 3)
	schedule := func(id string, key Key) {
		go func() {
			admitted, err := th.Schedule(ctx, id, key, noopHashes, send(id))
			if err != nil {
				t.Errorf("schedule %s failed: %v", id, err)
			}
			if !admitted {
				t.Errorf("schedule %s expected admission eventually", id)
			}
			done <- struct{}{}
		}()
	}

	//2.- Act: r1 admits immediately; r2 and r3 queue behind it.
	schedule("r1", Key{AccountID: "a1"})
	time.Sleep(20 * time.Millisecond)
	schedule("r2", Key{AccountID: "a2"})
	schedule("r3", Key{AccountID: "a3"})
	time.Sleep(20 * time.Millisecond)

	if th.ActiveCount() != 1 {
		t.Fatalf("expected 1 active synchronization, got %d", th.ActiveCount())
	}
	if th.QueueLen() != 2 {
		t.Fatalf("expected 2 queued, got %d", th.QueueLen())
	}

	//3.- Act: removing r1 should admit r2 next, in FIFO order.
	th.RemoveSynchronizationId("r1")
	<-done

	time.Sleep(20 * time.Millisecond)
	if th.QueueLen() != 1 {
		t.Fatalf("expected 1 queued after r1 removed, got %d", th.QueueLen())
	}

	th.RemoveSynchronizationId("r2")
	<-done
	th.RemoveSynchronizationId("r3")
	<-done

	if len(order) != 3 || order[0] != "r1" || order[1] != "r2" || order[2] != "r3" {
		t.Fatalf("expected FIFO admission order [r1 r2 r3], got %v", order)
	}
}

func TestScheduleCoalescesSameKey(t *testing.T) {
	//1.- Arrange a saturated throttler so the next schedule call must queue.
	th := New(Options{MaxConcurrentSynchronizations: 1})
	ctx := context.Background()
	key := Key{AccountID: "a1"}

	blockFirst := make(chan struct{})
	go func() {
		_, _ = th.Schedule(ctx, "r1", Key{AccountID: "blocker"}, noopHashes, func(string, string, string) error {
			<-blockFirst
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	queued := make(chan struct{})
	go func() {
		_, _ = th.Schedule(ctx, "r2", key, noopHashes, func(string, string, string) error { return nil })
		close(queued)
	}()
	time.Sleep(20 * time.Millisecond)

	//2.- Act: schedule again for the same key before r2 is admitted — this
	// must coalesce (replace r2 in place), not create a second queue entry.
	go func() {
		_, _ = th.Schedule(ctx, "r2-replacement", key, noopHashes, func(string, string, string) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	if th.QueueLen() != 1 {
		t.Fatalf("expected coalescing to keep queue length at 1, got %d", th.QueueLen())
	}

	close(blockFirst)
}

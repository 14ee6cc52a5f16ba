package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantstream/tradestream-client/internal/clienterrors"
)

func TestScheduleSubscribeRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	subscribed := make(chan struct{})
	m := New(Deps{
		Subscribe: func(ctx context.Context, accountID string, bucket int) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return clienterrors.NewInternal("transient failure")
			}
			close(subscribed)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.ScheduleSubscribe(ctx, "A", 0, false)

	select {
	case <-subscribed:
	case <-time.After(15 * time.Second):
		t.Fatalf("expected subscribe to eventually succeed, got %d attempts", atomic.LoadInt32(&attempts))
	}
}

func TestCancelSubscribeStopsRetryLoop(t *testing.T) {
	var attempts int32
	m := New(Deps{
		Subscribe: func(ctx context.Context, accountID string, bucket int) error {
			atomic.AddInt32(&attempts, 1)
			return clienterrors.NewInternal("always fails")
		},
	})

	ctx := context.Background()
	m.ScheduleSubscribe(ctx, "A", 0, false)
	time.Sleep(10 * time.Millisecond)
	m.CancelSubscribe("A", 0)

	seenAfterCancel := atomic.LoadInt32(&attempts)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&attempts) != seenAfterCancel {
		t.Fatalf("expected no further attempts after cancel")
	}
	if m.IsAccountSubscribing("A", 0) {
		t.Fatalf("expected subscribing to be false after cancel")
	}
}

func TestPerServerLimitUnbindsAndLocksInstance(t *testing.T) {
	var mu sync.Mutex
	var unboundAccount string
	var lockedAccount string
	var lockedBucket int
	var lockedType clienterrors.RateLimitType
	unlocked := make(chan struct{})

	m := New(Deps{
		Subscribe: func(ctx context.Context, accountID string, bucket int) error {
			return clienterrors.NewTooManyRequests("per-server limit", clienterrors.LimitAccountSubscriptionsPerServer, time.Now().Add(time.Hour))
		},
		UnbindAccount: func(accountID string, bucket int) {
			mu.Lock()
			unboundAccount = accountID
			mu.Unlock()
		},
		LockSocketInstance: func(accountID string, bucket int, limitType clienterrors.RateLimitType) {
			mu.Lock()
			lockedAccount = accountID
			lockedBucket = bucket
			lockedType = limitType
			mu.Unlock()
			close(unlocked)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.ScheduleSubscribe(ctx, "A", 1, false)

	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatalf("expected LockSocketInstance to be invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if unboundAccount != "A" {
		t.Fatalf("expected UnbindAccount(A, ...), got %q", unboundAccount)
	}
	if lockedAccount != "A" || lockedBucket != 1 || lockedType != clienterrors.LimitAccountSubscriptionsPerServer {
		t.Fatalf("expected LockSocketInstance(A, 1, LimitAccountSubscriptionsPerServer), got (%q, %d, %q)", lockedAccount, lockedBucket, lockedType)
	}
}

func TestCancelAccountCancelsBothBuckets(t *testing.T) {
	m := New(Deps{
		Subscribe: func(ctx context.Context, accountID string, bucket int) error {
			return clienterrors.NewInternal("always fails")
		},
	})
	ctx := context.Background()
	m.ScheduleSubscribe(ctx, "A", 0, false)
	m.ScheduleSubscribe(ctx, "A", 1, false)
	time.Sleep(10 * time.Millisecond)

	m.CancelAccount("A")

	if m.InFlightLoopCount("A") != 0 {
		t.Fatalf("expected both bucket loops to be cancelled")
	}
}

// Package subscription implements the per-(account,bucket) subscribe retry
// state machine (spec §4.3): exponential backoff, cooldown on server
// admission locks, and coalescing of redundant subscribe attempts.
package subscription

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/quantstream/tradestream-client/internal/clienterrors"
	"github.com/quantstream/tradestream-client/internal/logging"
)

const (
	backoffStart = 3 * time.Second
	backoffCap   = 300 * time.Second
)

// Key identifies a retry state record.
type Key struct {
	AccountID string
	Bucket    int
}

// SubscribeFunc performs the subscribe RPC for (accountID, bucket). It
// returns an error from internal/clienterrors on failure.
type SubscribeFunc func(ctx context.Context, accountID string, bucket int) error

// LockSocketInstanceFunc is called when a per-server subscription limit is
// hit; it is the C6 rate-limit lock hook.
type LockSocketInstanceFunc func(accountID string, bucket int, limitType clienterrors.RateLimitType)

// UnbindAccountFunc detaches an account from its current socket slot.
type UnbindAccountFunc func(accountID string, bucket int)

// Deps wires the Manager to its collaborators.
type Deps struct {
	Subscribe         SubscribeFunc
	LockSocketInstance LockSocketInstanceFunc
	UnbindAccount     UnbindAccountFunc
	Logger            *logging.Logger
}

type record struct {
	mu                     sync.Mutex
	shouldRetry            bool
	cancel                 context.CancelFunc
	isDisconnectedRetryMode bool
	subscribing            bool
	active                 bool
}

// Manager is the subscription retry state machine, one per client.
type Manager struct {
	deps    Deps
	log     *logging.Logger
	mu      sync.Mutex
	records map[Key]*record
}

// New constructs a Manager.
func New(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = logging.L()
	}
	return &Manager{deps: deps, log: deps.Logger, records: make(map[Key]*record)}
}

func (m *Manager) recordFor(key Key) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[key]
	if r == nil {
		r = &record{}
		m.records[key] = r
	}
	return r
}

// ScheduleSubscribe starts (or restarts) the retry loop for
// (accountID, bucket). Calling it again while a loop is active cancels the
// previous loop first (coalescing redundant subscribe attempts).
func (m *Manager) ScheduleSubscribe(ctx context.Context, accountID string, bucket int, disconnectedRetryMode bool) {
	key := Key{AccountID: accountID, Bucket: bucket}
	r := m.recordFor(key)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.shouldRetry = true
	r.isDisconnectedRetryMode = disconnectedRetryMode
	r.mu.Unlock()

	go m.retryLoop(loopCtx, key, r)
}

func (m *Manager) retryLoop(ctx context.Context, key Key, r *record) {
	backoff := backoffStart
	for {
		r.mu.Lock()
		if !r.shouldRetry {
			r.mu.Unlock()
			return
		}
		r.subscribing = true
		r.mu.Unlock()

		err := m.deps.Subscribe(ctx, key.AccountID, key.Bucket)

		r.mu.Lock()
		r.subscribing = false
		if !r.shouldRetry {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		wait := backoff
		if err != nil {
			if tmr, ok := clienterrors.TooManyRequestsDetail(err); ok {
				switch tmr.Type {
				case clienterrors.LimitAccountSubscriptionsPerServer, clienterrors.LimitAccountSubscriptionsPerUserPerServer:
					if m.deps.UnbindAccount != nil {
						m.deps.UnbindAccount(key.AccountID, key.Bucket)
					}
					if m.deps.LockSocketInstance != nil {
						m.deps.LockSocketInstance(key.AccountID, key.Bucket, tmr.Type)
					}
				case clienterrors.LimitAccountSubscriptionsPerUser:
					m.log.Warn("subscribe throttled by per-user limit",
						logging.String("account_id", key.AccountID), logging.Int("bucket", key.Bucket))
					if until := time.Until(tmr.RecommendedRetryTime); until > 0 {
						wait = until
					}
				default:
					if until := time.Until(tmr.RecommendedRetryTime); until > wait {
						wait = until
					}
				}
			} else {
				m.log.Warn("subscribe failed", logging.String("account_id", key.AccountID),
					logging.Int("bucket", key.Bucket), logging.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if backoff < backoffCap {
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}
}

// CancelSubscribe stops the retry loop for (accountID, bucket).
func (m *Manager) CancelSubscribe(accountID string, bucket int) {
	key := Key{AccountID: accountID, Bucket: bucket}
	r := m.recordFor(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.shouldRetry {
		return
	}
	r.shouldRetry = false
	r.active = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// CancelAccount cancels both buckets for accountID.
func (m *Manager) CancelAccount(accountID string) {
	m.CancelSubscribe(accountID, 0)
	m.CancelSubscribe(accountID, 1)
}

// OnTimeout schedules a disconnected-retry-mode subscribe if the socket
// slot for (accountID, bucket) is still reported connected.
func (m *Manager) OnTimeout(ctx context.Context, accountID string, bucket int, slotConnected bool) {
	if !slotConnected {
		return
	}
	m.ScheduleSubscribe(ctx, accountID, bucket, true)
}

// OnDisconnected sleeps a random 1-5s jitter, then schedules a
// disconnected-retry-mode subscribe.
func (m *Manager) OnDisconnected(ctx context.Context, accountID string, bucket int) {
	go func() {
		jitter := time.Duration(1000+rand.Intn(4000)) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
		m.ScheduleSubscribe(ctx, accountID, bucket, true)
	}()
}

// OnReconnected cancels the subscribe loop on bucket of each account in
// reconnectAccountIDs, then for each of them waits until it is no longer subscribing,
// applies a 0-5s jitter, and reschedules subscribe unless something else
// already did.
func (m *Manager) OnReconnected(ctx context.Context, bucket int, reconnectAccountIDs []string) {
	for _, acct := range reconnectAccountIDs {
		key := Key{AccountID: acct, Bucket: bucket}
		m.CancelSubscribe(acct, bucket)
		go func(accountID string) {
			r := m.recordFor(key)
			for {
				r.mu.Lock()
				subscribing := r.subscribing
				r.mu.Unlock()
				if !subscribing {
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
			jitter := time.Duration(rand.Intn(5001)) * time.Millisecond
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter):
			}
			r.mu.Lock()
			alreadyScheduled := r.shouldRetry
			r.mu.Unlock()
			if alreadyScheduled {
				return
			}
			m.ScheduleSubscribe(ctx, accountID, bucket, false)
		}(acct)
	}
}

// IsAccountSubscribing reports whether a subscribe RPC is currently
// in-flight for (accountID, bucket). bucket<0 checks both buckets.
func (m *Manager) IsAccountSubscribing(accountID string, bucket int) bool {
	buckets := []int{0, 1}
	if bucket >= 0 {
		buckets = []int{bucket}
	}
	for _, b := range buckets {
		r := m.recordFor(Key{AccountID: accountID, Bucket: b})
		r.mu.Lock()
		subscribing := r.subscribing
		r.mu.Unlock()
		if subscribing {
			return true
		}
	}
	return false
}

// IsDisconnectedRetryMode reports whether (accountID, bucket)'s retry loop
// was started in disconnected-retry mode.
func (m *Manager) IsDisconnectedRetryMode(accountID string, bucket int) bool {
	r := m.recordFor(Key{AccountID: accountID, Bucket: bucket})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isDisconnectedRetryMode
}

// IsSubscriptionActive reports whether a running retry loop of accountID
// has been stopped by CancelSubscribe on either bucket. Any caller of
// CancelSubscribe sets this, including CancelAccount and OnReconnected, not
// only the dispatcher's cancel on authentication.
func (m *Manager) IsSubscriptionActive(accountID string) bool {
	for _, b := range []int{0, 1} {
		r := m.recordFor(Key{AccountID: accountID, Bucket: b})
		r.mu.Lock()
		active := r.active
		r.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// InFlightLoopCount reports how many of the account's bucket loops are
// currently retrying — used to assert the ≤2 invariant in tests.
func (m *Manager) InFlightLoopCount(accountID string) int {
	count := 0
	for _, b := range []int{0, 1} {
		r := m.recordFor(Key{AccountID: accountID, Bucket: b})
		r.mu.Lock()
		if r.shouldRetry {
			count++
		}
		r.mu.Unlock()
	}
	return count
}

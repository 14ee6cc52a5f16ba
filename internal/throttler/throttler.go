// Package throttler implements admission control for the "synchronize" RPC
// (spec §4.2): one instance per socket slot, bounding concurrent
// synchronizations per slot and across a region/bucket, queueing excess
// requests with FIFO fairness, and coalescing redundant syncs for the same
// (account, instance).
package throttler

import (
	"context"
	"sync"
	"time"

	"github.com/quantstream/tradestream-client/internal/clienterrors"
	"github.com/quantstream/tradestream-client/internal/logging"
)

// Resolution is the outcome handed back to a caller waiting in the queue.
type Resolution int

const (
	ResolutionSynchronize Resolution = iota
	ResolutionCancel
	ResolutionTimeout
)

// Key identifies a pending or active synchronization slot by the triple
// that coalescing rules key on.
type Key struct {
	AccountID     string
	InstanceIndex int
	Host          string
}

type queueEntry struct {
	syncID     string
	key        Key
	enqueuedAt time.Time
	resolve    chan Resolution
}

type activeEntry struct {
	key       Key
	lastTouch time.Time
}

// RegionGroup tracks the active-count ceiling shared by every slot for a
// given (region, bucket): the throttler's "hard cap across all slots"
// clause (spec §4.2).
type RegionGroup struct {
	mu     sync.Mutex
	total  int
	maxCap int
}

// NewRegionGroup constructs a shared counter for a (region, bucket) pair.
func NewRegionGroup(maxCap int) *RegionGroup {
	return &RegionGroup{maxCap: maxCap}
}

func (g *RegionGroup) tryAdd() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.maxCap > 0 && g.total >= g.maxCap {
		return false
	}
	g.total++
	return true
}

func (g *RegionGroup) remove() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.total > 0 {
		g.total--
	}
}

// Options configures a Throttler.
type Options struct {
	MaxConcurrentSynchronizations int
	QueueTimeout                  time.Duration
	SynchronizationTimeout        time.Duration
	RegionGroup                   *RegionGroup
	SubscribedAccountsForBucket   func() int
	Logger                        *logging.Logger
}

// Throttler is one per socket slot.
type Throttler struct {
	mu     sync.Mutex
	opts   Options
	log    *logging.Logger
	active map[string]*activeEntry // synchronizationId -> entry
	bySync map[Key]string          // key -> synchronizationId, for coalescing
	queue  []*queueEntry
}

// New constructs a Throttler for one socket slot.
func New(opts Options) *Throttler {
	if opts.MaxConcurrentSynchronizations <= 0 {
		opts.MaxConcurrentSynchronizations = 15
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 300 * time.Second
	}
	if opts.SynchronizationTimeout <= 0 {
		opts.SynchronizationTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Throttler{
		opts:   opts,
		log:    opts.Logger,
		active: make(map[string]*activeEntry),
		bySync: make(map[Key]string),
	}
}

// Run starts the 1s periodic expiry/advance job until ctx is cancelled.
func (t *Throttler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.expireAndAdvance()
		}
	}
}

func (t *Throttler) effectiveCap() int {
	effective := t.opts.MaxConcurrentSynchronizations
	if t.opts.SubscribedAccountsForBucket != nil {
		n := t.opts.SubscribedAccountsForBucket()
		dynamic := (n + 9) / 10
		if dynamic < 1 {
			dynamic = 1
		}
		if dynamic < effective {
			effective = dynamic
		}
	}
	return effective
}

func (t *Throttler) admissibleLocked() bool {
	if len(t.active) >= t.effectiveCap() {
		return false
	}
	return true
}

// Schedule admits or queues a synchronization. fetchHashes is invoked only
// once admitted, and its result is handed to send so the request carries
// fresh hashes at the moment it is actually dispatched. Coalescing a sync
// that is still queued for the same key replaces it in place, preserving
// its FIFO position (spec §4.2 scenario 4); coalescing an already-active
// sync simply drops the stale entry and re-evaluates admission.
func (t *Throttler) Schedule(ctx context.Context, syncID string, key Key, fetchHashes func() (specHash, posHash, orderHash string), send func(specHash, posHash, orderHash string) error) (bool, error) {
	t.mu.Lock()
	if existing, ok := t.bySync[key]; ok {
		if idx := t.queueIndexLocked(existing); idx >= 0 {
			old := t.queue[idx]
			entry := &queueEntry{syncID: syncID, key: key, enqueuedAt: old.enqueuedAt, resolve: make(chan Resolution, 1)}
			t.queue[idx] = entry
			t.bySync[key] = syncID
			t.mu.Unlock()
			select {
			case old.resolve <- ResolutionCancel:
			default:
			}
			return t.waitEntry(ctx, entry, fetchHashes, send)
		}
		t.removeLocked(existing)
	}

	if t.admissibleLocked() && t.opts.RegionGroup != nil && !t.opts.RegionGroup.tryAdd() {
		// Region-wide cap is saturated even though the local slot has room.
		t.mu.Unlock()
		return t.enqueue(ctx, syncID, key, fetchHashes, send)
	}
	if t.admissibleLocked() {
		t.admitLocked(syncID, key)
		t.mu.Unlock()
		specHash, posHash, orderHash := fetchHashes()
		return true, send(specHash, posHash, orderHash)
	}
	t.mu.Unlock()
	return t.enqueue(ctx, syncID, key, fetchHashes, send)
}

// queueIndexLocked returns the queue position of syncID, or -1 if it is not
// (or no longer) queued. t.mu must be held.
func (t *Throttler) queueIndexLocked(syncID string) int {
	for i, qe := range t.queue {
		if qe.syncID == syncID {
			return i
		}
	}
	return -1
}

func (t *Throttler) enqueue(ctx context.Context, syncID string, key Key, fetchHashes func() (string, string, string), send func(string, string, string) error) (bool, error) {
	entry := &queueEntry{syncID: syncID, key: key, enqueuedAt: time.Now(), resolve: make(chan Resolution, 1)}
	t.mu.Lock()
	t.bySync[key] = syncID
	t.queue = append(t.queue, entry)
	t.mu.Unlock()
	return t.waitEntry(ctx, entry, fetchHashes, send)
}

func (t *Throttler) waitEntry(ctx context.Context, entry *queueEntry, fetchHashes func() (string, string, string), send func(string, string, string) error) (bool, error) {
	select {
	case res := <-entry.resolve:
		switch res {
		case ResolutionSynchronize:
			specHash, posHash, orderHash := fetchHashes()
			return true, send(specHash, posHash, orderHash)
		case ResolutionCancel:
			return false, nil
		default:
			return false, clienterrors.NewTimeout("synchronization queue entry timed out")
		}
	case <-ctx.Done():
		t.removeQueued(entry)
		return false, ctx.Err()
	}
}

func (t *Throttler) admitLocked(syncID string, key Key) {
	t.active[syncID] = &activeEntry{key: key, lastTouch: time.Now()}
	t.bySync[key] = syncID
}

// UpdateSynchronizationId touches the active entry iff the id is known.
func (t *Throttler) UpdateSynchronizationId(syncID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.active[syncID]; ok {
		entry.lastTouch = time.Now()
	}
}

// RemoveSynchronizationId drops all entries for the same key, cancels any
// queued entry sharing it, then advances the queue.
func (t *Throttler) RemoveSynchronizationId(syncID string) {
	t.mu.Lock()
	t.removeLocked(syncID)
	t.mu.Unlock()
	t.advanceQueue()
}

func (t *Throttler) removeLocked(syncID string) {
	if entry, ok := t.active[syncID]; ok {
		delete(t.active, syncID)
		if t.bySync[entry.key] == syncID {
			delete(t.bySync, entry.key)
		}
		if t.opts.RegionGroup != nil {
			t.opts.RegionGroup.remove()
		}
	}
	remaining := t.queue[:0]
	for _, qe := range t.queue {
		if qe.syncID == syncID {
			select {
			case qe.resolve <- ResolutionCancel:
			default:
			}
			if t.bySync[qe.key] == syncID {
				delete(t.bySync, qe.key)
			}
			continue
		}
		remaining = append(remaining, qe)
	}
	t.queue = remaining
}

func (t *Throttler) removeQueued(target *queueEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.queue[:0]
	for _, qe := range t.queue {
		if qe == target {
			if t.bySync[qe.key] == qe.syncID {
				delete(t.bySync, qe.key)
			}
			continue
		}
		remaining = append(remaining, qe)
	}
	t.queue = remaining
}

// advanceQueue admits queued entries in FIFO order while admissible.
func (t *Throttler) advanceQueue() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 || !t.admissibleLocked() {
			t.mu.Unlock()
			return
		}
		if t.opts.RegionGroup != nil && !t.opts.RegionGroup.tryAdd() {
			t.mu.Unlock()
			return
		}
		head := t.queue[0]
		t.queue = t.queue[1:]
		t.admitLocked(head.syncID, head.key)
		t.mu.Unlock()

		select {
		case head.resolve <- ResolutionSynchronize:
		default:
		}
	}
}

func (t *Throttler) expireAndAdvance() {
	now := time.Now()
	t.mu.Lock()
	for id, entry := range t.active {
		if now.Sub(entry.lastTouch) > t.opts.SynchronizationTimeout {
			delete(t.active, id)
			if t.bySync[entry.key] == id {
				delete(t.bySync, entry.key)
			}
			if t.opts.RegionGroup != nil {
				t.opts.RegionGroup.remove()
			}
		}
	}
	var expired []*queueEntry
	remaining := t.queue[:0]
	for _, qe := range t.queue {
		if now.Sub(qe.enqueuedAt) > t.opts.QueueTimeout {
			expired = append(expired, qe)
			if t.bySync[qe.key] == qe.syncID {
				delete(t.bySync, qe.key)
			}
			continue
		}
		remaining = append(remaining, qe)
	}
	t.queue = remaining
	t.mu.Unlock()

	for _, qe := range expired {
		select {
		case qe.resolve <- ResolutionTimeout:
		default:
		}
	}
	t.advanceQueue()
}

// OnDisconnect cancels every queued entry and clears all state.
func (t *Throttler) OnDisconnect() {
	t.mu.Lock()
	queued := t.queue
	t.queue = nil
	if t.opts.RegionGroup != nil {
		for range t.active {
			t.opts.RegionGroup.remove()
		}
	}
	t.active = make(map[string]*activeEntry)
	t.bySync = make(map[Key]string)
	t.mu.Unlock()

	for _, qe := range queued {
		select {
		case qe.resolve <- ResolutionCancel:
		default:
		}
	}
}

// ActiveCount reports the current number of admitted synchronizations,
// primarily for tests and metrics.
func (t *Throttler) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// QueueLen reports the current queue depth, primarily for tests and
// metrics.
func (t *Throttler) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

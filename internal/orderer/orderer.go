// Package orderer restores per-instance sequence-number ordering of
// streamed packets (spec §4.1): it buffers out-of-order arrivals and emits
// a gap event if a hole in the sequence persists past a timeout.
package orderer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantstream/tradestream-client/internal/logging"
	"github.com/quantstream/tradestream-client/internal/wire"
)

// GapEvent is emitted when a reordering gap outlives orderingTimeoutSeconds.
type GapEvent struct {
	InstanceID string
	Expected   int64
	Actual     int64
	Head       wire.Packet
	ReceivedAt time.Time
}

// GapHandler is invoked on a gap timeout; the caller typically force
// resubscribes the account on that bucket.
type GapHandler func(GapEvent)

const defaultWaitListCap = 100

type waitEntry struct {
	packet     wire.Packet
	receivedAt time.Time
}

type instanceState struct {
	expectedSeq   int64
	hasExpected   bool
	sessionStart  int64
	waitList      []waitEntry
	gapEmitted    bool
}

// Orderer is safe for concurrent use; each instance's state is guarded by
// the package mutex because packet intake is expected to be low-volume
// relative to lock hold time (JSON decode dominates).
type Orderer struct {
	mu            sync.Mutex
	waitListCap   int
	timeout       time.Duration
	log           *logging.Logger
	states        map[string]*instanceState
	onGap         GapHandler
}

// Options configures an Orderer.
type Options struct {
	WaitListCap    int
	OrderingTimeout time.Duration
	Logger         *logging.Logger
	OnGap          GapHandler
}

// New constructs an Orderer. Call Run to start the 1s gap-timeout job.
func New(opts Options) *Orderer {
	if opts.WaitListCap <= 0 {
		opts.WaitListCap = defaultWaitListCap
	}
	if opts.OrderingTimeout <= 0 {
		opts.OrderingTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Orderer{
		waitListCap: opts.WaitListCap,
		timeout:     opts.OrderingTimeout,
		log:         opts.Logger,
		states:      make(map[string]*instanceState),
		onGap:       opts.OnGap,
	}
}

// Run starts the gap-timeout job (fires every 1s) until ctx is cancelled.
func (o *Orderer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkGaps()
		}
	}
}

// Feed processes one packet and returns the ordered list of packets to
// deliver now (possibly empty).
func (o *Orderer) Feed(instanceID string, p wire.Packet) []wire.Packet {
	if p.SequenceNumber == nil {
		return []wire.Packet{p}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.states[instanceID]
	if st == nil {
		st = &instanceState{}
		o.states[instanceID] = st
	}

	seq := *p.SequenceNumber

	if p.Type == wire.PacketSynchronizationStarted && p.SynchronizationID != "" && p.SequenceTimestamp != nil {
		ts := *p.SequenceTimestamp
		if ts > st.sessionStart {
			st.sessionStart = ts
			st.expectedSeq = seq
			st.hasExpected = true
			st.gapEmitted = false
			filtered := st.waitList[:0]
			for _, entry := range st.waitList {
				if entry.packet.SequenceTimestamp != nil && *entry.packet.SequenceTimestamp < ts {
					continue
				}
				filtered = append(filtered, entry)
			}
			st.waitList = filtered
			out := []wire.Packet{p}
			out = append(out, o.drainLocked(st)...)
			return out
		}
	}

	if p.SequenceTimestamp != nil && *p.SequenceTimestamp < st.sessionStart {
		return nil
	}

	if !st.hasExpected {
		st.expectedSeq = seq
		st.hasExpected = true
		st.gapEmitted = false
		return []wire.Packet{p}
	}

	if seq == st.expectedSeq {
		return []wire.Packet{p}
	}

	if seq == st.expectedSeq+1 {
		st.expectedSeq = seq
		st.gapEmitted = false
		out := []wire.Packet{p}
		out = append(out, o.drainLocked(st)...)
		return out
	}

	o.insertSorted(st, waitEntry{packet: p, receivedAt: time.Now()})
	return nil
}

func (o *Orderer) insertSorted(st *instanceState, entry waitEntry) {
	idx := sort.Search(len(st.waitList), func(i int) bool {
		return seqOf(st.waitList[i].packet) >= seqOf(entry.packet)
	})
	st.waitList = append(st.waitList, waitEntry{})
	copy(st.waitList[idx+1:], st.waitList[idx:])
	st.waitList[idx] = entry
	if len(st.waitList) > o.waitListCap {
		// drop the lowest (oldest) sequence to respect the bound.
		st.waitList = st.waitList[1:]
	}
}

func seqOf(p wire.Packet) int64 {
	if p.SequenceNumber == nil {
		return 0
	}
	return *p.SequenceNumber
}

// drainLocked delivers consecutive buffered packets whose sequence follows
// the now-current expected sequence, or that predate the session start.
func (o *Orderer) drainLocked(st *instanceState) []wire.Packet {
	var delivered []wire.Packet
	for len(st.waitList) > 0 {
		head := st.waitList[0]
		headSeq := seqOf(head.packet)
		stale := head.packet.SequenceTimestamp != nil && *head.packet.SequenceTimestamp < st.sessionStart
		if headSeq == st.expectedSeq || headSeq == st.expectedSeq+1 || stale {
			st.waitList = st.waitList[1:]
			if stale {
				continue
			}
			st.expectedSeq = headSeq
			st.gapEmitted = false
			delivered = append(delivered, head.packet)
			continue
		}
		break
	}
	return delivered
}

func (o *Orderer) checkGaps() {
	o.mu.Lock()
	type pending struct {
		id   string
		head waitEntry
	}
	var gaps []pending
	now := time.Now()
	for id, st := range o.states {
		if len(st.waitList) == 0 || st.gapEmitted || !st.hasExpected {
			continue
		}
		head := st.waitList[0]
		if head.receivedAt.Add(o.timeout).Before(now) {
			st.gapEmitted = true
			gaps = append(gaps, pending{id: id, head: head})
		}
	}
	o.mu.Unlock()

	for _, g := range gaps {
		evt := GapEvent{
			InstanceID: g.id,
			Expected:   seqOf(g.head.packet) - 1,
			Actual:     seqOf(g.head.packet),
			Head:       g.head.packet,
			ReceivedAt: g.head.receivedAt,
		}
		o.log.Warn("ordering gap timed out",
			logging.String("instance_id", g.id),
			logging.Int64("expected", evt.Expected),
			logging.Int64("actual", evt.Actual))
		if o.onGap != nil {
			o.onGap(evt)
		}
	}
}

// OnStreamClosed drops all state for instanceID (spec §4.1 reset hook).
func (o *Orderer) OnStreamClosed(instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.states, instanceID)
}

// OnReconnected drops state for every instance whose accountId is in
// accountIDs (spec §4.1 reset hook); instanceID keys are
// "accountId:region:bucket:host" so this matches on the leading accountId
// segment.
func (o *Orderer) OnReconnected(accountIDs []string) {
	if len(accountIDs) == 0 {
		return
	}
	set := make(map[string]struct{}, len(accountIDs))
	for _, a := range accountIDs {
		set[a] = struct{}{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.states {
		account, _, _ := splitInstanceID(id)
		if _, ok := set[account]; ok {
			delete(o.states, id)
		}
	}
}

func splitInstanceID(id string) (account string, bucket string, host string) {
	first := -1
	second := -1
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			if first == -1 {
				first = i
			} else {
				second = i
				break
			}
		}
	}
	if first == -1 {
		return id, "", ""
	}
	if second == -1 {
		return id[:first], id[first+1:], ""
	}
	return id[:first], id[first+1 : second], id[second+1:]
}

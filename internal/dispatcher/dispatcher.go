// Package dispatcher implements the Event Dispatcher (spec §4.7): it keeps a
// strict per-account FIFO of closures (so event delivery for one account is
// sequential, never interleaved with itself), feeds every packet through the
// orderer first, and translates ordered wire packets into Observer calls.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantstream/tradestream-client/internal/logging"
	"github.com/quantstream/tradestream-client/internal/orderer"
	"github.com/quantstream/tradestream-client/internal/packetlog"
	"github.com/quantstream/tradestream-client/internal/wire"
)

const (
	slowClosureWarn = 1 * time.Second
	disconnectAfter = 60 * time.Second
)

// Observer receives the translated callbacks named in the wire-type table.
// Every method must return promptly — long work should be dispatched to the
// caller's own goroutine, since a slow observer call stalls that account's
// queue.
type Observer interface {
	OnConnected(instanceID string, instanceIndex int, replicas int)
	OnDisconnected(instanceID string)
	OnStreamClosed(instanceID string)
	OnSynchronizationStarted(instanceID string, specificationsUpdated, positionsUpdated, ordersUpdated bool, synchronizationID string)
	OnAccountInformationUpdated(accountID string, information json.RawMessage)
	OnPositionsReplaced(accountID string, positions json.RawMessage)
	OnPositionsSynchronized(accountID, synchronizationID string)
	OnPendingOrdersReplaced(accountID string, orders json.RawMessage)
	OnPendingOrdersSynchronized(accountID, synchronizationID string)
	OnHistoryOrderAdded(accountID string, order json.RawMessage)
	OnDealAdded(accountID string, deal json.RawMessage)
	OnPositionUpdated(accountID string, position json.RawMessage)
	OnPositionRemoved(accountID, positionID string)
	OnPendingOrderUpdated(accountID string, order json.RawMessage)
	OnPendingOrderCompleted(accountID, orderID string)
	OnUpdate(accountID string)
	OnDealsSynchronized(accountID, synchronizationID string)
	OnHistoryOrdersSynchronized(accountID, synchronizationID string)
	OnBrokerConnectionStatusChanged(accountID string, connected bool)
	OnHealthStatus(accountID string, status json.RawMessage)
	OnSymbolSpecificationsUpdated(accountID string, updated, removed json.RawMessage)
	OnSymbolSpecificationUpdated(accountID string, specification json.RawMessage)
	OnSymbolSpecificationRemoved(accountID, symbol string)
	OnSymbolPricesUpdated(accountID string, prices json.RawMessage)
	OnCandlesUpdated(accountID string, candles json.RawMessage)
	OnTicksUpdated(accountID string, ticks json.RawMessage)
	OnBooksUpdated(accountID string, books json.RawMessage)
	OnSymbolPriceUpdated(accountID string, price json.RawMessage)
	OnSubscriptionDowngraded(accountID, symbol string, updates, unsubscriptions json.RawMessage)
}

// Hooks are the other components' reactions to dispatcher-observed events.
type Hooks struct {
	EnsureSubscribe       func(accountID string, bucket int)
	CancelSubscribe       func(accountID string, bucket int)
	CancelAccount         func(accountID string)
	SubscriptionOnTimeout func(accountID string, bucket int)
	SubscriptionOnDisconnected func(accountID string, bucket int)
	LatencyOnConnected    func(instanceID string)
	LatencyOnDisconnected func(instanceID string)
	LatencyOnDealsSynchronized func(instanceID string)
	LatencyOnUpdate       func(instanceID string)
	LatencyOnSymbolPrice  func(instanceID string)
	ReleaseThrottlerSlot  func(synchronizationID string)
}

type syncFlags struct {
	accountID         string
	bucket            int
	specUpdated       bool
	posUpdated        bool
	ordUpdated        bool
	posSyncFired      bool
	ordSyncFired      bool
}

type accountQueue struct {
	mu       sync.Mutex
	closures []func()
	draining bool
}

// Dispatcher is the Event Dispatcher; one instance serves an entire client.
type Dispatcher struct {
	orderer *orderer.Orderer
	obs     Observer
	hooks   Hooks
	log     *logging.Logger
	sink    *packetlog.Sink

	mu               sync.Mutex
	queues           map[string]*accountQueue
	syncIDByInstance map[string]string
	flagsBySyncID    map[string]*syncFlags
	authenticated    map[string]bool
	activeHosts      map[string]map[string]bool // accountId+bucket -> set of hosts
	disconnectTimers map[string]*time.Timer
}

// Options configures a Dispatcher.
type Options struct {
	Orderer *orderer.Orderer
	Observer Observer
	Hooks   Hooks
	PacketLog *packetlog.Sink
	Logger  *logging.Logger
}

// New constructs a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Dispatcher{
		orderer:          opts.Orderer,
		obs:              opts.Observer,
		hooks:            opts.Hooks,
		log:              opts.Logger,
		sink:             opts.PacketLog,
		queues:           make(map[string]*accountQueue),
		syncIDByInstance: make(map[string]string),
		flagsBySyncID:    make(map[string]*syncFlags),
		activeHosts:      make(map[string]map[string]bool),
		disconnectTimers: make(map[string]*time.Timer),
	}
}

// QueuePacket feeds p through the orderer and enqueues a processing closure
// for each non-noop packet it releases, per account FIFO.
func (d *Dispatcher) QueuePacket(instanceID string, p wire.Packet) {
	if d.sink != nil {
		if err := d.sink.Record(p); err != nil {
			d.log.Warn("packet log record failed", logging.Error(err))
		}
	}

	var released []wire.Packet
	if d.orderer != nil {
		released = d.orderer.Feed(instanceID, p)
	} else {
		released = []wire.Packet{p}
	}

	for _, rp := range released {
		if rp.Type == wire.PacketNoop {
			continue
		}
		if !d.passesSyncFilter(instanceID, rp) {
			continue
		}
		packet := rp
		d.enqueue(packet.AccountID, func() { d.processSynchronizationPacket(instanceID, packet) })
	}
}

func (d *Dispatcher) passesSyncFilter(instanceID string, p wire.Packet) bool {
	if p.SynchronizationID == "" {
		return true
	}
	switch p.Type {
	case wire.PacketDisconnected, wire.PacketStatus, wire.PacketKeepalive, wire.PacketAuthenticated:
		return true
	}
	d.mu.Lock()
	active := d.syncIDByInstance[instanceID]
	d.mu.Unlock()
	return active == "" || active == p.SynchronizationID
}

// SetActiveSynchronization records the admitted synchronization id for an
// instance; packets carrying a different id are dropped by passesSyncFilter.
func (d *Dispatcher) SetActiveSynchronization(instanceID, synchronizationID string) {
	d.mu.Lock()
	d.syncIDByInstance[instanceID] = synchronizationID
	d.mu.Unlock()
}

func (d *Dispatcher) enqueue(accountID string, closure func()) {
	d.mu.Lock()
	q, ok := d.queues[accountID]
	if !ok {
		q = &accountQueue{}
		d.queues[accountID] = q
	}
	d.mu.Unlock()

	q.mu.Lock()
	q.closures = append(q.closures, closure)
	shouldStart := !q.draining
	if shouldStart {
		q.draining = true
	}
	q.mu.Unlock()

	if shouldStart {
		go d.drain(accountID, q)
	}
}

func (d *Dispatcher) drain(accountID string, q *accountQueue) {
	for {
		q.mu.Lock()
		if len(q.closures) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		next := q.closures[0]
		q.closures = q.closures[1:]
		q.mu.Unlock()

		started := time.Now()
		next()
		elapsed := time.Since(started)
		if elapsed > slowClosureWarn {
			d.log.Warn("account event closure ran long", logging.String("account_id", accountID))
		}
	}
}

func (d *Dispatcher) resetDisconnectTimer(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.disconnectTimers[instanceID]; ok {
		timer.Stop()
	}
	d.disconnectTimers[instanceID] = time.AfterFunc(disconnectAfter, func() {
		d.onDisconnectTimeout(instanceID)
	})
}

func (d *Dispatcher) cancelDisconnectTimer(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.disconnectTimers[instanceID]; ok {
		timer.Stop()
		delete(d.disconnectTimers, instanceID)
	}
}

func (d *Dispatcher) onDisconnectTimeout(instanceID string) {
	accountID, bucket, _ := splitInstanceID(instanceID)
	if d.obs != nil {
		d.obs.OnDisconnected(instanceID)
	}
	if d.isOnlyActiveInstance(accountID, instanceID) {
		if d.hooks.SubscriptionOnTimeout != nil {
			d.hooks.SubscriptionOnTimeout(accountID, 0)
			d.hooks.SubscriptionOnTimeout(accountID, 1)
		}
	}
	_ = bucket
}

// splitInstanceID parses the accountId:region:bucket:host format (spec §9
// instance identity).
func splitInstanceID(id string) (accountID string, bucket int, host string) {
	var account, b, h string
	start := 0
	part := 0
	for i := 0; i <= len(id); i++ {
		if i == len(id) || id[i] == ':' {
			seg := id[start:i]
			switch part {
			case 0:
				account = seg
			case 2:
				b = seg
			case 3:
				h = seg
			}
			start = i + 1
			part++
		}
	}
	if b == "1" {
		bucket = 1
	}
	return account, bucket, h
}

func (d *Dispatcher) markHostActive(accountID string, bucket int, host string, active bool) {
	key := instanceKey(accountID, bucket)
	d.mu.Lock()
	defer d.mu.Unlock()
	hosts, ok := d.activeHosts[key]
	if !ok {
		hosts = make(map[string]bool)
		d.activeHosts[key] = hosts
	}
	if active {
		hosts[host] = true
	} else {
		delete(hosts, host)
	}
}

func (d *Dispatcher) isOnlyActiveInstance(accountID, instanceID string) bool {
	_, bucket, host := splitInstanceID(instanceID)
	key := instanceKey(accountID, bucket)
	d.mu.Lock()
	defer d.mu.Unlock()
	hosts := d.activeHosts[key]
	if len(hosts) == 0 {
		return true
	}
	if len(hosts) == 1 {
		return hosts[host]
	}
	return false
}

func instanceKey(accountID string, bucket int) string {
	if bucket == 1 {
		return accountID + ":1"
	}
	return accountID + ":0"
}

// processSynchronizationPacket is the wire-type -> observer translation
// table from spec §4.7.
func (d *Dispatcher) processSynchronizationPacket(instanceID string, p wire.Packet) {
	accountID, bucket, host := splitInstanceID(instanceID)
	if d.obs == nil {
		return
	}

	switch p.Type {
	case wire.PacketAuthenticated:
		d.resetDisconnectTimer(instanceID)
		var body struct {
			SessionID string `json:"sessionId"`
			Replicas  int    `json:"replicas"`
		}
		_ = json.Unmarshal(p.Payload, &body)
		d.markHostActive(accountID, bucket, host, true)
		d.obs.OnConnected(instanceID, bucket, body.Replicas)
		if d.hooks.CancelSubscribe != nil {
			d.hooks.CancelSubscribe(accountID, bucket)
		}
		if body.Replicas == 1 && d.hooks.CancelAccount != nil {
			d.hooks.CancelAccount(accountID)
		}
		if d.hooks.LatencyOnConnected != nil {
			d.hooks.LatencyOnConnected(instanceID)
		}

	case wire.PacketDisconnected:
		d.cancelDisconnectTimer(instanceID)
		d.obs.OnStreamClosed(instanceID)
		wasOnly := d.isOnlyActiveInstance(accountID, instanceID)
		d.markHostActive(accountID, bucket, host, false)
		if wasOnly {
			d.obs.OnDisconnected(instanceID)
			if d.hooks.SubscriptionOnDisconnected != nil {
				d.hooks.SubscriptionOnDisconnected(accountID, 0)
				d.hooks.SubscriptionOnDisconnected(accountID, 1)
			}
			if d.hooks.LatencyOnDisconnected != nil {
				d.hooks.LatencyOnDisconnected(instanceID)
			}
		}

	case wire.PacketSynchronizationStarted:
		var body struct {
			SpecificationsUpdated bool   `json:"specificationsUpdated"`
			PositionsUpdated      bool   `json:"positionsUpdated"`
			OrdersUpdated         bool   `json:"ordersUpdated"`
			SynchronizationID     string `json:"synchronizationId"`
		}
		_ = json.Unmarshal(p.Payload, &body)
		flags := &syncFlags{
			accountID:   accountID,
			bucket:      bucket,
			specUpdated: body.SpecificationsUpdated,
			posUpdated:  body.PositionsUpdated,
			ordUpdated:  body.OrdersUpdated,
		}
		d.mu.Lock()
		d.flagsBySyncID[body.SynchronizationID] = flags
		d.mu.Unlock()
		d.obs.OnSynchronizationStarted(instanceID, body.SpecificationsUpdated, body.PositionsUpdated, body.OrdersUpdated, body.SynchronizationID)

	case wire.PacketAccountInformation:
		d.obs.OnAccountInformationUpdated(accountID, p.Payload)
		flags := d.flagsFor(p.SynchronizationID)
		if flags != nil {
			if !flags.posUpdated && !flags.posSyncFired {
				flags.posSyncFired = true
				d.obs.OnPositionsSynchronized(accountID, p.SynchronizationID)
			}
			if !flags.ordUpdated && !flags.ordSyncFired {
				flags.ordSyncFired = true
				d.obs.OnPendingOrdersSynchronized(accountID, p.SynchronizationID)
			}
		}

	case wire.PacketPositions:
		d.obs.OnPositionsReplaced(accountID, p.Payload)
		d.obs.OnPositionsSynchronized(accountID, p.SynchronizationID)
		flags := d.flagsFor(p.SynchronizationID)
		if flags != nil && !flags.ordUpdated && !flags.ordSyncFired {
			flags.ordSyncFired = true
			d.obs.OnPendingOrdersSynchronized(accountID, p.SynchronizationID)
		}

	case wire.PacketOrders:
		d.obs.OnPendingOrdersReplaced(accountID, p.Payload)
		d.obs.OnPendingOrdersSynchronized(accountID, p.SynchronizationID)

	case wire.PacketHistoryOrders:
		for _, item := range decodeArray(p.Payload) {
			d.obs.OnHistoryOrderAdded(accountID, item)
		}

	case wire.PacketDeals:
		for _, item := range decodeArray(p.Payload) {
			d.obs.OnDealAdded(accountID, item)
		}

	case wire.PacketUpdate:
		d.processUpdate(accountID, instanceID, p.Payload)

	case wire.PacketDealSynchronizationFinished:
		d.obs.OnDealsSynchronized(accountID, p.SynchronizationID)
		if d.hooks.LatencyOnDealsSynchronized != nil {
			d.hooks.LatencyOnDealsSynchronized(instanceID)
		}
		if d.hooks.ReleaseThrottlerSlot != nil {
			d.hooks.ReleaseThrottlerSlot(p.SynchronizationID)
		}

	case wire.PacketOrderSynchronizationFinished:
		d.obs.OnHistoryOrdersSynchronized(accountID, p.SynchronizationID)

	case wire.PacketStatus:
		d.resetDisconnectTimer(instanceID)
		d.mu.Lock()
		alreadyAuthenticated := d.authenticated[instanceID]
		d.mu.Unlock()
		if !alreadyAuthenticated {
			if d.hooks.EnsureSubscribe != nil {
				d.hooks.EnsureSubscribe(accountID, bucket)
			}
		} else {
			var body struct {
				Connected bool            `json:"connected"`
				Health    json.RawMessage `json:"healthStatus,omitempty"`
			}
			_ = json.Unmarshal(p.Payload, &body)
			d.obs.OnBrokerConnectionStatusChanged(accountID, body.Connected)
			if len(body.Health) > 0 {
				d.obs.OnHealthStatus(accountID, body.Health)
			}
		}

	case wire.PacketSpecifications:
		var body struct {
			Specifications json.RawMessage `json:"specifications"`
			RemovedSymbols json.RawMessage `json:"removedSymbols"`
		}
		_ = json.Unmarshal(p.Payload, &body)
		d.obs.OnSymbolSpecificationsUpdated(accountID, body.Specifications, body.RemovedSymbols)
		for _, spec := range decodeArray(body.Specifications) {
			d.obs.OnSymbolSpecificationUpdated(accountID, spec)
		}
		for _, symbol := range decodeStringArray(body.RemovedSymbols) {
			d.obs.OnSymbolSpecificationRemoved(accountID, symbol)
		}

	case wire.PacketPrices:
		var body struct {
			Prices  json.RawMessage `json:"prices"`
			Candles json.RawMessage `json:"candles"`
			Ticks   json.RawMessage `json:"ticks"`
			Books   json.RawMessage `json:"books"`
		}
		_ = json.Unmarshal(p.Payload, &body)
		if isNonEmptyArray(body.Prices) {
			d.obs.OnSymbolPricesUpdated(accountID, body.Prices)
		}
		if isNonEmptyArray(body.Candles) {
			d.obs.OnCandlesUpdated(accountID, body.Candles)
		}
		if isNonEmptyArray(body.Ticks) {
			d.obs.OnTicksUpdated(accountID, body.Ticks)
		}
		if isNonEmptyArray(body.Books) {
			d.obs.OnBooksUpdated(accountID, body.Books)
		}
		for _, price := range decodeArray(body.Prices) {
			d.obs.OnSymbolPriceUpdated(accountID, price)
		}
		if p.SequenceTimestamp != nil && d.hooks.LatencyOnSymbolPrice != nil {
			d.hooks.LatencyOnSymbolPrice(instanceID)
		}

	case wire.PacketDowngradeSubscription:
		var body struct {
			Symbol          string          `json:"symbol"`
			Updates         json.RawMessage `json:"updates"`
			Unsubscriptions json.RawMessage `json:"unsubscriptions"`
		}
		_ = json.Unmarshal(p.Payload, &body)
		d.obs.OnSubscriptionDowngraded(accountID, body.Symbol, body.Updates, body.Unsubscriptions)
	}
}

func (d *Dispatcher) processUpdate(accountID, instanceID string, payload json.RawMessage) {
	var body struct {
		AccountInformation json.RawMessage `json:"accountInformation,omitempty"`
		UpdatedPositions   json.RawMessage `json:"updatedPositions,omitempty"`
		RemovedPositionIDs json.RawMessage `json:"removedPositionIds,omitempty"`
		UpdatedOrders      json.RawMessage `json:"updatedOrders,omitempty"`
		CompletedOrderIDs  json.RawMessage `json:"completedOrderIds,omitempty"`
		HistoryOrders      json.RawMessage `json:"historyOrders,omitempty"`
		Deals              json.RawMessage `json:"deals,omitempty"`
	}
	_ = json.Unmarshal(payload, &body)

	if len(body.AccountInformation) > 0 {
		d.obs.OnAccountInformationUpdated(accountID, body.AccountInformation)
	}
	for _, pos := range decodeArray(body.UpdatedPositions) {
		d.obs.OnPositionUpdated(accountID, pos)
	}
	for _, id := range decodeStringArray(body.RemovedPositionIDs) {
		d.obs.OnPositionRemoved(accountID, id)
	}
	for _, ord := range decodeArray(body.UpdatedOrders) {
		d.obs.OnPendingOrderUpdated(accountID, ord)
	}
	for _, id := range decodeStringArray(body.CompletedOrderIDs) {
		d.obs.OnPendingOrderCompleted(accountID, id)
	}
	for _, ord := range decodeArray(body.HistoryOrders) {
		d.obs.OnHistoryOrderAdded(accountID, ord)
	}
	for _, deal := range decodeArray(body.Deals) {
		d.obs.OnDealAdded(accountID, deal)
	}
	d.obs.OnUpdate(accountID)
	if d.hooks.LatencyOnUpdate != nil {
		d.hooks.LatencyOnUpdate(instanceID)
	}
}

func (d *Dispatcher) flagsFor(synchronizationID string) *syncFlags {
	if synchronizationID == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flagsBySyncID[synchronizationID]
}

func decodeArray(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func decodeStringArray(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func isNonEmptyArray(raw json.RawMessage) bool {
	return len(decodeArray(raw)) > 0
}

// MarkAuthenticated records that instanceID has completed authentication, so
// a later "status" packet takes the connection-status branch rather than
// the ensureSubscribe branch.
func (d *Dispatcher) MarkAuthenticated(instanceID string) {
	d.mu.Lock()
	if d.authenticated == nil {
		d.authenticated = make(map[string]bool)
	}
	d.authenticated[instanceID] = true
	d.mu.Unlock()
}

// Shutdown cancels every outstanding disconnect timer. Context is accepted
// for symmetry with the rest of the package's lifecycle methods.
func (d *Dispatcher) Shutdown(_ context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, timer := range d.disconnectTimers {
		timer.Stop()
		delete(d.disconnectTimers, id)
	}
}

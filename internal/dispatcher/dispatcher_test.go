package dispatcher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/quantstream/tradestream-client/internal/orderer"
	"github.com/quantstream/tradestream-client/internal/wire"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) record(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recordingObserver) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingObserver) OnConnected(instanceID string, instanceIndex, replicas int) {
	r.record("onConnected:" + instanceID)
}
func (r *recordingObserver) OnDisconnected(instanceID string)  { r.record("onDisconnected:" + instanceID) }
func (r *recordingObserver) OnStreamClosed(instanceID string)  { r.record("onStreamClosed:" + instanceID) }
func (r *recordingObserver) OnSynchronizationStarted(instanceID string, spec, pos, ord bool, syncID string) {
	r.record("onSynchronizationStarted:" + syncID)
}
func (r *recordingObserver) OnAccountInformationUpdated(accountID string, info json.RawMessage) {
	r.record("onAccountInformationUpdated:" + accountID)
}
func (r *recordingObserver) OnPositionsReplaced(accountID string, positions json.RawMessage) {
	r.record("onPositionsReplaced:" + accountID)
}
func (r *recordingObserver) OnPositionsSynchronized(accountID, syncID string) {
	r.record("onPositionsSynchronized:" + accountID)
}
func (r *recordingObserver) OnPendingOrdersReplaced(accountID string, orders json.RawMessage) {
	r.record("onPendingOrdersReplaced:" + accountID)
}
func (r *recordingObserver) OnPendingOrdersSynchronized(accountID, syncID string) {
	r.record("onPendingOrdersSynchronized:" + accountID)
}
func (r *recordingObserver) OnHistoryOrderAdded(accountID string, order json.RawMessage) {
	r.record("onHistoryOrderAdded:" + accountID)
}
func (r *recordingObserver) OnDealAdded(accountID string, deal json.RawMessage) {
	r.record("onDealAdded:" + accountID)
}
func (r *recordingObserver) OnPositionUpdated(accountID string, position json.RawMessage) {
	r.record("onPositionUpdated:" + accountID)
}
func (r *recordingObserver) OnPositionRemoved(accountID, positionID string) {
	r.record("onPositionRemoved:" + accountID)
}
func (r *recordingObserver) OnPendingOrderUpdated(accountID string, order json.RawMessage) {
	r.record("onPendingOrderUpdated:" + accountID)
}
func (r *recordingObserver) OnPendingOrderCompleted(accountID, orderID string) {
	r.record("onPendingOrderCompleted:" + accountID)
}
func (r *recordingObserver) OnUpdate(accountID string) { r.record("onUpdate:" + accountID) }
func (r *recordingObserver) OnDealsSynchronized(accountID, syncID string) {
	r.record("onDealsSynchronized:" + accountID)
}
func (r *recordingObserver) OnHistoryOrdersSynchronized(accountID, syncID string) {
	r.record("onHistoryOrdersSynchronized:" + accountID)
}
func (r *recordingObserver) OnBrokerConnectionStatusChanged(accountID string, connected bool) {
	r.record("onBrokerConnectionStatusChanged:" + accountID)
}
func (r *recordingObserver) OnHealthStatus(accountID string, status json.RawMessage) {
	r.record("onHealthStatus:" + accountID)
}
func (r *recordingObserver) OnSymbolSpecificationsUpdated(accountID string, updated, removed json.RawMessage) {
	r.record("onSymbolSpecificationsUpdated:" + accountID)
}
func (r *recordingObserver) OnSymbolSpecificationUpdated(accountID string, spec json.RawMessage) {
	r.record("onSymbolSpecificationUpdated:" + accountID)
}
func (r *recordingObserver) OnSymbolSpecificationRemoved(accountID, symbol string) {
	r.record("onSymbolSpecificationRemoved:" + accountID)
}
func (r *recordingObserver) OnSymbolPricesUpdated(accountID string, prices json.RawMessage) {
	r.record("onSymbolPricesUpdated:" + accountID)
}
func (r *recordingObserver) OnCandlesUpdated(accountID string, candles json.RawMessage) {
	r.record("onCandlesUpdated:" + accountID)
}
func (r *recordingObserver) OnTicksUpdated(accountID string, ticks json.RawMessage) {
	r.record("onTicksUpdated:" + accountID)
}
func (r *recordingObserver) OnBooksUpdated(accountID string, books json.RawMessage) {
	r.record("onBooksUpdated:" + accountID)
}
func (r *recordingObserver) OnSymbolPriceUpdated(accountID string, price json.RawMessage) {
	r.record("onSymbolPriceUpdated:" + accountID)
}
func (r *recordingObserver) OnSubscriptionDowngraded(accountID, symbol string, updates, unsubscriptions json.RawMessage) {
	r.record("onSubscriptionDowngraded:" + accountID)
}

func waitForEvents(t *testing.T, obs *recordingObserver, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(obs.snapshot()) >= n {
			return obs.snapshot()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %v", n, obs.snapshot())
	return nil
}

func TestQueuePacketTranslatesAuthenticatedAndDisconnected(t *testing.T) {
	obs := &recordingObserver{}
	ord := orderer.New(orderer.Options{})
	d := New(Options{Orderer: ord, Observer: obs})

	instanceID := "A:region1:0:host1"
	d.QueuePacket(instanceID, wire.Packet{Type: wire.PacketAuthenticated, AccountID: "A", Payload: json.RawMessage(`{"sessionId":"s1","replicas":1}`)})

	events := waitForEvents(t, obs, 1)
	if events[0] != "onConnected:"+instanceID {
		t.Fatalf("expected onConnected first, got %v", events)
	}

	d.QueuePacket(instanceID, wire.Packet{Type: wire.PacketDisconnected, AccountID: "A"})
	events = waitForEvents(t, obs, 3)
	if events[1] != "onStreamClosed:"+instanceID {
		t.Fatalf("expected onStreamClosed second, got %v", events)
	}
	if events[2] != "onDisconnected:"+instanceID {
		t.Fatalf("expected onDisconnected third (sole active instance), got %v", events)
	}
}

func TestQueuePacketProcessesSequentiallyPerAccount(t *testing.T) {
	obs := &recordingObserver{}
	ord := orderer.New(orderer.Options{})
	d := New(Options{Orderer: ord, Observer: obs})

	instanceID := "B:region1:0:host1"
	for i := 0; i < 5; i++ {
		d.QueuePacket(instanceID, wire.Packet{Type: wire.PacketAccountInformation, AccountID: "B", Payload: json.RawMessage(`{}`)})
	}

	events := waitForEvents(t, obs, 5)
	for _, e := range events {
		if e != "onAccountInformationUpdated:B" {
			t.Fatalf("expected every event to be onAccountInformationUpdated:B, got %v", events)
		}
	}
}

func TestSynchronizationStartedImplicitSynchronizedWhenFlagFalse(t *testing.T) {
	obs := &recordingObserver{}
	ord := orderer.New(orderer.Options{})
	d := New(Options{Orderer: ord, Observer: obs})

	instanceID := "C:region1:0:host1"
	d.QueuePacket(instanceID, wire.Packet{
		Type: wire.PacketSynchronizationStarted, AccountID: "C", SynchronizationID: "sync-1",
		Payload: json.RawMessage(`{"specificationsUpdated":true,"positionsUpdated":false,"ordersUpdated":false,"synchronizationId":"sync-1"}`),
	})
	d.QueuePacket(instanceID, wire.Packet{
		Type: wire.PacketAccountInformation, AccountID: "C", SynchronizationID: "sync-1",
		Payload: json.RawMessage(`{}`),
	})

	events := waitForEvents(t, obs, 3)
	if events[1] != "onAccountInformationUpdated:C" {
		t.Fatalf("expected onAccountInformationUpdated second, got %v", events)
	}
	found := map[string]bool{}
	for _, e := range events {
		found[e] = true
	}
	if !found["onPositionsSynchronized:C"] || !found["onPendingOrdersSynchronized:C"] {
		t.Fatalf("expected implicit synchronized callbacks when flags are false, got %v", events)
	}
}

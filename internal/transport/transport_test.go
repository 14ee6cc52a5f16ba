package transport

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantstream/tradestream-client/internal/dispatcher"
	"github.com/quantstream/tradestream-client/internal/orderer"
	"github.com/quantstream/tradestream-client/internal/wire"
)

// fakeConn is an in-memory Conn: WriteJSON appends to outbox, ReadMessage
// pulls from inbox, letting tests script the server side of the protocol.
type fakeConn struct {
	inbox  chan []byte
	outbox chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), outbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.outbox <- data
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbox:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, context.Canceled
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

type fakeDialer struct {
	conn *fakeConn
}

func (d fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	return d.conn, nil
}

func newTestMultiplexer(conn *fakeConn) *Multiplexer {
	ord := orderer.New(orderer.Options{})
	d := dispatcher.New(dispatcher.Options{Orderer: ord, Observer: noopObserver{}})
	return New(Options{
		Dialer:     fakeDialer{conn: conn},
		ResolveURL: func(ctx context.Context, region string, bucket int) (string, error) { return "ws://fake/" + region, nil },
		Application: "test-app",
		Hooks:      Hooks{Dispatcher: d},
	})
}

func TestRPCRequestMatchesResponseByRequestID(t *testing.T) {
	conn := newFakeConn()
	m := newTestMultiplexer(conn)

	go func() {
		raw := <-conn.outbox
		var req wire.Request
		_ = json.Unmarshal(raw, &req)
		resp := map[string]any{"requestId": req.RequestID, "accountId": "A"}
		data, _ := json.Marshal(resp)
		conn.inbox <- data
	}()

	resp, err := m.RPCRequest(context.Background(), "A", "vint-hill", 0, wire.Request{Type: wire.RequestGetAccountInformation, AccountID: "A"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.AccountID != "A" {
		t.Fatalf("expected matched response, got %+v", resp)
	}
}

func TestRPCRequestTranslatesProcessingError(t *testing.T) {
	conn := newFakeConn()
	m := newTestMultiplexer(conn)

	go func() {
		raw := <-conn.outbox
		var req wire.Request
		_ = json.Unmarshal(raw, &req)
		resp := map[string]any{"requestId": req.RequestID, "error": "NotFoundError", "message": "no such position"}
		data, _ := json.Marshal(resp)
		conn.inbox <- data
	}()

	_, err := m.RPCRequest(context.Background(), "A", "vint-hill", 0, wire.Request{Type: wire.RequestGetPosition, AccountID: "A"}, time.Second)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestTradeRacesHighReliabilityBuckets(t *testing.T) {
	connA := newFakeConn()
	connB := newFakeConn()

	ord := orderer.New(orderer.Options{})
	d := dispatcher.New(dispatcher.Options{Orderer: ord, Observer: noopObserver{}})

	var calls int64
	m := New(Options{
		Dialer: dialerFunc(func(ctx context.Context, rawURL string) (Conn, error) {
			if atomic.AddInt64(&calls, 1) == 1 {
				return connA, nil
			}
			return connB, nil
		}),
		ResolveURL: func(ctx context.Context, region string, bucket int) (string, error) { return "ws://fake", nil },
		Hooks:      Hooks{Dispatcher: d},
	})

	respond := func(conn *fakeConn, succeed bool) {
		raw := <-conn.outbox
		var req wire.Request
		_ = json.Unmarshal(raw, &req)
		var resp map[string]any
		if succeed {
			resp = map[string]any{"requestId": req.RequestID, "accountId": "A", "numericCode": 0, "stringCode": "TRADE_RETCODE_DONE"}
		} else {
			resp = map[string]any{"requestId": req.RequestID, "error": "TimeoutError", "message": "timed out"}
		}
		data, _ := json.Marshal(resp)
		conn.inbox <- data
	}
	go respond(connA, false)
	go respond(connB, true)

	resp, err := m.Trade(context.Background(), "A", "vint-hill", json.RawMessage(`{"actionType":"ORDER_TYPE_BUY"}`), "high")
	if err != nil {
		t.Fatalf("expected the successful bucket to win, got error: %v", err)
	}
	if resp == nil {
		t.Fatalf("expected a response")
	}
}

type dialerFunc func(ctx context.Context, rawURL string) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, rawURL string) (Conn, error) { return f(ctx, rawURL) }

type noopObserver struct{}

func (noopObserver) OnConnected(string, int, int)                                    {}
func (noopObserver) OnDisconnected(string)                                           {}
func (noopObserver) OnStreamClosed(string)                                           {}
func (noopObserver) OnSynchronizationStarted(string, bool, bool, bool, string)       {}
func (noopObserver) OnAccountInformationUpdated(string, json.RawMessage)             {}
func (noopObserver) OnPositionsReplaced(string, json.RawMessage)                     {}
func (noopObserver) OnPositionsSynchronized(string, string)                          {}
func (noopObserver) OnPendingOrdersReplaced(string, json.RawMessage)                  {}
func (noopObserver) OnPendingOrdersSynchronized(string, string)                      {}
func (noopObserver) OnHistoryOrderAdded(string, json.RawMessage)                      {}
func (noopObserver) OnDealAdded(string, json.RawMessage)                             {}
func (noopObserver) OnPositionUpdated(string, json.RawMessage)                        {}
func (noopObserver) OnPositionRemoved(string, string)                                 {}
func (noopObserver) OnPendingOrderUpdated(string, json.RawMessage)                    {}
func (noopObserver) OnPendingOrderCompleted(string, string)                          {}
func (noopObserver) OnUpdate(string)                                                  {}
func (noopObserver) OnDealsSynchronized(string, string)                              {}
func (noopObserver) OnHistoryOrdersSynchronized(string, string)                       {}
func (noopObserver) OnBrokerConnectionStatusChanged(string, bool)                     {}
func (noopObserver) OnHealthStatus(string, json.RawMessage)                          {}
func (noopObserver) OnSymbolSpecificationsUpdated(string, json.RawMessage, json.RawMessage) {}
func (noopObserver) OnSymbolSpecificationUpdated(string, json.RawMessage)             {}
func (noopObserver) OnSymbolSpecificationRemoved(string, string)                      {}
func (noopObserver) OnSymbolPricesUpdated(string, json.RawMessage)                    {}
func (noopObserver) OnCandlesUpdated(string, json.RawMessage)                         {}
func (noopObserver) OnTicksUpdated(string, json.RawMessage)                           {}
func (noopObserver) OnBooksUpdated(string, json.RawMessage)                           {}
func (noopObserver) OnSymbolPriceUpdated(string, json.RawMessage)                     {}
func (noopObserver) OnSubscriptionDowngraded(string, string, json.RawMessage, json.RawMessage) {}

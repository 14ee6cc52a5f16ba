package streamclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantstream/tradestream-client/internal/domainclient"
)

type stubFetcher struct{}

func (stubFetcher) FetchSettings(ctx context.Context, authToken string) (domainclient.Settings, error) {
	return domainclient.Settings{Hostname: "mt-client-api-v1", Domain: "agiliumtrade.ai"}, nil
}

type nopObserver struct{}

func (nopObserver) OnConnected(string, int, int)                                           {}
func (nopObserver) OnDisconnected(string)                                                   {}
func (nopObserver) OnStreamClosed(string)                                                   {}
func (nopObserver) OnSynchronizationStarted(string, bool, bool, bool, string)                {}
func (nopObserver) OnAccountInformationUpdated(string, json.RawMessage)                      {}
func (nopObserver) OnPositionsReplaced(string, json.RawMessage)                              {}
func (nopObserver) OnPositionsSynchronized(string, string)                                   {}
func (nopObserver) OnPendingOrdersReplaced(string, json.RawMessage)                           {}
func (nopObserver) OnPendingOrdersSynchronized(string, string)                                {}
func (nopObserver) OnHistoryOrderAdded(string, json.RawMessage)                               {}
func (nopObserver) OnDealAdded(string, json.RawMessage)                                       {}
func (nopObserver) OnPositionUpdated(string, json.RawMessage)                                 {}
func (nopObserver) OnPositionRemoved(string, string)                                          {}
func (nopObserver) OnPendingOrderUpdated(string, json.RawMessage)                              {}
func (nopObserver) OnPendingOrderCompleted(string, string)                                    {}
func (nopObserver) OnUpdate(string)                                                           {}
func (nopObserver) OnDealsSynchronized(string, string)                                        {}
func (nopObserver) OnHistoryOrdersSynchronized(string, string)                                {}
func (nopObserver) OnBrokerConnectionStatusChanged(string, bool)                              {}
func (nopObserver) OnHealthStatus(string, json.RawMessage)                                    {}
func (nopObserver) OnSymbolSpecificationsUpdated(string, json.RawMessage, json.RawMessage)    {}
func (nopObserver) OnSymbolSpecificationUpdated(string, json.RawMessage)                      {}
func (nopObserver) OnSymbolSpecificationRemoved(string, string)                               {}
func (nopObserver) OnSymbolPricesUpdated(string, json.RawMessage)                              {}
func (nopObserver) OnCandlesUpdated(string, json.RawMessage)                                  {}
func (nopObserver) OnTicksUpdated(string, json.RawMessage)                                    {}
func (nopObserver) OnBooksUpdated(string, json.RawMessage)                                    {}
func (nopObserver) OnSymbolPriceUpdated(string, json.RawMessage)                              {}
func (nopObserver) OnSubscriptionDowngraded(string, string, json.RawMessage, json.RawMessage) {}

func TestNewRequiresFetcherAndObserver(t *testing.T) {
	if _, err := New(context.Background(), Options{Observer: nopObserver{}, MetricsRegisterer: prometheus.NewRegistry()}); err == nil {
		t.Fatalf("expected error when Fetcher is nil")
	}
	if _, err := New(context.Background(), Options{Fetcher: stubFetcher{}, MetricsRegisterer: prometheus.NewRegistry()}); err == nil {
		t.Fatalf("expected error when Observer is nil")
	}
}

func TestNewWiresComponentsAndCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := New(ctx, Options{
		Fetcher:           stubFetcher{},
		Observer:          nopObserver{},
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	if err := client.Close(closeCtx); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
}

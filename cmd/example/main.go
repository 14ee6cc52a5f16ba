// Command example wires a streamclient.Client against a stub provisioning
// endpoint and a logging observer, subscribes one account, and waits for
// an interrupt or termination signal (SIGINT/SIGTERM) before shutting down.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	streamclient "github.com/quantstream/tradestream-client"
	"github.com/quantstream/tradestream-client/internal/domainclient"
)

// stubProvisioningClient stands in for the real REST provisioning client
// (out of scope per spec §13); it always resolves to a fixed hostname.
type stubProvisioningClient struct{}

func (stubProvisioningClient) FetchSettings(ctx context.Context, authToken string) (domainclient.Settings, error) {
	return domainclient.Settings{Hostname: "mt-client-api-v1", Domain: "agiliumtrade.agiliumtrade.ai"}, nil
}

// loggingObserver prints every callback it receives; a real integrator
// would translate these into its own account/position/order model.
type loggingObserver struct{}

func (loggingObserver) OnConnected(instanceID string, instanceIndex, replicas int) {
	log.Printf("connected: %s (index=%d replicas=%d)", instanceID, instanceIndex, replicas)
}
func (loggingObserver) OnDisconnected(instanceID string) { log.Printf("disconnected: %s", instanceID) }
func (loggingObserver) OnStreamClosed(instanceID string) { log.Printf("stream closed: %s", instanceID) }
func (loggingObserver) OnSynchronizationStarted(instanceID string, spec, pos, ord bool, syncID string) {
	log.Printf("synchronization started: %s (%s)", instanceID, syncID)
}
func (loggingObserver) OnAccountInformationUpdated(accountID string, info json.RawMessage) {
	log.Printf("account information updated: %s", accountID)
}
func (loggingObserver) OnPositionsReplaced(accountID string, positions json.RawMessage) {}
func (loggingObserver) OnPositionsSynchronized(accountID, syncID string) {
	log.Printf("positions synchronized: %s", accountID)
}
func (loggingObserver) OnPendingOrdersReplaced(accountID string, orders json.RawMessage) {}
func (loggingObserver) OnPendingOrdersSynchronized(accountID, syncID string) {
	log.Printf("orders synchronized: %s", accountID)
}
func (loggingObserver) OnHistoryOrderAdded(accountID string, order json.RawMessage)    {}
func (loggingObserver) OnDealAdded(accountID string, deal json.RawMessage)             {}
func (loggingObserver) OnPositionUpdated(accountID string, position json.RawMessage)   {}
func (loggingObserver) OnPositionRemoved(accountID, positionID string)                 {}
func (loggingObserver) OnPendingOrderUpdated(accountID string, order json.RawMessage)  {}
func (loggingObserver) OnPendingOrderCompleted(accountID, orderID string)              {}
func (loggingObserver) OnUpdate(accountID string)                                      { log.Printf("update: %s", accountID) }
func (loggingObserver) OnDealsSynchronized(accountID, syncID string) {
	log.Printf("deals synchronized: %s", accountID)
}
func (loggingObserver) OnHistoryOrdersSynchronized(accountID, syncID string)           {}
func (loggingObserver) OnBrokerConnectionStatusChanged(accountID string, connected bool) {
	log.Printf("broker connection status changed: %s connected=%t", accountID, connected)
}
func (loggingObserver) OnHealthStatus(accountID string, status json.RawMessage)                          {}
func (loggingObserver) OnSymbolSpecificationsUpdated(accountID string, updated, removed json.RawMessage) {}
func (loggingObserver) OnSymbolSpecificationUpdated(accountID string, spec json.RawMessage)               {}
func (loggingObserver) OnSymbolSpecificationRemoved(accountID, symbol string)                              {}
func (loggingObserver) OnSymbolPricesUpdated(accountID string, prices json.RawMessage)                    {}
func (loggingObserver) OnCandlesUpdated(accountID string, candles json.RawMessage)                        {}
func (loggingObserver) OnTicksUpdated(accountID string, ticks json.RawMessage)                            {}
func (loggingObserver) OnBooksUpdated(accountID string, books json.RawMessage)                            {}
func (loggingObserver) OnSymbolPriceUpdated(accountID string, price json.RawMessage)                      {}
func (loggingObserver) OnSubscriptionDowngraded(accountID, symbol string, updates, unsubscriptions json.RawMessage) {
	log.Printf("subscription downgraded: %s %s", accountID, symbol)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := streamclient.New(ctx, streamclient.Options{
		Fetcher:  stubProvisioningClient{},
		Observer: loggingObserver{},
	})
	if err != nil {
		log.Fatalf("streamclient: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	const accountID = "00000000-0000-0000-0000-000000000000"
	client.Subscribe(ctx, accountID, 0)
	log.Printf("subscribed %s, waiting for shutdown signal", accountID)

	<-ctx.Done()
}

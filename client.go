// Package streamclient wires the streaming core's components — domain
// resolution, packet ordering, the synchronization throttler, subscription
// retries, the latency service, the event dispatcher, and the websocket
// multiplexer — into a single Client. It exposes the Observer API (C7) as
// the stable boundary a higher-level façade would sit on top of; it does
// not itself provide account objects or other friendly wrapper types.
package streamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantstream/tradestream-client/internal/clienterrors"
	"github.com/quantstream/tradestream-client/internal/config"
	"github.com/quantstream/tradestream-client/internal/dispatcher"
	"github.com/quantstream/tradestream-client/internal/domainclient"
	"github.com/quantstream/tradestream-client/internal/latency"
	"github.com/quantstream/tradestream-client/internal/logging"
	"github.com/quantstream/tradestream-client/internal/metrics"
	"github.com/quantstream/tradestream-client/internal/orderer"
	"github.com/quantstream/tradestream-client/internal/packetlog"
	"github.com/quantstream/tradestream-client/internal/subscription"
	"github.com/quantstream/tradestream-client/internal/throttler"
	"github.com/quantstream/tradestream-client/internal/transport"
	"github.com/quantstream/tradestream-client/internal/wire"
)

// ProvisioningClient is the minimal contract this core needs from the REST
// provisioning API (spec §1 non-goals: the REST client's implementation is
// out of scope, only this contract is specified). It is satisfied by
// internal/domainclient.SettingsFetcher.
type ProvisioningClient = domainclient.SettingsFetcher

// Options configures a Client.
type Options struct {
	Config            *config.Options
	Fetcher           ProvisioningClient
	Observer          dispatcher.Observer
	MetricsRegisterer prometheus.Registerer
	Logger            *logging.Logger
	// PacketLogDir, when non-empty, enables the optional packet-logging
	// sink (§4.7) under this directory.
	PacketLogDir          string
	ShortenSpecifications bool
}

// Client is the streaming core: one instance multiplexes every account a
// caller subscribes to across the region/bucket socket pool.
type Client struct {
	cfg        *config.Options
	log        *logging.Logger
	metrics    *metrics.Registry
	domain     *domainclient.Client
	orderer    *orderer.Orderer
	throttler  *throttler.Throttler
	subscribe  *subscription.Manager
	latencySvc *latency.Service
	replicas   *replicaRegistry
	dispatch   *dispatcher.Dispatcher
	mux        *transport.Multiplexer
	sink       *packetlog.Sink

	cancel context.CancelFunc
	once   sync.Once
}

// New constructs a Client and starts its background services (latency
// probing, throttler queue expiry, orderer gap detection).
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Config == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("streamclient: load config: %w", err)
		}
		opts.Config = loaded
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("streamclient: Options.Fetcher must not be nil")
	}
	if opts.Observer == nil {
		return nil, fmt.Errorf("streamclient: Options.Observer must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.MetricsRegisterer == nil {
		opts.MetricsRegisterer = prometheus.DefaultRegisterer
	}

	cfg := opts.Config
	log := opts.Logger
	reg := metrics.NewRegistry(opts.MetricsRegisterer)

	domain := domainclient.New(domainclient.Options{Fetcher: opts.Fetcher, AuthToken: cfg.AuthToken, Logger: log})

	ord := orderer.New(orderer.Options{OrderingTimeout: cfg.PacketOrderingTimeout, Logger: log})

	th := throttler.New(throttler.Options{
		MaxConcurrentSynchronizations: cfg.SynchronizationThrottler.MaxConcurrentSynchronizations,
		QueueTimeout:                  cfg.SynchronizationThrottler.QueueTimeout,
		SynchronizationTimeout:        cfg.SynchronizationThrottler.SynchronizationTimeout,
	})

	runCtx, cancel := context.WithCancel(ctx)

	var sink *packetlog.Sink
	if opts.PacketLogDir != "" {
		s, _, err := packetlog.NewSink(opts.PacketLogDir, "client", uuidSeed(), opts.ShortenSpecifications, time.Now)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("streamclient: open packet log: %w", err)
		}
		sink = s
	}

	c := &Client{cfg: cfg, log: log, metrics: reg, domain: domain, orderer: ord, throttler: th, sink: sink, cancel: cancel}
	c.replicas = newReplicaRegistry()

	c.mux = transport.New(transport.Options{
		Dialer:             transport.NewDialer(cfg.AuthToken),
		ResolveURL:         c.resolveURL,
		Application:        cfg.Application,
		MaxAccountsPerSlot: cfg.MaxAccountsPerInstance,
		Retries:            cfg.Retry.Retries,
		Logger:             log,
		Metrics:            reg,
		Hooks: transport.Hooks{
			UnsubscribeThrottlingInterval: cfg.UnsubscribeThrottlingInterval,
		},
		Latency: latencyLookupFunc(func(accountID string) (string, int, bool) {
			return c.latencySvc.ActiveInstance(accountID)
		}),
	})

	c.subscribe = subscription.New(subscription.Deps{
		Subscribe: func(ctx context.Context, accountID string, bucket int) error {
			_, err := c.mux.RPCRequest(ctx, accountID, cfg.Region, bucket, wire.Request{Type: wire.RequestSubscribe, AccountID: accountID}, cfg.RequestTimeout)
			return err
		},
		LockSocketInstance: func(accountID string, bucket int, limitType clienterrors.RateLimitType) {
			c.mux.LockSocketInstance(runCtx, accountID, bucket, limitType, time.Now().Add(time.Minute))
		},
		UnbindAccount: c.mux.UnbindAccount,
		Logger:        log,
	})

	c.latencySvc = latency.New(latency.Options{
		Logger:   log,
		Replicas: c.replicas,
		Probe: func(ctx context.Context, region string) (time.Duration, error) {
			return c.mux.ProbeRegion(ctx, region)
		},
		Hooks: latency.Hooks{
			Unsubscribe: func(replicaID string) {
				for _, bucket := range []int{0, 1} {
					_, _ = c.mux.RPCRequest(runCtx, replicaID, cfg.Region, bucket, wire.Request{Type: wire.RequestUnsubscribe, AccountID: replicaID}, cfg.RequestTimeout)
				}
				c.subscribe.CancelAccount(replicaID)
			},
			UnsubscribeAccountRegion: func(accountID, region string) {
				log.Info("latency demoted non-best replica", logging.String("account_id", accountID), logging.String("region", region))
			},
			EnsureSubscribe: func(replicaID string, bucket int) {
				c.subscribe.ScheduleSubscribe(runCtx, replicaID, bucket, false)
			},
		},
	})

	c.dispatch = dispatcher.New(dispatcher.Options{
		Orderer:  ord,
		Observer: opts.Observer,
		PacketLog: sink,
		Logger:   log,
		Hooks: dispatcher.Hooks{
			EnsureSubscribe: func(accountID string, bucket int) { c.subscribe.ScheduleSubscribe(runCtx, accountID, bucket, false) },
			CancelSubscribe: c.subscribe.CancelSubscribe,
			CancelAccount:   c.subscribe.CancelAccount,
			SubscriptionOnTimeout: func(accountID string, bucket int) {
				c.subscribe.OnTimeout(runCtx, accountID, bucket, true)
			},
			SubscriptionOnDisconnected: func(accountID string, bucket int) {
				c.subscribe.OnDisconnected(runCtx, accountID, bucket)
			},
			LatencyOnConnected: func(instanceID string) {
				c.latencySvc.OnConnected(runCtx, c.replicas.normalizeInstanceID(instanceID))
			},
			LatencyOnDisconnected: func(instanceID string) {
				c.latencySvc.OnDisconnected(c.replicas.normalizeInstanceID(instanceID))
			},
			LatencyOnDealsSynchronized: func(instanceID string) {
				c.latencySvc.OnDealsSynchronized(c.replicas.normalizeInstanceID(instanceID))
			},
			ReleaseThrottlerSlot: c.throttler.RemoveSynchronizationId,
		},
	})

	go c.throttler.Run(runCtx)
	c.latencySvc.Start(runCtx)
	go c.orderer.Run(runCtx)

	return c, nil
}

// latencyLookupFunc adapts a plain function to internal/transport's
// LatencyLookup interface, letting the Multiplexer consult the latency
// service without an import cycle.
type latencyLookupFunc func(accountID string) (replicaID string, bucket int, ok bool)

func (f latencyLookupFunc) ActiveInstance(accountID string) (string, int, bool) { return f(accountID) }

// RegisterReplica records that accountID's replica in region carries
// replicaID, so the latency service (C5) can elect a best region, unsubscribe
// non-best replicas, and fail back to siblings on disconnect (spec §4.4, §9).
// A higher-level façade calls this once it learns an account's replicas,
// typically from the provisioning API's account metadata.
func (c *Client) RegisterReplica(accountID, region, replicaID string) {
	c.replicas.Register(accountID, region, replicaID)
}

// Synchronize issues a throttled "synchronize" RPC for (accountID, bucket),
// gated by C3's admission policy (spec §4.2). The client holds a single
// throttler, so its concurrency cap is shared by all socket slots rather
// than applied per slot. fetchHashes is called
// only once the request is admitted, supplying the specification/positions/
// orders hashes attached to the wire request at the moment it is sent.
// Reports whether the request was actually admitted and sent.
func (c *Client) Synchronize(ctx context.Context, accountID string, bucket int, syncID string, fetchHashes func() (specHash, positionsHash, ordersHash string)) (bool, error) {
	key := throttler.Key{AccountID: accountID, InstanceIndex: bucket}
	return c.throttler.Schedule(ctx, syncID, key, fetchHashes, func(specHash, positionsHash, ordersHash string) error {
		fields, err := json.Marshal(map[string]string{
			"specificationsMd5": specHash,
			"positionsMd5":      positionsHash,
			"ordersMd5":         ordersHash,
		})
		if err != nil {
			return err
		}
		_, err = c.mux.RPCRequest(ctx, accountID, c.cfg.Region, bucket, wire.Request{
			Type:      wire.RequestSynchronize,
			AccountID: accountID,
			Fields:    fields,
		}, c.cfg.RequestTimeout)
		return err
	})
}

func (c *Client) resolveURL(ctx context.Context, region string, bucket int) (string, error) {
	settings, err := c.domain.GetSettings(ctx, "default")
	if err != nil {
		return "", err
	}
	return domainclient.URL(settings, region, bucket, c.cfg.UseSharedClientAPI)
}

// RPCRequest issues a raw request against accountID's socket slot. It is
// the low-level surface a higher-level façade would build typed request
// helpers on top of.
func (c *Client) RPCRequest(ctx context.Context, accountID string, bucket int, req wire.Request) (*wire.Response, error) {
	return c.mux.RPCRequest(ctx, accountID, c.cfg.Region, bucket, req, c.cfg.RequestTimeout)
}

// Trade issues a trade RPC, racing buckets 0 and 1 when reliability is
// "high" (spec §4.6).
func (c *Client) Trade(ctx context.Context, accountID string, trade []byte, reliability string) (*wire.Response, error) {
	return c.mux.Trade(ctx, accountID, c.cfg.Region, trade, reliability)
}

// Subscribe schedules the subscribe retry loop for (accountID, bucket).
func (c *Client) Subscribe(ctx context.Context, accountID string, bucket int) {
	c.subscribe.ScheduleSubscribe(ctx, accountID, bucket, false)
}

// Unsubscribe cancels the subscribe retry loop for accountID on both
// buckets.
func (c *Client) Unsubscribe(accountID string) {
	c.subscribe.CancelAccount(accountID)
}

// Close cancels the client's run context, which stops the throttler,
// orderer and latency loops and the subscribe loops the client schedules
// itself. It then stops the dispatcher's disconnect timers and closes the
// optional packet log. Subscribe loops started through Subscribe run on the
// caller's context, and socket slots with their reconnect loops run on the
// context of the request that opened them; Close neither cancels those
// nor closes the sockets.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.dispatch.Shutdown(ctx)
		if c.sink != nil {
			err = c.sink.Close()
		}
	})
	return err
}

func uuidSeed() string {
	return fmt.Sprintf("session-%d", time.Now().UnixNano())
}

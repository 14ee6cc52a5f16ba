// Package config loads the streaming core's tunables via viper, mirroring
// the defaults table in spec §6, with a functional-option overlay for
// programmatic construction.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultApplication                         = "MetaApi"
	DefaultRequestTimeout                      = 60 * time.Second
	DefaultConnectTimeout                      = 60 * time.Second
	DefaultRetries                             = 5
	DefaultRetryMinDelay                       = 1 * time.Second
	DefaultRetryMaxDelay                       = 30 * time.Second
	DefaultSubscribeCooldown                   = 600 * time.Second
	DefaultPacketOrderingTimeout                = 60 * time.Second
	DefaultUseSharedClientAPI                  = false
	DefaultUnsubscribeThrottlingInterval       = 10 * time.Second
	DefaultMaxConcurrentSynchronizations       = 15
	DefaultSynchronizationQueueTimeout         = 300 * time.Second
	DefaultSynchronizationTimeout              = 10 * time.Second
	DefaultMaxAccountsPerInstance               = 100
	DefaultOrdererWaitListCap                  = 100
	DefaultDisconnectTimeout                   = 60 * time.Second
	DefaultSocketReconnectBaseWait             = 1 * time.Second
	DefaultSocketReconnectMaxWait              = 30 * time.Second
	DefaultDomainClientCacheTTL                = 10 * time.Minute
	DefaultDomainClientRetryBaseWait           = 1 * time.Second
	DefaultDomainClientRetryMaxWait            = 300 * time.Second
	DefaultLatencyRefreshInterval              = 15 * time.Minute
	DefaultAccountCacheGCInterval              = 2 * time.Hour
)

// RetryOptions controls per-RPC retry behavior (spec §6 retryOpts).
type RetryOptions struct {
	Retries                    int           `mapstructure:"retries"`
	MinDelay                   time.Duration `mapstructure:"min_delay"`
	MaxDelay                   time.Duration `mapstructure:"max_delay"`
	SubscribeCooldown          time.Duration `mapstructure:"subscribe_cooldown"`
}

// SynchronizationThrottlerOptions controls the C3 admission policy.
type SynchronizationThrottlerOptions struct {
	MaxConcurrentSynchronizations int           `mapstructure:"max_concurrent_synchronizations"`
	QueueTimeout                   time.Duration `mapstructure:"queue_timeout"`
	SynchronizationTimeout          time.Duration `mapstructure:"synchronization_timeout"`
}

// Options is the full configuration surface the streaming core recognizes.
type Options struct {
	Application                     string        `mapstructure:"application"`
	Domain                          string        `mapstructure:"domain"`
	Region                          string        `mapstructure:"region"`
	AuthToken                       string        `mapstructure:"auth_token"`
	RequestTimeout                  time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout                  time.Duration `mapstructure:"connect_timeout"`
	PacketOrderingTimeout            time.Duration `mapstructure:"packet_ordering_timeout"`
	UseSharedClientAPI              bool          `mapstructure:"use_shared_client_api"`
	UnsubscribeThrottlingInterval    time.Duration `mapstructure:"unsubscribe_throttling_interval"`
	MaxAccountsPerInstance           int           `mapstructure:"max_accounts_per_instance"`
	Retry                           RetryOptions                    `mapstructure:"retry_opts"`
	SynchronizationThrottler        SynchronizationThrottlerOptions `mapstructure:"synchronization_throttler"`
}

// Option mutates Options programmatically, applied after the viper-sourced
// defaults so code-level overrides win — the two-tier shape observed across
// the example pack's config loaders.
type Option func(*Options)

func WithRegion(region string) Option { return func(o *Options) { o.Region = region } }

func WithDomain(domain string) Option { return func(o *Options) { o.Domain = domain } }

func WithAuthToken(token string) Option { return func(o *Options) { o.AuthToken = token } }

func WithApplication(app string) Option { return func(o *Options) { o.Application = app } }

func WithRequestTimeout(d time.Duration) Option { return func(o *Options) { o.RequestTimeout = d } }

func WithConnectTimeout(d time.Duration) Option { return func(o *Options) { o.ConnectTimeout = d } }

func WithUseSharedClientAPI(v bool) Option { return func(o *Options) { o.UseSharedClientAPI = v } }

func WithRetryOptions(r RetryOptions) Option { return func(o *Options) { o.Retry = r } }

func WithSynchronizationThrottlerOptions(s SynchronizationThrottlerOptions) Option {
	return func(o *Options) { o.SynchronizationThrottler = s }
}

// Load builds Options from environment variables (prefix MTCLIENT_) and any
// configuration file viper discovers, then applies opts on top.
func Load(opts ...Option) (*Options, error) {
	v := viper.New()
	v.SetEnvPrefix("MTCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigName("mtclient")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("application", DefaultApplication)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("connect_timeout", DefaultConnectTimeout)
	v.SetDefault("packet_ordering_timeout", DefaultPacketOrderingTimeout)
	v.SetDefault("use_shared_client_api", DefaultUseSharedClientAPI)
	v.SetDefault("unsubscribe_throttling_interval", DefaultUnsubscribeThrottlingInterval)
	v.SetDefault("max_accounts_per_instance", DefaultMaxAccountsPerInstance)
	v.SetDefault("retry_opts.retries", DefaultRetries)
	v.SetDefault("retry_opts.min_delay", DefaultRetryMinDelay)
	v.SetDefault("retry_opts.max_delay", DefaultRetryMaxDelay)
	v.SetDefault("retry_opts.subscribe_cooldown", DefaultSubscribeCooldown)
	v.SetDefault("synchronization_throttler.max_concurrent_synchronizations", DefaultMaxConcurrentSynchronizations)
	v.SetDefault("synchronization_throttler.queue_timeout", DefaultSynchronizationQueueTimeout)
	v.SetDefault("synchronization_throttler.synchronization_timeout", DefaultSynchronizationTimeout)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	options := &Options{}
	if err := v.Unmarshal(options); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(options)
	}
	return options, nil
}

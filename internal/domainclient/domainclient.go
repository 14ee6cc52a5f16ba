// Package domainclient implements the Domain Client (spec §4.5): it
// resolves a region to the gateway's websocket URL, caching
// {domain, hostname} with a TTL and single-flighted retry with backoff.
package domainclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quantstream/tradestream-client/internal/logging"
)

const (
	cacheTTL         = 10 * time.Minute
	retryBaseWait    = 1 * time.Second
	retryMaxWait     = 300 * time.Second
)

// Settings is the provisioning endpoint's {hostname, domain} response.
type Settings struct {
	Hostname string
	Domain   string
}

// SettingsFetcher is the REST provisioning collaborator's contract with this
// core (spec §1 non-goals: only the contract is specified, not the REST
// client itself).
type SettingsFetcher interface {
	FetchSettings(ctx context.Context, authToken string) (Settings, error)
}

type cacheEntry struct {
	settings  Settings
	expiresAt time.Time
}

// Client resolves region -> gateway URL.
type Client struct {
	mu          sync.Mutex
	fetcher     SettingsFetcher
	authToken   string
	log         *logging.Logger
	cache       map[string]cacheEntry
	inFlight    map[string]chan struct{}
	backoff     map[string]time.Duration
}

// Options configures a Client.
type Options struct {
	Fetcher   SettingsFetcher
	AuthToken string
	Logger    *logging.Logger
}

// New constructs a domain Client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Client{
		fetcher:   opts.Fetcher,
		authToken: opts.AuthToken,
		log:       opts.Logger,
		cache:     make(map[string]cacheEntry),
		inFlight:  make(map[string]chan struct{}),
		backoff:   make(map[string]time.Duration),
	}
}

// GetSettings returns the cached provisioning settings for cacheKey
// (typically a fixed key, since settings are account-independent here),
// single-flighting retries on failure with exponential backoff.
func (c *Client) GetSettings(ctx context.Context, cacheKey string) (Settings, error) {
	c.mu.Lock()
	if entry, ok := c.cache[cacheKey]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.settings, nil
	}
	if ch, inflight := c.inFlight[cacheKey]; inflight {
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return Settings{}, ctx.Err()
		}
		c.mu.Lock()
		entry := c.cache[cacheKey]
		c.mu.Unlock()
		return entry.settings, nil
	}
	ch := make(chan struct{})
	c.inFlight[cacheKey] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, cacheKey)
		close(ch)
		c.mu.Unlock()
	}()

	wait := c.backoffFor(cacheKey)
	for {
		settings, err := c.fetcher.FetchSettings(ctx, c.authToken)
		if err == nil {
			c.mu.Lock()
			c.cache[cacheKey] = cacheEntry{settings: settings, expiresAt: time.Now().Add(cacheTTL)}
			c.backoff[cacheKey] = retryBaseWait
			c.mu.Unlock()
			return settings, nil
		}
		c.log.Warn("domain settings fetch failed, retrying", logging.String("cache_key", cacheKey), logging.Error(err))
		select {
		case <-ctx.Done():
			return Settings{}, ctx.Err()
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
		c.mu.Lock()
		c.backoff[cacheKey] = wait
		c.mu.Unlock()
	}
}

func (c *Client) backoffFor(cacheKey string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.backoff[cacheKey]; ok && w > 0 {
		return w
	}
	return retryBaseWait
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > retryMaxWait {
		return retryMaxWait
	}
	return next
}

// URL synthesizes the region/bucket websocket URL:
// https://{hostname}.{region}-{a|b|...}.{domain}/ws, per spec §6. When
// useSharedClientAPI is set or the hostname is empty it returns
// https://{region}.{domain} instead, with no bucket suffix and no /ws path.
func URL(settings Settings, region string, bucket int, useSharedClientAPI bool) (string, error) {
	hostname := strings.TrimSpace(settings.Hostname)
	domain := strings.TrimSpace(settings.Domain)
	region = strings.TrimSpace(region)
	if domain == "" {
		return "", fmt.Errorf("domain client: provisioning domain must not be empty")
	}
	if useSharedClientAPI || hostname == "" {
		if region == "" {
			return "", fmt.Errorf("domain client: region must be specified for shared client API")
		}
		return fmt.Sprintf("https://%s.%s", region, domain), nil
	}
	suffix := string(rune('a' + bucket))
	if region == "" {
		return "", fmt.Errorf("domain client: region must not be empty")
	}
	return fmt.Sprintf("https://%s.%s-%s.%s/ws", hostname, region, suffix, domain), nil
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MTCLIENT_APPLICATION", "")
	t.Setenv("MTCLIENT_REQUEST_TIMEOUT", "")
	t.Setenv("MTCLIENT_CONNECT_TIMEOUT", "")
	t.Setenv("MTCLIENT_USE_SHARED_CLIENT_API", "")
	t.Setenv("MTCLIENT_MAX_ACCOUNTS_PER_INSTANCE", "")

	opts, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if opts.Application != DefaultApplication {
		t.Fatalf("expected default application %q, got %q", DefaultApplication, opts.Application)
	}
	if opts.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("expected default request timeout %v, got %v", DefaultRequestTimeout, opts.RequestTimeout)
	}
	if opts.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("expected default connect timeout %v, got %v", DefaultConnectTimeout, opts.ConnectTimeout)
	}
	if opts.UseSharedClientAPI != DefaultUseSharedClientAPI {
		t.Fatalf("expected default use shared client api %t, got %t", DefaultUseSharedClientAPI, opts.UseSharedClientAPI)
	}
	if opts.MaxAccountsPerInstance != DefaultMaxAccountsPerInstance {
		t.Fatalf("expected default max accounts per instance %d, got %d", DefaultMaxAccountsPerInstance, opts.MaxAccountsPerInstance)
	}
	if opts.Retry.Retries != DefaultRetries {
		t.Fatalf("expected default retries %d, got %d", DefaultRetries, opts.Retry.Retries)
	}
	if opts.Retry.MinDelay != DefaultRetryMinDelay {
		t.Fatalf("expected default retry min delay %v, got %v", DefaultRetryMinDelay, opts.Retry.MinDelay)
	}
	if opts.Retry.MaxDelay != DefaultRetryMaxDelay {
		t.Fatalf("expected default retry max delay %v, got %v", DefaultRetryMaxDelay, opts.Retry.MaxDelay)
	}
	if opts.SynchronizationThrottler.MaxConcurrentSynchronizations != DefaultMaxConcurrentSynchronizations {
		t.Fatalf("expected default max concurrent synchronizations %d, got %d",
			DefaultMaxConcurrentSynchronizations, opts.SynchronizationThrottler.MaxConcurrentSynchronizations)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("MTCLIENT_APPLICATION", "CustomApp")
	t.Setenv("MTCLIENT_REQUEST_TIMEOUT", "45s")
	t.Setenv("MTCLIENT_USE_SHARED_CLIENT_API", "true")
	t.Setenv("MTCLIENT_MAX_ACCOUNTS_PER_INSTANCE", "50")
	t.Setenv("MTCLIENT_RETRY_OPTS_RETRIES", "3")

	opts, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if opts.Application != "CustomApp" {
		t.Fatalf("expected overridden application, got %q", opts.Application)
	}
	if opts.RequestTimeout != 45*time.Second {
		t.Fatalf("expected overridden request timeout 45s, got %v", opts.RequestTimeout)
	}
	if !opts.UseSharedClientAPI {
		t.Fatalf("expected overridden use shared client api true")
	}
	if opts.MaxAccountsPerInstance != 50 {
		t.Fatalf("expected overridden max accounts per instance 50, got %d", opts.MaxAccountsPerInstance)
	}
}

func TestLoadAppliesFunctionalOptionsAfterEnvironment(t *testing.T) {
	t.Setenv("MTCLIENT_APPLICATION", "FromEnv")

	opts, err := Load(
		WithApplication("FromOption"),
		WithRegion("vint-hill"),
		WithDomain("agiliumtrade.ai"),
		WithAuthToken("token-123"),
		WithUseSharedClientAPI(true),
	)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if opts.Application != "FromOption" {
		t.Fatalf("expected functional option to win over environment, got %q", opts.Application)
	}
	if opts.Region != "vint-hill" {
		t.Fatalf("expected region vint-hill, got %q", opts.Region)
	}
	if opts.Domain != "agiliumtrade.ai" {
		t.Fatalf("expected domain agiliumtrade.ai, got %q", opts.Domain)
	}
	if opts.AuthToken != "token-123" {
		t.Fatalf("expected auth token token-123, got %q", opts.AuthToken)
	}
	if !opts.UseSharedClientAPI {
		t.Fatalf("expected use shared client api true")
	}
}

func TestLoadAppliesRetryAndThrottlerOverrides(t *testing.T) {
	opts, err := Load(
		WithRetryOptions(RetryOptions{Retries: 2, MinDelay: 2 * time.Second, MaxDelay: 10 * time.Second, SubscribeCooldown: time.Minute}),
		WithSynchronizationThrottlerOptions(SynchronizationThrottlerOptions{MaxConcurrentSynchronizations: 5, QueueTimeout: time.Minute, SynchronizationTimeout: 5 * time.Second}),
	)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if opts.Retry.Retries != 2 || opts.Retry.MinDelay != 2*time.Second || opts.Retry.MaxDelay != 10*time.Second {
		t.Fatalf("unexpected retry options: %+v", opts.Retry)
	}
	if opts.SynchronizationThrottler.MaxConcurrentSynchronizations != 5 {
		t.Fatalf("unexpected synchronization throttler options: %+v", opts.SynchronizationThrottler)
	}
}

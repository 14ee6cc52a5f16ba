package latency

import (
	"context"
	"testing"
	"time"
)

type staticReplicas struct {
	byAccount map[string][]Replica
}

func (s staticReplicas) ReplicasOf(accountID string) []Replica {
	return s.byAccount[accountID]
}

func TestBestRegionElection(t *testing.T) {
	//1.- Arrange replicas(A) = {vint-hill: A, new-york: Ar} with fixed latencies.
	replicas := staticReplicas{byAccount: map[string][]Replica{
		"A": {
			{AccountID: "A", Region: "vint-hill", ReplicaID: "A"},
			{AccountID: "A", Region: "new-york", ReplicaID: "Ar"},
		},
	}}
	var unsubscribed []string
	var unsubscribedRegions []string
	svc := New(Options{
		Replicas: replicas,
		Probe: func(ctx context.Context, region string) (time.Duration, error) {
			if region == "vint-hill" {
				return 50 * time.Millisecond, nil
			}
			return 200 * time.Millisecond, nil
		},
		Hooks: Hooks{
			Unsubscribe:             func(id string) { unsubscribed = append(unsubscribed, id) },
			UnsubscribeAccountRegion: func(acct, region string) { unsubscribedRegions = append(unsubscribedRegions, acct+":"+region) },
		},
	})

	//2.- Act: connect new-york first, then vint-hill.
	svc.OnConnected(context.Background(), "A:new-york:0:h")
	svc.OnConnected(context.Background(), "A:vint-hill:0:h")

	//3.- Assert: new-york (higher latency) is unsubscribed, not vint-hill.
	if len(unsubscribed) != 1 || unsubscribed[0] != "Ar" {
		t.Fatalf("expected unsubscribe(Ar), got %v", unsubscribed)
	}
	if len(unsubscribedRegions) != 1 || unsubscribedRegions[0] != "A:new-york" {
		t.Fatalf("expected unsubscribeAccountRegion(A,new-york), got %v", unsubscribedRegions)
	}

	active := svc.GetActiveAccountInstances("A")
	if len(active) != 2 {
		t.Fatalf("expected both instances still marked active until torn down by the caller, got %v", active)
	}
}

func TestReplicaFailBack(t *testing.T) {
	//1.- Arrange both regions connected.
	replicas := staticReplicas{byAccount: map[string][]Replica{
		"A": {
			{AccountID: "A", Region: "vint-hill", ReplicaID: "A"},
			{AccountID: "A", Region: "new-york", ReplicaID: "Ar"},
		},
	}}
	var ensureSubscribeCalls []string
	svc := New(Options{
		Replicas: replicas,
		Probe:    func(ctx context.Context, region string) (time.Duration, error) { return time.Millisecond, nil },
		Hooks: Hooks{
			EnsureSubscribe: func(replicaID string, bucket int) {
				ensureSubscribeCalls = append(ensureSubscribeCalls, replicaID)
			},
		},
	})
	svc.OnConnected(context.Background(), "A:new-york:0:h")
	svc.OnConnected(context.Background(), "A:vint-hill:0:h")

	//2.- Act: new-york disconnects first — since vint-hill is still up, no
	// ensureSubscribe should fire.
	svc.OnDisconnected("A:new-york:0:h")
	if len(ensureSubscribeCalls) != 0 {
		t.Fatalf("expected no ensureSubscribe while vint-hill remains connected, got %v", ensureSubscribeCalls)
	}

	//3.- Act: vint-hill disconnects too — now every sibling replica (Ar) must
	// be brought back up on both buckets.
	svc.OnDisconnected("A:vint-hill:0:h")
	if len(ensureSubscribeCalls) != 2 {
		t.Fatalf("expected ensureSubscribe(Ar,0) and ensureSubscribe(Ar,1), got %v", ensureSubscribeCalls)
	}
	for _, call := range ensureSubscribeCalls {
		if call != "Ar" {
			t.Fatalf("expected ensureSubscribe calls targeting Ar, got %s", call)
		}
	}
}

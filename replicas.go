package streamclient

import (
	"strings"
	"sync"

	"github.com/quantstream/tradestream-client/internal/latency"
)

// replicaRegistry is the Client's internal internal/latency.AccountReplicas:
// it maps each primary account id to its per-region replica ids (spec §9
// replica-as-identifier aliasing) and the inverse, so wire-level instance ids
// observed in a replica's region can be normalized back to the primary
// account id before reaching the latency service.
type replicaRegistry struct {
	mu            sync.Mutex
	byAccount     map[string]map[string]string // accountId -> region -> replicaId
	replicaToAcct map[string]string            // replicaId -> accountId
}

func newReplicaRegistry() *replicaRegistry {
	return &replicaRegistry{
		byAccount:     make(map[string]map[string]string),
		replicaToAcct: make(map[string]string),
	}
}

// Register records accountId's replica in region. A higher-level façade
// calls this once it learns an account's replica ids, typically from the
// provisioning API's account metadata.
func (r *replicaRegistry) Register(accountID, region, replicaID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regions, ok := r.byAccount[accountID]
	if !ok {
		regions = make(map[string]string)
		r.byAccount[accountID] = regions
	}
	regions[region] = replicaID
	r.replicaToAcct[replicaID] = accountID
}

// ReplicasOf implements internal/latency.AccountReplicas.
func (r *replicaRegistry) ReplicasOf(accountID string) []latency.Replica {
	r.mu.Lock()
	defer r.mu.Unlock()
	regions, ok := r.byAccount[accountID]
	if !ok {
		return nil
	}
	out := make([]latency.Replica, 0, len(regions))
	for region, replicaID := range regions {
		out = append(out, latency.Replica{AccountID: accountID, Region: region, ReplicaID: replicaID})
	}
	return out
}

// primaryOf translates a replica id back to its primary account id, or
// returns id unchanged if it is not a known replica (including when it
// already is the primary id).
func (r *replicaRegistry) primaryOf(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acct, ok := r.replicaToAcct[id]; ok {
		return acct
	}
	return id
}

// normalizeInstanceID rewrites instanceID's leading accountId:region:... id
// segment from a replica id to its primary account id, so the latency
// service's per-account bookkeeping (keyed by primary id) stays coherent
// regardless of which region's replica a packet arrived on. Non-replica ids
// pass through unchanged.
func (r *replicaRegistry) normalizeInstanceID(instanceID string) string {
	idx := strings.IndexByte(instanceID, ':')
	if idx < 0 {
		return instanceID
	}
	head := instanceID[:idx]
	primary := r.primaryOf(head)
	if primary == head {
		return instanceID
	}
	return primary + instanceID[idx:]
}

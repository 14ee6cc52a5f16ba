// Package latency implements the Latency Service (spec §4.4): it measures
// region latencies, elects the best region per account, and supervises
// replicas — silently unsubscribing non-best replicas once one is
// connected/synchronized, and re-subscribing others if all go down.
package latency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantstream/tradestream-client/internal/logging"
)

// Replica identifies one region's materialization of an account.
type Replica struct {
	AccountID string
	Region    string
	ReplicaID string
}

// AccountReplicas exposes the account's replica map; implemented by the
// caller's account registry so the latency service never owns replica
// identity itself (spec §9 replica-as-identifier aliasing).
type AccountReplicas interface {
	ReplicasOf(accountID string) []Replica
}

// ProbeFunc measures one region's connect latency; a real implementation
// opens a websocket to the region's URL and times the handshake.
type ProbeFunc func(ctx context.Context, region string) (time.Duration, error)

// Hooks are the C6 calls the latency service issues as a side effect of
// electing a best region or detecting an outage.
type Hooks struct {
	Unsubscribe             func(replicaID string)
	UnsubscribeAccountRegion func(accountID, region string)
	EnsureSubscribe         func(replicaID string, bucket int)
}

type instanceKey struct {
	accountID string
	region    string
	bucket    int
	host      string
}

func parseInstanceID(id string) (accountID, region string, bucket int, host string) {
	parts := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			parts = append(parts, id[start:i])
			start = i + 1
		}
	}
	parts = append(parts, id[start:])
	if len(parts) < 4 {
		return "", "", 0, ""
	}
	b := 0
	if parts[2] == "1" {
		b = 1
	}
	return parts[0], parts[1], b, parts[3]
}

// Service is the Latency Service; it is safe for concurrent use.
type Service struct {
	mu                sync.Mutex
	latency           map[string]time.Duration
	connectedInstances map[string]bool
	syncedInstances    map[string]bool
	probeInFlight      map[string]chan struct{}

	probe     ProbeFunc
	hooks     Hooks
	replicas  AccountReplicas
	log       *logging.Logger
	refresh   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Service.
type Options struct {
	Probe           ProbeFunc
	Hooks           Hooks
	Replicas        AccountReplicas
	RefreshInterval time.Duration
	Logger          *logging.Logger
}

// New constructs a Service.
func New(opts Options) *Service {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Service{
		latency:            make(map[string]time.Duration),
		connectedInstances: make(map[string]bool),
		syncedInstances:    make(map[string]bool),
		probeInFlight:      make(map[string]chan struct{}),
		probe:              opts.Probe,
		hooks:              opts.Hooks,
		replicas:           opts.Replicas,
		log:                opts.Logger,
		refresh:            opts.RefreshInterval,
	}
}

// Start begins the periodic region-latency refresh job.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	derived, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-derived.Done():
				return
			case <-ticker.C:
				s.refreshAll(derived)
			}
		}
	}()
}

// Stop cancels the refresh job and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Service) ensureLatency(ctx context.Context, region string) {
	s.mu.Lock()
	if _, ok := s.latency[region]; ok {
		s.mu.Unlock()
		return
	}
	if ch, inflight := s.probeInFlight[region]; inflight {
		s.mu.Unlock()
		<-ch
		return
	}
	ch := make(chan struct{})
	s.probeInFlight[region] = ch
	s.mu.Unlock()

	var measured time.Duration
	if s.probe != nil {
		if d, err := s.probe(ctx, region); err == nil {
			measured = d
		} else {
			s.log.Warn("region latency probe failed", logging.String("region", region), logging.Error(err))
		}
	}

	s.mu.Lock()
	if measured > 0 {
		s.latency[region] = measured
	}
	delete(s.probeInFlight, region)
	close(ch)
	s.mu.Unlock()
}

// regionsSortedByLatency returns every region in candidates, ascending by
// measured latency; unknown-latency regions sort last.
func (s *Service) regionsSortedByLatency(candidates []string) []string {
	s.mu.Lock()
	latency := make(map[string]time.Duration, len(s.latency))
	for k, v := range s.latency {
		latency[k] = v
	}
	s.mu.Unlock()

	sorted := append([]string(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, iok := latency[sorted[i]]
		lj, jok := latency[sorted[j]]
		if !iok && !jok {
			return false
		}
		if !iok {
			return false
		}
		if !jok {
			return true
		}
		return li < lj
	})
	return sorted
}

// OnConnected marks instanceID connected, probes its region latency if
// unknown, and demotes every other connected replica of the same account
// to the single best-latency region (spec §4.4).
func (s *Service) OnConnected(ctx context.Context, instanceID string) {
	accountID, region, _, _ := parseInstanceID(instanceID)
	if accountID == "" {
		return
	}

	s.mu.Lock()
	s.connectedInstances[instanceID] = true
	s.mu.Unlock()

	s.ensureLatency(ctx, region)
	s.demoteNonBest(accountID, s.connectedInstances, false)
}

// OnDealsSynchronized marks instanceID synced and demotes every other
// synced replica except the lowest-latency one.
func (s *Service) OnDealsSynchronized(instanceID string) {
	accountID, _, _, _ := parseInstanceID(instanceID)
	if accountID == "" {
		return
	}
	s.mu.Lock()
	s.syncedInstances[instanceID] = true
	s.mu.Unlock()
	s.demoteNonBest(accountID, s.syncedInstances, true)
}

func (s *Service) demoteNonBest(accountID string, flags map[string]bool, requireBothFlags bool) {
	if s.replicas == nil {
		return
	}
	replicas := s.replicas.ReplicasOf(accountID)
	if len(replicas) < 2 {
		return
	}

	s.mu.Lock()
	connectedRegions := make(map[string]bool)
	for id := range flags {
		acct, region, _, _ := parseInstanceID(id)
		if acct != accountID || !flags[id] {
			continue
		}
		if requireBothFlags && !s.connectedInstances[id] {
			continue
		}
		connectedRegions[region] = true
	}
	s.mu.Unlock()

	if len(connectedRegions) < 2 {
		return
	}

	var candidateRegions []string
	for region := range connectedRegions {
		candidateRegions = append(candidateRegions, region)
	}
	ordered := s.regionsSortedByLatency(candidateRegions)
	if len(ordered) == 0 {
		return
	}
	best := ordered[0]

	for _, r := range replicas {
		if r.Region == best {
			continue
		}
		if !connectedRegions[r.Region] {
			continue
		}
		if s.hooks.Unsubscribe != nil {
			s.hooks.Unsubscribe(r.ReplicaID)
		}
		if s.hooks.UnsubscribeAccountRegion != nil {
			s.hooks.UnsubscribeAccountRegion(accountID, r.Region)
		}
	}
}

// OnDisconnected marks instanceID disconnected/de-synced; if no instance of
// the account remains connected in any region, bring the account back up
// via every sibling replica's both buckets.
func (s *Service) OnDisconnected(instanceID string) {
	accountID, lostRegion, _, _ := parseInstanceID(instanceID)
	if accountID == "" {
		return
	}

	s.mu.Lock()
	delete(s.connectedInstances, instanceID)
	delete(s.syncedInstances, instanceID)
	stillConnected := false
	for id, connected := range s.connectedInstances {
		acct, _, _, _ := parseInstanceID(id)
		if acct == accountID && connected {
			stillConnected = true
			break
		}
	}
	s.mu.Unlock()

	if stillConnected || s.replicas == nil || s.hooks.EnsureSubscribe == nil {
		return
	}

	for _, r := range s.replicas.ReplicasOf(accountID) {
		if r.Region == lostRegion {
			continue
		}
		s.hooks.EnsureSubscribe(r.ReplicaID, 0)
		s.hooks.EnsureSubscribe(r.ReplicaID, 1)
	}
}

// OnUnsubscribe marks every instance of accountID as disconnected and
// de-synced, in every region; it is not limited to the region the account
// is currently connected through.
func (s *Service) OnUnsubscribe(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.connectedInstances {
		acct, _, _, _ := parseInstanceID(id)
		if acct == accountID {
			delete(s.connectedInstances, id)
			delete(s.syncedInstances, id)
		}
	}
}

func (s *Service) refreshAll(ctx context.Context) {
	s.mu.Lock()
	regions := make([]string, 0, len(s.latency))
	for region := range s.latency {
		regions = append(regions, region)
	}
	s.mu.Unlock()

	for _, region := range regions {
		s.mu.Lock()
		delete(s.latency, region)
		s.mu.Unlock()
		s.ensureLatency(ctx, region)
	}

	if s.replicas == nil || s.hooks.EnsureSubscribe == nil {
		return
	}

	s.mu.Lock()
	accounts := make(map[string]struct{})
	singleConnected := make(map[string]string)
	for id, connected := range s.connectedInstances {
		if !connected {
			continue
		}
		acct, region, _, _ := parseInstanceID(id)
		accounts[acct] = struct{}{}
		if _, seen := singleConnected[acct]; seen {
			singleConnected[acct] = ""
		} else {
			singleConnected[acct] = region
		}
	}
	s.mu.Unlock()

	for acct := range accounts {
		currentRegion, onlyOne := singleConnected[acct]
		if !onlyOne || currentRegion == "" {
			continue
		}
		replicas := s.replicas.ReplicasOf(acct)
		var regions []string
		for _, r := range replicas {
			regions = append(regions, r.Region)
		}
		ordered := s.regionsSortedByLatency(regions)
		if len(ordered) == 0 || ordered[0] == currentRegion {
			continue
		}
		for _, r := range replicas {
			if r.Region == ordered[0] {
				s.hooks.EnsureSubscribe(r.ReplicaID, 0)
				s.hooks.EnsureSubscribe(r.ReplicaID, 1)
			}
		}
	}
}

// ActiveInstance reports the replica + bucket a non-ignored RPC for
// accountID should be routed to: the connected instance in the account's
// lowest-latency connected region, translated to that region's replica id
// (spec §4.6 RPC routing step 1, §9 replica-as-identifier aliasing). It
// implements transport.LatencyLookup.
func (s *Service) ActiveInstance(accountID string) (replicaID string, bucket int, ok bool) {
	if s.replicas == nil {
		return "", 0, false
	}
	instances := s.GetActiveAccountInstances(accountID)
	if len(instances) == 0 {
		return "", 0, false
	}

	bucketByRegion := make(map[string]int, len(instances))
	var regions []string
	for _, id := range instances {
		acct, region, b, _ := parseInstanceID(id)
		if acct != accountID {
			continue
		}
		if _, seen := bucketByRegion[region]; !seen {
			regions = append(regions, region)
		}
		bucketByRegion[region] = b
	}
	if len(regions) == 0 {
		return "", 0, false
	}

	best := s.regionsSortedByLatency(regions)[0]
	for _, r := range s.replicas.ReplicasOf(accountID) {
		if r.Region == best {
			return r.ReplicaID, bucketByRegion[best], true
		}
	}
	return "", 0, false
}

// GetActiveAccountInstances returns connected instance ids for accountID.
func (s *Service) GetActiveAccountInstances(accountID string) []string {
	return s.filterInstances(accountID, s.connectedInstances)
}

// GetSynchronizedAccountInstances returns synced instance ids for accountID.
func (s *Service) GetSynchronizedAccountInstances(accountID string) []string {
	return s.filterInstances(accountID, s.syncedInstances)
}

func (s *Service) filterInstances(accountID string, flags map[string]bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, v := range flags {
		if !v {
			continue
		}
		acct, _, _, _ := parseInstanceID(id)
		if acct == accountID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Package transport implements the Websocket Client (spec §4.6): the socket
// pool, RPC request/response matching, high-reliability trade fan-out, the
// rate-limit lock, and packet intake feeding the Event Dispatcher.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/quantstream/tradestream-client/internal/clienterrors"
	"github.com/quantstream/tradestream-client/internal/dispatcher"
	"github.com/quantstream/tradestream-client/internal/logging"
	"github.com/quantstream/tradestream-client/internal/metrics"
	"github.com/quantstream/tradestream-client/internal/wire"
)

const (
	reconnectBaseWait                    = 1 * time.Second
	reconnectMaxWait                     = 30 * time.Second
	defaultRPCTimeout                    = 60 * time.Second
	defaultRetries                       = 5
	retryMinDelay                        = 1 * time.Second
	retryMaxDelay                        = 30 * time.Second
	defaultUnsubscribeThrottlingInterval = 10 * time.Second
)

// ignoredRequestTypes are exempt from replica-as-identifier aliasing (spec
// §4.6 RPC routing step 1, §9).
var ignoredRequestTypes = map[wire.RequestType]bool{
	wire.RequestSubscribe:                     true,
	wire.RequestSynchronize:                   true,
	wire.RequestRefreshMarketDataSubscriptions: true,
	wire.RequestUnsubscribe:                   true,
}

// LatencyLookup reports the currently-active replica instance for an
// account, so the RPC layer can alias non-ignored requests to it (spec §4.6
// step 1, §9 replica-as-identifier aliasing). Implemented by
// internal/latency.Service.
type LatencyLookup interface {
	ActiveInstance(accountID string) (replicaID string, bucket int, ok bool)
}

// Conn abstracts the wire-level socket so the multiplexer is testable
// without a live server.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens a Conn to url, attaching whatever headers the implementation
// needs (auth-token, clientId, protocol are passed as query parameters per
// spec §4.6, matching the gateway's expected handshake).
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// gorillaDialer is the production Dialer, backed by gorilla/websocket.
type gorillaDialer struct {
	authToken string
	clientID  func() string
}

func (g gorillaDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("auth-token", g.authToken)
	q.Set("clientId", g.clientID())
	q.Set("protocol", "3")
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, err
	}
	return gorillaConn{conn}, nil
}

type gorillaConn struct{ *websocket.Conn }

func (g gorillaConn) WriteJSON(v any) error { return g.Conn.WriteJSON(v) }

// NewDialer builds the production gorilla/websocket-backed Dialer.
func NewDialer(authToken string) Dialer {
	return gorillaDialer{authToken: authToken, clientID: func() string { return uuid.NewString() }}
}

// URLResolver resolves (region, bucket) to a websocket URL, typically backed
// by internal/domainclient.
type URLResolver func(ctx context.Context, region string, bucket int) (string, error)

type pendingRequest struct {
	resultCh chan rpcResult
}

type rpcResult struct {
	response *wire.Response
	procErr  *wire.ProcessingError
}

type subscribeLockState struct {
	recommendedRetryTime time.Time
	lockedAtTime          time.Time
}

// slot is one entry in socketInstances[region][bucket].
type slot struct {
	mu            sync.Mutex
	region        string
	bucket        int
	sessionID     string
	clientID      string
	conn          Conn
	connected     bool
	reconnecting  bool
	reconnectWait time.Duration
	closed        bool
	accounts      map[string]bool
	pending       map[string]*pendingRequest
	serverLock    *subscribeLockState
	limiter       *rate.Limiter

	// activeSyncID and lastUnsubscribe implement spec §4.6 packet intake:
	// stale-sync-id packets are rewritten to noop, and unsubscribe(accountId)
	// for inactive subscriptions is throttled per account.
	activeSyncID    map[string]string // instanceID -> admitted synchronizationId
	lastUnsubscribe map[string]time.Time
}

// Hooks are the collaborators the multiplexer drives as a side effect of
// connection and packet-intake events.
type Hooks struct {
	Dispatcher                  *dispatcher.Dispatcher
	UnsubscribeThrottlingInterval time.Duration
	OnRateLimitPerUser           func(metadata clienterrors.RateLimitType, recommendedRetryTime time.Time)
}

// Multiplexer is the Websocket Client (C6): it owns every socket slot for a
// client and exposes the RPC/trade surface the rest of the core calls.
type Multiplexer struct {
	mu                sync.Mutex
	dialer            Dialer
	resolveURL        URLResolver
	application       string
	maxAccountsPerSlot int
	retries           int
	requestsPerSecond float64
	requestBurst      int
	hooks             Hooks
	log               *logging.Logger
	metrics           *metrics.Registry
	latency           LatencyLookup

	slots             map[string][]*slot // keyed by region
	slotByAccount     map[string]*slot   // keyed by accountId:bucket
	processLock       *subscribeLockState
}

// Options configures a Multiplexer.
type Options struct {
	Dialer             Dialer
	ResolveURL         URLResolver
	Application        string
	MaxAccountsPerSlot int
	Retries            int
	// RequestsPerSecond bounds client-side pre-emptive pacing per socket
	// slot, smoothing bursts before the server ever imposes
	// LIMIT_REQUEST_RATE_PER_USER. Defaults to 50 rps / burst 50.
	RequestsPerSecond float64
	RequestBurst      int
	Hooks              Hooks
	Logger             *logging.Logger
	Metrics            *metrics.Registry
	// Latency, when set, drives replica-as-identifier aliasing for RPCs
	// (spec §4.6 step 1, §9). Satisfied by internal/latency.Service.
	Latency LatencyLookup
}

// New constructs a Multiplexer.
func New(opts Options) *Multiplexer {
	if opts.MaxAccountsPerSlot <= 0 {
		opts.MaxAccountsPerSlot = 100
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 50
	}
	if opts.RequestBurst <= 0 {
		opts.RequestBurst = 50
	}
	return &Multiplexer{
		dialer:             opts.Dialer,
		resolveURL:         opts.ResolveURL,
		application:        opts.Application,
		maxAccountsPerSlot: opts.MaxAccountsPerSlot,
		retries:            opts.Retries,
		requestsPerSecond:  opts.RequestsPerSecond,
		requestBurst:       opts.RequestBurst,
		hooks:              opts.Hooks,
		log:                opts.Logger,
		metrics:            opts.Metrics,
		latency:            opts.Latency,
		slots:              make(map[string][]*slot),
		slotByAccount:      make(map[string]*slot),
	}
}

func accountSlotKey(accountID string, bucket int) string {
	return fmt.Sprintf("%s:%d", accountID, bucket)
}

// createSocketInstanceByAccount assigns accountID to a slot in (region,
// bucket), honoring the process-wide and per-slot subscribe locks, per spec
// §4.6's "Account-to-slot assignment".
func (m *Multiplexer) createSocketInstanceByAccount(ctx context.Context, accountID string, region string, bucket int) (*slot, error) {
	key := accountSlotKey(accountID, bucket)

	for {
		m.mu.Lock()
		if existing, ok := m.slotByAccount[key]; ok {
			m.mu.Unlock()
			return existing, nil
		}
		if m.processLock != nil && time.Now().Before(m.processLock.recommendedRetryTime) {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var chosen *slot
		for _, s := range m.slots[region] {
			s.mu.Lock()
			ok := s.bucket == bucket && !s.closed && (s.serverLock == nil || time.Now().After(s.serverLock.recommendedRetryTime)) && len(s.accounts) < m.maxAccountsPerSlot
			s.mu.Unlock()
			if ok {
				chosen = s
				break
			}
		}
		if chosen == nil {
			chosen = &slot{
				region:          region,
				bucket:          bucket,
				accounts:        make(map[string]bool),
				pending:         make(map[string]*pendingRequest),
				reconnectWait:   reconnectBaseWait,
				limiter:         rate.NewLimiter(rate.Limit(m.requestsPerSecond), m.requestBurst),
				activeSyncID:    make(map[string]string),
				lastUnsubscribe: make(map[string]time.Time),
			}
			m.slots[region] = append(m.slots[region], chosen)
		}
		chosen.mu.Lock()
		chosen.accounts[accountID] = true
		chosen.mu.Unlock()
		m.slotByAccount[key] = chosen
		m.mu.Unlock()
		return chosen, nil
	}
}

// Connect opens the websocket for slot, looping with a 1s backoff on URL
// resolution failure (spec §4.6 connection lifecycle step 2).
func (m *Multiplexer) Connect(ctx context.Context, s *slot) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.sessionID = uuid.NewString()
	s.clientID = uuid.NewString()
	s.mu.Unlock()

	var rawURL string
	for {
		u, err := m.resolveURL(ctx, s.region, s.bucket)
		if err == nil {
			rawURL = u
			break
		}
		m.log.Warn("resolve url failed, retrying", logging.String("region", s.region), logging.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	conn, err := m.dialer.Dial(ctx, rawURL)
	if err != nil {
		go m.reconnectLoop(ctx, s)
		return clienterrors.NewTimeout(fmt.Sprintf("dial failed: %v", err))
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.reconnectWait = reconnectBaseWait
	s.mu.Unlock()
	m.observeConnected(s)

	go m.readLoop(ctx, s)
	return nil
}

func (m *Multiplexer) observeConnected(s *slot) {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveSockets.WithLabelValues(s.region, fmt.Sprintf("%d", s.bucket)).Inc()
}

func (m *Multiplexer) observeDisconnected(s *slot) {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveSockets.WithLabelValues(s.region, fmt.Sprintf("%d", s.bucket)).Dec()
}

// reconnectLoop implements the backoff/rotate-identifiers reconnect policy
// (spec §4.6): min(previous*2, 30s), fresh sessionId/clientId each attempt.
func (m *Multiplexer) reconnectLoop(ctx context.Context, s *slot) {
	s.mu.Lock()
	if s.reconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if s.closed || s.connected {
			s.mu.Unlock()
			return
		}
		wait := s.reconnectWait
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		s.mu.Lock()
		s.sessionID = uuid.NewString()
		s.clientID = uuid.NewString()
		s.mu.Unlock()

		rawURL, err := m.resolveURL(ctx, s.region, s.bucket)
		if err != nil {
			s.mu.Lock()
			s.reconnectWait = nextReconnectWait(s.reconnectWait)
			s.mu.Unlock()
			continue
		}
		conn, err := m.dialer.Dial(ctx, rawURL)
		if err != nil {
			s.mu.Lock()
			s.reconnectWait = nextReconnectWait(s.reconnectWait)
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.reconnectWait = reconnectBaseWait
		s.mu.Unlock()
		if m.metrics != nil {
			m.metrics.Reconnects.WithLabelValues(s.region, fmt.Sprintf("%d", s.bucket)).Inc()
		}
		m.observeConnected(s)
		go m.readLoop(ctx, s)
		return
	}
}

// ProbeRegion measures region's connect latency by dialing bucket 0's URL
// and timing the handshake, then closing the connection (spec §4.4's region
// probe). It implements internal/latency.ProbeFunc.
func (m *Multiplexer) ProbeRegion(ctx context.Context, region string) (time.Duration, error) {
	rawURL, err := m.resolveURL(ctx, region, 0)
	if err != nil {
		return 0, err
	}
	started := time.Now()
	conn, err := m.dialer.Dial(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(started)
	_ = conn.Close()
	return elapsed, nil
}

func nextReconnectWait(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMaxWait {
		return reconnectMaxWait
	}
	return next
}

// readLoop pumps inbound frames, dispatching responses/processingErrors to
// their resolver and synchronization packets to packet intake.
func (m *Multiplexer) readLoop(ctx context.Context, s *slot) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.connected = false
			s.conn = nil
			closed := s.closed
			s.mu.Unlock()
			m.observeDisconnected(s)
			if !closed {
				go m.reconnectLoop(ctx, s)
			}
			return
		}
		m.handleFrame(ctx, s, data)
	}
}

func (m *Multiplexer) handleFrame(ctx context.Context, s *slot, data []byte) {
	var probe struct {
		RequestID string `json:"requestId,omitempty"`
		Error     string `json:"error,omitempty"`
		Type      string `json:"type,omitempty"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		m.log.Warn("malformed frame", logging.Error(err))
		return
	}

	normalized := wire.NormalizeTimes(data)

	if probe.RequestID != "" && probe.Error != "" {
		var pe wire.ProcessingError
		_ = json.Unmarshal(normalized, &pe)
		m.resolveRequest(s, pe.RequestID, rpcResult{procErr: &pe})
		return
	}
	if probe.RequestID != "" {
		var resp wire.Response
		_ = json.Unmarshal(normalized, &resp)
		resp.Result = data
		m.resolveRequest(s, resp.RequestID, rpcResult{response: &resp})
		return
	}

	var p wire.Packet
	if err := json.Unmarshal(normalized, &p); err != nil {
		m.log.Warn("malformed synchronization packet", logging.Error(err))
		return
	}
	p.Payload = normalized
	p.ReceivedAt = time.Now()
	m.intake(s, p)
}

func (m *Multiplexer) resolveRequest(s *slot, requestID string, result rpcResult) {
	s.mu.Lock()
	pr, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if ok {
		pr.resultCh <- result
	}
}

// intake applies spec §4.6's packet-intake policy, then hands the packet to
// the dispatcher.
func (m *Multiplexer) intake(s *slot, p wire.Packet) {
	if p.InstanceIndex != nil && *p.InstanceIndex != s.bucket {
		m.log.Warn("dropping packet for mismatched bucket", logging.String("account_id", p.AccountID))
		return
	}
	instanceID := wire.InstanceID(p.AccountID, s.region, s.bucket, p.Host)

	if p.Type == wire.PacketAuthenticated {
		m.hooks.Dispatcher.MarkAuthenticated(instanceID)
	}

	if p.Type == wire.PacketSynchronizationStarted {
		s.mu.Lock()
		s.activeSyncID[instanceID] = p.SynchronizationID
		s.mu.Unlock()
		if m.hooks.Dispatcher != nil {
			m.hooks.Dispatcher.SetActiveSynchronization(instanceID, p.SynchronizationID)
		}
	} else if p.SynchronizationID != "" {
		switch p.Type {
		case wire.PacketDisconnected, wire.PacketStatus, wire.PacketKeepalive:
		default:
			s.mu.Lock()
			active := s.activeSyncID[instanceID]
			s.mu.Unlock()
			if active != "" && active != p.SynchronizationID {
				p.Type = wire.PacketNoop
			}
		}
	}

	m.throttleUnsubscribeIfInactive(s, p)

	if m.hooks.Dispatcher != nil {
		m.hooks.Dispatcher.QueuePacket(instanceID, p)
	}
}

// throttleUnsubscribeIfInactive implements spec §4.6's "for inactive-
// subscription packets other than disconnected/status/keepalive, throttle
// an unsubscribe(accountId) at most once per unsubscribeThrottlingInterval".
func (m *Multiplexer) throttleUnsubscribeIfInactive(s *slot, p wire.Packet) {
	switch p.Type {
	case wire.PacketDisconnected, wire.PacketStatus, wire.PacketKeepalive, wire.PacketNoop:
		return
	}

	s.mu.Lock()
	subscribed := s.accounts[p.AccountID]
	if subscribed {
		s.mu.Unlock()
		return
	}
	interval := m.hooks.UnsubscribeThrottlingInterval
	if interval <= 0 {
		interval = defaultUnsubscribeThrottlingInterval
	}
	if last, ok := s.lastUnsubscribe[p.AccountID]; ok && time.Since(last) < interval {
		s.mu.Unlock()
		return
	}
	s.lastUnsubscribe[p.AccountID] = time.Now()
	s.mu.Unlock()

	go m.sendUnsubscribe(s, p.AccountID)
}

// sendUnsubscribe issues a best-effort, unresolved unsubscribe notice on an
// already-open slot connection.
func (m *Multiplexer) sendUnsubscribe(s *slot, accountID string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	req := wire.Request{
		RequestID:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:        wire.RequestUnsubscribe,
		AccountID:   accountID,
		Application: m.application,
		Timestamps:  &wire.Timestamps{ClientProcessingStarted: time.Now().UTC()},
	}
	if err := conn.WriteJSON(req); err != nil {
		m.log.Warn("throttled unsubscribe failed", logging.String("account_id", accountID), logging.Error(err))
	}
}

// Close marks s logically closed and tears down its connection.
func (m *Multiplexer) Close(s *slot) error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// RPCRequest issues req on the slot owning accountID/bucket, retrying
// per spec §4.6's RPC protocol: subscribe/trade are never retried; all
// other request types retry up to m.retries times on
// NotSynchronized/Timeout/NotAuthenticated/Internal, honoring
// TooManyRequests' recommendedRetryTime when it still fits the budget.
func (m *Multiplexer) RPCRequest(ctx context.Context, accountID string, region string, bucket int, req wire.Request, timeout time.Duration) (*wire.Response, error) {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	noRetry := req.Type == wire.RequestSubscribe || req.Type == wire.RequestTrade

	if m.latency != nil && !ignoredRequestTypes[req.Type] {
		if replicaID, aliasBucket, ok := m.latency.ActiveInstance(accountID); ok {
			accountID = replicaID
			bucket = aliasBucket
			req.AccountID = replicaID
			idx := aliasBucket
			req.InstanceIndex = &idx
		}
	}

	wait := retryMinDelay
	var lastErr error
	attempts := 1
	if !noRetry {
		attempts = m.retries + 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := m.issueOnce(ctx, accountID, region, bucket, req, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if noRetry || attempt == attempts-1 {
			return nil, err
		}
		kind := clienterrors.KindOf(err)
		switch kind {
		case clienterrors.KindNotSynchronized, clienterrors.KindTimeout, clienterrors.KindNotAuthenticated, clienterrors.KindInternal:
		case clienterrors.KindTooManyRequests:
			if tmr, ok := clienterrors.TooManyRequestsDetail(err); ok {
				if until := time.Until(tmr.RecommendedRetryTime); until > 0 && until < timeout {
					wait = until
					break
				}
			}
			return nil, err
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > retryMaxDelay {
			wait = retryMaxDelay
		}
	}
	return nil, lastErr
}

func (m *Multiplexer) issueOnce(ctx context.Context, accountID string, region string, bucket int, req wire.Request, timeout time.Duration) (*wire.Response, error) {
	s, err := m.createSocketInstanceByAccount(ctx, accountID, region, bucket)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		if err := m.Connect(ctx, s); err != nil {
			return nil, err
		}
		s.mu.Lock()
	}
	s.mu.Unlock()

	req.RequestID = strings.ReplaceAll(uuid.NewString(), "-", "")
	req.Application = m.application
	req.Timestamps = &wire.Timestamps{ClientProcessingStarted: time.Now().UTC()}

	resultCh := make(chan rpcResult, 1)
	s.mu.Lock()
	s.pending[req.RequestID] = &pendingRequest{resultCh: resultCh}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, clienterrors.NewTimeout("socket not connected")
	}
	if err := conn.WriteJSON(req); err != nil {
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
		return nil, clienterrors.NewInternal(fmt.Sprintf("write failed: %v", err))
	}

	started := time.Now()
	select {
	case result := <-resultCh:
		if m.metrics != nil {
			m.metrics.RPCLatency.WithLabelValues(region, string(req.Type)).Observe(time.Since(started).Seconds())
		}
		if result.procErr != nil {
			return nil, translateProcessingError(result.procErr)
		}
		return result.response, nil
	case <-time.After(timeout):
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
		return nil, clienterrors.NewTimeout("rpc request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func translateProcessingError(pe *wire.ProcessingError) error {
	switch pe.Error {
	case "ValidationError":
		return clienterrors.NewValidation(pe.Message)
	case "NotFoundError":
		return clienterrors.NewNotFound(pe.Message)
	case "NotSynchronizedError":
		return clienterrors.NewNotSynchronized(pe.Message)
	case "TimeoutError":
		return clienterrors.NewTimeout(pe.Message)
	case "NotAuthenticatedError":
		return clienterrors.NewNotAuthenticated(pe.Message)
	case "UnauthorizedError":
		return clienterrors.NewUnauthorized(pe.Message)
	case "TooManyRequestsError":
		limitType := clienterrors.RateLimitType("")
		var retryAt time.Time
		if pe.Metadata != nil {
			limitType = clienterrors.RateLimitType(pe.Metadata.Type)
			if t, err := time.Parse(time.RFC3339Nano, pe.Metadata.RecommendedRetryTime); err == nil {
				retryAt = t
			}
		}
		return clienterrors.NewTooManyRequests(pe.Message, limitType, retryAt)
	default:
		return clienterrors.NewInternal(pe.Message)
	}
}

// Trade issues a trade RPC. When reliability is "high", the same request is
// raced across buckets 0 and 1 in parallel and resolves on the first
// success, per spec §4.6's "High-reliability trade".
func (m *Multiplexer) Trade(ctx context.Context, accountID, region string, trade json.RawMessage, reliability string) (*wire.Response, error) {
	req := wire.Request{Type: wire.RequestTrade, AccountID: accountID, Fields: trade}

	if reliability != "high" {
		return m.RPCRequest(ctx, accountID, region, 0, req, 0)
	}

	type outcome struct {
		resp *wire.Response
		err  error
	}
	results := make(chan outcome, 2)
	for _, bucket := range []int{0, 1} {
		go func(bucket int) {
			resp, err := m.RPCRequest(ctx, accountID, region, bucket, req, 0)
			results <- outcome{resp: resp, err: err}
		}(bucket)
	}

	var firstErr error
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err == nil {
			return o.resp, nil
		}
		if firstErr == nil {
			firstErr = o.err
		}
	}
	return nil, firstErr
}

// LockSocketInstance implements spec §4.6's lockSocketInstance: a per-user
// limit sets a process-wide lock; per-server/per-user-per-server limits
// close+reconnect the slot if it has no remaining accounts, else attach a
// per-slot lock.
func (m *Multiplexer) LockSocketInstance(ctx context.Context, accountID string, bucket int, limitType clienterrors.RateLimitType, recommendedRetryTime time.Time) {
	switch limitType {
	case clienterrors.LimitAccountSubscriptionsPerUser:
		m.mu.Lock()
		m.processLock = &subscribeLockState{recommendedRetryTime: recommendedRetryTime, lockedAtTime: time.Now()}
		m.mu.Unlock()
		if m.hooks.OnRateLimitPerUser != nil {
			m.hooks.OnRateLimitPerUser(limitType, recommendedRetryTime)
		}
	case clienterrors.LimitAccountSubscriptionsPerServer, clienterrors.LimitAccountSubscriptionsPerUserPerServer:
		key := accountSlotKey(accountID, bucket)
		m.mu.Lock()
		s := m.slotByAccount[key]
		m.mu.Unlock()
		if s == nil {
			return
		}
		s.mu.Lock()
		remaining := len(s.accounts)
		s.mu.Unlock()
		if remaining == 0 {
			_ = m.Close(s)
			s.mu.Lock()
			s.closed = false
			s.mu.Unlock()
			go m.reconnectLoop(ctx, s)
		} else {
			s.mu.Lock()
			s.serverLock = &subscribeLockState{recommendedRetryTime: recommendedRetryTime, lockedAtTime: time.Now()}
			s.mu.Unlock()
		}
	}
}

// UnbindAccount removes accountID from its slot's account set, e.g. after a
// per-server subscription limit (spec §4.3 step 3).
func (m *Multiplexer) UnbindAccount(accountID string, bucket int) {
	key := accountSlotKey(accountID, bucket)
	m.mu.Lock()
	s, ok := m.slotByAccount[key]
	if ok {
		delete(m.slotByAccount, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.accounts, accountID)
	s.mu.Unlock()
}

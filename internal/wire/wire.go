// Package wire defines the JSON envelopes exchanged with the trading
// terminal gateway: outbound requests, inbound responses/errors, and
// inbound synchronization packets. It also normalizes ISO-8601 time
// strings into absolute timestamps on intake, per spec.
package wire

import (
	"encoding/json"
	"strconv"
	"time"
)

// RequestType enumerates the client->server request "type" field.
type RequestType string

const (
	RequestSubscribe                     RequestType = "subscribe"
	RequestUnsubscribe                   RequestType = "unsubscribe"
	RequestSynchronize                   RequestType = "synchronize"
	RequestWaitSynchronized               RequestType = "waitSynchronized"
	RequestTrade                         RequestType = "trade"
	RequestRemoveApplication             RequestType = "removeApplication"
	RequestSubscribeToMarketData         RequestType = "subscribeToMarketData"
	RequestRefreshMarketDataSubscriptions RequestType = "refreshMarketDataSubscriptions"
	RequestUnsubscribeFromMarketData     RequestType = "unsubscribeFromMarketData"
	RequestGetAccountInformation         RequestType = "getAccountInformation"
	RequestGetPositions                  RequestType = "getPositions"
	RequestGetPosition                   RequestType = "getPosition"
	RequestGetOrders                     RequestType = "getOrders"
	RequestGetOrder                      RequestType = "getOrder"
	RequestGetHistoryOrdersByTicket      RequestType = "getHistoryOrdersByTicket"
	RequestGetHistoryOrdersByPosition    RequestType = "getHistoryOrdersByPosition"
	RequestGetHistoryOrdersByTimeRange   RequestType = "getHistoryOrdersByTimeRange"
	RequestGetDealsByTicket              RequestType = "getDealsByTicket"
	RequestGetDealsByPosition            RequestType = "getDealsByPosition"
	RequestGetDealsByTimeRange           RequestType = "getDealsByTimeRange"
	RequestGetSymbols                    RequestType = "getSymbols"
	RequestGetSymbolSpecification        RequestType = "getSymbolSpecification"
	RequestGetSymbolPrice                RequestType = "getSymbolPrice"
	RequestGetCandle                     RequestType = "getCandle"
	RequestGetTick                       RequestType = "getTick"
	RequestGetBook                       RequestType = "getBook"
	RequestGetServerTime                 RequestType = "getServerTime"
	RequestCalculateMargin               RequestType = "calculateMargin"
	RequestSaveUptime                    RequestType = "saveUptime"
)

// PacketType enumerates the server->client "synchronization" channel's
// "type" field.
type PacketType string

const (
	PacketAuthenticated                 PacketType = "authenticated"
	PacketDisconnected                  PacketType = "disconnected"
	PacketStatus                        PacketType = "status"
	PacketKeepalive                     PacketType = "keepalive"
	PacketSynchronizationStarted        PacketType = "synchronizationStarted"
	PacketAccountInformation            PacketType = "accountInformation"
	PacketPositions                     PacketType = "positions"
	PacketOrders                        PacketType = "orders"
	PacketHistoryOrders                 PacketType = "historyOrders"
	PacketDeals                         PacketType = "deals"
	PacketUpdate                        PacketType = "update"
	PacketDealSynchronizationFinished   PacketType = "dealSynchronizationFinished"
	PacketOrderSynchronizationFinished  PacketType = "orderSynchronizationFinished"
	PacketSpecifications                PacketType = "specifications"
	PacketPrices                        PacketType = "prices"
	PacketDowngradeSubscription         PacketType = "downgradeSubscription"
	// PacketNoop marks a packet the orderer/dispatcher must silently drop
	// (e.g. rewritten by the multiplexer when a synchronizationId is stale).
	PacketNoop PacketType = "noop"
)

// Timestamps mirrors the request/response envelope's timing fields.
type Timestamps struct {
	ClientProcessingStarted  time.Time `json:"clientProcessingStarted,omitempty"`
	ClientProcessingFinished time.Time `json:"clientProcessingFinished,omitempty"`
}

// Request is the client->server envelope. Fields is the request-type
// specific payload, kept as raw JSON so callers can marshal arbitrary typed
// bodies without this package knowing every request shape.
type Request struct {
	RequestID     string          `json:"requestId"`
	Type          RequestType     `json:"type"`
	AccountID     string          `json:"accountId"`
	Application   string          `json:"application,omitempty"`
	InstanceIndex *int            `json:"instanceIndex,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Timestamps    *Timestamps     `json:"timestamps,omitempty"`
	Fields        json.RawMessage `json:"-"`
}

// MarshalJSON merges Fields (if present) into the envelope's top-level
// object, matching the wire's flat request shape.
func (r Request) MarshalJSON() ([]byte, error) {
	type envelope Request
	base, err := json.Marshal(envelope(r))
	if err != nil {
		return nil, err
	}
	if len(r.Fields) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(r.Fields, &extra); err != nil {
		return nil, err
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ErrorMetadata carries the TooManyRequestsError-specific metadata.
type ErrorMetadata struct {
	Type                 string `json:"type,omitempty"`
	RecommendedRetryTime string `json:"recommendedRetryTime,omitempty"`
}

// Response is the server->client "response" message (success case).
type Response struct {
	RequestID  string          `json:"requestId"`
	AccountID  string          `json:"accountId"`
	Timestamps *Timestamps     `json:"timestamps,omitempty"`
	Result     json.RawMessage `json:"-"`
}

// ProcessingError is the server->client "processingError" message.
type ProcessingError struct {
	RequestID   string          `json:"requestId"`
	Error       string          `json:"error"`
	Message     string          `json:"message"`
	Details     json.RawMessage `json:"details,omitempty"`
	Metadata    *ErrorMetadata  `json:"metadata,omitempty"`
	NumericCode *int            `json:"numericCode,omitempty"`
	StringCode  string          `json:"stringCode,omitempty"`
}

// Packet is the server->client "synchronization" message. Payload holds the
// type-specific body as raw JSON, decoded lazily by the dispatcher.
type Packet struct {
	Type              PacketType      `json:"type"`
	AccountID         string          `json:"accountId"`
	InstanceIndex     *int            `json:"instanceIndex,omitempty"`
	Host              string          `json:"host,omitempty"`
	SequenceNumber    *int64          `json:"sequenceNumber,omitempty"`
	SequenceTimestamp *int64          `json:"sequenceTimestamp,omitempty"`
	SynchronizationID string          `json:"synchronizationId,omitempty"`
	ReceivedAt        time.Time       `json:"-"`
	Payload           json.RawMessage `json:"-"`
}

// InstanceID returns the accountId:region:bucket:host key used by the orderer,
// latency service and dispatcher. Host may be empty before the first
// authenticated packet establishes it.
func InstanceID(accountID, region string, bucket int, host string) string {
	return accountID + ":" + region + ":" + strconv.Itoa(bucket) + ":" + host
}

// NormalizeTimes rewrites every ISO-8601 string value reachable in raw into
// an RFC3339Nano string, matching the server's "recursively rewrite ISO
// time fields to absolute timestamps" behavior (spec §4.6 packet intake,
// §4.6 RPC response matching). Any value that does not parse as a time is
// left untouched.
func NormalizeTimes(raw json.RawMessage) json.RawMessage {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	normalized := normalizeValue(generic)
	out, err := json.Marshal(normalized)
	if err != nil {
		return raw
	}
	return out
}

func normalizeValue(v any) any {
	switch value := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
		return value
	case map[string]any:
		for k, nested := range value {
			value[k] = normalizeValue(nested)
		}
		return value
	case []any:
		for i, nested := range value {
			value[i] = normalizeValue(nested)
		}
		return value
	default:
		return v
	}
}

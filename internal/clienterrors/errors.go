// Package clienterrors defines the typed error taxonomy the streaming core
// uses to classify server and transport failures and to decide retry
// behavior. It wraps github.com/cockroachdb/errors so every error keeps a
// stack trace and can carry safe structured detail across retries and
// reconnects.
package clienterrors

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Kind enumerates the error taxonomy from the wire protocol's
// processingError.error field.
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindNotFound         Kind = "NotFoundError"
	KindNotSynchronized  Kind = "NotSynchronizedError"
	KindTimeout          Kind = "TimeoutError"
	KindNotAuthenticated Kind = "NotAuthenticatedError"
	KindUnauthorized     Kind = "UnauthorizedError"
	KindTooManyRequests  Kind = "TooManyRequestsError"
	KindTrade            Kind = "TradeError"
	KindInternal         Kind = "InternalError"
)

// RateLimitType enumerates the TooManyRequestsError.metadata.type values.
type RateLimitType string

const (
	LimitAccountSubscriptionsPerUser         RateLimitType = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER"
	LimitAccountSubscriptionsPerServer       RateLimitType = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_SERVER"
	LimitAccountSubscriptionsPerUserPerServer RateLimitType = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER_PER_SERVER"
	LimitRequestRatePerUser                  RateLimitType = "LIMIT_REQUEST_RATE_PER_USER"
)

// BaseError is embedded by every taxonomy member so callers can type-switch
// on Kind() without losing the wrapped cockroachdb/errors stack.
type BaseError struct {
	kind    Kind
	message string
	cause   error
}

func (e *BaseError) Error() string {
	if e.message == "" {
		return string(e.kind)
	}
	return e.message
}

func (e *BaseError) Unwrap() error { return e.cause }

// Kind returns the taxonomy classification of the error.
func (e *BaseError) Kind() Kind { return e.kind }

// ValidationErr signals a malformed request; never retried.
type ValidationErr struct{ BaseError }

// NotFoundErr signals a missing entity; never retried.
type NotFoundErr struct{ BaseError }

// NotSynchronizedErr signals the account is not yet synchronized; retried
// with backoff.
type NotSynchronizedErr struct{ BaseError }

// TimeoutErr signals an RPC or queue-wait deadline was exceeded; retried
// with backoff.
type TimeoutErr struct{ BaseError }

// NotAuthenticatedErr signals the socket has not completed authentication;
// retried with backoff.
type NotAuthenticatedErr struct{ BaseError }

// UnauthorizedErr is fatal: all sockets must be closed and all pending
// requests rejected.
type UnauthorizedErr struct{ BaseError }

// InternalErr signals an unexpected server-side failure; retried with
// backoff.
type InternalErr struct{ BaseError }

// TooManyRequestsErr carries the rate-limit metadata needed to decide
// whether the caller's retry budget can absorb the recommended wait.
type TooManyRequestsErr struct {
	BaseError
	Type                 RateLimitType
	RecommendedRetryTime time.Time
}

// TradeErr mirrors the trade RPC's non-success return codes; never
// retried.
type TradeErr struct {
	BaseError
	NumericCode int
	StringCode  string
}

func New(kind Kind, message string) error {
	return &BaseError{kind: kind, message: message, cause: errors.NewWithDepth(1, message)}
}

func NewValidation(message string) error {
	return &ValidationErr{BaseError{kind: KindValidation, message: message, cause: errors.NewWithDepth(1, message)}}
}

func NewNotFound(message string) error {
	return &NotFoundErr{BaseError{kind: KindNotFound, message: message, cause: errors.NewWithDepth(1, message)}}
}

func NewNotSynchronized(message string) error {
	return &NotSynchronizedErr{BaseError{kind: KindNotSynchronized, message: message, cause: errors.NewWithDepth(1, message)}}
}

func NewTimeout(message string) error {
	return &TimeoutErr{BaseError{kind: KindTimeout, message: message, cause: errors.NewWithDepth(1, message)}}
}

func NewNotAuthenticated(message string) error {
	return &NotAuthenticatedErr{BaseError{kind: KindNotAuthenticated, message: message, cause: errors.NewWithDepth(1, message)}}
}

func NewUnauthorized(message string) error {
	return &UnauthorizedErr{BaseError{kind: KindUnauthorized, message: message, cause: errors.NewWithDepth(1, message)}}
}

func NewInternal(message string) error {
	return &InternalErr{BaseError{kind: KindInternal, message: message, cause: errors.NewWithDepth(1, message)}}
}

func NewTooManyRequests(message string, limitType RateLimitType, retryTime time.Time) error {
	return &TooManyRequestsErr{
		BaseError:            BaseError{kind: KindTooManyRequests, message: message, cause: errors.NewWithDepth(1, message)},
		Type:                 limitType,
		RecommendedRetryTime: retryTime,
	}
}

func NewTrade(message string, numericCode int, stringCode string) error {
	return &TradeErr{
		BaseError:   BaseError{kind: KindTrade, message: message, cause: errors.NewWithDepth(1, message)},
		NumericCode: numericCode,
		StringCode:  stringCode,
	}
}

// Wrap annotates err with msg using cockroachdb/errors, preserving stack
// context across a retry or reconnect boundary.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

type kinded interface {
	Kind() Kind
}

// KindOf classifies err by walking Unwrap, returning KindInternal for
// anything outside the taxonomy.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// IsRetryable reports whether the taxonomy says this error kind should be
// retried by a generic RPC retry loop (not subscribe/trade, which have their
// own rules — see spec §7).
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNotSynchronized, KindTimeout, KindNotAuthenticated, KindInternal:
		return true
	case KindTooManyRequests:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err should tear down every socket (Unauthorized).
func IsFatal(err error) bool {
	return KindOf(err) == KindUnauthorized
}

// TooManyRequestsDetail extracts the rate-limit metadata, if present.
func TooManyRequestsDetail(err error) (*TooManyRequestsErr, bool) {
	var tmr *TooManyRequestsErr
	if errors.As(err, &tmr) {
		return tmr, true
	}
	return nil, false
}

// TradeDetail extracts the trade return-code metadata, if present.
func TradeDetail(err error) (*TradeErr, bool) {
	var te *TradeErr
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

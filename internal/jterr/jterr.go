// Package jterr implements the engine's typed error taxonomy (spec §7).
// Errors are returned, never thrown; structural errors are always published
// on the event bus and persisted, transient errors are recovered locally.
package jterr

import "fmt"

// Kind is one of the taxonomy's error kinds.
type Kind string

const (
	KindUnparseableSignal Kind = "UnparseableSignal"
	KindFilterBlocked     Kind = "FilterBlocked"
	KindNoPrice           Kind = "NoPrice"
	KindAuthExpired       Kind = "AuthExpired"
	KindAuthRequired      Kind = "AuthRequired"
	KindRateLimited       Kind = "RateLimited"
	KindBrokerRejected    Kind = "BrokerRejected"
	KindEndpointMismatch  Kind = "EndpointMismatch"
	KindInconsistent      Kind = "Inconsistent"
	KindFlattenFailed     Kind = "FlattenFailed"
	KindTransientIO       Kind = "TransientIO"
)

// Error is the engine's structured error type. Kind drives dispatch
// (retry vs surface vs publish); FilterName/BrokerReason/BrokerText carry
// kind-specific context.
type Error struct {
	Kind         Kind
	Message      string
	FilterName   string // set for KindFilterBlocked
	BrokerReason string // set for KindBrokerRejected
	BrokerText   string // set for KindBrokerRejected
	Wrapped      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Wrapped)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is match on Kind alone, e.g. errors.Is(err, jterr.AuthRequired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Wrapped: err}
}

// Sentinels for errors.Is comparisons (e.Message/Wrapped left empty).
var (
	UnparseableSignal = &Error{Kind: KindUnparseableSignal}
	NoPrice           = &Error{Kind: KindNoPrice}
	AuthExpired       = &Error{Kind: KindAuthExpired}
	AuthRequired      = &Error{Kind: KindAuthRequired}
	RateLimited       = &Error{Kind: KindRateLimited}
	EndpointMismatch  = &Error{Kind: KindEndpointMismatch}
	Inconsistent      = &Error{Kind: KindInconsistent}
	FlattenFailed     = &Error{Kind: KindFlattenFailed}
	TransientIO       = &Error{Kind: KindTransientIO}
)

// FilterBlocked builds a KindFilterBlocked error carrying the filter name.
func FilterBlocked(filterName, reason string) *Error {
	return &Error{Kind: KindFilterBlocked, FilterName: filterName, Message: reason}
}

// BrokerRejected builds a KindBrokerRejected error carrying the broker's
// failureReason/failureText, which are authoritative — no retry.
func BrokerRejected(reason, text string) *Error {
	return &Error{Kind: KindBrokerRejected, BrokerReason: reason, BrokerText: text, Message: reason}
}

package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures so callers can decide whether to
// retry, skip, or deactivate without inspecting exchange-specific payloads.
type ErrorKind int

const (
	// KindTransient covers timeouts, rate limits, and upstream 5xx.
	KindTransient ErrorKind = iota
	KindAuth
	KindInsufficientFunds
	KindInvalidOrder
	KindUnknownSymbol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindAuth:
		return "AUTH"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindInvalidOrder:
		return "INVALID_ORDER"
	case KindUnknownSymbol:
		return "UNKNOWN_SYMBOL"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed result every gateway operation returns on failure.
type Error struct {
	Kind     ErrorKind
	Exchange string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Exchange, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Exchange, e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, exchange, op string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Err: err}
}

// KindOf returns the classified kind of a gateway error, defaulting to
// KindTransient for anything untyped (network errors, context timeouts).
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

func IsInsufficientFunds(err error) bool {
	return err != nil && KindOf(err) == KindInsufficientFunds
}

func IsInvalidOrder(err error) bool {
	return err != nil && KindOf(err) == KindInvalidOrder
}

func IsUnknownSymbol(err error) bool {
	return err != nil && KindOf(err) == KindUnknownSymbol
}

package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrGatewayUnavailable  = errors.New("gateway unavailable")
	ErrInvalidPayerContext = errors.New("invalid payer context")
	ErrInvalidAmount       = errors.New("amount not accepted by gateway")
	ErrAuthenticity        = errors.New("notification failed authenticity check")
	ErrUnhandledEvent      = errors.New("notification type not handled")
	ErrRejected            = errors.New("gateway rejected request")
	ErrMalformed           = errors.New("malformed gateway payload")
)

// UnavailableError is a transient failure talking to a gateway. It is the
// only error the retry loop acts on.
type UnavailableError struct {
	Gateway Name
	Op      string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %s: gateway unavailable: %v", e.Gateway, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrGatewayUnavailable, e.Err}
}

func (e *UnavailableError) Retryable() bool { return true }

// AuthenticityError means the payload cannot be trusted and is dropped.
type AuthenticityError struct {
	Gateway Name
	Reason  string
}

func (e *AuthenticityError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Gateway, ErrAuthenticity, e.Reason)
}

func (e *AuthenticityError) Unwrap() error { return ErrAuthenticity }

func (e *AuthenticityError) Retryable() bool { return false }

// StatusError carries a non-2xx gateway response.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.Status, truncate(e.Body, 256))
}

func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

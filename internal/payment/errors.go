package payment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrUnsupportedCurrency   = errors.New("unsupported currency")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrUnknownTransaction    = errors.New("notification references an unknown transaction")
	ErrDuplicateTransaction  = errors.New("transaction already exists")
	ErrStateViolation        = errors.New("illegal transaction state change")
	ErrDuplicateNotification = errors.New("duplicate notification")
	ErrAmountMismatch        = errors.New("reported amount does not match transaction")
)

// StateViolationError is returned for an edge the state machine forbids,
// including a completion whose gateway reference does not match the row.
type StateViolationError struct {
	From   Status
	To     Status
	Detail string
}

func (e *StateViolationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s -> %s: %s", ErrStateViolation, e.From, e.To, e.Detail)
	}
	return fmt.Sprintf("%s: %s -> %s", ErrStateViolation, e.From, e.To)
}

func (e *StateViolationError) Unwrap() error { return ErrStateViolation }

package payment

import (
	"context"
	"errors"

	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"github.com/zjoart/go-payment-ledger/pkg/metrics"
)

// edges is the complete set of legal status changes.
var edges = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRefunded},
	StatusFailed:    {StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Advance moves txn to status to. The write is conditional on the status
// txn was read with, so of two concurrent writers only one succeeds; the
// loser gets ErrDuplicateNotification when the winner reached the same
// status and a StateViolationError otherwise. On success txn is updated in
// place.
func Advance(ctx context.Context, repo Repository, txn *Transaction, to Status, change Change) error {
	from := txn.Status
	if from == to {
		return ErrDuplicateNotification
	}
	if !CanTransition(from, to) {
		return violation(txn, &StateViolationError{From: from, To: to})
	}
	if to == StatusCompleted && change.ExternalReference != txn.ExternalReference {
		return violation(txn, &StateViolationError{From: from, To: to, Detail: "gateway reference mismatch"})
	}

	ok, err := repo.UpdateStatus(ctx, txn.ID, from, to, change)
	if err != nil {
		return err
	}
	if !ok {
		current, err := repo.FindByID(ctx, txn.ID)
		if err != nil {
			return err
		}
		*txn = *current
		if current.Status == to {
			return ErrDuplicateNotification
		}
		return violation(txn, &StateViolationError{From: current.Status, To: to, Detail: "concurrent update"})
	}

	txn.Status = to
	if len(change.Raw) > 0 {
		txn.RawGatewayState = RawJSON(change.Raw)
	}
	return nil
}

func violation(txn *Transaction, err *StateViolationError) error {
	metrics.StateViolations.Inc()
	logger.Warn("rejected transaction state change", logger.Fields{
		logger.TransactionKey: txn.ID.String(),
		logger.GatewayKey:     string(txn.Gateway),
		"from":                string(err.From),
		"to":                  string(err.To),
		"detail":              err.Detail,
	})
	return err
}

// IsViolation reports whether err is a rejected state change.
func IsViolation(err error) bool {
	return errors.Is(err, ErrStateViolation)
}

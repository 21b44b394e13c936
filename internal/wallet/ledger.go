package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zjoart/go-payment-ledger/pkg/id"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"github.com/zjoart/go-payment-ledger/pkg/metrics"
	"github.com/zjoart/go-payment-ledger/pkg/money"
)

// maxAttempts bounds the optimistic retry loop on version conflicts.
const maxAttempts = 5

type CreditRequest struct {
	UserID        string
	Currency      string
	TransactionID uuid.UUID
	Amount        int64
	Purpose       string
}

// Credit adds a successful payment to the user's wallet. The transaction id
// is the idempotency key: a second call for the same transaction returns the
// entry written by the first and leaves the balance alone.
func Credit(ctx context.Context, repo Repository, req CreditRequest) (*LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	currency := money.Normalize(req.Currency)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		w, err := repo.GetOrCreate(ctx, req.UserID, currency)
		if err != nil {
			return nil, err
		}
		if w.Currency != currency {
			return nil, fmt.Errorf("%w: wallet holds %s, credit is %s", ErrCurrencyMismatch, w.Currency, currency)
		}

		existing, err := repo.FindEntry(ctx, w.ID, req.TransactionID, DirectionCredit)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}

		txID := req.TransactionID
		entry := &LedgerEntry{
			ID:            id.Generate(),
			WalletID:      w.ID,
			TransactionID: &txID,
			Direction:     DirectionCredit,
			Amount:        req.Amount,
			BalanceBefore: w.Balance,
			BalanceAfter:  w.Balance + req.Amount,
			Purpose:       req.Purpose,
		}

		err = repo.Apply(ctx, w, entry)
		switch {
		case err == nil:
			recorded(w, entry)
			return entry, nil
		case errors.Is(err, ErrDuplicateEntry):
			return repo.FindEntry(ctx, w.ID, req.TransactionID, DirectionCredit)
		case errors.Is(err, ErrVersionConflict):
			logger.Debug("wallet version conflict, retrying credit", logger.Fields{logger.WalletKey: w.ID.String(), "attempt": attempt})
			continue
		default:
			return nil, err
		}
	}

	return nil, ErrVersionConflict
}

type DebitRequest struct {
	UserID  string
	Amount  int64
	Purpose string
	// Reference is the caller's idempotency key, optional.
	Reference string
	// TransactionID ties the debit to a payment, as refunds do.
	TransactionID *uuid.UUID
}

// Debit removes funds, never below zero and never partially.
func Debit(ctx context.Context, repo Repository, req DebitRequest) (*LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		w, err := repo.FindByUserID(ctx, req.UserID)
		if errors.Is(err, ErrWalletNotFound) {
			return nil, ErrInsufficientBalance
		}
		if err != nil {
			return nil, err
		}

		existing, err := findDebit(ctx, repo, w.ID, req)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}

		if req.Amount > w.Balance {
			return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, w.Balance, req.Amount)
		}

		entry := &LedgerEntry{
			ID:            id.Generate(),
			WalletID:      w.ID,
			TransactionID: req.TransactionID,
			Direction:     DirectionDebit,
			Amount:        req.Amount,
			BalanceBefore: w.Balance,
			BalanceAfter:  w.Balance - req.Amount,
			Purpose:       req.Purpose,
		}
		if req.Reference != "" {
			ref := req.Reference
			entry.Reference = &ref
		}

		err = repo.Apply(ctx, w, entry)
		switch {
		case err == nil:
			recorded(w, entry)
			return entry, nil
		case errors.Is(err, ErrDuplicateEntry):
			return findDebit(ctx, repo, w.ID, req)
		case errors.Is(err, ErrVersionConflict):
			logger.Debug("wallet version conflict, retrying debit", logger.Fields{logger.WalletKey: w.ID.String(), "attempt": attempt})
			continue
		default:
			return nil, err
		}
	}

	return nil, ErrVersionConflict
}

// Reverse writes the compensating debit for a transaction's credit. It
// returns nil, nil when the transaction was never credited.
func Reverse(ctx context.Context, repo Repository, userID string, transactionID uuid.UUID, purpose string) (*LedgerEntry, error) {
	w, err := repo.FindByUserID(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	credit, err := repo.FindEntry(ctx, w.ID, transactionID, DirectionCredit)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	txID := transactionID
	return Debit(ctx, repo, DebitRequest{
		UserID:        userID,
		Amount:        credit.Amount,
		Purpose:       purpose,
		TransactionID: &txID,
	})
}

// findDebit returns the entry an earlier call with the same key wrote. A
// replay must ask for the same movement as the original.
func findDebit(ctx context.Context, repo Repository, walletID uuid.UUID, req DebitRequest) (*LedgerEntry, error) {
	var (
		entry *LedgerEntry
		err   error
	)
	switch {
	case req.TransactionID != nil:
		entry, err = repo.FindEntry(ctx, walletID, *req.TransactionID, DirectionDebit)
	case req.Reference != "":
		entry, err = repo.FindEntryByReference(ctx, walletID, req.Reference)
	default:
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	if entry.Direction != DirectionDebit || entry.Amount != req.Amount {
		return nil, fmt.Errorf("%w: entry %s is a %s of %d", ErrReferenceConflict, entry.ID, entry.Direction, entry.Amount)
	}
	return entry, nil
}

func recorded(w *Wallet, e *LedgerEntry) {
	metrics.WalletMovements.WithLabelValues(string(e.Direction)).Inc()
	fields := logger.Fields{
		logger.WalletKey: w.ID.String(),
		logger.UserIdKey: w.UserID,
		"direction":      string(e.Direction),
		"amount":         e.Amount,
		"balance_after":  e.BalanceAfter,
	}
	if e.TransactionID != nil {
		fields[logger.TransactionKey] = e.TransactionID.String()
	}
	logger.Info("wallet ledger entry recorded", fields)
}

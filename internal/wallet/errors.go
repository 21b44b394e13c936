package wallet

import "errors"

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrCurrencyMismatch    = errors.New("currency does not match wallet")
	ErrVersionConflict     = errors.New("wallet was modified concurrently")
	ErrDuplicateEntry      = errors.New("ledger entry already recorded")
	ErrReferenceConflict   = errors.New("reference already used for a different debit")
)

// Package store defines the unit of work shared by payments and wallets.
package store

import (
	"context"

	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
)

// Store hands out repositories. Inside Atomic, the repositories obtained
// from the callback's Store commit or roll back together.
type Store interface {
	Payments() payment.Repository
	Wallets() wallet.Repository
	Atomic(ctx context.Context, fn func(s Store) error) error
}

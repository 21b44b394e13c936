package store

import (
	"context"

	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"gorm.io/gorm"
)

type gormStore struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Payments() payment.Repository {
	return payment.NewRepository(s.db)
}

func (s *gormStore) Wallets() wallet.Repository {
	return wallet.NewRepository(s.db)
}

// Atomic runs fn in a database transaction. Nested calls become savepoints.
func (s *gormStore) Atomic(ctx context.Context, fn func(s Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// Models lists every table the service owns, in creation order.
func Models() []interface{} {
	return []interface{}{
		&payment.Transaction{},
		&payment.Transition{},
		&payment.Review{},
		&wallet.Wallet{},
		&wallet.LedgerEntry{},
	}
}

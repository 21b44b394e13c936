package wallet

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zjoart/go-payment-ledger/pkg/id"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	FindByUserID(ctx context.Context, userID string) (*Wallet, error)
	// GetOrCreate returns the user's wallet, creating it in currency if absent.
	GetOrCreate(ctx context.Context, userID, currency string) (*Wallet, error)
	FindEntry(ctx context.Context, walletID, transactionID uuid.UUID, direction Direction) (*LedgerEntry, error)
	FindEntryByReference(ctx context.Context, walletID uuid.UUID, reference string) (*LedgerEntry, error)
	// Apply records entry and moves the wallet balance to entry.BalanceAfter
	// in one step. It fails with ErrDuplicateEntry when the entry's idempotency
	// key is taken and ErrVersionConflict when w is stale. On success w
	// reflects the new balance and version.
	Apply(ctx context.Context, w *Wallet, entry *LedgerEntry) error
	ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]LedgerEntry, int64, error)
	SumEntries(ctx context.Context, walletID uuid.UUID) (int64, error)
	ListWallets(ctx context.Context, limit, offset int) ([]Wallet, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindByUserID(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *repository) GetOrCreate(ctx context.Context, userID, currency string) (*Wallet, error) {
	candidate := Wallet{ID: id.Generate(), UserID: userID, Currency: currency}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return nil, err
	}
	return r.FindByUserID(ctx, userID)
}

func (r *repository) FindEntry(ctx context.Context, walletID, transactionID uuid.UUID, direction Direction) (*LedgerEntry, error) {
	var e LedgerEntry
	err := r.db.WithContext(ctx).
		Where("wallet_id = ? AND transaction_id = ? AND direction = ?", walletID, transactionID, direction).
		First(&e).Error
	if err != nil {
		return nil, entryNotFound(err)
	}
	return &e, nil
}

func (r *repository) FindEntryByReference(ctx context.Context, walletID uuid.UUID, reference string) (*LedgerEntry, error) {
	var e LedgerEntry
	err := r.db.WithContext(ctx).
		Where("wallet_id = ? AND reference = ?", walletID, reference).
		First(&e).Error
	if err != nil {
		return nil, entryNotFound(err)
	}
	return &e, nil
}

func (r *repository) Apply(ctx context.Context, w *Wallet, entry *LedgerEntry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// DO NOTHING keeps the surrounding transaction usable on a duplicate
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateEntry
		}

		res = tx.Model(&Wallet{}).
			Where("id = ? AND version = ?", w.ID, w.Version).
			Updates(map[string]interface{}{
				"balance": entry.BalanceAfter,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientBalance
		}
		return err
	}

	w.Balance = entry.BalanceAfter
	w.Version++
	return nil
}

func (r *repository) ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]LedgerEntry, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&LedgerEntry{}).Where("wallet_id = ?", walletID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []LedgerEntry
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	return entries, total, err
}

func (r *repository) SumEntries(ctx context.Context, walletID uuid.UUID) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).Model(&LedgerEntry{}).
		Select("COALESCE(SUM(CASE WHEN direction = 'debit' THEN -amount ELSE amount END), 0)").
		Where("wallet_id = ?", walletID).
		Scan(&sum).Error
	return sum, err
}

func (r *repository) ListWallets(ctx context.Context, limit, offset int) ([]Wallet, error) {
	var wallets []Wallet
	err := r.db.WithContext(ctx).Order("created_at asc").Limit(limit).Offset(offset).Find(&wallets).Error
	return wallets, err
}

func entryNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrEntryNotFound
	}
	return err
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

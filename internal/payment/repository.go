package payment

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/pkg/id"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	// Create inserts a PENDING transaction together with its first history row.
	Create(ctx context.Context, txn *Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	FindByReference(ctx context.Context, gw gateway.Name, externalReference string) (*Transaction, error)
	// UpdateStatus changes status only if the row is still in from and
	// reports whether it did. The history row is written in the same step.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, change Change) (bool, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]Transition, error)
	// ListByStatus pages through rows last updated before the cutoff in
	// (updated_at, id) order, starting after the cursor when one is given.
	ListByStatus(ctx context.Context, status Status, before time.Time, after *Cursor, limit int) ([]Transaction, error)
	// ListUncredited returns COMPLETED transactions that have no wallet credit entry.
	ListUncredited(ctx context.Context, before time.Time, after *Cursor, limit int) ([]Transaction, error)
	// Flag records a review, returning false when the same reason is already flagged.
	Flag(ctx context.Context, review *Review) (bool, error)
	Reviews(ctx context.Context, id uuid.UUID) ([]Review, error)
}

// Cursor is the keyset position of the last row of a page.
type Cursor struct {
	UpdatedAt time.Time
	ID        uuid.UUID
}

func (t *Transaction) Cursor() *Cursor {
	return &Cursor{UpdatedAt: t.UpdatedAt, ID: t.ID}
}

// After reports whether t sorts after c in (updated_at, id) order.
func (c *Cursor) After(t *Transaction) bool {
	if c == nil {
		return true
	}
	if !t.UpdatedAt.Equal(c.UpdatedAt) {
		return t.UpdatedAt.After(c.UpdatedAt)
	}
	return bytes.Compare(t.ID[:], c.ID[:]) > 0
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, txn *Transaction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(txn).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return err
		}
		return tx.Create(&Transition{
			ID:            id.Generate(),
			TransactionID: txn.ID,
			ToStatus:      txn.Status,
			Source:        SourceInitiate,
		}).Error
	})
}

func (r *repository) FindByID(ctx context.Context, txID uuid.UUID) (*Transaction, error) {
	var txn Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", txID).First(&txn).Error; err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

func (r *repository) FindByReference(ctx context.Context, gw gateway.Name, externalReference string) (*Transaction, error) {
	var txn Transaction
	err := r.db.WithContext(ctx).
		Where("gateway = ? AND external_reference = ?", gw, externalReference).
		First(&txn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

func (r *repository) UpdateStatus(ctx context.Context, txID uuid.UUID, from, to Status, change Change) (bool, error) {
	var updated bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		values := map[string]interface{}{"status": to}
		if len(change.Raw) > 0 {
			values["raw_gateway_state"] = RawJSON(change.Raw)
		}

		res := tx.Model(&Transaction{}).
			Where("id = ? AND status = ?", txID, from).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		updated = true
		return tx.Create(&Transition{
			ID:            id.Generate(),
			TransactionID: txID,
			FromStatus:    from,
			ToStatus:      to,
			Source:        change.Source,
			Reason:        change.Reason,
		}).Error
	})
	return updated, err
}

func (r *repository) Transitions(ctx context.Context, txID uuid.UUID) ([]Transition, error) {
	var rows []Transition
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", txID).
		Order("created_at asc").
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListByStatus(ctx context.Context, status Status, before time.Time, after *Cursor, limit int) ([]Transaction, error) {
	var txns []Transaction
	err := page(r.db.WithContext(ctx), after, limit).
		Where("status = ? AND updated_at < ?", status, before).
		Find(&txns).Error
	return txns, err
}

func (r *repository) ListUncredited(ctx context.Context, before time.Time, after *Cursor, limit int) ([]Transaction, error) {
	var txns []Transaction
	err := page(r.db.WithContext(ctx), after, limit).
		Where("status = ? AND updated_at < ?", StatusCompleted, before).
		Where("NOT EXISTS (SELECT 1 FROM wallet_ledger_entries e WHERE e.transaction_id = transactions.id AND e.direction = 'credit')").
		Find(&txns).Error
	return txns, err
}

func page(db *gorm.DB, after *Cursor, limit int) *gorm.DB {
	if after != nil {
		db = db.Where("(updated_at, id) > (?, ?)", after.UpdatedAt, after.ID)
	}
	return db.Order("updated_at asc, id asc").Limit(limit)
}

func (r *repository) Flag(ctx context.Context, review *Review) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(review)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) Reviews(ctx context.Context, txID uuid.UUID) ([]Review, error) {
	var rows []Review
	err := r.db.WithContext(ctx).Where("transaction_id = ?", txID).Find(&rows).Error
	return rows, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTransactionNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

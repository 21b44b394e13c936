package wallet

import (
	"time"

	"github.com/google/uuid"
)

// Wallet holds one user's balance in minor units. Version is bumped on every
// balance change and guards concurrent writers.
type Wallet struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	UserID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	Balance   int64     `gorm:"not null;check:chk_wallets_balance,balance >= 0" json:"balance"`
	Currency  string    `gorm:"type:char(3);not null" json:"currency"`
	Version   int64     `gorm:"not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// LedgerEntry is one immutable balance movement. At most one credit and one
// debit may reference a transaction, and a debit reference is unique per
// wallet; both are enforced by partial unique indexes.
type LedgerEntry struct {
	ID            uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	WalletID      uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_ledger_entries_transaction,where:transaction_id IS NOT NULL;uniqueIndex:idx_ledger_entries_reference,where:reference IS NOT NULL" json:"wallet_id"`
	TransactionID *uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_ledger_entries_transaction,where:transaction_id IS NOT NULL" json:"transaction_id,omitempty"`
	Reference     *string    `gorm:"type:varchar(128);uniqueIndex:idx_ledger_entries_reference,where:reference IS NOT NULL" json:"reference,omitempty"`
	Direction     Direction  `gorm:"type:varchar(8);not null;uniqueIndex:idx_ledger_entries_transaction,where:transaction_id IS NOT NULL" json:"direction"`
	Amount        int64      `gorm:"not null;check:chk_ledger_entries_amount,amount > 0" json:"amount"`
	BalanceBefore int64      `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64      `gorm:"not null" json:"balance_after"`
	Purpose       string     `json:"purpose"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (LedgerEntry) TableName() string { return "wallet_ledger_entries" }

// Signed returns the entry's effect on the balance.
func (e LedgerEntry) Signed() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}

package wallet

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockRepo(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return NewRepository(db), mock
}

func testEntry(w *Wallet) *LedgerEntry {
	txID := uuid.New()
	return &LedgerEntry{
		ID:            uuid.New(),
		WalletID:      w.ID,
		TransactionID: &txID,
		Direction:     DirectionCredit,
		Amount:        500,
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance + 500,
	}
}

var (
	insertEntry  = regexp.QuoteMeta(`INSERT INTO "wallet_ledger_entries"`)
	updateWallet = regexp.QuoteMeta(`UPDATE "wallets" SET`)
)

func TestApplyCommitsEntryAndBalance(t *testing.T) {
	repo, mock := newMockRepo(t)
	w := &Wallet{ID: uuid.New(), UserID: "user-1", Balance: 1000, Currency: "KES", Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec(insertEntry).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateWallet).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Apply(context.Background(), w, testEntry(w)))
	assert.Equal(t, int64(1500), w.Balance)
	assert.Equal(t, int64(4), w.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDuplicateEntryRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)
	w := &Wallet{ID: uuid.New(), UserID: "user-1", Balance: 1000, Currency: "KES", Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec(insertEntry).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Apply(context.Background(), w, testEntry(w))
	assert.ErrorIs(t, err, ErrDuplicateEntry)
	assert.Equal(t, int64(1000), w.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyStaleVersionRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)
	w := &Wallet{ID: uuid.New(), UserID: "user-1", Balance: 1000, Currency: "KES", Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec(insertEntry).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateWallet).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Apply(context.Background(), w, testEntry(w))
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(3), w.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
